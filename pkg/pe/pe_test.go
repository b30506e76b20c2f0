package pe_test

import (
	"encoding/binary"
	"testing"

	"dmadump/pkg/pe"
	"dmadump/pkg/pe/petest"
)

func newTestImage(t *testing.T) *pe.Image {
	t.Helper()
	data := petest.New(0x140000000,
		petest.Section{Name: ".text", VirtualAddress: 0x1000, Size: 0x1000, Characteristics: petest.Code},
		petest.Section{Name: ".rdata", VirtualAddress: 0x2000, Size: 0x1000, Characteristics: petest.ReadOnly},
		petest.Section{Name: ".data", VirtualAddress: 0x3000, Size: 0x800, Characteristics: petest.Data},
	)
	img, err := pe.NewImage(data)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return img
}

func TestNewImageRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(data []byte)
	}{
		{"zm", func(data []byte) { binary.LittleEndian.PutUint16(data, pe.IMAGE_DOSZM_SIGNATURE) }},
		{"no mz", func(data []byte) { data[0] = 0 }},
		{"lfanew", func(data []byte) { binary.LittleEndian.PutUint32(data[0x3c:], 0xffffff) }},
		{"ne", func(data []byte) { binary.LittleEndian.PutUint32(data[0x40:], pe.IMAGE_NE_SIGNATURE) }},
		{"nt", func(data []byte) { data[0x40] = 'X' }},
		{"pe32", func(data []byte) { binary.LittleEndian.PutUint16(data[0x58:], pe.IMAGE_NT_OPTIONAL_HDR32_MAGIC) }},
		{"sections", func(data []byte) { binary.LittleEndian.PutUint16(data[0x46:], 0xffff) }},
		{"no sections", func(data []byte) { binary.LittleEndian.PutUint16(data[0x46:], 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := petest.New(0x10000, petest.Section{Name: ".text", VirtualAddress: 0x1000, Size: 0x10, Characteristics: petest.Code})
			tt.mangle(data)
			if _, err := pe.NewImage(data); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	if _, err := pe.NewImage([]byte("MZ")); err == nil {
		t.Fatal("expected an error for a truncated image")
	}
}

func TestHeaders(t *testing.T) {
	img := newTestImage(t)

	oh, err := img.OptionalHeader()
	if err != nil {
		t.Fatal(err)
	}
	if oh.ImageBase != 0x140000000 {
		t.Errorf("ImageBase = %#x", oh.ImageBase)
	}
	if oh.SectionAlignment != 0x1000 || oh.FileAlignment != 0x200 {
		t.Errorf("alignment = %#x/%#x", oh.SectionAlignment, oh.FileAlignment)
	}

	sections, err := img.Sections()
	if err != nil {
		t.Fatal(err)
	}
	if len(sections) != 3 || sections[1].SectionName() != ".rdata" {
		t.Fatalf("unexpected sections %+v", sections)
	}

	oh.ImageBase = 0x7ff600000000
	if err = img.SetOptionalHeader(&oh); err != nil {
		t.Fatal(err)
	}
	oh, _ = img.OptionalHeader()
	if oh.ImageBase != 0x7ff600000000 {
		t.Errorf("ImageBase after update = %#x", oh.ImageBase)
	}

	end, err := img.SectionEnd()
	if err != nil || end != 0x3800 {
		t.Errorf("SectionEnd = %#x, %v", end, err)
	}
}

func TestAddressConversion(t *testing.T) {
	img := newTestImage(t)

	tests := []struct {
		rva    pe.RVA
		offset pe.FileOffset
		ok     bool
	}{
		{0x10, 0x10, true},
		{0x1000, 0x1000, true},
		{0x2abc, 0x2abc, true},
		{0x37ff, 0x37ff, true},
		{0x3800, 0, false},
		{0x9000, 0, false},
	}
	for _, tt := range tests {
		off, ok := img.RVAToFileOffset(tt.rva)
		if ok != tt.ok || off != tt.offset {
			t.Errorf("RVAToFileOffset(%#x) = %#x, %v", tt.rva, off, ok)
		}
		if !tt.ok {
			continue
		}
		rva, ok := img.FileOffsetToRVA(tt.offset)
		if !ok || rva != tt.rva {
			t.Errorf("FileOffsetToRVA(%#x) = %#x, %v", tt.offset, rva, ok)
		}
	}

	if _, err := img.SliceRVA(0x37f0, 0x20); err == nil {
		t.Error("slice crossing the end of the image should fail")
	}
	if err := img.WriteUint64(0x3000, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if v, err := img.ReadUint64(0x3000); err != nil || v != 0x1122334455667788 {
		t.Errorf("ReadUint64 = %#x, %v", v, err)
	}
}

func TestAppendSection(t *testing.T) {
	img := newTestImage(t)

	var h pe.ImageSectionHeader
	h.SetSectionName(".extra")
	h.VirtualAddress = 0x4000
	if err := img.AppendSection(&h); err != nil {
		t.Fatal(err)
	}
	sections, _ := img.Sections()
	if len(sections) != 4 || sections[3].SectionName() != ".extra" {
		t.Fatalf("section not appended: %+v", sections)
	}

	// A section whose data starts right after the table leaves no room.
	end, _ := img.SectionTableEnd()
	sections[0].PointerToRawData = uint32(end) + 0x10
	if err := img.SetSection(0, &sections[0]); err != nil {
		t.Fatal(err)
	}
	if err := img.AppendSection(&h); err != pe.ErrNoSectionRoom {
		t.Fatalf("AppendSection = %v, want ErrNoSectionRoom", err)
	}
}

func TestImportDescriptors(t *testing.T) {
	img := newTestImage(t)
	slots := petest.WriteImports(img.Data, 0x2000,
		petest.Library{Name: "KERNEL32.dll", Functions: []petest.Function{{Name: "Sleep"}, {Name: "ExitProcess"}}},
		petest.Library{Name: "WS2_32.dll", Functions: []petest.Function{{Ordinal: 115}}},
	)

	descriptors, skipped, err := img.ImportDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 || len(descriptors) != 2 {
		t.Fatalf("got %d descriptors, %d skipped", len(descriptors), skipped)
	}

	kernel32 := descriptors[0]
	if kernel32.Library != "KERNEL32.dll" || len(kernel32.Thunks) != 2 {
		t.Fatalf("unexpected descriptor %+v", kernel32)
	}
	if kernel32.Thunks[0].Name != "Sleep" || kernel32.Thunks[1].Name != "ExitProcess" {
		t.Errorf("names = %s, %s", kernel32.Thunks[0], kernel32.Thunks[1])
	}
	if kernel32.Thunks[1].FirstThunkRVA != pe.RVA(slots[1]) {
		t.Errorf("FirstThunkRVA = %#x, want %#x", kernel32.Thunks[1].FirstThunkRVA, slots[1])
	}

	ws2 := descriptors[1].Thunks[0]
	if !ws2.ImportByOrdinal || ws2.Ordinal != 115 {
		t.Errorf("ordinal thunk = %+v", ws2)
	}
	if name := pe.OrdLookup(descriptors[1].Library, ws2.Ordinal, true); name != "WSAStartup" {
		t.Errorf("OrdLookup = %q", name)
	}
}

func TestImportDescriptorsSkipsUnmappedNames(t *testing.T) {
	img := newTestImage(t)
	petest.WriteImports(img.Data, 0x2000,
		petest.Library{Name: "KERNEL32.dll", Functions: []petest.Function{{Name: "Sleep"}, {Name: "ExitProcess"}}},
	)
	descriptors, _, err := img.ImportDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	// Point the first lookup entry outside the image.
	if err = img.WriteUint64(descriptors[0].Thunks[0].ThunkRVA, 0x7fff0000); err != nil {
		t.Fatal(err)
	}

	descriptors, _, err = img.ImportDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	if got := descriptors[0]; len(got.Thunks) != 1 || got.Skipped != 1 || got.Thunks[0].Name != "ExitProcess" {
		t.Fatalf("unexpected descriptor %+v", got)
	}
}

func TestReadExports(t *testing.T) {
	img := newTestImage(t)
	petest.WriteExports(img.Data, 0x2000, "TEST.dll", 5,
		petest.Export{Name: "Alpha", RVA: 0x1010},
		petest.Export{RVA: 0x1020},
		petest.Export{Name: "Gamma", RVA: 0x1030},
	)

	table, err := pe.ReadExports(img.RVAReader())
	if err != nil {
		t.Fatal(err)
	}
	if table.Name != "TEST.dll" {
		t.Errorf("Name = %q", table.Name)
	}
	want := map[uint16]pe.ExportData{
		5: {Name: "Alpha", Ordinal: 5, RVA: 0x1010},
		6: {Ordinal: 6, RVA: 0x1020},
		7: {Name: "Gamma", Ordinal: 7, RVA: 0x1030},
	}
	if len(table.Exports) != len(want) {
		t.Fatalf("got %d exports", len(table.Exports))
	}
	for _, e := range table.Exports {
		if want[e.Ordinal] != e {
			t.Errorf("export %v = %+v, want %+v", e, e, want[e.Ordinal])
		}
	}
}

func TestReadExportsWithoutDirectory(t *testing.T) {
	img := newTestImage(t)
	table, err := pe.ReadExports(img.RVAReader())
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Exports) != 0 {
		t.Fatalf("expected no exports, got %d", len(table.Exports))
	}
}

func TestCodeView(t *testing.T) {
	img := newTestImage(t)
	guid := [16]byte{0x78, 0x56, 0x34, 0x12, 0xbc, 0x9a, 0xf0, 0xde, 1, 2, 3, 4, 5, 6, 7, 8}
	petest.WriteCodeView(img.Data, 0x2100, guid, 0x1a, `C:\build\target.pdb`)

	cv, err := img.CodeView()
	if err != nil {
		t.Fatal(err)
	}
	if cv == nil {
		t.Fatal("no CodeView record found")
	}
	if cv.PDBName() != "target.pdb" {
		t.Errorf("PDBName = %q", cv.PDBName())
	}
	if got := cv.GUID.String(); got != "12345678-9abc-def0-0102-030405060708" {
		t.Errorf("GUID = %s", got)
	}
	if got := cv.SymbolKey(); got != "123456789ABCDEF001020304050607081A" {
		t.Errorf("SymbolKey = %s", got)
	}
	want := "http://msdl.microsoft.com/download/symbols/target.pdb/123456789ABCDEF001020304050607081A/target.pdb"
	if got := cv.SymbolURL("http://msdl.microsoft.com/download/symbols/"); got != want {
		t.Errorf("SymbolURL = %s", got)
	}
}

func TestValidFuncName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"Sleep", true},
		{"?Create@Widget@@QEAAXXZ", true},
		{"??$make_unique<int>@std@@YAXXZ", true},
		{"NTDLL.RtlAllocateHeap", true},
		{"api-ms-win-core-synch-l1-2-0", true},
		{"??1Widget@@QEAA@XZ~", true},
		{"", false},
		{"bad name", false},
		{"\x01\x02", false},
	}
	for _, tt := range tests {
		if got := pe.ValidFuncName(tt.name); got != tt.ok {
			t.Errorf("ValidFuncName(%q) = %v", tt.name, got)
		}
	}

	img := newTestImage(t)
	petest.WriteImports(img.Data, 0x2000, petest.Library{Name: "widget.dll", Functions: []petest.Function{
		{Name: "??$make_unique<int>@std@@YAXXZ"},
		{Name: "NTDLL.RtlAllocateHeap"},
	}})
	descriptors, skipped, err := img.ImportDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 || len(descriptors) != 1 || len(descriptors[0].Thunks) != 2 || descriptors[0].Skipped != 0 {
		t.Fatalf("descriptors = %+v, %d skipped", descriptors, skipped)
	}
}
