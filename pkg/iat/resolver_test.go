package iat

import (
	"encoding/binary"
	"reflect"
	"testing"

	"dmadump/pkg/log"
	"dmadump/pkg/module"
	"dmadump/pkg/pe"
	"dmadump/pkg/pe/petest"
)

func TestFindDirectCalls(t *testing.T) {
	code := make([]byte, 0x40)
	copy(code[0x10:], petest.DirectCall(0x1010, 0x3010))
	copy(code[0x20:], []byte{0xFF, 0x25, 0xea, 0x1f, 0, 0}) // jmp, not a call
	copy(code[0x3c:], []byte{0xFF, 0x15, 0, 0})              // truncated

	if got := FindDirectCalls(code, 0x1000, 0x3010); !reflect.DeepEqual(got, []pe.RVA{0x1010}) {
		t.Errorf("FindDirectCalls = %v", got)
	}
	if got := FindDirectCalls(code, 0x1000, 0x3011); len(got) != 0 {
		t.Errorf("off-by-one target matched: %v", got)
	}
	if got := FindDirectCalls(code, 0x1001, 0x3010); len(got) != 0 {
		t.Errorf("shifted code matched: %v", got)
	}
}

func TestRelativeTo(t *testing.T) {
	rel, err := relativeTo(0x5000, 0x4028)
	if err != nil || rel != 0x4028-0x5006 {
		t.Errorf("relativeTo = %d, %v", rel, err)
	}
	if _, err := relativeTo(0, 0xffffff00); err == nil {
		t.Error("expected an out of range error")
	}
}

func TestResolverRegistry(t *testing.T) {
	if got := ResolverNames(); !reflect.DeepEqual(got, []string{"dynamic"}) {
		t.Errorf("ResolverNames = %v", got)
	}
	b := NewBuilder(testCatalog(), nil)
	r, err := NewResolver("dynamic", b)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*DynamicResolver); !ok || r.Name() != "dynamic" {
		t.Errorf("NewResolver returned %T", r)
	}
	if _, err := NewResolver("static", b); err == nil {
		t.Error("expected an error for an unknown resolver")
	}
}

func TestDynamicCandidate(t *testing.T) {
	tests := []struct {
		name string
		hdr  pe.ImageSectionHeader
		want bool
	}{
		{"data", pe.ImageSectionHeader{VirtualAddress: 0x3000, Misc_VirtualSize_PhysicalAddress: 0x10, Characteristics: petest.Data}, true},
		{"unaligned", pe.ImageSectionHeader{VirtualAddress: 0x3008, Misc_VirtualSize_PhysicalAddress: 0x10, Characteristics: petest.Data}, false},
		{"tiny", pe.ImageSectionHeader{VirtualAddress: 0x3000, Misc_VirtualSize_PhysicalAddress: 4, Characteristics: petest.Data}, false},
		{"readonly", pe.ImageSectionHeader{VirtualAddress: 0x3000, Misc_VirtualSize_PhysicalAddress: 0x10, Characteristics: petest.ReadOnly}, false},
		{"rwx", pe.ImageSectionHeader{VirtualAddress: 0x3000, Misc_VirtualSize_PhysicalAddress: 0x10, Characteristics: petest.Data | pe.IMAGE_SCN_MEM_EXECUTE}, false},
	}
	for _, tt := range tests {
		if got := dynamicCandidate(&tt.hdr); got != tt.want {
			t.Errorf("%s: dynamicCandidate = %v", tt.name, got)
		}
	}
}

func TestDynamicResolve(t *testing.T) {
	data := petest.New(testImageBase, testSections()...)
	put := func(rva uint32, v uint64) { binary.LittleEndian.PutUint64(data[rva:], v) }
	put(0x3010, kernel32Base+0x2000) // ExitProcess
	put(0x3018, kernel32Base+0x2001) // inside ExitProcess
	put(0x3020, kernel32Base+0x3000) // ordinal 3
	put(0x3028, 0x1234)
	put(0x3030, kernel32Base+0x1000) // inside the declared IAT
	put(0x1200, kernel32Base+0x1000) // code is not scanned
	put(0x2100, kernel32Base+0x1000) // read-only data is not scanned

	img, err := pe.NewImage(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.SetDataDirectory(pe.IMAGE_DIRECTORY_ENTRY_IAT, pe.ImageDataDirectory{VirtualAddress: 0x3030, Size: 8}); err != nil {
		t.Fatal(err)
	}

	r := NewDynamicResolver(NewBuilder(testCatalog(), log.Nop()))
	if err := r.Resolve(img); err != nil {
		t.Fatal(err)
	}
	want := map[pe.RVA]ResolvedImport{
		0x3010: {Library: "KERNEL32.DLL", Function: ByName("ExitProcess")},
		0x3020: {Library: "KERNEL32.DLL", Function: ByOrdinal(3)},
	}
	if got := r.Found(); !reflect.DeepEqual(got, want) {
		t.Errorf("Found = %v", got)
	}
	imports := r.Imports()
	if len(imports) != 2 || imports[0].String() != "KERNEL32.DLL!ExitProcess" || imports[1].String() != "KERNEL32.DLL!#3" {
		t.Errorf("Imports = %v", imports)
	}
}

func TestDynamicResolveEmptyCatalog(t *testing.T) {
	img, _ := newDumpedImage(t)
	r := NewDynamicResolver(NewBuilder(module.NewList(), nil))
	if err := r.Resolve(img); err != nil {
		t.Fatal(err)
	}
	if len(r.Imports()) != 0 {
		t.Errorf("Imports = %v", r.Imports())
	}
}

func TestDynamicImportsAreDeduplicated(t *testing.T) {
	img, _ := newDumpedImage(t)
	if err := img.WriteUint64(0x3018, kernel32Base+0x2000); err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(testCatalog(), nil)
	r := NewDynamicResolver(b)
	b.AddResolver(r)
	stats, err := b.Rebuild(img)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.ResolvedImports != 1 || stats.Functions != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if imports := r.Imports(); len(imports) != 1 || imports[0].String() != "KERNEL32.DLL!ExitProcess" {
		t.Errorf("Imports = %v", imports)
	}
	if found := r.Found(); len(found) != 2 {
		t.Errorf("Found = %v", found)
	}

	stub, ok := b.FindImportFunction("KERNEL32.DLL", ByName("ExitProcess")).RedirectStub()
	if !ok {
		t.Fatal("ExitProcess has no stub")
	}
	for _, slot := range []pe.RVA{0x3010, 0x3018} {
		if v, err := img.ReadUint64(slot); err != nil || v != testImageBase+uint64(stub) {
			t.Errorf("slot 0x%x holds 0x%x (%v)", uint32(slot), v, err)
		}
	}
}
