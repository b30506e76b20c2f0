package pe_test

import (
	"bytes"
	"testing"

	"dmadump/pkg/pe"
)

func TestSectionBuilderAlignment(t *testing.T) {
	for _, size := range []int{0, 1, 6, 0x1ff, 0x200, 0x201, 0xfff, 0x1000, 0x1234} {
		sb := pe.NewSectionBuilder(0x4000, 0x5000, 0x1000, 0x200, pe.IMAGE_SCN_MEM_READ)
		sb.Grow(size)
		if sb.RawSize() != uint32(size) {
			t.Errorf("RawSize = %#x, want %#x", sb.RawSize(), size)
		}
		sb.Finalize()

		if sb.FileSize()%0x200 != 0 {
			t.Errorf("size %#x: FileSize %#x not file aligned", size, sb.FileSize())
		}
		if sb.VirtualSize()%0x1000 != 0 {
			t.Errorf("size %#x: VirtualSize %#x not section aligned", size, sb.VirtualSize())
		}
		if sb.FileSize() < sb.RawSize() {
			t.Errorf("size %#x: FileSize %#x < RawSize %#x", size, sb.FileSize(), sb.RawSize())
		}
		if uint32(len(sb.Data())) != sb.FileSize() {
			t.Errorf("size %#x: data is %#x bytes after Finalize", size, len(sb.Data()))
		}
		if sb.RawSize() != uint32(size) {
			t.Errorf("size %#x: RawSize changed to %#x by Finalize", size, sb.RawSize())
		}
	}
}

func TestSectionBuilderAppend(t *testing.T) {
	sb := pe.NewSectionBuilder(0x400, 0x3000, 0x1000, 0x200, 0)
	if at := sb.Append([]byte{1, 2, 3}); at != 0x3000 {
		t.Errorf("first append at %#x", at)
	}
	if at := sb.Append([]byte{4, 5}); at != 0x3003 {
		t.Errorf("second append at %#x", at)
	}
	if !bytes.Equal(sb.Data(), []byte{1, 2, 3, 4, 5}) {
		t.Errorf("data = %v", sb.Data())
	}

	sb.Finalize()
	sb.Finalize()
	if len(sb.Data()) != 0x200 {
		t.Errorf("padded %d bytes, want 0x200", len(sb.Data()))
	}

	defer func() {
		if recover() == nil {
			t.Error("append after Finalize did not panic")
		}
	}()
	sb.Append([]byte{6})
}

func TestSectionBuilderAppendTo(t *testing.T) {
	img := newTestImage(t)
	before := len(img.Data)

	offset := pe.AlignUpUInt32(uint32(before), 0x200)
	sb := pe.NewSectionBuilder(pe.FileOffset(offset), 0x4000, 0x1000, 0x200, pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ)
	sb.Append([]byte("payload"))
	if err := sb.AppendTo(img, ".dmp0"); err != nil {
		t.Fatal(err)
	}

	if len(img.Data) != int(offset)+0x200 {
		t.Errorf("image is %#x bytes", len(img.Data))
	}
	sections, _ := img.Sections()
	last := sections[len(sections)-1]
	if last.SectionName() != ".dmp0" || last.VirtualAddress != 0x4000 || last.PointerToRawData != offset {
		t.Fatalf("unexpected header %v", last.String())
	}
	if last.VirtualSize() != 7 || last.SizeOfRawData != 0x200 {
		t.Errorf("sizes = %#x/%#x", last.VirtualSize(), last.SizeOfRawData)
	}
	got, err := img.SliceRVA(0x4000, 7)
	if err != nil || string(got) != "payload" {
		t.Errorf("SliceRVA = %q, %v", got, err)
	}
}
