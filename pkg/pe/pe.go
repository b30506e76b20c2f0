package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// RVA is an offset from the image's load address.
type RVA uint32

// FileOffset is an offset into the image buffer.
type FileOffset uint32

// VA is an absolute virtual address.
type VA uint64

var (
	ErrOutOfBounds   = errors.New("access outside of image data")
	ErrNotMapped     = errors.New("rva is not backed by image data")
	ErrUnsupported   = errors.New("only PE32+ images are supported")
	ErrNoSectionRoom = errors.New("no room for another section header")
)

// Image is a view over a PE32+ image held in memory. All accessors read the
// headers from Data on every call, so Data may be grown between calls.
type Image struct {
	Data []byte
}

// NewImage validates the headers of data and wraps it.
func NewImage(data []byte) (*Image, error) {
	img := &Image{Data: data}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// Validate checks the DOS and NT signatures, the optional header magic and
// that the section table lies inside the buffer.
func (img *Image) Validate() error {
	var dos ImageDosHeader
	if err := img.readStruct(0, &dos); err != nil {
		return errors.New("DOS Header magic not found")
	}

	if dos.E_magic == IMAGE_DOSZM_SIGNATURE {
		return errors.New("probably a ZM Executable (not a PE file)")
	}
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return errors.New("DOS Header magic not found")
	}
	if int(dos.E_lfanew) > len(img.Data) {
		return errors.New("invalid e_lfanew value, probably not a PE file")
	}

	var signature uint32
	if err := img.readStruct(int(dos.E_lfanew), &signature); err != nil {
		return errors.New("invalid NT headers signature")
	}
	switch {
	case signature&0xFFFF == IMAGE_NE_SIGNATURE:
		return errors.New("invalid NT Headers signature (probably a NE file)")
	case signature&0xFFFF == IMAGE_LE_SIGNATURE:
		return errors.New("invalid NT Headers signature (probably a LE file)")
	case signature&0xFFFF == IMAGE_LX_SIGNATURE:
		return errors.New("invalid NT Headers signature (probably a LX file)")
	case signature&0xFFFF == IMAGE_TE_SIGNATURE:
		return errors.New("invalid NT Headers signature (probably a TE file)")
	case signature != IMAGE_NT_SIGNATURE:
		return errors.New("invalid NT headers signature")
	}

	fh, err := img.FileHeader()
	if err != nil {
		return err
	}
	if fh.SizeOfOptionalHeader < IMAGE_SIZEOF_NT_OPTIONAL64 {
		return ErrUnsupported
	}
	oh, err := img.OptionalHeader()
	if err != nil {
		return err
	}
	if oh.Magic != IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		return ErrUnsupported
	}

	if fh.NumberOfSections == 0 {
		return errors.New("image has no sections")
	}

	tableEnd, err := img.SectionTableEnd()
	if err != nil {
		return err
	}
	if tableEnd > len(img.Data) {
		return errors.New("section table lies outside the image data")
	}
	return nil
}

func (img *Image) ntHeadersOffset() (int, error) {
	var lfanew uint32
	if err := img.readStruct(0x3c, &lfanew); err != nil {
		return 0, err
	}
	return int(lfanew), nil
}

func (img *Image) fileHeaderOffset() (int, error) {
	off, err := img.ntHeadersOffset()
	if err != nil {
		return 0, err
	}
	return off + 4, nil
}

func (img *Image) optionalHeaderOffset() (int, error) {
	off, err := img.fileHeaderOffset()
	if err != nil {
		return 0, err
	}
	return off + IMAGE_SIZEOF_FILE_HEADER, nil
}

func (img *Image) FileHeader() (ImageFileHeader, error) {
	var fh ImageFileHeader
	off, err := img.fileHeaderOffset()
	if err != nil {
		return fh, err
	}
	err = img.readStruct(off, &fh)
	return fh, err
}

func (img *Image) setFileHeader(fh *ImageFileHeader) error {
	off, err := img.fileHeaderOffset()
	if err != nil {
		return err
	}
	return img.writeStruct(off, fh)
}

func (img *Image) OptionalHeader() (ImageOptionalHeader64, error) {
	var oh ImageOptionalHeader64
	off, err := img.optionalHeaderOffset()
	if err != nil {
		return oh, err
	}
	err = img.readStruct(off, &oh)
	return oh, err
}

func (img *Image) SetOptionalHeader(oh *ImageOptionalHeader64) error {
	off, err := img.optionalHeaderOffset()
	if err != nil {
		return err
	}
	return img.writeStruct(off, oh)
}

// DataDirectory returns directory entry i, or a zero entry when the header
// declares fewer entries.
func (img *Image) DataDirectory(i int) (ImageDataDirectory, error) {
	oh, err := img.OptionalHeader()
	if err != nil {
		return ImageDataDirectory{}, err
	}
	if i < 0 || i >= IMAGE_NUMBEROF_DIRECTORY_ENTRIES || uint32(i) >= oh.NumberOfRvaAndSizes {
		return ImageDataDirectory{}, nil
	}
	return oh.DataDirectory[i], nil
}

func (img *Image) SetDataDirectory(i int, dir ImageDataDirectory) error {
	oh, err := img.OptionalHeader()
	if err != nil {
		return err
	}
	if i < 0 || i >= IMAGE_NUMBEROF_DIRECTORY_ENTRIES || uint32(i) >= oh.NumberOfRvaAndSizes {
		return fmt.Errorf("%s is not present in the optional header", DirectoryEntryTypes[uint32(i)])
	}
	oh.DataDirectory[i] = dir
	return img.SetOptionalHeader(&oh)
}

func (img *Image) sectionTableOffset() (int, error) {
	fh, err := img.FileHeader()
	if err != nil {
		return 0, err
	}
	off, err := img.optionalHeaderOffset()
	if err != nil {
		return 0, err
	}
	return off + int(fh.SizeOfOptionalHeader), nil
}

// SectionTableEnd returns the file offset just past the last section header.
func (img *Image) SectionTableEnd() (int, error) {
	fh, err := img.FileHeader()
	if err != nil {
		return 0, err
	}
	off, err := img.sectionTableOffset()
	if err != nil {
		return 0, err
	}
	return off + int(fh.NumberOfSections)*IMAGE_SIZEOF_SECTION_HEADER, nil
}

func (img *Image) Sections() ([]ImageSectionHeader, error) {
	fh, err := img.FileHeader()
	if err != nil {
		return nil, err
	}
	off, err := img.sectionTableOffset()
	if err != nil {
		return nil, err
	}

	sections := make([]ImageSectionHeader, fh.NumberOfSections)
	for i := range sections {
		if err = img.readStruct(off+i*IMAGE_SIZEOF_SECTION_HEADER, &sections[i]); err != nil {
			return nil, err
		}
	}
	return sections, nil
}

func (img *Image) SetSection(i int, section *ImageSectionHeader) error {
	fh, err := img.FileHeader()
	if err != nil {
		return err
	}
	if i < 0 || i >= int(fh.NumberOfSections) {
		return fmt.Errorf("section index %d out of range", i)
	}
	off, err := img.sectionTableOffset()
	if err != nil {
		return err
	}
	return img.writeStruct(off+i*IMAGE_SIZEOF_SECTION_HEADER, section)
}

// AppendSection writes a new header after the last one and bumps
// NumberOfSections. The header slot must not overlap any section data.
func (img *Image) AppendSection(section *ImageSectionHeader) error {
	sections, err := img.Sections()
	if err != nil {
		return err
	}
	end, err := img.SectionTableEnd()
	if err != nil {
		return err
	}
	newEnd := end + IMAGE_SIZEOF_SECTION_HEADER
	for i := range sections {
		if sections[i].SizeOfRawData != 0 && int(sections[i].PointerToRawData) < newEnd {
			return ErrNoSectionRoom
		}
	}
	if newEnd > len(img.Data) {
		return ErrNoSectionRoom
	}
	if err = img.writeStruct(end, section); err != nil {
		return err
	}

	fh, err := img.FileHeader()
	if err != nil {
		return err
	}
	fh.NumberOfSections++
	return img.setFileHeader(&fh)
}

// SectionEnd returns the highest VirtualAddress+VirtualSize of all sections.
func (img *Image) SectionEnd() (RVA, error) {
	sections, err := img.Sections()
	if err != nil {
		return 0, err
	}
	var end uint32
	for i := range sections {
		size := MaxUInt32(sections[i].VirtualSize(), sections[i].SizeOfRawData)
		end = MaxUInt32(end, sections[i].VirtualAddress+size)
	}
	return RVA(end), nil
}

// RVAToFileOffset maps rva through the section table. RVAs below the first
// section map onto the headers.
func (img *Image) RVAToFileOffset(rva RVA) (FileOffset, bool) {
	off, _, ok := img.mapRVA(rva)
	return off, ok
}

// mapRVA also returns how many bytes are contiguous in the file from the
// returned offset.
func (img *Image) mapRVA(rva RVA) (FileOffset, uint32, bool) {
	sections, err := img.Sections()
	if err != nil {
		return 0, 0, false
	}
	minAddr := ^uint32(0)
	for i := range sections {
		s := &sections[i]
		if s.VirtualAddress < minAddr {
			minAddr = s.VirtualAddress
		}
		if uint32(rva) < s.VirtualAddress || uint32(rva)-s.VirtualAddress >= s.SizeOfRawData {
			continue
		}
		delta := uint32(rva) - s.VirtualAddress
		off := uint64(s.PointerToRawData) + uint64(delta)
		if off >= uint64(len(img.Data)) {
			return 0, 0, false
		}
		avail := uint64(s.SizeOfRawData - delta)
		if rest := uint64(len(img.Data)) - off; rest < avail {
			avail = rest
		}
		return FileOffset(off), uint32(avail), true
	}
	if uint32(rva) < minAddr && int(rva) < len(img.Data) {
		avail := uint64(minAddr) - uint64(rva)
		if rest := uint64(len(img.Data)) - uint64(rva); rest < avail {
			avail = rest
		}
		return FileOffset(rva), uint32(avail), true
	}
	return 0, 0, false
}

func (img *Image) FileOffsetToRVA(offset FileOffset) (RVA, bool) {
	sections, err := img.Sections()
	if err != nil {
		return 0, false
	}
	minOffset := ^uint32(0)
	for i := range sections {
		s := &sections[i]
		if s.SizeOfRawData == 0 {
			continue
		}
		if s.PointerToRawData < minOffset {
			minOffset = s.PointerToRawData
		}
		if uint32(offset) < s.PointerToRawData || uint32(offset)-s.PointerToRawData >= s.SizeOfRawData {
			continue
		}
		return RVA(s.VirtualAddress + (uint32(offset) - s.PointerToRawData)), true
	}
	if uint32(offset) < minOffset && int(offset) < len(img.Data) {
		return RVA(offset), true
	}
	return 0, false
}

// Slice returns n bytes starting at offset. The slice aliases Data.
func (img *Image) Slice(offset FileOffset, n int) ([]byte, error) {
	if n < 0 || uint64(offset)+uint64(n) > uint64(len(img.Data)) {
		return nil, ErrOutOfBounds
	}
	return img.Data[offset : int(offset)+n], nil
}

// SliceRVA is Slice for an RVA. The range must lie within one section.
func (img *Image) SliceRVA(rva RVA, n int) ([]byte, error) {
	off, avail, ok := img.mapRVA(rva)
	if !ok {
		return nil, ErrNotMapped
	}
	if n < 0 || uint64(n) > uint64(avail) {
		return nil, ErrOutOfBounds
	}
	return img.Slice(off, n)
}

func (img *Image) ReadUint64(rva RVA) (uint64, error) {
	b, err := img.SliceRVA(rva, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (img *Image) WriteUint64(rva RVA, v uint64) error {
	b, err := img.SliceRVA(rva, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (img *Image) ReadUint16(rva RVA) (uint16, error) {
	b, err := img.SliceRVA(rva, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (img *Image) WriteInt32(rva RVA, v int32) error {
	b, err := img.SliceRVA(rva, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
	return nil
}

// ReadStructRVA decodes a fixed-size value located at rva.
func (img *Image) ReadStructRVA(rva RVA, v interface{}) error {
	off, ok := img.RVAToFileOffset(rva)
	if !ok {
		return ErrNotMapped
	}
	return img.readStruct(int(off), v)
}

// StringAtRVA reads a NUL-terminated ASCII string at rva.
func (img *Image) StringAtRVA(rva RVA) (string, error) {
	off, ok := img.RVAToFileOffset(rva)
	if !ok {
		return "", ErrNotMapped
	}
	return img.stringFromData(int(off))
}

// Get an ASCII string from within the data.
func (img *Image) stringFromData(offset int) (string, error) {
	if offset < 0 || offset >= len(img.Data) {
		return "", ErrOutOfBounds
	}

	end := offset
	for end < len(img.Data) && end-offset < MAX_STRING_LENGTH {
		if img.Data[end] == 0 {
			return string(img.Data[offset:end]), nil
		}
		end++
	}
	return "", errors.New("unterminated string")
}

// RVAReader exposes the image as an io.ReaderAt addressed by RVA.
func (img *Image) RVAReader() *RVAReader {
	return &RVAReader{img: img}
}

type RVAReader struct {
	img *Image
}

func (r *RVAReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(^uint32(0)) {
		return 0, ErrOutOfBounds
	}
	n := 0
	for n < len(p) {
		fo, avail, ok := r.img.mapRVA(RVA(off + int64(n)))
		if !ok {
			return n, ErrNotMapped
		}
		n += copy(p[n:], r.img.Data[fo:uint32(fo)+avail])
	}
	return n, nil
}

func (img *Image) readStruct(offset int, v interface{}) error {
	size := binary.Size(v)
	if size < 0 || offset < 0 || offset+size > len(img.Data) {
		return ErrOutOfBounds
	}
	return binary.Read(bytes.NewReader(img.Data[offset:offset+size]), binary.LittleEndian, v)
}

func (img *Image) writeStruct(offset int, v interface{}) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	if offset < 0 || offset+buf.Len() > len(img.Data) {
		return ErrOutOfBounds
	}
	copy(img.Data[offset:], buf.Bytes())
	return nil
}
