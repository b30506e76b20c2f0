package pe

// SectionBuilder accumulates the bytes of one section appended to an image.
// The offset and RVA passed in must already be aligned by the caller.
type SectionBuilder struct {
	offset           FileOffset
	rva              RVA
	sectionAlignment uint32
	fileAlignment    uint32
	characteristics  uint32

	data      []byte
	rawSize   uint32
	finalized bool
}

func NewSectionBuilder(offset FileOffset, rva RVA, sectionAlignment, fileAlignment uint32, characteristics uint32) *SectionBuilder {
	return &SectionBuilder{
		offset:           offset,
		rva:              rva,
		sectionAlignment: sectionAlignment,
		fileAlignment:    fileAlignment,
		characteristics:  characteristics,
	}
}

func (s *SectionBuilder) Offset() FileOffset { return s.offset }

func (s *SectionBuilder) RVA() RVA { return s.rva }

func (s *SectionBuilder) Characteristics() uint32 { return s.characteristics }

// Append adds p at the end of the section and returns the RVA it landed at.
func (s *SectionBuilder) Append(p []byte) RVA {
	at := s.rva + RVA(s.RawSize())
	s.Grow(len(p))
	copy(s.data[len(s.data)-len(p):], p)
	return at
}

// Grow extends the section by n zero bytes and returns the new region.
func (s *SectionBuilder) Grow(n int) []byte {
	if s.finalized {
		panic("pe: section builder used after Finalize")
	}
	start := len(s.data)
	s.data = append(s.data, make([]byte, n)...)
	return s.data[start:]
}

// Data returns the bytes appended so far, padded once finalized.
func (s *SectionBuilder) Data() []byte {
	return s.data
}

// RawSize is the unpadded number of bytes in the section.
func (s *SectionBuilder) RawSize() uint32 {
	if s.finalized {
		return s.rawSize
	}
	return uint32(len(s.data))
}

func (s *SectionBuilder) FileSize() uint32 {
	return AlignUpUInt32(s.RawSize(), s.fileAlignment)
}

func (s *SectionBuilder) VirtualSize() uint32 {
	return AlignUpUInt32(s.RawSize(), s.sectionAlignment)
}

// Finalize pads the data up to the file size. Further calls are no-ops and
// the builder rejects any append afterwards.
func (s *SectionBuilder) Finalize() {
	if s.finalized {
		return
	}
	s.rawSize = uint32(len(s.data))
	s.data = append(s.data, make([]byte, s.FileSize()-s.rawSize)...)
	s.finalized = true
}

// Header returns the section header describing the builder. VirtualSize is
// the unpadded size, as linkers emit it.
func (s *SectionBuilder) Header(name string) ImageSectionHeader {
	var h ImageSectionHeader
	h.SetSectionName(name)
	h.Misc_VirtualSize_PhysicalAddress = s.RawSize()
	h.VirtualAddress = uint32(s.rva)
	h.SizeOfRawData = s.FileSize()
	h.PointerToRawData = uint32(s.offset)
	h.Characteristics = s.characteristics
	return h
}

// AppendTo appends the finalized section to img: the data is placed at the
// builder's offset and the header is added to the section table.
func (s *SectionBuilder) AppendTo(img *Image, name string) error {
	s.Finalize()
	header := s.Header(name)
	if err := img.AppendSection(&header); err != nil {
		return err
	}
	if int(s.offset) > len(img.Data) {
		img.Data = append(img.Data, make([]byte, int(s.offset)-len(img.Data))...)
	}
	img.Data = append(img.Data[:s.offset], s.data...)
	return nil
}
