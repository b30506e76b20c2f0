// Package petest builds synthetic PE32+ images for tests. Images use the
// layout of a module dumped from memory: every section is stored at its
// VirtualAddress and its raw size equals its virtual size.
package petest

import (
	"bytes"
	"encoding/binary"

	"dmadump/pkg/pe"
)

const (
	Code     = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_EXECUTE
	Data     = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	ReadOnly = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ

	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	SizeOfHeaders    = 0x400

	lfanew = 0x40
)

type Section struct {
	Name            string
	VirtualAddress  uint32
	Size            uint32
	Characteristics uint32
}

// New returns an image with the given sections, all zero filled.
func New(imageBase uint64, sections ...Section) []byte {
	end := uint32(SectionAlignment)
	for _, s := range sections {
		end = pe.MaxUInt32(end, s.VirtualAddress+s.Size)
	}
	sizeOfImage := pe.AlignUpUInt32(end, SectionAlignment)

	var hdr bytes.Buffer
	put := func(v interface{}) {
		if err := binary.Write(&hdr, binary.LittleEndian, v); err != nil {
			panic(err)
		}
	}

	put(pe.ImageDosHeader{E_magic: pe.IMAGE_DOS_SIGNATURE, E_lfanew: lfanew})
	put(uint32(pe.IMAGE_NT_SIGNATURE))
	put(pe.ImageFileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: pe.IMAGE_SIZEOF_NT_OPTIONAL64,
		Characteristics:      0x22,
	})
	put(pe.ImageOptionalHeader64{
		Magic:                 pe.IMAGE_NT_OPTIONAL_HDR64_MAGIC,
		ImageBase:             imageBase,
		SectionAlignment:      SectionAlignment,
		FileAlignment:         FileAlignment,
		MajorSubsystemVersion: 6,
		SizeOfImage:           sizeOfImage,
		SizeOfHeaders:         SizeOfHeaders,
		Subsystem:             3,
		NumberOfRvaAndSizes:   pe.IMAGE_NUMBEROF_DIRECTORY_ENTRIES,
	})
	for _, s := range sections {
		var h pe.ImageSectionHeader
		h.SetSectionName(s.Name)
		h.Misc_VirtualSize_PhysicalAddress = s.Size
		h.VirtualAddress = s.VirtualAddress
		h.SizeOfRawData = s.Size
		h.PointerToRawData = s.VirtualAddress
		h.Characteristics = s.Characteristics
		put(h)
	}

	data := make([]byte, sizeOfImage)
	copy(data, hdr.Bytes())
	return data
}

func setDirectory(data []byte, index int, rva, size uint32) {
	img := &pe.Image{Data: data}
	if err := img.SetDataDirectory(index, pe.ImageDataDirectory{VirtualAddress: rva, Size: size}); err != nil {
		panic(err)
	}
}

// Function is imported by Name, or by Ordinal when Name is empty.
type Function struct {
	Name    string
	Ordinal uint16
}

type Library struct {
	Name      string
	Functions []Function
}

// WriteImports lays out a linker-style import directory at rva and points
// the import data directory at it. Both thunk arrays hold the unbound
// lookup values. It returns the import address table slot of every
// function, in declaration order.
func WriteImports(data []byte, rva uint32, libs ...Library) []uint32 {
	descSize := uint32(len(libs)+1) * pe.IMAGE_SIZEOF_IMPORT_DESCRIPTOR
	thunkSize := uint32(0)
	for _, lib := range libs {
		thunkSize += uint32(len(lib.Functions)+1) * 8
	}
	iltRVA := rva + descSize
	iatRVA := iltRVA + thunkSize
	cursor := iatRVA + thunkSize

	putString := func(s string) uint32 {
		at := cursor
		copy(data[at:], s)
		data[at+uint32(len(s))] = 0
		cursor += uint32(len(s)) + 1
		return at
	}

	var slots []uint32
	for i, lib := range libs {
		desc := pe.ImageImportDescriptor{
			OriginalFirstThunk: iltRVA,
			FirstThunk:         iatRVA,
			Name:               putString(lib.Name),
		}
		putStruct(data, rva+uint32(i)*pe.IMAGE_SIZEOF_IMPORT_DESCRIPTOR, desc)

		for _, fn := range lib.Functions {
			var value uint64
			if fn.Name == "" {
				value = pe.IMAGE_ORDINAL_FLAG64 | uint64(fn.Ordinal)
			} else {
				hintName := cursor
				cursor += 2
				putString(fn.Name)
				value = uint64(hintName)
			}
			binary.LittleEndian.PutUint64(data[iltRVA:], value)
			binary.LittleEndian.PutUint64(data[iatRVA:], value)
			slots = append(slots, iatRVA)
			iltRVA += 8
			iatRVA += 8
		}
		iltRVA += 8
		iatRVA += 8
	}

	setDirectory(data, pe.IMAGE_DIRECTORY_ENTRY_IMPORT, rva, descSize)
	return slots
}

// Export is exported by Name, or by ordinal only when Name is empty.
type Export struct {
	Name string
	RVA  uint32
}

// WriteExports lays out an export directory named dllName at rva. Export i
// receives ordinal base+i.
func WriteExports(data []byte, rva uint32, dllName string, base uint32, exports ...Export) {
	var named []int
	for i, e := range exports {
		if e.Name != "" {
			named = append(named, i)
		}
	}

	functionsRVA := rva + 40
	namesRVA := functionsRVA + uint32(len(exports))*4
	ordinalsRVA := namesRVA + uint32(len(named))*4
	cursor := ordinalsRVA + uint32(len(named))*2

	putString := func(s string) uint32 {
		at := cursor
		copy(data[at:], s)
		data[at+uint32(len(s))] = 0
		cursor += uint32(len(s)) + 1
		return at
	}

	dir := pe.ImageExportDirectory{
		Name:                  putString(dllName),
		Base:                  base,
		NumberOfFunctions:     uint32(len(exports)),
		NumberOfNames:         uint32(len(named)),
		AddressOfFunctions:    functionsRVA,
		AddressOfNames:        namesRVA,
		AddressOfNameOrdinals: ordinalsRVA,
	}
	putStruct(data, rva, dir)

	for i, e := range exports {
		binary.LittleEndian.PutUint32(data[functionsRVA+uint32(i)*4:], e.RVA)
	}
	for j, i := range named {
		binary.LittleEndian.PutUint32(data[namesRVA+uint32(j)*4:], putString(exports[i].Name))
		binary.LittleEndian.PutUint16(data[ordinalsRVA+uint32(j)*2:], uint16(i))
	}

	setDirectory(data, pe.IMAGE_DIRECTORY_ENTRY_EXPORT, rva, cursor-rva)
}

// WriteCodeView writes a debug directory with one PDB 7.0 record at rva.
func WriteCodeView(data []byte, rva uint32, guid [16]byte, age uint32, pdbPath string) {
	recordRVA := rva + pe.IMAGE_SIZEOF_DEBUG_DIRECTORY
	record := pe.CvInfoPdb70{CvSignature: pe.CV_PDB_70_SIGNATURE, Signature: guid, Age: age}
	putStruct(data, recordRVA, record)
	copy(data[recordRVA+24:], pdbPath)
	data[recordRVA+24+uint32(len(pdbPath))] = 0

	putStruct(data, rva, pe.ImageDebugDirectory{
		Type:             pe.IMAGE_DEBUG_TYPE_CODEVIEW,
		SizeOfData:       24 + uint32(len(pdbPath)) + 1,
		AddressOfRawData: recordRVA,
		PointerToRawData: recordRVA,
	})
	setDirectory(data, pe.IMAGE_DIRECTORY_ENTRY_DEBUG, rva, pe.IMAGE_SIZEOF_DEBUG_DIRECTORY)
}

func putStruct(data []byte, at uint32, v interface{}) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(data[at:], buf.Bytes())
}

// DirectCall encodes `call qword ptr [rip+disp]` at callRVA targeting slot.
func DirectCall(callRVA, slot uint32) []byte {
	b := []byte{0xFF, 0x15, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[2:], uint32(int32(int64(slot)-int64(callRVA)-6)))
	return b
}
