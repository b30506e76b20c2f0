package pe

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DOS Header
//noinspection GoSnakeCaseUsage
type ImageDosHeader struct {
	E_magic    uint16
	E_cblp     uint16
	E_cp       uint16
	E_crlc     uint16
	E_cparhd   uint16
	E_minalloc uint16
	E_maxalloc uint16
	E_ss       uint16
	E_sp       uint16
	E_csum     uint16
	E_ip       uint16
	E_cs       uint16
	E_lfarlc   uint16
	E_ovno     uint16
	E_res      [4]uint16
	E_oemid    uint16
	E_oeminfo  uint16
	E_res2     [10]uint16
	E_lfanew   uint32
}

// File Header
type ImageFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// Data directory
type ImageDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// Contains reports whether rva lies inside the directory.
func (d ImageDataDirectory) Contains(rva RVA) bool {
	return uint32(rva) >= d.VirtualAddress && uint32(rva)-d.VirtualAddress < d.Size
}

// Optional Header (PE32+)
type ImageOptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [IMAGE_NUMBEROF_DIRECTORY_ENTRIES]ImageDataDirectory
}

// Image Section
//noinspection GoSnakeCaseUsage
type ImageSectionHeader struct {
	Name                             [IMAGE_SIZEOF_SHORT_NAME]uint8
	Misc_VirtualSize_PhysicalAddress uint32
	VirtualAddress                   uint32
	SizeOfRawData                    uint32
	PointerToRawData                 uint32
	PointerToRelocations             uint32
	PointerToLinenumbers             uint32
	NumberOfRelocations              uint16
	NumberOfLinenumbers              uint16
	Characteristics                  uint32
}

// SectionName returns the NUL-trimmed section name.
func (s *ImageSectionHeader) SectionName() string {
	return string(bytes.TrimRight(s.Name[:], "\x00"))
}

// SetSectionName stores name, truncated to IMAGE_SIZEOF_SHORT_NAME bytes.
func (s *ImageSectionHeader) SetSectionName(name string) {
	s.Name = [IMAGE_SIZEOF_SHORT_NAME]uint8{}
	copy(s.Name[:], name)
}

func (s *ImageSectionHeader) VirtualSize() uint32 {
	return s.Misc_VirtualSize_PhysicalAddress
}

// HasCharacteristics reports whether every bit in flags is set.
func (s *ImageSectionHeader) HasCharacteristics(flags uint32) bool {
	return s.Characteristics&flags == flags
}

func (s *ImageSectionHeader) String() string {
	return structString(0, "SECTION_HEADER "+s.SectionName(), *s) + flagString(s.Characteristics, SectionCharacteristics)
}

// Image Import Descriptor
type ImageImportDescriptor struct {
	OriginalFirstThunk uint32 // Characteristics
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// ThunkData64
type ImageThunkData64 struct {
	AddressOfData uint64
}

// Export Directory
type ImageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// DebugDirectory
type ImageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

type CvInfoPdb70 struct {
	CvSignature uint32
	Signature   [16]byte
	Age         uint32
	// PdbFileName ... Variable sized array
}

// Helper functions

func structString(fileOffset int, structName string, iface interface{}) string {
	sType := reflect.TypeOf(iface)
	sValue := reflect.ValueOf(iface)
	values := "[" + structName + "]\n"
	for i := 0; i < sType.NumField(); i++ {
		sField := sType.Field(i)
		vField := sValue.Field(i)
		kind := vField.Kind()

		fieldOffset := uint64(fileOffset) + uint64(sField.Offset)
		switch kind {
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			values += fmt.Sprintf("0x%-4X\t\t0x%-4X\t%-24s\t0x%X"+
				"\n", fieldOffset, sField.Offset, sField.Name, vField.Interface())
		case reflect.Array:
			if vField.Type().Elem().Kind() == reflect.Struct {
				continue
			}
			values += fmt.Sprintf("0x%-4X\t\t0x%-4X\t%-24s\t%v"+
				"\n", fieldOffset, sField.Offset, sField.Name, vField.Interface())
		}
	}
	return values
}

func flagString(flags uint32, charMap map[string]uint32) string {
	var names []string
	for key, value := range charMap {
		if flags&value == value {
			names = append(names, key)
		}
	}
	if len(names) == 0 {
		return "No Flags\n"
	}
	sort.Strings(names)
	return "Flags: " + strings.Join(names, " | ") + "\n"
}
