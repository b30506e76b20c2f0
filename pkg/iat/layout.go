package iat

import (
	"encoding/binary"
	"fmt"

	"dmadump/pkg/pe"
)

// ImportDirLayout holds the offsets of the parts of a rebuilt import
// directory, relative to the start of the blob. The parts follow each other
// in field order without padding.
type ImportDirLayout struct {
	DescriptorOffset         uint32
	FirstThunkOffset         uint32
	OriginalFirstThunkOffset uint32
	LibraryNameOffset        uint32
	FunctionNameOffset       uint32
	Size                     uint32
}

// DescriptorSize is the size of the descriptor array, null entry included.
func (l ImportDirLayout) DescriptorSize() uint32 {
	return l.FirstThunkOffset - l.DescriptorOffset
}

// ThunkArraySize is the size of either thunk array.
func (l ImportDirLayout) ThunkArraySize() uint32 {
	return l.OriginalFirstThunkOffset - l.FirstThunkOffset
}

func computeLayout(libs []*ImportLibrary) ImportDirLayout {
	var thunkSize, libraryNameSize, functionNameSize uint32
	for _, lib := range libs {
		thunkSize += uint32(len(lib.Functions)+1) * pe.IMAGE_SIZEOF_THUNK_DATA64
		libraryNameSize += uint32(len(lib.Name)) + 1
		for _, fn := range lib.Functions {
			if name, ok := fn.ID.(ByName); ok {
				functionNameSize += 2 + uint32(len(name)) + 1
			}
		}
	}

	var l ImportDirLayout
	l.FirstThunkOffset = l.DescriptorOffset + uint32(len(libs)+1)*pe.IMAGE_SIZEOF_IMPORT_DESCRIPTOR
	l.OriginalFirstThunkOffset = l.FirstThunkOffset + thunkSize
	l.LibraryNameOffset = l.OriginalFirstThunkOffset + thunkSize
	l.FunctionNameOffset = l.LibraryNameOffset + libraryNameSize
	l.Size = l.FunctionNameOffset + functionNameSize
	return l
}

// writeImportDir materializes libs into blob, which is placed at base and
// sized by layout. Every function records its slot in the first thunk
// array.
func writeImportDir(blob []byte, base pe.RVA, layout ImportDirLayout, libs []*ImportLibrary) {
	le := binary.LittleEndian
	libraryName := layout.LibraryNameOffset
	functionName := layout.FunctionNameOffset
	thunk := uint32(0)

	for i, lib := range libs {
		desc := blob[layout.DescriptorOffset+uint32(i)*pe.IMAGE_SIZEOF_IMPORT_DESCRIPTOR:]
		le.PutUint32(desc[0:], uint32(base)+layout.OriginalFirstThunkOffset+thunk*8)
		le.PutUint32(desc[12:], uint32(base)+libraryName)
		le.PutUint32(desc[16:], uint32(base)+layout.FirstThunkOffset+thunk*8)

		copy(blob[libraryName:], lib.Name)
		libraryName += uint32(len(lib.Name)) + 1

		for _, fn := range lib.Functions {
			var value uint64
			switch id := fn.ID.(type) {
			case ByName:
				// The hint stays zero.
				value = uint64(uint32(base) + functionName)
				copy(blob[functionName+2:], id)
				functionName += 2 + uint32(len(id)) + 1
			case ByOrdinal:
				value = pe.IMAGE_ORDINAL_FLAG64 | uint64(id)
			default:
				panic(fmt.Sprintf("iat: unknown function id %T", fn.ID))
			}
			le.PutUint64(blob[layout.FirstThunkOffset+thunk*8:], value)
			le.PutUint64(blob[layout.OriginalFirstThunkOffset+thunk*8:], value)
			fn.setSlot(base + pe.RVA(layout.FirstThunkOffset+thunk*8))
			thunk++
		}
		// null terminator of this library's arrays
		thunk++
	}
}
