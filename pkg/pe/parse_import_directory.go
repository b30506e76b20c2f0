package pe

import (
	"errors"
	"fmt"
)

const (
	maxImportDescriptors = 0x1000
	maxImportThunks      = 0x10000
)

// ImportDescriptor is one parsed entry of the import directory.
type ImportDescriptor struct {
	ImageImportDescriptor
	RVA     RVA
	Library string
	Thunks  []*ImportThunk
	// Skipped counts thunks that could not be read or named.
	Skipped int
}

// ImportThunk is one import of a descriptor. ThunkRVA is the slot walked
// (the original first thunk when present); FirstThunkRVA is the matching
// slot in the import address table.
type ImportThunk struct {
	ThunkRVA        RVA
	FirstThunkRVA   RVA
	AddressOfData   uint64
	ImportByOrdinal bool
	Ordinal         uint16
	Hint            uint16
	Name            string
}

func (t *ImportThunk) String() string {
	if t.ImportByOrdinal {
		return fmt.Sprintf("#%d", t.Ordinal)
	}
	return t.Name
}

// ImportDescriptors walks the import directory until the null descriptor.
//
// Descriptors whose name cannot be read are dropped and counted in the
// second return value. Thunks that cannot be resolved are dropped and
// counted on their descriptor.
func (img *Image) ImportDescriptors() ([]*ImportDescriptor, int, error) {
	dir, err := img.DataDirectory(IMAGE_DIRECTORY_ENTRY_IMPORT)
	if err != nil {
		return nil, 0, err
	}
	if dir.VirtualAddress == 0 {
		return nil, 0, nil
	}

	var descriptors []*ImportDescriptor
	skipped := 0
	rva := RVA(dir.VirtualAddress)

	for i := 0; i < maxImportDescriptors; i++ {
		importDesc := &ImportDescriptor{RVA: rva}
		if err = img.ReadStructRVA(rva, &importDesc.ImageImportDescriptor); err != nil {
			if len(descriptors) == 0 {
				return nil, 0, fmt.Errorf("import directory at 0x%x: %w", dir.VirtualAddress, err)
			}
			break
		}
		if importDesc.Name == 0 {
			break
		}
		rva += IMAGE_SIZEOF_IMPORT_DESCRIPTOR

		importDesc.Library, err = img.StringAtRVA(RVA(importDesc.Name))
		if err != nil || !ValidDosFilename(importDesc.Library) {
			skipped++
			continue
		}

		img.parseImports64(importDesc)
		descriptors = append(descriptors, importDesc)
	}
	return descriptors, skipped, nil
}

// Parse the imported symbols of one descriptor. The lookup table is the
// original first thunk array, or the first thunk array when the former is
// absent.
func (img *Image) parseImports64(importDesc *ImportDescriptor) {
	tableRVA := RVA(importDesc.OriginalFirstThunk)
	if tableRVA == 0 {
		tableRVA = RVA(importDesc.FirstThunk)
	}
	if tableRVA == 0 {
		return
	}

	for idx := 0; idx < maxImportThunks; idx++ {
		slot := tableRVA + RVA(idx*IMAGE_SIZEOF_THUNK_DATA64)
		value, err := img.ReadUint64(slot)
		if err != nil {
			importDesc.Skipped++
			return
		}
		if value == 0 {
			return
		}

		imp := &ImportThunk{
			ThunkRVA:      slot,
			FirstThunkRVA: RVA(importDesc.FirstThunk) + RVA(idx*IMAGE_SIZEOF_THUNK_DATA64),
			AddressOfData: value,
		}
		if err = img.parseThunk(imp); err != nil {
			importDesc.Skipped++
			continue
		}
		importDesc.Thunks = append(importDesc.Thunks, imp)
	}
}

var errCorruptThunk = errors.New("corruption detected in thunk data")

func (img *Image) parseThunk(imp *ImportThunk) error {
	// If imported by ordinal, the low word holds the ordinal number.
	if imp.AddressOfData&IMAGE_ORDINAL_FLAG64 != 0 {
		// but if its value is beyond 2^16, we will assume it's a
		// corrupted and ignore it altogether
		if imp.AddressOfData&^IMAGE_ORDINAL_FLAG64 > 0xffff {
			return errCorruptThunk
		}
		imp.ImportByOrdinal = true
		imp.Ordinal = uint16(imp.AddressOfData)
		return nil
	}

	if imp.AddressOfData > uint64(^uint32(0)) {
		return errCorruptThunk
	}
	hintNameRVA := RVA(imp.AddressOfData)

	hint, err := img.ReadUint16(hintNameRVA)
	if err != nil {
		return err
	}
	name, err := img.StringAtRVA(hintNameRVA + 2)
	if err != nil {
		return err
	}
	if !ValidFuncName(name) {
		return fmt.Errorf("invalid import name at 0x%x", hintNameRVA+2)
	}
	imp.Hint = hint
	imp.Name = name
	return nil
}
