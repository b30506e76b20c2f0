package iat

import (
	"encoding/binary"
	"sort"

	"dmadump/pkg/pe"
)

const (
	dynamicSlotSize = 8
	pageMask        = pe.PAGE_SIZE - 1
)

// DynamicResolver finds function pointers the program stored into its own
// writable data at runtime, typically the result of GetProcAddress. Every
// pointer-sized value in a candidate section that equals the address of an
// export of a loaded module is taken as an import slot.
type DynamicResolver struct {
	host  Host
	found map[pe.RVA]ResolvedImport
}

func NewDynamicResolver(host Host) *DynamicResolver {
	return &DynamicResolver{host: host, found: make(map[pe.RVA]ResolvedImport)}
}

func (r *DynamicResolver) Name() string { return "dynamic" }

// dynamicCandidate selects page aligned, writable, non-executable sections.
func dynamicCandidate(s *pe.ImageSectionHeader) bool {
	return s.VirtualAddress&pageMask == 0 &&
		s.VirtualSize() >= dynamicSlotSize &&
		s.HasCharacteristics(pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_WRITE) &&
		!s.HasCharacteristics(pe.IMAGE_SCN_MEM_EXECUTE)
}

func (r *DynamicResolver) Resolve(img *pe.Image) error {
	logger := r.host.Logger()
	catalog := r.host.Catalog()

	sections, err := img.Sections()
	if err != nil {
		return err
	}
	low, high := catalog.AddressRange()
	if low >= high {
		logger.Debugf("no modules loaded, skipping dynamic import scan")
		return nil
	}

	// Slots of the declared imports are handled by the import directory.
	var declared []pe.ImageDataDirectory
	for _, i := range []int{pe.IMAGE_DIRECTORY_ENTRY_IMPORT, pe.IMAGE_DIRECTORY_ENTRY_IAT} {
		if dir, err := img.DataDirectory(i); err == nil && dir.VirtualAddress != 0 {
			declared = append(declared, dir)
		}
	}

	for i := range sections {
		s := &sections[i]
		if !dynamicCandidate(s) {
			continue
		}
		data, err := sectionData(img, s, dynamicSlotSize)
		if err != nil {
			logger.Warnf("cannot scan section %s: %v", s.SectionName(), err)
			continue
		}

	slots:
		for off := 0; off+dynamicSlotSize <= len(data); off += dynamicSlotSize {
			slot := pe.RVA(s.VirtualAddress) + pe.RVA(off)
			for _, dir := range declared {
				if dir.Contains(slot) {
					continue slots
				}
			}

			value := binary.LittleEndian.Uint64(data[off:])
			if value < low || value >= high {
				continue
			}
			mod := catalog.ModuleByAddress(value)
			if mod == nil {
				continue
			}
			export := mod.ExportByVA(value)
			if export == nil {
				continue
			}

			var id FunctionID = ByName(export.Name)
			if export.Name == "" {
				id = ByOrdinal(export.Ordinal)
			}
			r.found[slot] = ResolvedImport{Library: mod.Name, Function: id}
			logger.Debugf("dynamic import at 0x%x: %s!%s", uint32(slot), mod.Name, id)
		}
	}
	return nil
}

// Found returns the discovered imports keyed by the RVA of their slot.
func (r *DynamicResolver) Found() map[pe.RVA]ResolvedImport {
	found := make(map[pe.RVA]ResolvedImport, len(r.found))
	for slot, imp := range r.found {
		found[slot] = imp
	}
	return found
}

func (r *DynamicResolver) slots() []pe.RVA {
	slots := make([]pe.RVA, 0, len(r.found))
	for slot := range r.found {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// Imports lists every discovered function once, in order of its first slot.
func (r *DynamicResolver) Imports() []ResolvedImport {
	var imports []ResolvedImport
	seen := make(map[ResolvedImport]bool)
	for _, slot := range r.slots() {
		imp := r.found[slot]
		if seen[imp] {
			continue
		}
		seen[imp] = true
		imports = append(imports, imp)
	}
	return imports
}

// ApplyPatches points every discovered slot at the function's redirect
// stub and retargets "call [rip+disp32]" instructions that read a slot to
// the function's entry in the new import table.
func (r *DynamicResolver) ApplyPatches(img *pe.Image, code *pe.SectionBuilder) (int, error) {
	logger := r.host.Logger()
	imageBase := r.host.ImageBase()
	slots := r.slots()
	patched := 0

	for _, slot := range slots {
		imp := r.found[slot]
		fn := r.host.FindImportFunction(imp.Library, imp.Function)
		if fn == nil {
			continue
		}
		stub, ok := fn.RedirectStub()
		if !ok {
			continue
		}
		if err := img.WriteUint64(slot, imageBase+uint64(stub)); err != nil {
			logger.Warnf("cannot redirect dynamic import %s at 0x%x: %v", imp, uint32(slot), err)
			continue
		}
		patched++
	}

	sections, err := img.Sections()
	if err != nil {
		return patched, err
	}

	// Collect first so that a patched instruction is never matched again.
	calls := make(map[pe.RVA]*ImportFunction)
	for i := range sections {
		s := &sections[i]
		if !s.HasCharacteristics(pe.IMAGE_SCN_MEM_EXECUTE) {
			continue
		}
		data, err := sectionData(img, s, 1)
		if err != nil {
			logger.Warnf("cannot scan section %s: %v", s.SectionName(), err)
			continue
		}
		for _, slot := range slots {
			imp := r.found[slot]
			fn := r.host.FindImportFunction(imp.Library, imp.Function)
			if fn == nil {
				continue
			}
			if _, ok := fn.Slot(); !ok {
				continue
			}
			for _, call := range FindDirectCalls(data, pe.RVA(s.VirtualAddress), slot) {
				calls[call] = fn
			}
		}
	}

	for call, fn := range calls {
		newSlot, _ := fn.Slot()
		rel, err := relativeTo(call, newSlot)
		if err == nil {
			err = img.WriteInt32(call+2, rel)
		}
		if err != nil {
			logger.Warnf("cannot patch call at 0x%x: %v", uint32(call), err)
			continue
		}
		logger.Debugf("patched call at 0x%x to 0x%x", uint32(call), uint32(newSlot))
		patched++
	}
	return patched, nil
}
