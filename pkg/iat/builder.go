package iat

import (
	"encoding/binary"
	"fmt"

	"dmadump/pkg/log"
	"dmadump/pkg/pe"
)

const (
	ImportSectionName = ".dmp0"
	StubSectionName   = ".dmp1"

	importSectionCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	stubSectionCharacteristics   = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_EXECUTE
)

// Stats summarizes one Rebuild.
type Stats struct {
	OriginalImports   int
	SkippedImports    int
	ResolvedImports   int
	Libraries         int
	Functions         int
	StubsBuilt        int
	SlotsRedirected   int
	ReferencesPatched int
}

type originalSlot struct {
	library string
	id      FunctionID
	rva     pe.RVA
}

// Builder merges the declared imports of a dumped image with those found by
// its resolvers, writes a fresh import directory and redirects the old
// slots through trampolines that jump via the new one.
type Builder struct {
	catalog   Catalog
	log       log.Logger
	resolvers []Resolver
	active    []Resolver

	imports       []*ImportLibrary
	originalSlots []originalSlot
	imageBase     uint64
	stats         Stats
}

func NewBuilder(catalog Catalog, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.Nop()
	}
	return &Builder{catalog: catalog, log: logger}
}

func (b *Builder) AddResolver(r Resolver) {
	b.resolvers = append(b.resolvers, r)
}

func (b *Builder) Catalog() Catalog { return b.catalog }

func (b *Builder) Logger() log.Logger { return b.log }

func (b *Builder) ImageBase() uint64 { return b.imageBase }

// Imports returns the merged import table in insertion order.
func (b *Builder) Imports() []*ImportLibrary { return b.imports }

// AddImport returns the function id of library, adding either when
// missing. Library names match case-insensitively and without extension.
func (b *Builder) AddImport(library string, id FunctionID) *ImportFunction {
	lib := findLibrary(b.imports, library)
	if lib == nil {
		lib = &ImportLibrary{Name: library}
		b.imports = append(b.imports, lib)
	}
	return lib.Add(id)
}

func (b *Builder) FindImportFunction(library string, id FunctionID) *ImportFunction {
	lib := findLibrary(b.imports, library)
	if lib == nil {
		return nil
	}
	return lib.Find(id)
}

// ImportDirLayout computes where the parts of the import directory for the
// current table go.
func (b *Builder) ImportDirLayout() ImportDirLayout {
	return computeLayout(b.imports)
}

// Rebuild rewrites img in place. The import table starts empty on every
// call. Only malformed headers fail the rebuild; everything else is logged
// and skipped.
func (b *Builder) Rebuild(img *pe.Image) (Stats, error) {
	if err := img.Validate(); err != nil {
		return b.stats, fmt.Errorf("rebuild imports: %w", err)
	}
	oh, err := img.OptionalHeader()
	if err != nil {
		return b.stats, fmt.Errorf("rebuild imports: %w", err)
	}
	if !pe.PowerOfTwo(oh.FileAlignment) || !pe.PowerOfTwo(oh.SectionAlignment) {
		return b.stats, fmt.Errorf("rebuild imports: bad alignment (file 0x%x, section 0x%x)",
			oh.FileAlignment, oh.SectionAlignment)
	}
	b.reset(oh.ImageBase)

	b.addOriginalImports(img)
	b.resolveImports(img)

	for _, lib := range b.imports {
		b.stats.Functions += len(lib.Functions)
	}
	b.stats.Libraries = len(b.imports)
	if len(b.imports) == 0 {
		b.log.Infof("no imports found, writing an empty import directory")
	}

	if err := b.rebuildImportDir(img); err != nil {
		return b.stats, fmt.Errorf("rebuild import directory: %w", err)
	}
	if err := b.applyPatches(img); err != nil {
		return b.stats, fmt.Errorf("apply import patches: %w", err)
	}
	if err := b.updateHeaders(img); err != nil {
		return b.stats, fmt.Errorf("update headers: %w", err)
	}
	return b.stats, nil
}

// reset drops everything a previous Rebuild collected.
func (b *Builder) reset(imageBase uint64) {
	b.imageBase = imageBase
	b.imports = nil
	b.originalSlots = nil
	b.active = nil
	b.stats = Stats{}
}

func (b *Builder) addOriginalImports(img *pe.Image) {
	descriptors, skipped, err := img.ImportDescriptors()
	if err != nil {
		b.log.Warnf("cannot read the import directory: %v", err)
		return
	}
	b.stats.SkippedImports += skipped

	for _, desc := range descriptors {
		b.stats.SkippedImports += desc.Skipped
		for _, thunk := range desc.Thunks {
			var id FunctionID = ByName(thunk.Name)
			if thunk.ImportByOrdinal {
				id = ByOrdinal(thunk.Ordinal)
			}
			b.AddImport(desc.Library, id)
			if desc.FirstThunk != 0 {
				b.originalSlots = append(b.originalSlots, originalSlot{desc.Library, id, thunk.FirstThunkRVA})
			}
			b.stats.OriginalImports++
		}
	}
	if b.stats.SkippedImports > 0 {
		b.log.Warnf("skipped %d malformed import entries", b.stats.SkippedImports)
	}
	b.log.Infof("found %d imports in %d descriptors", b.stats.OriginalImports, len(descriptors))
}

func (b *Builder) resolveImports(img *pe.Image) {
	for _, r := range b.resolvers {
		if err := r.Resolve(img); err != nil {
			b.log.Warnf("%s resolver failed: %v", r.Name(), err)
			continue
		}
		b.active = append(b.active, r)

		imports := r.Imports()
		for _, imp := range imports {
			b.AddImport(imp.Library, imp.Function)
		}
		b.stats.ResolvedImports += len(imports)
		b.log.Infof("%s resolver found %d imports", r.Name(), len(imports))
	}
}

// nextSection returns where a section appended to img goes. The file
// offset follows the data, the RVA follows everything mapped so far.
func nextSection(img *pe.Image) (pe.FileOffset, pe.RVA, error) {
	oh, err := img.OptionalHeader()
	if err != nil {
		return 0, 0, err
	}
	end, err := img.SectionEnd()
	if err != nil {
		return 0, 0, err
	}
	size := uint64(len(img.Data))
	offset := pe.AlignUpUInt64(size, uint64(oh.FileAlignment))

	mapped := size
	if uint64(end) > mapped {
		mapped = uint64(end)
	}
	if uint64(oh.SizeOfImage) > mapped {
		mapped = uint64(oh.SizeOfImage)
	}
	rva := pe.AlignUpUInt64(mapped, uint64(oh.SectionAlignment))

	if offset > 1<<32-1 || rva > 1<<32-1 {
		return 0, 0, pe.ErrOutOfBounds
	}
	return pe.FileOffset(offset), pe.RVA(rva), nil
}

func (b *Builder) newSection(img *pe.Image, characteristics uint32) (*pe.SectionBuilder, error) {
	oh, err := img.OptionalHeader()
	if err != nil {
		return nil, err
	}
	offset, rva, err := nextSection(img)
	if err != nil {
		return nil, err
	}
	return pe.NewSectionBuilder(offset, rva, oh.SectionAlignment, oh.FileAlignment, characteristics), nil
}

func (b *Builder) rebuildImportDir(img *pe.Image) error {
	section, err := b.newSection(img, importSectionCharacteristics)
	if err != nil {
		return err
	}
	layout := b.ImportDirLayout()
	base := section.RVA()
	writeImportDir(section.Grow(int(layout.Size)), base, layout, b.imports)

	if err := section.AppendTo(img, ImportSectionName); err != nil {
		return err
	}

	err = img.SetDataDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT, pe.ImageDataDirectory{
		VirtualAddress: uint32(base) + layout.DescriptorOffset,
		Size:           layout.DescriptorSize(),
	})
	if err != nil {
		return err
	}
	var iatDir pe.ImageDataDirectory
	if size := layout.ThunkArraySize(); size != 0 {
		iatDir = pe.ImageDataDirectory{VirtualAddress: uint32(base) + layout.FirstThunkOffset, Size: size}
	}
	if err := img.SetDataDirectory(pe.IMAGE_DIRECTORY_ENTRY_IAT, iatDir); err != nil {
		b.log.Warnf("cannot update the IAT directory: %v", err)
	}
	if bound, err := img.DataDirectory(pe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT); err == nil && bound.VirtualAddress != 0 {
		if err := img.SetDataDirectory(pe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT, pe.ImageDataDirectory{}); err != nil {
			b.log.Warnf("cannot clear the bound import directory: %v", err)
		}
	}

	b.log.Infof("wrote %d libraries, %d functions to %s at 0x%x",
		b.stats.Libraries, b.stats.Functions, ImportSectionName, uint32(base))
	return nil
}

func (b *Builder) applyPatches(img *pe.Image) error {
	code, err := b.newSection(img, stubSectionCharacteristics)
	if err != nil {
		return err
	}
	b.buildRedirectStubs(code)
	b.redirectOriginalSlots(img)

	for _, r := range b.active {
		n, err := r.ApplyPatches(img, code)
		if err != nil {
			b.log.Warnf("%s resolver patches incomplete: %v", r.Name(), err)
		}
		b.stats.ReferencesPatched += n
	}

	if code.RawSize() == 0 {
		b.log.Debugf("no redirect stubs needed")
		return nil
	}
	if err := code.AppendTo(img, StubSectionName); err != nil {
		return err
	}
	b.log.Infof("wrote %d redirect stubs to %s at 0x%x", b.stats.StubsBuilt, StubSectionName, uint32(code.RVA()))
	return nil
}

// buildRedirectStubs emits one "jmp [rip+disp32]" per function, reading the
// function's slot in the new import table.
func (b *Builder) buildRedirectStubs(code *pe.SectionBuilder) {
	for _, lib := range b.imports {
		for _, fn := range lib.Functions {
			slot, ok := fn.Slot()
			if !ok {
				continue
			}
			at := code.RVA() + pe.RVA(code.RawSize())
			rel, err := relativeTo(at, slot)
			if err != nil {
				b.log.Warnf("no stub for %s!%s: %v", lib.Name, fn.DisplayName(lib.Name), err)
				continue
			}
			stub := []byte{opIndirect, modrmJmpRIP, 0, 0, 0, 0}
			binary.LittleEndian.PutUint32(stub[2:], uint32(rel))
			fn.SetRedirectStub(code.Append(stub))
			b.stats.StubsBuilt++
		}
	}
}

// redirectOriginalSlots makes the old import address table entries hold the
// address of the matching stub.
func (b *Builder) redirectOriginalSlots(img *pe.Image) {
	for _, s := range b.originalSlots {
		fn := b.FindImportFunction(s.library, s.id)
		if fn == nil {
			continue
		}
		stub, ok := fn.RedirectStub()
		if !ok {
			continue
		}
		if err := img.WriteUint64(s.rva, b.imageBase+uint64(stub)); err != nil {
			b.log.Warnf("cannot redirect %s!%s at 0x%x: %v", s.library, s.id, uint32(s.rva), err)
			continue
		}
		b.stats.SlotsRedirected++
	}
}

func (b *Builder) updateHeaders(img *pe.Image) error {
	oh, err := img.OptionalHeader()
	if err != nil {
		return err
	}
	tableEnd, err := img.SectionTableEnd()
	if err != nil {
		return err
	}
	end, err := img.SectionEnd()
	if err != nil {
		return err
	}

	oh.SizeOfHeaders = pe.MaxUInt32(oh.SizeOfHeaders, pe.AlignUpUInt32(uint32(tableEnd), oh.FileAlignment))
	oh.SizeOfImage = pe.AlignUpUInt32(pe.MaxUInt32(uint32(len(img.Data)), uint32(end)), oh.SectionAlignment)
	return img.SetOptionalHeader(&oh)
}
