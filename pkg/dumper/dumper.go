// Package dumper reads loaded modules out of a target process through a
// memory acquisition backend.
package dumper

import (
	"errors"
	"fmt"

	"dmadump/pkg/log"
	"dmadump/pkg/module"
	"dmadump/pkg/pe"
)

// ModuleEntry is a module as reported by a backend.
type ModuleEntry struct {
	Name string
	Path string
	Base uint64
	Size uint32
}

// Backend gives access to the address space of one target process.
type Backend interface {
	// ReadMemory reads len(buf) bytes at va. It returns the number of bytes
	// read and an error when fewer than len(buf) bytes could be read.
	ReadMemory(va uint64, buf []byte) (int, error)
	Modules() ([]ModuleEntry, error)
	Close() error
}

var (
	ErrUnreadable    = errors.New("memory is not readable")
	ErrModuleUnknown = errors.New("module not found")
)

const (
	pageSize = pe.PAGE_SIZE
	pageMask = pageSize - 1

	maxExportNameLength = 250
)

// Dumper caches the pages it reads from the backend. It is not safe for
// concurrent use.
type Dumper struct {
	backend Backend
	log     log.Logger
	cache   map[uint64][]byte
	modules *module.List
}

func New(backend Backend, logger log.Logger) *Dumper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dumper{
		backend: backend,
		log:     logger,
		cache:   make(map[uint64][]byte),
		modules: module.NewList(),
	}
}

func (d *Dumper) page(va uint64, forceUpdate bool) ([]byte, error) {
	if cached, ok := d.cache[va]; ok && !forceUpdate {
		return cached, nil
	}
	data := make([]byte, pageSize)
	n, err := d.backend.ReadMemory(va, data)
	if err == nil && n != pageSize {
		err = ErrUnreadable
	}
	if err != nil {
		return nil, fmt.Errorf("read page 0x%x: %w", va, err)
	}
	d.cache[va] = data
	return data, nil
}

// ReadMemoryCached fills buf from va a page at a time. Pages are fetched
// from the backend once unless forceUpdate is set. On failure it returns
// the number of bytes copied before the first unreadable page.
func (d *Dumper) ReadMemoryCached(va uint64, buf []byte, forceUpdate bool) (int, error) {
	if va == 0 || len(buf) == 0 {
		return 0, fmt.Errorf("invalid read of %d bytes at 0x%x", len(buf), va)
	}
	n := 0
	for page := va &^ pageMask; n < len(buf); page += pageSize {
		data, err := d.page(page, forceUpdate)
		if err != nil {
			return n, err
		}
		offset := uint64(0)
		if page < va {
			offset = va - page
		}
		n += copy(buf[n:], data[offset:])
	}
	return n, nil
}

// ReadString reads a NUL-terminated string of at most max bytes. A string
// cut short by an unreadable page is returned as far as it was read.
func (d *Dumper) ReadString(va uint64, max int) (string, error) {
	var s []byte
	var chunk [16]byte
	for len(s) < max {
		want := chunk[:]
		if rest := max - len(s); rest < len(want) {
			want = want[:rest]
		}
		n, err := d.ReadMemoryCached(va+uint64(len(s)), want, false)
		for i := 0; i < n; i++ {
			if want[i] == 0 {
				return string(append(s, want[:i]...)), nil
			}
		}
		s = append(s, want[:n]...)
		if err != nil {
			if len(s) == 0 {
				return "", err
			}
			break
		}
	}
	return string(s), nil
}

// memoryReaderAt reads a module image by RVA.
type memoryReaderAt struct {
	d    *Dumper
	base uint64
}

func (r memoryReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pe.ErrOutOfBounds
	}
	return r.d.ReadMemoryCached(r.base+uint64(off), p, false)
}

func (d *Dumper) loadExports(base uint64) ([]module.Export, error) {
	table, err := pe.ReadExports(memoryReaderAt{d: d, base: base})
	if err != nil {
		return nil, err
	}
	exports := make([]module.Export, 0, len(table.Exports))
	for _, e := range table.Exports {
		if len(e.Name) > maxExportNameLength {
			continue
		}
		exports = append(exports, module.Export{
			Name:      e.Name,
			Ordinal:   e.Ordinal,
			RVA:       uint32(e.RVA),
			Forwarder: e.Forwarder,
		})
	}
	return exports, nil
}

// LoadModuleInfo builds the module catalog of the target process, exports
// included. A module whose exports cannot be read is kept without them.
func (d *Dumper) LoadModuleInfo() (*module.List, error) {
	entries, err := d.backend.Modules()
	if err != nil {
		return nil, fmt.Errorf("enumerate modules: %w", err)
	}

	list := module.NewList()
	for _, e := range entries {
		exports, err := d.loadExports(e.Base)
		if err != nil {
			d.log.Warnf("failed to load exports of %s: %v", e.Name, err)
		}
		if !list.Add(module.NewInfo(e.Name, e.Path, e.Base, e.Size, exports)) {
			d.log.Debugf("ignoring second module named %s at 0x%x", e.Name, e.Base)
		}
	}
	d.modules = list
	d.log.Debugf("loaded %d modules", list.Len())
	return list, nil
}

// ModuleList returns the catalog built by the last LoadModuleInfo.
func (d *Dumper) ModuleList() *module.List {
	return d.modules
}

func (d *Dumper) Module(name string) (*module.Info, error) {
	m := d.modules.ModuleByName(name)
	if m == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrModuleUnknown)
	}
	return m, nil
}

// DumpModule reads the image of m and prepares it for import
// reconstruction: every section's raw data is mapped at its virtual
// address and ImageBase is the address the module is loaded at. Pages that
// cannot be read stay zero.
func (d *Dumper) DumpModule(m *module.Info) (*pe.Image, error) {
	if m.ImageSize == 0 {
		return nil, fmt.Errorf("module %s has no image size", m.Name)
	}
	data := make([]byte, m.ImageSize)
	pages, missing := 0, 0
	for offset := uint32(0); offset < m.ImageSize; offset += pageSize {
		end := pe.MinUInt32(offset+pageSize, m.ImageSize)
		pages++
		if _, err := d.ReadMemoryCached(m.ImageBase+uint64(offset), data[offset:end], false); err != nil {
			d.log.Debugf("%v", err)
			missing++
		}
	}
	if missing == pages {
		return nil, fmt.Errorf("dump %s: %w", m.Name, ErrUnreadable)
	}
	if missing > 0 {
		d.log.Warnf("%d of %d pages of %s could not be read", missing, pages, m.Name)
	}

	img, err := pe.NewImage(data)
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", m.Name, err)
	}
	if err := convertSectionsToVirtual(img); err != nil {
		return nil, fmt.Errorf("dump %s: %w", m.Name, err)
	}
	oh, err := img.OptionalHeader()
	if err != nil {
		return nil, err
	}
	oh.ImageBase = m.ImageBase
	if err := img.SetOptionalHeader(&oh); err != nil {
		return nil, err
	}
	return img, nil
}

// convertSectionsToVirtual points each section's raw data at its virtual
// address, which is where a memory dump holds it.
func convertSectionsToVirtual(img *pe.Image) error {
	sections, err := img.Sections()
	if err != nil {
		return err
	}
	for i := range sections {
		s := &sections[i]
		s.PointerToRawData = s.VirtualAddress
		if s.VirtualSize() != 0 {
			s.SizeOfRawData = s.VirtualSize()
		}
		if err := img.SetSection(i, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dumper) Close() error {
	return d.backend.Close()
}
