// Package module holds the catalog of modules loaded in the target process
// and their exports.
package module

import (
	"fmt"
	"sort"
	"strings"
)

type Export struct {
	Name    string
	Ordinal uint16
	RVA     uint32
	// Forwarder is set when the export forwards to another module.
	Forwarder string
}

func (e *Export) String() string {
	if e.Name == "" {
		return fmt.Sprintf("#%d", e.Ordinal)
	}
	return e.Name
}

// Info describes one loaded module. ImageBase+Export.RVA is the address
// callers reach the export at.
type Info struct {
	Name      string
	Path      string
	ImageBase uint64
	ImageSize uint32
	Exports   []Export

	byRVA map[uint32]int
}

func NewInfo(name, path string, imageBase uint64, imageSize uint32, exports []Export) *Info {
	return &Info{Name: name, Path: path, ImageBase: imageBase, ImageSize: imageSize, Exports: exports}
}

// Contains reports whether va lies inside the module image.
func (m *Info) Contains(va uint64) bool {
	return va >= m.ImageBase && va-m.ImageBase < uint64(m.ImageSize)
}

func (m *Info) ExportByName(name string) *Export {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return &m.Exports[i]
		}
	}
	return nil
}

func (m *Info) ExportByOrdinal(ordinal uint16) *Export {
	for i := range m.Exports {
		if m.Exports[i].Ordinal == ordinal {
			return &m.Exports[i]
		}
	}
	return nil
}

// ExportByRVA returns the export at rva, preferring a named one when
// several exports share an address.
func (m *Info) ExportByRVA(rva uint32) *Export {
	if m.byRVA == nil {
		m.byRVA = make(map[uint32]int, len(m.Exports))
		for i := range m.Exports {
			prev, seen := m.byRVA[m.Exports[i].RVA]
			if !seen || (m.Exports[prev].Name == "" && m.Exports[i].Name != "") {
				m.byRVA[m.Exports[i].RVA] = i
			}
		}
	}
	if i, ok := m.byRVA[rva]; ok {
		return &m.Exports[i]
	}
	return nil
}

func (m *Info) ExportByVA(va uint64) *Export {
	if !m.Contains(va) {
		return nil
	}
	return m.ExportByRVA(uint32(va - m.ImageBase))
}

// SimplifyLibraryName lower-cases name and strips its extension, so that
// "KERNEL32.DLL" and "kernel32" compare equal.
func SimplifyLibraryName(name string) string {
	name = strings.ToLower(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

func CompareLibraryName(a, b string) bool {
	return SimplifyLibraryName(a) == SimplifyLibraryName(b)
}

// List is the module catalog of one process.
type List struct {
	modules map[string]*Info
	order   []*Info
}

func NewList() *List {
	return &List{modules: make(map[string]*Info)}
}

// Add registers m unless a module with the same simplified name is already
// present. It reports whether m was added.
func (l *List) Add(m *Info) bool {
	key := SimplifyLibraryName(m.Name)
	if _, ok := l.modules[key]; ok {
		return false
	}
	l.modules[key] = m
	l.order = append(l.order, m)
	return true
}

func (l *List) Len() int {
	return len(l.order)
}

// Modules returns the modules in insertion order.
func (l *List) Modules() []*Info {
	return l.order
}

func (l *List) ModuleByName(name string) *Info {
	return l.modules[SimplifyLibraryName(name)]
}

func (l *List) ModuleByAddress(va uint64) *Info {
	for _, m := range l.order {
		if m.Contains(va) {
			return m
		}
	}
	return nil
}

// AddressRange returns the lowest image base and the highest image end
// over all modules. Both are zero for an empty list.
func (l *List) AddressRange() (low, high uint64) {
	for i, m := range l.order {
		end := m.ImageBase + uint64(m.ImageSize)
		if i == 0 || m.ImageBase < low {
			low = m.ImageBase
		}
		if end > high {
			high = end
		}
	}
	return low, high
}

// Sorted returns the modules ordered by image base.
func (l *List) Sorted() []*Info {
	sorted := make([]*Info, len(l.order))
	copy(sorted, l.order)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ImageBase < sorted[j].ImageBase })
	return sorted
}
