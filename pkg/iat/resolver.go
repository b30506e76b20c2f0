package iat

import (
	"encoding/binary"
	"fmt"
	"sort"

	"dmadump/pkg/log"
	"dmadump/pkg/module"
	"dmadump/pkg/pe"
)

// Catalog answers address queries against the modules loaded in the target
// process. *module.List implements it.
type Catalog interface {
	ModuleByAddress(va uint64) *module.Info
	AddressRange() (low, high uint64)
}

// Host is the part of the Builder a resolver may use.
type Host interface {
	Catalog() Catalog
	Logger() log.Logger
	// ImageBase is the preferred base of the image being rebuilt. It is
	// only valid during Rebuild.
	ImageBase() uint64
	FindImportFunction(library string, id FunctionID) *ImportFunction
}

// Resolver discovers imports the loader does not know about and rewires
// their references once the new import table exists.
type Resolver interface {
	Name() string
	// Resolve scans img. An error means the resolver has nothing to
	// contribute; Rebuild carries on without it.
	Resolve(img *pe.Image) error
	// Imports returns what Resolve found, ordered by the RVA it was found
	// at.
	Imports() []ResolvedImport
	// ApplyPatches runs after every function has a slot in the new import
	// table and a redirect stub. Additional code goes to the code section.
	// It returns the number of patches written.
	ApplyPatches(img *pe.Image, code *pe.SectionBuilder) (int, error)
}

type resolverFactory func(host Host) Resolver

var resolvers = map[string]resolverFactory{
	"dynamic": func(host Host) Resolver { return NewDynamicResolver(host) },
}

// NewResolver creates the resolver registered under name.
func NewResolver(name string, host Host) (Resolver, error) {
	factory, ok := resolvers[name]
	if !ok {
		return nil, fmt.Errorf("unknown import resolver %q", name)
	}
	return factory(host), nil
}

// ResolverNames lists the registered resolvers in sorted order.
func ResolverNames() []string {
	names := make([]string, 0, len(resolvers))
	for name := range resolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	opIndirect   = 0xFF
	modrmCallRIP = 0x15
	modrmJmpRIP  = 0x25

	indirectInsnSize = 6
)

// FindDirectCalls returns the RVA of every RIP-relative indirect call in
// code whose memory operand is target. code starts at codeRVA.
func FindDirectCalls(code []byte, codeRVA, target pe.RVA) []pe.RVA {
	var calls []pe.RVA
	for i := 0; i+indirectInsnSize <= len(code); i++ {
		if code[i] != opIndirect || code[i+1] != modrmCallRIP {
			continue
		}
		disp := int32(binary.LittleEndian.Uint32(code[i+2:]))
		next := int64(codeRVA) + int64(i) + indirectInsnSize
		if next+int64(disp) == int64(target) {
			calls = append(calls, codeRVA+pe.RVA(i))
		}
	}
	return calls
}

// relativeTo computes the rel32 of a 6-byte RIP-relative instruction at
// insn addressing target.
func relativeTo(insn, target pe.RVA) (int32, error) {
	rel := int64(target) - (int64(insn) + indirectInsnSize)
	if rel < -1<<31 || rel > 1<<31-1 {
		return 0, fmt.Errorf("displacement from 0x%x to 0x%x out of range", insn, target)
	}
	return int32(rel), nil
}

// sectionData returns the bytes of s present in img, trimmed to a multiple
// of align.
func sectionData(img *pe.Image, s *pe.ImageSectionHeader, align int) ([]byte, error) {
	off, ok := img.RVAToFileOffset(pe.RVA(s.VirtualAddress))
	if !ok {
		return nil, pe.ErrNotMapped
	}
	n := int(pe.MinUInt32(s.VirtualSize(), s.SizeOfRawData))
	if s.VirtualSize() == 0 {
		n = int(s.SizeOfRawData)
	}
	if rest := len(img.Data) - int(off); rest < n {
		n = rest
	}
	n -= n % align
	return img.Slice(off, n)
}
