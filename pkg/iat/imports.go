// Package iat rebuilds the import directory of a dumped module and redirects
// every known reference to imported functions through it.
package iat

import (
	"fmt"

	"dmadump/pkg/module"
	"dmadump/pkg/pe"
)

// FunctionID identifies an imported function either by name or by ordinal.
// The only implementations are ByName and ByOrdinal; IDs compare with ==.
type FunctionID interface {
	fmt.Stringer
	isFunctionID()
}

type ByName string

func (ByName) isFunctionID() {}

func (n ByName) String() string { return string(n) }

type ByOrdinal uint16

func (ByOrdinal) isFunctionID() {}

func (o ByOrdinal) String() string { return fmt.Sprintf("#%d", uint16(o)) }

// ImportFunction is one function of the rebuilt import table.
type ImportFunction struct {
	ID FunctionID

	stub    pe.RVA
	hasStub bool
	slot    pe.RVA
	hasSlot bool
}

// RedirectStub returns the RVA of the trampoline built for the function.
func (f *ImportFunction) RedirectStub() (pe.RVA, bool) {
	return f.stub, f.hasStub
}

func (f *ImportFunction) SetRedirectStub(rva pe.RVA) {
	f.stub = rva
	f.hasStub = true
}

// Slot returns the RVA of the function's entry in the new import address
// table.
func (f *ImportFunction) Slot() (pe.RVA, bool) {
	return f.slot, f.hasSlot
}

func (f *ImportFunction) setSlot(rva pe.RVA) {
	f.slot = rva
	f.hasSlot = true
}

// DisplayName names ordinal imports of well known libraries.
func (f *ImportFunction) DisplayName(library string) string {
	switch id := f.ID.(type) {
	case ByName:
		return string(id)
	case ByOrdinal:
		return pe.OrdLookup(library, uint16(id), true)
	default:
		panic(fmt.Sprintf("iat: unknown function id %T", f.ID))
	}
}

// ImportLibrary is a library of the rebuilt import table with its functions
// in insertion order.
type ImportLibrary struct {
	Name      string
	Functions []*ImportFunction
}

func (l *ImportLibrary) Find(id FunctionID) *ImportFunction {
	for _, fn := range l.Functions {
		if fn.ID == id {
			return fn
		}
	}
	return nil
}

// Add returns the function with the given id, adding it when missing.
func (l *ImportLibrary) Add(id FunctionID) *ImportFunction {
	if fn := l.Find(id); fn != nil {
		return fn
	}
	fn := &ImportFunction{ID: id}
	l.Functions = append(l.Functions, fn)
	return fn
}

// ResolvedImport is an import discovered by a resolver.
type ResolvedImport struct {
	Library  string
	Function FunctionID
}

func (r ResolvedImport) String() string {
	return r.Library + "!" + r.Function.String()
}

func findLibrary(libs []*ImportLibrary, name string) *ImportLibrary {
	for _, lib := range libs {
		if module.CompareLibraryName(lib.Name, name) {
			return lib
		}
	}
	return nil
}
