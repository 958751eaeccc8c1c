// Package class implements class metadata: fields, offsets, the virtual
// table, and class-graph finalization (spec.md §3 "ClassMetadata";
// component C2).
package class

import (
	"fmt"

	"github.com/samber/lo"

	"go.stackvm.dev/stackvm/internal/types"
)

// AccessModifier controls field/member-function visibility (spec.md §3).
type AccessModifier int

const (
	Public AccessModifier = iota
	Private
)

// Field is a single declared or inherited class field.
type Field struct {
	Name         string
	Type         *types.Type
	Offset       int
	Access       AccessModifier
	DeclaredHere bool
}

// VTableEntry pairs a virtual member-function signature with its resolved
// function pointer slot. The pointer itself is filled in by the linker; it
// is opaque bytes here (spec.md §9 "raw handles into executable memory").
type VTableEntry struct {
	Signature   string
	FunctionPtr uintptr
}

// Metadata is the VM's per-class record (spec.md §3 "ClassMetadata").
//
// Fields is insertion-ordered: inherited fields first (prepended during
// finalization), then this class's own declared fields, mirroring the
// original's `ordered map name→Field` (original_source/src/type/classmetadata.cpp).
type Metadata struct {
	Name   string
	Parent *Metadata
	Fields []Field // insertion order: inherited first, then own
	Size   int
	VTable []VTableEntry

	fieldIndex map[string]int
}

// ClassName and IsSubclassOf satisfy types.ClassInfo.
func (m *Metadata) ClassName() string { return m.Name }

func (m *Metadata) IsSubclassOf(other types.ClassInfo) bool {
	for p := m.Parent; p != nil; p = p.Parent {
		if p.Name == other.ClassName() {
			return true
		}
	}
	return false
}

// FieldByName looks up a field, including inherited ones.
func (m *Metadata) FieldByName(name string) (Field, bool) {
	idx, ok := m.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return m.Fields[idx], true
}

// Provider owns all declared classes, keyed by name, and implements
// types.ClassLookup so a types.Provider can resolve `Ref.<Class>` names.
type Provider struct {
	classes map[string]*Metadata
}

func NewProvider() *Provider {
	return &Provider{classes: make(map[string]*Metadata)}
}

// Declare registers a class name before any fields/parent are known, so
// mutually-referential field types (A has a field of type B which has a
// field of type A) can resolve during a later Link pass (spec.md §9 "Cyclic
// class references": two-pass construction — declare all names first, then
// link fields/parents).
func (p *Provider) Declare(name string) (*Metadata, error) {
	if _, exists := p.classes[name]; exists {
		return nil, fmt.Errorf("class %q already declared", name)
	}
	m := &Metadata{Name: name, fieldIndex: make(map[string]int)}
	p.classes[name] = m
	return m, nil
}

func (p *Provider) LookupClass(name string) (types.ClassInfo, bool) {
	m, ok := p.classes[name]
	if !ok {
		return nil, false
	}
	return m, true
}

// Names returns every declared class name, in no particular order, for
// passes that must walk the whole class graph (e.g. the linker's vtable
// resolution check).
func (p *Provider) Names() []string {
	names := make([]string, 0, len(p.classes))
	for name := range p.classes {
		names = append(names, name)
	}
	return names
}

func (p *Provider) Lookup(name string) (*Metadata, bool) {
	m, ok := p.classes[name]
	return m, ok
}

// FieldDecl is the raw field a loader supplies before offsets are known.
type FieldDecl struct {
	Name   string
	Type   *types.Type
	Access AccessModifier
}

// VirtualDecl is a raw virtual member-function declaration before slot
// assignment.
type VirtualDecl struct {
	Signature string // e.g. "Class::name(Class param1 ...)"
	FuncPtr   uintptr
}

// Finalize assigns field offsets (inherited fields prepended, own fields in
// declaration order), computes Size, and assigns stable virtual-table
// indices. Virtual functions get indices derived from the root-defining
// class; an override shares its parent's index for the same unqualified
// member name + parameter arity (spec.md §3 "Virtual functions are assigned
// stable integer indices derived from the root-defining class; override
// bindings share the parent's index").
//
// parentName may be "" for a root class. Mutual inheritance (a cycle in the
// parent chain) is rejected here via a visited-set walk (spec.md §9 open
// question, resolved).
func (p *Provider) Finalize(name string, parentName string, ownFields []FieldDecl, virtuals []VirtualDecl) error {
	m, ok := p.classes[name]
	if !ok {
		return fmt.Errorf("class %q was not declared", name)
	}

	if parentName != "" {
		parent, ok := p.classes[parentName]
		if !ok {
			return fmt.Errorf("class %q: parent %q not declared", name, parentName)
		}
		if err := checkNoCycle(name, parent); err != nil {
			return err
		}
		m.Parent = parent
	}

	offset := 0
	if m.Parent != nil {
		m.Fields = append(m.Fields, m.Parent.Fields...)
		for i, f := range m.Fields {
			f.DeclaredHere = false
			m.Fields[i] = f
			m.fieldIndex[f.Name] = i
		}
		offset = m.Parent.Size
	}

	for _, fd := range ownFields {
		f := Field{
			Name:         fd.Name,
			Type:         fd.Type,
			Offset:       offset,
			Access:       fd.Access,
			DeclaredHere: true,
		}
		m.fieldIndex[f.Name] = len(m.Fields)
		m.Fields = append(m.Fields, f)
		offset += fd.Type.Size()
	}
	m.Size = offset

	m.VTable = assignVTableSlots(m, virtuals)
	return nil
}

// checkNoCycle walks from parent up its own parent chain, erroring if name
// (the class about to adopt parent) appears anywhere in that chain — that
// would make name its own ancestor.
func checkNoCycle(name string, parent *Metadata) error {
	visited := map[string]bool{name: true}
	for p := parent; p != nil; p = p.Parent {
		if visited[p.Name] {
			return fmt.Errorf("class %q: mutual/cyclic inheritance detected at %q", name, p.Name)
		}
		visited[p.Name] = true
	}
	return nil
}

// assignVTableSlots builds the vtable for a class: inherited slots keep
// their parent's index (overridden in place if this class redeclares the
// same signature by unqualified name+arity), new virtual functions get
// appended at the next free index.
func assignVTableSlots(m *Metadata, virtuals []VirtualDecl) []VTableEntry {
	var table []VTableEntry
	if m.Parent != nil {
		table = append(table, m.Parent.VTable...)
	}

	ownByMember := lo.SliceToMap(virtuals, func(v VirtualDecl) (string, VirtualDecl) {
		return memberKey(v.Signature), v
	})

	for i, entry := range table {
		if v, ok := ownByMember[memberKey(entry.Signature)]; ok {
			table[i] = VTableEntry{Signature: v.Signature, FunctionPtr: v.FuncPtr}
			delete(ownByMember, memberKey(entry.Signature))
		}
	}

	remaining := lo.Filter(virtuals, func(v VirtualDecl, _ int) bool {
		_, stillNew := ownByMember[memberKey(v.Signature)]
		return stillNew
	})
	for _, v := range remaining {
		table = append(table, VTableEntry{Signature: v.Signature, FunctionPtr: v.FuncPtr})
	}

	return table
}

// memberKey strips the declaring class qualifier so an override
// ("B::name(B)") matches its parent's declaration ("A::name(A)") by member
// name and arity alone. A real signature comparison also needs parameter
// covariance/contravariance rules, which the verifier (not vtable
// assignment) is responsible for; here we only need a stable identity for
// "same virtual slot".
func memberKey(signature string) string {
	// "Class::name(params)" -> "name(arity)"
	i := 0
	for i < len(signature) && signature[i] != ':' {
		i++
	}
	rest := signature[i+2:] // skip "::"
	nameEnd := 0
	for nameEnd < len(rest) && rest[nameEnd] != '(' {
		nameEnd++
	}
	name := rest[:nameEnd]
	arity := 0
	depth := 0
	for _, r := range rest[nameEnd:] {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ' ':
			if depth == 1 {
				arity++
			}
		}
	}
	if len(rest) > nameEnd+1 && rest[nameEnd+1] != ')' {
		arity++ // receiver/first param with no preceding space
	}
	return fmt.Sprintf("%s/%d", name, arity)
}
