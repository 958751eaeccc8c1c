package core

import (
	"strings"

	"go.stackvm.dev/stackvm/internal/types"
)

// AccessModifier mirrors class.AccessModifier without importing
// internal/class (which itself doesn't need core), keeping the dependency
// direction core -> types only.
type AccessModifier int

const (
	Public AccessModifier = iota
	Private
)

// FunctionDefinition is the binder-visible shape of a function: its
// signature and everything the codegen/linker need to call it, independent
// of whether a body exists yet (spec.md §3 "FunctionDefinition").
type FunctionDefinition struct {
	Name           string
	Parameters     []*types.Type
	ReturnType     *types.Type
	Managed        bool
	EntryPoint     []byte // set by the linker for managed fns, at registration for external ones
	ClassType      ClassRef
	Access         AccessModifier
	IsConstructor  bool
	IsVirtual      bool
}

// ClassRef is the minimal class identity a FunctionDefinition needs; nil
// for free functions.
type ClassRef interface {
	ClassName() string
}

// Signature renders the canonical binder key: "name(T1 T2 ...)" for free
// functions, "Class::name(Class param1 ...)" for member functions — the
// receiver prepended as the first parameter (spec.md §3 "Function
// signature string").
func (f *FunctionDefinition) Signature() string {
	var b strings.Builder
	if f.ClassType != nil {
		b.WriteString(f.ClassType.ClassName())
		b.WriteString("::")
	}
	b.WriteString(f.Name)
	b.WriteByte('(')
	if f.ClassType != nil {
		b.WriteString(f.ClassType.ClassName())
		if len(f.Parameters) > 0 {
			b.WriteByte(' ')
		}
	}
	for i, p := range f.Parameters {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Name())
	}
	b.WriteByte(')')
	return b.String()
}

// Signature is a free function to build a signature string without a fully
// constructed FunctionDefinition (used by the verifier and loader when
// resolving call targets against the binder).
func Signature(className string, name string, params []*types.Type) string {
	var b strings.Builder
	if className != "" {
		b.WriteString(className)
		b.WriteString("::")
	}
	b.WriteString(name)
	b.WriteByte('(')
	if className != "" {
		b.WriteString(className)
		if len(params) > 0 {
			b.WriteByte(' ')
		}
	}
	for i, p := range params {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Name())
	}
	b.WriteByte(')')
	return b.String()
}

// ManagedFunction is a verified-and-emitted function body (spec.md §3
// "ManagedFunction").
type ManagedFunction struct {
	Def              *FunctionDefinition
	Instructions     []*Instruction
	Locals           []*types.Type // nil entries until the verifier infers them
	OperandStackMax  int
	EmittedCode      []byte

	// InstructionOffsets maps instruction index -> byte offset in
	// EmittedCode, filled by the code generator (spec.md §4.3).
	InstructionOffsets []int
}

func (m *ManagedFunction) NumLocals() int { return len(m.Locals) }
func (m *ManagedFunction) NumParams() int { return len(m.Def.Parameters) }
