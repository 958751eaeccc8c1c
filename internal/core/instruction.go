package core

import "go.stackvm.dev/stackvm/internal/types"

// Instruction is a tagged union: one OpCode plus whichever payload fields
// that opcode uses (spec.md §3 "Instruction"; spec.md §9 "Variant
// instructions" — a tagged union rather than one struct with many unused
// fields, with OperandTypesBefore stored inline for O(1) lookup-by-index,
// not as a separate parallel array).
type Instruction struct {
	OpCode OpCode

	IntValue    int
	FloatValue  float32
	CharValue   byte
	StringValue string

	// Parameters holds the parameter types for Call/CallInstance/
	// CallVirtual/NewObject, and the element type for NewArray/
	// LoadElement/StoreElement (as Parameters[0]).
	Parameters []*types.Type

	// ClassType names the receiver class for CallInstance/CallVirtual/
	// NewObject/LoadField/StoreField. The verifier may rewrite this (see
	// CallInstance dispatch rewriting, spec.md §4.2).
	ClassType interface{ ClassName() string }

	// BranchTarget is the target instruction index for branch opcodes.
	BranchTarget int

	// CalleeName is the unqualified function/member-function name for
	// call and NewObject instructions; combined with Parameters (and
	// ClassType, for member functions) to form a Binder signature.
	CalleeName string

	// LocalOrArgIndex is used by LoadLocal/StoreLocal/LoadArg.
	LocalOrArgIndex int

	// FieldName is used by LoadField/StoreField.
	FieldName string

	// OperandTypesBefore is populated by the verifier: the exact ordered
	// operand-stack type snapshot immediately before this instruction
	// executes (spec.md §3 Invariants, §4.2).
	OperandTypesBefore []*types.Type
}

// ElementType is a convenience accessor for NewArray/LoadElement/
// StoreElement instructions, which stash the element type as
// Parameters[0].
func (i *Instruction) ElementType() *types.Type {
	if len(i.Parameters) == 0 {
		return nil
	}
	return i.Parameters[0]
}
