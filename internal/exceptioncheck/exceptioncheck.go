// Package exceptioncheck emits the fatal-error guard sequences the code
// generator inlines before every unsafe operation (spec.md §4.5; component
// C8): null-reference checks before CallInstance/CallVirtual/LoadField/
// StoreField, array-bounds checks before LoadElement/StoreElement, a
// negative-length check before NewArray, and a stack-depth check
// (EmitStackOverflowCheck, which internal/codegen does not emit). Each
// inline check is a compare-and-conditional-jump to a shared per-kind thunk that never returns (it reports through the runtime
// error surface and aborts execution).
package exceptioncheck

import "go.stackvm.dev/stackvm/internal/asmx64"

// Kind identifies which of the four fatal conditions a thunk handles.
type Kind int

const (
	NullReference Kind = iota
	ArrayOutOfBounds
	InvalidArrayLength
	StackOverflow
)

func (k Kind) String() string {
	switch k {
	case NullReference:
		return "NullReferenceError"
	case ArrayOutOfBounds:
		return "ArrayOutOfBoundsError"
	case InvalidArrayLength:
		return "InvalidArrayCreationError"
	case StackOverflow:
		return "StackOverflowError"
	default:
		return "UnknownFatalError"
	}
}

// Thunks holds the code offset of each fatal-error handler, once emitted
// into the runtime's shared trampoline page. Every managed function's
// inline checks jump to these same four addresses rather than each
// carrying its own copy (spec.md §4.5 "shared thunk").
type Thunks struct {
	Offsets [4]int
}

// EmitThunk appends one fatal-error thunk: it loads the Kind into the
// first argument register and calls through AX to the runtime's
// reportFatalError helper address — which does not return. No faulting
// instruction offset is passed. handlerAddr is the absolute address of that
// runtime helper, written into the thunk as an immediate when it is emitted
// (spec.md §4.6 "runtime helper addresses are absolute, not rel32").
func EmitThunk(e *asmx64.Emitter, kind Kind, handlerAddr uint64) (offset int) {
	offset = e.Offset()
	e.MovRegImm32(DIArg, int32(kind))
	e.MovRegImm64(AXScratch, handlerAddr)
	e.CallR(AXScratch)
	// unreachable: reportFatalError never returns, but emit a halting
	// instruction so disassembly doesn't run off the end of the buffer.
	e.Ret()
	return offset
}

// Register aliases kept local to this package: DIArg is the first
// POSIX-convention argument register (the fatal-error thunks always use
// the POSIX registers regardless of the managed code's own platform ABI,
// since they're an internal runtime call, not a user-visible native call).
const (
	DIArg     = asmx64.DI
	AXScratch = asmx64.AX
)

// EmitNullCheck emits: test reg,reg; jz thunk. Returns the byte offset of
// the jump's rel32 displacement, to be patched by the linker once the
// thunk's final address relative to this site is known (spec.md §4.6
// "native branch fixups").
func EmitNullCheck(e *asmx64.Emitter, reg asmx64.Reg) (jumpDispOffset int) {
	e.TestRR(reg, reg)
	return e.JccRel32(asmx64.CCEqual)
}

// EmitBoundsCheck emits: cmp index, [arrayReg+lengthOffset]; jae thunk
// (unsigned compare catches negative indices too, since a negative int
// reinterpreted unsigned is huge — spec.md §4.5 "single unsigned compare
// handles both bounds").
func EmitBoundsCheck(e *asmx64.Emitter, index asmx64.Reg, arrayReg asmx64.Reg, lengthOffset int32, scratch asmx64.Reg) (jumpDispOffset int) {
	e.LoadMem32(scratch, arrayReg, lengthOffset)
	e.CmpRR(index, scratch)
	return e.JccRel32(asmx64.CCAboveOrEqual)
}

// EmitArrayLengthCheck emits: cmp length,0; jl thunk (a requested array
// length is always read as a signed Int operand, per spec.md §4.1 NewArray).
func EmitArrayLengthCheck(e *asmx64.Emitter, lengthReg asmx64.Reg) (jumpDispOffset int) {
	e.CmpRImm32(lengthReg, 0)
	return e.JccRel32(asmx64.CCLess)
}

// EmitStackOverflowCheck emits: cmp callDepthReg, limit; jge thunk.
// internal/codegen does not call it: generated prologues carry no
// stack-depth check.
func EmitStackOverflowCheck(e *asmx64.Emitter, callDepthReg asmx64.Reg, limit int32) (jumpDispOffset int) {
	e.CmpRImm32(callDepthReg, limit)
	return e.JccRel32(asmx64.CCGreaterOrEqual)
}
