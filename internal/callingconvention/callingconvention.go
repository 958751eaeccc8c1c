// Package callingconvention implements the two native ABI descriptions the
// code generator needs when it calls out of managed code into native
// functions, and when native code calls back into a compiled entry point
// (spec.md §4.4, §6.2; component C7): POSIX (System V AMD64) and Windows
// x64. Everything here is pure bookkeeping over asmx64.Emitter — it knows
// which argument goes in which register and how much stack to reserve, not
// how to encode an instruction.
package callingconvention

import (
	"go.stackvm.dev/stackvm/internal/asmx64"
	"go.stackvm.dev/stackvm/internal/types"
)

// CallingConvention describes how arguments and return values cross a
// native call boundary on one platform.
type CallingConvention interface {
	// MoveArgsToStack moves the managed operand-stack argument values,
	// already materialized in the standard argument registers, into the
	// on-stack slots a native callee with this ABI expects — a no-op for
	// the register-passed prefix, used only once args spill past the
	// register count.
	MoveArgsToStack(e *asmx64.Emitter, argTypes []*types.Type)

	// CallFunctionArguments returns, in order, the GP/XMM register each
	// argument position is passed in (spec.md §4.4 "native call
	// argument placement"). An argument beyond the platform's register
	// count is passed on the stack; its ArgLocation has OnStack set.
	CallFunctionArguments(argTypes []*types.Type) []ArgLocation

	// HandleReturnValue emits code to move a just-returned native value
	// (in RAX or XMM0 depending on retType) onto the managed operand
	// stack's register convention (RAX for everything): a Float is
	// bit-cast out of XMM0 into RAX; for every other type nothing is
	// emitted, since the value is already in RAX (no sign extension).
	HandleReturnValue(e *asmx64.Emitter, retType *types.Type)

	// MakeReturnValue is the mirror emitted just before a managed `Ret`:
	// move the value about to be returned from wherever the operand
	// stack keeps it into the ABI's designated return register.
	MakeReturnValue(e *asmx64.Emitter, retType *types.Type)

	// ShadowStackSize is the number of bytes of scratch space the ABI
	// requires the caller to reserve below the return address before a
	// call (32 on Windows x64, 0 on POSIX).
	ShadowStackSize() int

	// StackAlignment is the required alignment (bytes) of RSP at the
	// call instruction (16 on both platforms).
	StackAlignment() int
}

// ArgLocation names where one argument lives: either a GP/XMM register or a
// stack-relative byte offset from the top of the argument area.
type ArgLocation struct {
	Reg      asmx64.Reg
	XMM      asmx64.XMM
	IsFloat  bool
	OnStack  bool
	StackOff int32
}

const stackAlign = 16

// posix is the System V AMD64 ABI: integer/pointer args in RDI, RSI, RDX,
// RCX, R8, R9; float args in XMM0-XMM7; no shadow space (original_source's
// callingconventions.cpp POSIX branch).
type posix struct{}

// windows is the Microsoft x64 ABI: the first four arguments (regardless of
// class) in RCX, RDX, R8, R9 / XMM0-XMM3 by position, plus a mandatory
// 32-byte shadow space the caller reserves even when unused.
type windows struct{}

func POSIX() CallingConvention   { return posix{} }
func Windows() CallingConvention { return windows{} }

var posixIntRegs = [...]asmx64.Reg{asmx64.DI, asmx64.SI, asmx64.DX, asmx64.CX, asmx64.R8, asmx64.R9}
var posixFloatRegs = [...]asmx64.XMM{asmx64.XMM0, asmx64.XMM1, asmx64.XMM2, asmx64.XMM3, asmx64.XMM4, asmx64.XMM5, asmx64.XMM6, asmx64.XMM7}

func (posix) CallFunctionArguments(argTypes []*types.Type) []ArgLocation {
	locs := make([]ArgLocation, len(argTypes))
	intIdx, floatIdx := 0, 0
	stackOff := int32(0)
	for i, t := range argTypes {
		if t.Kind() == types.KindFloat {
			if floatIdx < len(posixFloatRegs) {
				locs[i] = ArgLocation{XMM: posixFloatRegs[floatIdx], IsFloat: true}
				floatIdx++
				continue
			}
		} else if intIdx < len(posixIntRegs) {
			locs[i] = ArgLocation{Reg: posixIntRegs[intIdx]}
			intIdx++
			continue
		}
		locs[i] = ArgLocation{OnStack: true, StackOff: stackOff}
		stackOff += 8
	}
	return locs
}

func (posix) MoveArgsToStack(e *asmx64.Emitter, argTypes []*types.Type) {
	// Register-passed arguments are already in place by construction of
	// CallFunctionArguments; only overflow args (rare — the VM caps
	// managed signatures well under six arguments in practice) need a
	// real spill, handled by the code generator per call site since it
	// alone knows each argument's operand-stack source register.
}

func (posix) HandleReturnValue(e *asmx64.Emitter, retType *types.Type) {
	if retType.Kind() == types.KindFloat {
		e.MovdFromXMM(asmx64.AX, asmx64.XMM0)
	}
	// integer/reference returns already land in RAX.
}

func (posix) MakeReturnValue(e *asmx64.Emitter, retType *types.Type) {
	if retType.Kind() == types.KindFloat {
		e.MovdToXMM(asmx64.XMM0, asmx64.AX)
	}
}

func (posix) ShadowStackSize() int { return 0 }
func (posix) StackAlignment() int  { return stackAlign }

var winIntRegs = [...]asmx64.Reg{asmx64.CX, asmx64.DX, asmx64.R8, asmx64.R9}
var winFloatRegs = [...]asmx64.XMM{asmx64.XMM0, asmx64.XMM1, asmx64.XMM2, asmx64.XMM3}

func (windows) CallFunctionArguments(argTypes []*types.Type) []ArgLocation {
	locs := make([]ArgLocation, len(argTypes))
	stackOff := int32(0)
	for i, t := range argTypes {
		if i < len(winIntRegs) {
			if t.Kind() == types.KindFloat {
				locs[i] = ArgLocation{XMM: winFloatRegs[i], IsFloat: true}
			} else {
				locs[i] = ArgLocation{Reg: winIntRegs[i]}
			}
			continue
		}
		locs[i] = ArgLocation{OnStack: true, StackOff: stackOff}
		stackOff += 8
	}
	return locs
}

func (windows) MoveArgsToStack(e *asmx64.Emitter, argTypes []*types.Type) {}

func (windows) HandleReturnValue(e *asmx64.Emitter, retType *types.Type) {
	if retType.Kind() == types.KindFloat {
		e.MovdFromXMM(asmx64.AX, asmx64.XMM0)
	}
}

func (windows) MakeReturnValue(e *asmx64.Emitter, retType *types.Type) {
	if retType.Kind() == types.KindFloat {
		e.MovdToXMM(asmx64.XMM0, asmx64.AX)
	}
}

func (windows) ShadowStackSize() int { return 32 }
func (windows) StackAlignment() int  { return stackAlign }
