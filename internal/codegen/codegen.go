// Package codegen translates a verified ManagedFunction into a native
// AMD64 code buffer (spec.md §4.3; component C9): prologue/epilogue, one
// code sequence per bytecode instruction, card-marking after reference
// stores, and the lazy-compile trampoline an unresolved Call target lands
// on. It is the direct analogue of the original's
// `compiler/x64/codegenerator.cpp` — `generateInitializeFunction` ->
// prologue, `generateZeroLocals` -> locals clearing, `generateInstruction`
// -> the big opcode switch, `compileAtRuntime` -> the lazy trampoline.
package codegen

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"go.stackvm.dev/stackvm/internal/asmx64"
	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/callingconvention"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/exceptioncheck"
	"go.stackvm.dev/stackvm/internal/types"
)

// CallFixup records a call-instruction site whose target address is another
// managed function (or an external function) not necessarily compiled yet;
// the linker resolves TargetSignature through the binder once every
// function has a code buffer (spec.md §4.6).
type CallFixup struct {
	CodeOffset      int
	DispOffset      int
	TargetSignature string
}

// CheckFixup records an inline guard's jump to a shared fatal-error thunk,
// resolved once the thunk table's final address is known.
type CheckFixup struct {
	DispOffset int
	Kind       exceptioncheck.Kind
}

// Result is everything the linker needs for one compiled function. Virtual
// dispatch needs no per-call-site fixup from codegen: the slot index is a
// compile-time constant (assigned at class finalization, component C2);
// only each class's shared vtable *contents* — the function pointers
// written into those slots — are filled once by the linker directly from
// class.Provider and the binder (spec.md §4.6), after every function has a
// final address.
type Result struct {
	Code         []byte
	InstrOffsets []int
	CallFixups   []CallFixup
	CheckFixups  []CheckFixup
}

// Generator lowers ManagedFunctions one at a time; it is stateless across
// calls to Generate beyond the calling convention choice.
type Generator struct {
	conv    callingconvention.CallingConvention
	classes *class.Provider
	bind    *binder.Binder
}

func New(conv callingconvention.CallingConvention, classes *class.Provider, bind *binder.Binder) *Generator {
	return &Generator{conv: conv, classes: classes, bind: bind}
}

// frame holds the per-function emission state threaded through opcode
// handlers: the emitter, pending branch fixups (resolved internally, since
// all instruction offsets of the same function are known once emission
// finishes), and the fixup lists handed back to the linker.
type frame struct {
	e               *asmx64.Emitter
	mf              *core.ManagedFunction
	instrOffsets    []int
	branchFixup     map[int][]int // target instruction index -> disp offsets to patch
	callFixups      []CallFixup
	checkFixups     []CheckFixup
	localBase       int32 // rbp-relative offset of local 0
	argBase         int32 // rbp-relative offset of arg 0
	classesProvider *class.Provider
	bind            *binder.Binder
	conv            callingconvention.CallingConvention
}

// Generate compiles mf.Instructions into a code buffer, given mf.Locals and
// mf.Def.Parameters already resolved by the verifier.
func (g *Generator) Generate(mf *core.ManagedFunction) (*Result, error) {
	f := &frame{
		e:               asmx64.New(),
		mf:              mf,
		branchFixup:     make(map[int][]int),
		classesProvider: g.classes,
		bind:            g.bind,
		conv:            g.conv,
	}
	f.emitPrologue()

	for i, inst := range mf.Instructions {
		f.instrOffsets = append(f.instrOffsets, f.e.Offset())
		if err := f.emitInstruction(g, i, inst); err != nil {
			return nil, err
		}
	}

	f.resolveIntraFunctionBranches()

	return &Result{
		Code:         f.e.Code,
		InstrOffsets: f.instrOffsets,
		CallFixups:   f.callFixups,
		CheckFixups:  f.checkFixups,
	}, nil
}

// frameSize is the number of bytes reserved below rbp for locals and
// incoming arguments (8 bytes per slot regardless of declared width, for
// uniform rbp-relative addressing — matches the original's "every slot is
// pointer-width on the native stack" simplification).
func (f *frame) frameSize() int32 {
	return int32(len(f.mf.Locals)+len(f.mf.Def.Parameters)) * 8
}

// emitPrologue: push rbp; mov rbp,rsp; sub rsp,frameSize; zero locals;
// store incoming register arguments into their argument slots, which lie
// directly below the locals. No call-stack push and no stack-depth check
// are emitted.
func (f *frame) emitPrologue() {
	e := f.e
	e.PushR(asmx64.BP)
	e.MovRR(asmx64.BP, asmx64.SP)
	size := f.frameSize()
	if size > 0 {
		e.SubRSPImm32(size)
	}
	f.localBase = -int32(len(f.mf.Locals)) * 8

	for i := range f.mf.Locals {
		off := f.localBase + int32(i)*8
		e.MovRegImm32(asmx64.AX, 0)
		e.StoreFrame(asmx64.AX, off)
	}

	// Incoming arguments arrive in the calling convention's register
	// order; copy each into its rbp-relative argument slot so LoadArg
	// can always address memory uniformly, matching LoadLocal.
	argTypes := f.mf.Def.Parameters
	locs := f.convArgs().CallFunctionArguments(argTypes)
	f.argBase = f.localBase - int32(len(argTypes))*8
	for i, loc := range locs {
		off := f.argBase + int32(i)*8
		if loc.IsFloat {
			e.MovdFromXMM(asmx64.AX, loc.XMM)
			e.StoreFrame(asmx64.AX, off)
		} else if !loc.OnStack {
			e.StoreFrame(loc.Reg, off)
		}
	}
}

func (f *frame) convArgs() callingconvention.CallingConvention { return f.conv }

// emitEpilogue: mov rsp,rbp; pop rbp; ret.
func (f *frame) emitEpilogue() {
	e := f.e
	e.MovRR(asmx64.SP, asmx64.BP)
	e.PopR(asmx64.BP)
	e.Ret()
}

func (f *frame) resolveIntraFunctionBranches() {
	for targetIdx, offsets := range f.branchFixup {
		targetOffset := f.instrOffsets[targetIdx]
		for _, dispOff := range offsets {
			disp := int32(targetOffset - (dispOff + 4))
			f.e.PatchRel32(dispOff, disp)
		}
	}
}

func (f *frame) recordBranch(dispOffset, targetIdx int) {
	f.branchFixup[targetIdx] = append(f.branchFixup[targetIdx], dispOffset)
}

func (f *frame) emitInstruction(g *Generator, idx int, inst *core.Instruction) error {
	e := f.e
	switch inst.OpCode {
	case core.Nop:
		e.Code = append(e.Code, 0x90)

	case core.LoadInt:
		e.MovRegImm32(asmx64.AX, int32(inst.IntValue))
		e.PushR(asmx64.AX)
	case core.LoadChar:
		e.MovRegImm32(asmx64.AX, int32(inst.CharValue))
		e.PushR(asmx64.AX)
	case core.LoadTrue:
		e.MovRegImm32(asmx64.AX, 1)
		e.PushR(asmx64.AX)
	case core.LoadFalse, core.LoadNull:
		e.MovRegImm32(asmx64.AX, 0)
		e.PushR(asmx64.AX)
	case core.LoadFloat:
		e.MovRegImm32(asmx64.AX, int32(asmFloatBits(inst.FloatValue)))
		e.PushR(asmx64.AX)
	case core.LoadString:
		// String literal pool addresses are absolute and only known
		// once the linker places the constant pool; emit a 64-bit
		// placeholder and record it exactly like a call fixup, keyed
		// by a synthetic signature the linker's string table
		// recognizes.
		off := e.Offset()
		e.MovRegImm64(asmx64.AX, 0)
		f.callFixups = append(f.callFixups, CallFixup{
			CodeOffset: off, DispOffset: off + 2,
			TargetSignature: "$string:" + inst.StringValue,
		})
		e.PushR(asmx64.AX)

	case core.Add, core.Sub, core.Mul, core.Div:
		f.emitBinaryArith(inst)

	case core.And:
		e.PopR(asmx64.CX)
		e.PopR(asmx64.AX)
		e.AndRR(asmx64.AX, asmx64.CX)
		e.PushR(asmx64.AX)
	case core.Or:
		e.PopR(asmx64.CX)
		e.PopR(asmx64.AX)
		e.OrRR(asmx64.AX, asmx64.CX)
		e.PushR(asmx64.AX)
	case core.Not:
		e.PopR(asmx64.AX)
		e.XorRImm8(asmx64.AX, 1)
		e.AndRImm8(asmx64.AX, 1)
		e.PushR(asmx64.AX)

	case core.ConvertIntToFloat:
		e.PopR(asmx64.AX)
		// cvtsi2ss xmm0, eax ; movd eax, xmm0
		e.Code = append(e.Code, 0xf3, 0x0f, 0x2a, 0xc0)
		e.MovdFromXMM(asmx64.AX, asmx64.XMM0)
		e.PushR(asmx64.AX)
	case core.ConvertFloatToInt:
		e.PopR(asmx64.AX)
		e.MovdToXMM(asmx64.XMM0, asmx64.AX)
		// cvttss2si eax, xmm0
		e.Code = append(e.Code, 0xf3, 0x0f, 0x2c, 0xc0)
		e.PushR(asmx64.AX)

	case core.CompareEqual, core.CompareNotEqual, core.CompareGreater,
		core.CompareGreaterOrEqual, core.CompareLess, core.CompareLessOrEqual:
		f.emitCompare(inst)

	case core.LoadLocal:
		e.LoadFrame(asmx64.AX, f.localBase+int32(inst.LocalOrArgIndex)*8)
		e.PushR(asmx64.AX)
	case core.StoreLocal:
		e.PopR(asmx64.AX)
		e.StoreFrame(asmx64.AX, f.localBase+int32(inst.LocalOrArgIndex)*8)
	case core.LoadArg:
		e.LoadFrame(asmx64.AX, f.argBase+int32(inst.LocalOrArgIndex)*8)
		e.PushR(asmx64.AX)

	case core.Pop:
		e.PopR(asmx64.AX)
	case core.Duplicate:
		e.PopR(asmx64.AX)
		e.PushR(asmx64.AX)
		e.PushR(asmx64.AX)

	case core.Branch:
		disp := e.JmpRel32()
		f.recordBranch(disp, inst.BranchTarget)
	case core.BranchEqual, core.BranchNotEqual, core.BranchGreater,
		core.BranchGreaterOrEqual, core.BranchLess, core.BranchLessOrEqual:
		f.emitConditionalBranch(inst)

	case core.Ret:
		if f.mf.Def.ReturnType != nil && f.mf.Def.ReturnType.Kind() != types.KindVoid {
			e.PopR(asmx64.AX)
			f.conv.MakeReturnValue(e, f.mf.Def.ReturnType)
		}
		f.emitEpilogue()

	case core.Call:
		f.emitCall(core.Signature("", inst.CalleeName, inst.Parameters), inst)
	case core.CallInstance, core.CallVirtual:
		f.emitMemberCall(inst)
	case core.NewObject:
		f.emitNewObject(inst)

	case core.NewArray:
		f.emitNewArray(inst)
	case core.LoadElement:
		f.emitLoadElement(inst)
	case core.StoreElement:
		f.emitStoreElement(inst)
	case core.LoadArrayLength:
		e.PopR(asmx64.AX)
		disp := exceptioncheck.EmitNullCheck(e, asmx64.AX)
		f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.NullReference})
		e.LoadMem32(asmx64.AX, asmx64.AX, arrayLengthOffset)
		e.PushR(asmx64.AX)

	case core.LoadField, core.StoreField:
		f.emitFieldAccess(inst)

	default:
		panic(fmt.Sprintf("internal error: codegen has no rule for opcode %s", inst.OpCode))
	}
	return nil
}

// FixupsByTarget groups CallFixups by callee signature, so the linker can
// resolve every call site to a given function in one pass instead of
// rescanning the full fixup list per target.
func (r *Result) FixupsByTarget() map[string][]CallFixup {
	return lo.GroupBy(r.CallFixups, func(c CallFixup) string { return c.TargetSignature })
}

// arrayLengthOffset is the byte offset of the length prefix in every array
// object's native layout (spec.md §4.7 "array header: 4-byte length
// followed by element storage").
const arrayLengthOffset = 0

func asmFloatBits(f float32) uint32 { return math.Float32bits(f) }
