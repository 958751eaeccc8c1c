package codegen

import (
	"go.stackvm.dev/stackvm/internal/asmx64"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/exceptioncheck"
	"go.stackvm.dev/stackvm/internal/types"
)

// topType returns the type of the value an instruction consumes from the
// top of the stack, from the verifier-populated snapshot, offset positions
// back from the top (0 = top).
func topType(inst *core.Instruction, fromTop int) *types.Type {
	n := len(inst.OperandTypesBefore)
	idx := n - 1 - fromTop
	if idx < 0 || idx >= n {
		return nil
	}
	return inst.OperandTypesBefore[idx]
}

func isFloatOp(inst *core.Instruction) bool {
	t := topType(inst, 0)
	return t != nil && t.Kind() == types.KindFloat
}

func (f *frame) emitBinaryArith(inst *core.Instruction) {
	e := f.e
	if isFloatOp(inst) {
		e.PopR(asmx64.CX) // right operand bits
		e.PopR(asmx64.AX) // left operand bits
		e.MovdToXMM(asmx64.XMM1, asmx64.CX)
		e.MovdToXMM(asmx64.XMM0, asmx64.AX)
		switch inst.OpCode {
		case core.Add:
			e.AddSS(asmx64.XMM0, asmx64.XMM1)
		case core.Sub:
			e.SubSS(asmx64.XMM0, asmx64.XMM1)
		case core.Mul:
			e.MulSS(asmx64.XMM0, asmx64.XMM1)
		case core.Div:
			e.DivSS(asmx64.XMM0, asmx64.XMM1)
		}
		e.MovdFromXMM(asmx64.AX, asmx64.XMM0)
		e.PushR(asmx64.AX)
		return
	}

	e.PopR(asmx64.CX) // right
	e.PopR(asmx64.AX) // left
	switch inst.OpCode {
	case core.Add:
		e.AddRR(asmx64.AX, asmx64.CX)
	case core.Sub:
		e.SubRR(asmx64.AX, asmx64.CX)
	case core.Mul:
		e.ImulRR(asmx64.AX, asmx64.CX)
	case core.Div:
		e.Cqo()
		e.IdivR(asmx64.CX)
	}
	e.PushR(asmx64.AX)
}

func (f *frame) emitCompare(inst *core.Instruction) {
	e := f.e
	floatCmp := isFloatOp(inst)

	e.PopR(asmx64.CX) // right
	e.PopR(asmx64.AX) // left

	if floatCmp {
		e.MovdToXMM(asmx64.XMM1, asmx64.CX)
		e.MovdToXMM(asmx64.XMM0, asmx64.AX)
		e.UcomiSS(asmx64.XMM0, asmx64.XMM1)
	} else {
		e.CmpRR(asmx64.AX, asmx64.CX)
	}

	cc := conditionCode(inst.OpCode, floatCmp)
	e.SetCC(cc, asmx64.AX)
	e.PushR(asmx64.AX)
}

func conditionCode(op core.OpCode, float bool) asmx64.CC {
	if float {
		switch op {
		case core.CompareEqual:
			return asmx64.CCEqual
		case core.CompareNotEqual:
			return asmx64.CCNotEqual
		case core.CompareGreater:
			return asmx64.CCAbove
		case core.CompareGreaterOrEqual:
			return asmx64.CCAboveOrEqual
		case core.CompareLess:
			return asmx64.CCBelow
		case core.CompareLessOrEqual:
			return asmx64.CCBelowOrEqual
		}
	}
	switch op {
	case core.CompareEqual:
		return asmx64.CCEqual
	case core.CompareNotEqual:
		return asmx64.CCNotEqual
	case core.CompareGreater:
		return asmx64.CCGreater
	case core.CompareGreaterOrEqual:
		return asmx64.CCGreaterOrEqual
	case core.CompareLess:
		return asmx64.CCLess
	case core.CompareLessOrEqual:
		return asmx64.CCLessOrEqual
	}
	panic("internal error: conditionCode called with non-comparison opcode")
}

func (f *frame) emitConditionalBranch(inst *core.Instruction) {
	e := f.e
	floatCmp := isFloatOp(inst)
	e.PopR(asmx64.CX)
	e.PopR(asmx64.AX)
	if floatCmp {
		e.MovdToXMM(asmx64.XMM1, asmx64.CX)
		e.MovdToXMM(asmx64.XMM0, asmx64.AX)
		e.UcomiSS(asmx64.XMM0, asmx64.XMM1)
	} else {
		e.CmpRR(asmx64.AX, asmx64.CX)
	}
	cc := branchConditionCode(inst.OpCode, floatCmp)
	disp := e.JccRel32(cc)
	f.recordBranch(disp, inst.BranchTarget)
}

func branchConditionCode(op core.OpCode, float bool) asmx64.CC {
	switch op {
	case core.BranchEqual:
		return conditionCode(core.CompareEqual, float)
	case core.BranchNotEqual:
		return conditionCode(core.CompareNotEqual, float)
	case core.BranchGreater:
		return conditionCode(core.CompareGreater, float)
	case core.BranchGreaterOrEqual:
		return conditionCode(core.CompareGreaterOrEqual, float)
	case core.BranchLess:
		return conditionCode(core.CompareLess, float)
	case core.BranchLessOrEqual:
		return conditionCode(core.CompareLessOrEqual, float)
	}
	panic("internal error: branchConditionCode called with non-branch opcode")
}

// emitCall pops arguments off the managed stack into the calling
// convention's registers, emits a placeholder call, and records a
// CallFixup so the linker can patch the relative displacement once the
// callee's final address is known (it may not be compiled yet — spec.md
// §4.6 "calls may target a function compiled later in the same link unit,
// or trigger the lazy trampoline"). A callee the binder already holds as
// external is instead called through AX after a movabs whose 8-byte
// immediate the linker patches with the native entry point.
func (f *frame) emitCall(signature string, inst *core.Instruction) {
	f.popArgsIntoRegisters(inst.Parameters)
	if def, ok := f.bind.Lookup(signature); ok && !def.Managed {
		off := f.e.Offset()
		f.e.MovRegImm64(asmx64.AX, 0)
		f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off + 2, DispOffset: off + 2, TargetSignature: signature})
		f.e.CallR(asmx64.AX)
		f.pushReturnIfAny(signature)
		return
	}
	off := f.e.Offset()
	disp := f.e.CallRel32()
	f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off, DispOffset: disp, TargetSignature: signature})
	f.pushReturnIfAny(signature)
}

// memberCallSignature builds the Binder signature this call site targets,
// after the verifier's CallInstance/CallVirtual dispatch rewriting has
// already updated inst.ClassType to the declaring class (spec.md §4.2).
func memberCallSignature(inst *core.Instruction) string {
	var className string
	if inst.ClassType != nil {
		className = inst.ClassType.ClassName()
	}
	return core.Signature(className, inst.CalleeName, inst.Parameters)
}

func (f *frame) emitMemberCall(inst *core.Instruction) {
	e := f.e
	// Receiver is the first argument pushed (spec.md §4.2: "the receiver
	// is the first parameter"); pop everything including the receiver to
	// check it for null, then push back in call order.
	n := len(inst.Parameters) + 1
	saved := make([]asmx64.Reg, 0, n)
	scratch := []asmx64.Reg{asmx64.AX, asmx64.CX, asmx64.DX, asmx64.BX, asmx64.SI, asmx64.DI}
	for i := 0; i < n && i < len(scratch); i++ {
		e.PopR(scratch[i])
		saved = append(saved, scratch[i])
	}
	receiverReg := saved[len(saved)-1]
	disp := exceptioncheck.EmitNullCheck(e, receiverReg)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.NullReference})
	for i := len(saved) - 1; i >= 0; i-- {
		e.PushR(saved[i])
	}

	// The receiver occupies argument position 0 ahead of the declared
	// parameters; types.Int stands in for its type here since
	// CallFunctionArguments only branches on float-vs-not, and a receiver
	// is always a reference (never float).
	f.popArgsIntoRegisters(append([]*types.Type{types.Int}, inst.Parameters...))

	if inst.OpCode == core.CallVirtual {
		f.emitVirtualDispatch(inst, receiverReg)
	} else {
		off := e.Offset()
		d := e.CallRel32()
		f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off, DispOffset: d, TargetSignature: memberCallSignature(inst)})
	}
	f.pushReturnIfAny(memberCallSignature(inst))
}

// emitVirtualDispatch loads the receiver's vtable pointer, loads the slot
// assigned to this member function, and calls through it indirectly
// (spec.md §4.2 "CallVirtual dispatches through the receiver's runtime
// vtable slot, not the static target"). The slot address itself needs
// linker resolution only insofar as the vtable's contents are filled at
// link time; the indirect call site needs no code-level fixup.
func (f *frame) emitVirtualDispatch(inst *core.Instruction, receiverReg asmx64.Reg) {
	e := f.e
	var className string
	if inst.ClassType != nil {
		className = inst.ClassType.ClassName()
	}
	slot := f.vtableSlot(className, inst)
	e.LoadMemRR(asmx64.DX, receiverReg, vtablePointerOffset) // DX = this class's vtable base
	e.LoadMemRR(asmx64.AX, asmx64.DX, int32(slot*8))         // AX = resolved function pointer
	e.CallR(asmx64.AX)
}

// vtableSlot looks up the stable slot index spec.md §3 assigns a virtual
// member function (component C2 assigns these at class-finalization time,
// well before codegen runs, so the slot is a compile-time constant here —
// only the slot's *contents*, the actual function pointer, needs linker
// resolution once every function has a final address).
func (f *frame) vtableSlot(className string, inst *core.Instruction) int {
	meta, ok := f.classesProvider.Lookup(className)
	if !ok {
		return 0
	}
	sig := memberCallSignature(inst)
	for i, entry := range meta.VTable {
		if entry.Signature == sig {
			return i
		}
	}
	return 0
}

// vtablePointerOffset is the offset of the class-identity/vtable pointer
// within every class instance's native layout, immediately before the
// field storage (spec.md §4.7 "object header: vtable pointer, then
// fields").
const vtablePointerOffset = 0

func (f *frame) emitNewObject(inst *core.Instruction) {
	e := f.e
	var className string
	if inst.ClassType != nil {
		className = inst.ClassType.ClassName()
	}

	// Constructor arguments are on the managed stack; stash them in
	// callee-saved registers before calling runtime.new_class, which
	// clobbers the volatile argument registers.
	argRegs := []asmx64.Reg{asmx64.R15, asmx64.R14, asmx64.R13, asmx64.R12, asmx64.BX, asmx64.R11}
	n := len(inst.Parameters)
	for i := n - 1; i >= 0; i-- {
		e.PopR(argRegs[i%len(argRegs)])
	}

	off := e.Offset()
	e.MovRegImm64(asmx64.DI, 0)
	f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off, DispOffset: off + 2, TargetSignature: "$newclass:" + className})
	e.CallR(asmx64.DI) // runtime.new_class(className) -> receiver ptr in AX
	e.MovRR(asmx64.R10, asmx64.AX)

	locs := f.conv.CallFunctionArguments(append([]*types.Type{types.Int}, inst.Parameters...))
	for i, loc := range locs {
		var src asmx64.Reg
		if i == 0 {
			src = asmx64.R10
		} else {
			src = argRegs[(i-1)%len(argRegs)]
		}
		if loc.IsFloat {
			e.MovdToXMM(loc.XMM, src)
		} else if !loc.OnStack {
			e.MovRR(loc.Reg, src)
		}
	}

	ctorSig := core.Signature(className, inst.CalleeName, inst.Parameters)
	off = e.Offset()
	d := e.CallRel32()
	f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off, DispOffset: d, TargetSignature: ctorSig})

	e.PushR(asmx64.R10) // the constructed object is NewObject's result
}

func (f *frame) emitNewArray(inst *core.Instruction) {
	e := f.e
	e.PopR(asmx64.AX) // requested length
	disp := exceptioncheck.EmitArrayLengthCheck(e, asmx64.AX)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.InvalidArrayLength})
	e.MovRR(asmx64.DI, asmx64.AX)
	off := e.Offset()
	e.MovRegImm64(asmx64.SI, 0)
	elemSize := int32(4)
	if et := inst.ElementType(); et != nil {
		elemSize = int32(et.Size())
	}
	e.MovRegImm32(asmx64.DX, elemSize)
	f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off, DispOffset: off + 2, TargetSignature: "$newarray"})
	e.CallR(asmx64.SI)
	e.PushR(asmx64.AX)
}

// elementStride is the uniform per-element size in the array's backing
// storage, immediately after its 4-byte length prefix. Every slot is
// pointer-width regardless of declared element type, the same
// simplification the frame layout applies to locals/args — it trades a few
// bytes of padding for uniform addressing math with no per-type load/store
// width switch.
const elementStride = 8

func (f *frame) emitLoadElement(inst *core.Instruction) {
	e := f.e
	e.PopR(asmx64.CX) // index
	e.PopR(asmx64.AX) // array ref
	disp := exceptioncheck.EmitNullCheck(e, asmx64.AX)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.NullReference})
	disp = exceptioncheck.EmitBoundsCheck(e, asmx64.CX, asmx64.AX, arrayLengthOffset, asmx64.DX)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.ArrayOutOfBounds})
	e.ShlImm8(asmx64.CX, 3) // index * elementStride
	e.AddRR(asmx64.AX, asmx64.CX)
	e.LoadMemRR(asmx64.AX, asmx64.AX, 4) // +4 skips the length prefix
	e.PushR(asmx64.AX)
}

func (f *frame) emitStoreElement(inst *core.Instruction) {
	e := f.e
	e.PopR(asmx64.DX) // value
	e.PopR(asmx64.CX) // index
	e.PopR(asmx64.AX) // array ref
	disp := exceptioncheck.EmitNullCheck(e, asmx64.AX)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.NullReference})
	disp = exceptioncheck.EmitBoundsCheck(e, asmx64.CX, asmx64.AX, arrayLengthOffset, asmx64.BX)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.ArrayOutOfBounds})
	e.ShlImm8(asmx64.CX, 3)
	e.AddRR(asmx64.AX, asmx64.CX)
	e.StoreMemRR(asmx64.DX, asmx64.AX, 4)
	if et := inst.ElementType(); et != nil && et.IsReference() {
		f.emitCardMark(asmx64.AX)
	}
}

func (f *frame) emitFieldAccess(inst *core.Instruction) {
	e := f.e
	var meta *class.Metadata
	if inst.ClassType != nil {
		meta, _ = f.classes().Lookup(inst.ClassType.ClassName())
	}
	fieldOffset := int32(0)
	var fieldType *types.Type
	if meta != nil {
		if fd, ok := meta.FieldByName(inst.FieldName); ok {
			fieldOffset = int32(fd.Offset) + vtableHeaderSize
			fieldType = fd.Type
		}
	}

	if inst.OpCode == core.LoadField {
		e.PopR(asmx64.AX) // receiver
		disp := exceptioncheck.EmitNullCheck(e, asmx64.AX)
		f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.NullReference})
		loadSized(e, asmx64.CX, asmx64.AX, fieldOffset, fieldType)
		e.PushR(asmx64.CX)
		return
	}

	e.PopR(asmx64.DX) // value
	e.PopR(asmx64.AX) // receiver
	disp := exceptioncheck.EmitNullCheck(e, asmx64.AX)
	f.checkFixups = append(f.checkFixups, CheckFixup{DispOffset: disp, Kind: exceptioncheck.NullReference})
	storeSized(e, asmx64.DX, asmx64.AX, fieldOffset, fieldType)
	if fieldType != nil && fieldType.IsReference() {
		f.emitCardMark(asmx64.AX)
	}
}

// loadSized / storeSized pick the load/store width matching a field's
// declared size (spec.md §3: Int/Float 4 bytes, Bool/Char 1 byte,
// references pointer-width), since class.Metadata packs fields tightly by
// actual size rather than at the uniform stride locals/array elements use.
func loadSized(e *asmx64.Emitter, dst, base asmx64.Reg, offset int32, t *types.Type) {
	switch {
	case t == nil || t.Size() == 8:
		e.LoadMemRR(dst, base, offset)
	case t.Size() == 4:
		e.LoadMem32(dst, base, offset)
	default:
		e.LoadMemByte(dst, base, offset)
	}
}

func storeSized(e *asmx64.Emitter, src, base asmx64.Reg, offset int32, t *types.Type) {
	switch {
	case t == nil || t.Size() == 8:
		e.StoreMemRR(src, base, offset)
	case t.Size() == 4:
		e.StoreMem32(src, base, offset)
	default:
		e.StoreMemByte(src, base, offset)
	}
}

// vtableHeaderSize is the fixed prefix (the vtable pointer) every class
// instance carries before its field storage begins.
const vtableHeaderSize = 8

func (f *frame) classes() *class.Provider { return f.classesProvider }

// emitCardMark marks the card containing objectReg dirty immediately after
// a reference-typed field or element store, so the collector's young-scan
// pass finds old-generation objects pointing into the young generation
// without a full old-space scan (spec.md §4.7 "card marking", component C9
// "addCardMarking").
//
// The index is `(address - heap_start) / card_size`, guarded by a range
// check so a store into a young-heap object skips the mark entirely
// (spec.md §4.3/§4.7) — mirroring gc.MarkCard's own `isOld`-then-`offset`
// arithmetic exactly. gc.Address encodes generation as a single tag bit
// (oldGenBit) rather than a separate contiguous region, so heap_start here
// is that tag bit: every old address is numerically >= oldGenBit and every
// young address is numerically below it, making the young/old boundary a
// single unsigned comparison rather than a pair of bounds against a
// runtime heap base.
func (f *frame) emitCardMark(objectReg asmx64.Reg) {
	e := f.e
	e.MovRR(asmx64.R9, objectReg) // R9 = address
	e.MovRegImm64(asmx64.R10, uint64(oldGenBit)) // R10 = heap_start (old-generation tag bit)

	e.CmpRR(asmx64.R9, asmx64.R10)
	skipDisp := e.JccRel32(asmx64.CCBelow) // address < heap_start: young heap, skip the mark

	e.SubRR(asmx64.R9, asmx64.R10) // R9 = address - heap_start
	e.Code = append(e.Code, shrImm8(asmx64.R9, cardShiftBits)...)

	off := e.Offset()
	e.MovRegImm64(asmx64.R8, 0) // card table base, patched at link time
	f.callFixups = append(f.callFixups, CallFixup{CodeOffset: off, DispOffset: off + 2, TargetSignature: "$cardtablebase"})
	e.AddRR(asmx64.R8, asmx64.R9)
	e.StoreByteImm(asmx64.R8, 1)

	e.PatchRel32(skipDisp, int32(e.Offset()-(skipDisp+4)))
}

const cardShiftBits = 10 // 1KB cards

// oldGenBit mirrors gc.Address's generation tag bit. Duplicated rather than
// imported: internal/codegen emits machine code against the calling
// convention's register layout and has no other dependency on internal/gc's
// types, and the bit position is part of the address encoding's wire
// contract between the two packages, not an implementation detail either
// one can change unilaterally.
const oldGenBit = int64(1) << 62

func shrImm8(r asmx64.Reg, imm byte) []byte {
	rex := byte(0x48)
	if r >= 8 {
		rex |= 0x01
	}
	return []byte{rex, 0xc1, 0xe8 | byte(r&7), imm}
}

// popArgsIntoRegisters pops len(paramTypes) values off the managed operand
// stack (top-of-stack = last argument) and places each into the calling
// convention's register for its position, in first-to-last order.
func (f *frame) popArgsIntoRegisters(paramTypes []*types.Type) {
	e := f.e
	n := len(paramTypes)
	vals := make([]asmx64.Reg, n)
	scratch := []asmx64.Reg{asmx64.R9, asmx64.R8, asmx64.CX, asmx64.DX, asmx64.SI, asmx64.DI}
	for i := n - 1; i >= 0; i-- {
		r := scratch[i%len(scratch)]
		e.PopR(r)
		vals[i] = r
	}
	locs := f.conv.CallFunctionArguments(paramTypes)
	for i, loc := range locs {
		if loc.IsFloat {
			e.MovdToXMM(loc.XMM, vals[i])
		} else if !loc.OnStack {
			e.MovRR(loc.Reg, vals[i])
		}
	}
}

// pushReturnIfAny looks up the callee's definition (already bound by the
// time codegen runs) to decide whether a return value needs to be pushed
// onto the managed operand stack, and moves it out of the native return
// register through the calling convention first.
func (f *frame) pushReturnIfAny(calleeSignature string) {
	def, ok := f.bind.Lookup(calleeSignature)
	if !ok || def.ReturnType == nil || def.ReturnType.Kind() == types.KindVoid {
		return
	}
	f.conv.HandleReturnValue(f.e, def.ReturnType)
	f.e.PushR(asmx64.AX)
}
