// Package verifier implements the bytecode verifier: a type-directed
// abstract interpreter that computes per-instruction operand-stack types,
// validates branch targets, enforces access control, and infers local
// variable types (spec.md §4.2; component C5).
package verifier

import (
	"fmt"

	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/types"
	"go.stackvm.dev/stackvm/internal/vmerror"
)

// Verifier holds the shared lookup tables every verification pass consults:
// the Binder (call-target resolution) and the class Provider (field/vtable
// access and parent-chain walks).
type Verifier struct {
	bind    *binder.Binder
	classes *class.Provider
}

func New(bind *binder.Binder, classes *class.Provider) *Verifier {
	return &Verifier{bind: bind, classes: classes}
}

type branchCheck struct {
	source   int
	target   int
	snapshot []*types.Type
}

type pass struct {
	v        *Verifier
	mf       *core.ManagedFunction
	stack    []*types.Type
	max      int
	branches []branchCheck
}

// Verify runs the single forward pass over mf, populating each
// instruction's OperandTypesBefore, inferring local types in place, and
// setting mf.OperandStackMax. Returns a *vmerror.VMError on any rule
// violation.
func (v *Verifier) Verify(mf *core.ManagedFunction) error {
	if err := v.checkPreconditions(mf); err != nil {
		return err
	}

	p := &pass{v: v, mf: mf}
	for i, inst := range mf.Instructions {
		inst.OperandTypesBefore = append([]*types.Type(nil), p.stack...)
		if err := p.apply(i, inst); err != nil {
			return err
		}
	}

	for _, b := range p.branches {
		target := mf.Instructions[b.target].OperandTypesBefore
		if len(target) != len(b.snapshot) {
			return p.errAt(b.source, vmerror.KindInvalidBranchTarget,
				"branch to instruction %d: operand stack depth mismatch (%d at branch, %d at target)",
				b.target, len(b.snapshot), len(target))
		}
		for i := range target {
			if !compatible(b.snapshot[i], target[i]) {
				return p.errAt(b.source, vmerror.KindInvalidBranchTarget,
					"branch to instruction %d: operand %d type mismatch (%s vs %s)",
					b.target, i, b.snapshot[i].Name(), target[i].Name())
			}
		}
	}

	mf.OperandStackMax = p.max
	return nil
}

func (v *Verifier) checkPreconditions(mf *core.ManagedFunction) error {
	if mf.Def.ReturnType == nil {
		return vmerror.New(vmerror.StageVerify, mf.Def.Signature(), -1, vmerror.KindVoidLocal, "function has no return type")
	}
	for i, param := range mf.Def.Parameters {
		if param.Kind() == types.KindVoid {
			return vmerror.New(vmerror.StageVerify, mf.Def.Signature(), -1, vmerror.KindVoidLocal, "parameter %d has type Void", i)
		}
	}
	for i, local := range mf.Locals {
		if local != nil && local.Kind() == types.KindVoid {
			return vmerror.New(vmerror.StageVerify, mf.Def.Signature(), -1, vmerror.KindVoidLocal, "local %d has type Void", i)
		}
	}
	if mf.Def.IsConstructor && mf.Def.ReturnType.Kind() != types.KindVoid {
		return vmerror.New(vmerror.StageVerify, mf.Def.Signature(), -1, vmerror.KindTypeMismatch, "constructor must return Void")
	}
	return nil
}

func (p *pass) errAt(i int, kind vmerror.Kind, format string, args ...interface{}) error {
	return vmerror.New(vmerror.StageVerify, p.mf.Def.Signature(), i, kind, format, args...)
}

func (p *pass) push(t *types.Type) {
	p.stack = append(p.stack, t)
	if len(p.stack) > p.max {
		p.max = len(p.stack)
	}
}

func (p *pass) pop(i int) (*types.Type, error) {
	if len(p.stack) == 0 {
		return nil, p.errAt(i, vmerror.KindStackDepth, "operand stack underflow")
	}
	t := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return t, nil
}

func (p *pass) apply(i int, inst *core.Instruction) error {
	switch inst.OpCode {
	case core.Nop:
		// no effect

	case core.LoadInt:
		p.push(types.Int)
	case core.LoadFloat:
		p.push(types.Float)
	case core.LoadChar:
		p.push(types.Char)
	case core.LoadTrue, core.LoadFalse:
		p.push(types.Bool)
	case core.LoadNull:
		p.push(types.Null)
	case core.LoadString:
		classInfo, ok := p.v.classes.Lookup("String")
		if !ok {
			return p.errAt(i, vmerror.KindMissingFunction, "LoadString used but the String class is not loaded")
		}
		p.push(types.NewClass(classInfo))

	case core.Add, core.Sub, core.Mul, core.Div:
		b, err := p.pop(i)
		if err != nil {
			return err
		}
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if a.Kind() != b.Kind() || (a.Kind() != types.KindInt && a.Kind() != types.KindFloat) {
			return p.errAt(i, vmerror.KindTypeMismatch, "%s requires two operands of the same numeric type, got %s and %s", inst.OpCode, a.Name(), b.Name())
		}
		p.push(a)

	case core.And, core.Or:
		b, err := p.pop(i)
		if err != nil {
			return err
		}
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if a.Kind() != types.KindBool || b.Kind() != types.KindBool {
			return p.errAt(i, vmerror.KindTypeMismatch, "%s requires two Bool operands, got %s and %s", inst.OpCode, a.Name(), b.Name())
		}
		p.push(types.Bool)

	case core.Not:
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if a.Kind() != types.KindBool {
			return p.errAt(i, vmerror.KindTypeMismatch, "Not requires a Bool operand, got %s", a.Name())
		}
		p.push(types.Bool)

	case core.ConvertIntToFloat:
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if a.Kind() != types.KindInt {
			return p.errAt(i, vmerror.KindTypeMismatch, "ConvertIntToFloat requires an Int operand, got %s", a.Name())
		}
		p.push(types.Float)

	case core.ConvertFloatToInt:
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if a.Kind() != types.KindFloat {
			return p.errAt(i, vmerror.KindTypeMismatch, "ConvertFloatToInt requires a Float operand, got %s", a.Name())
		}
		p.push(types.Int)

	case core.CompareEqual, core.CompareNotEqual:
		b, err := p.pop(i)
		if err != nil {
			return err
		}
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if !equalityComparable(a, b) {
			return p.errAt(i, vmerror.KindTypeMismatch, "%s requires matching operand types, got %s and %s", inst.OpCode, a.Name(), b.Name())
		}
		p.push(types.Bool)

	case core.CompareGreater, core.CompareGreaterOrEqual, core.CompareLess, core.CompareLessOrEqual:
		b, err := p.pop(i)
		if err != nil {
			return err
		}
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		if a.Kind() != b.Kind() || (a.Kind() != types.KindInt && a.Kind() != types.KindFloat) {
			return p.errAt(i, vmerror.KindTypeMismatch, "%s requires two operands of the same numeric type, got %s and %s", inst.OpCode, a.Name(), b.Name())
		}
		p.push(types.Bool)

	case core.LoadLocal:
		if err := p.checkLocalIndex(i, inst.LocalOrArgIndex); err != nil {
			return err
		}
		local := p.mf.Locals[inst.LocalOrArgIndex]
		if local == nil {
			return p.errAt(i, vmerror.KindTypeMismatch, "local %d read before its type is known", inst.LocalOrArgIndex)
		}
		p.push(local)

	case core.StoreLocal:
		if err := p.checkLocalIndex(i, inst.LocalOrArgIndex); err != nil {
			return err
		}
		val, err := p.pop(i)
		if err != nil {
			return err
		}
		if p.mf.Locals[inst.LocalOrArgIndex] == nil {
			p.mf.Locals[inst.LocalOrArgIndex] = val
		} else if !p.mf.Locals[inst.LocalOrArgIndex].AssignableFrom(val) {
			return p.errAt(i, vmerror.KindTypeMismatch, "local %d has type %s, cannot store %s", inst.LocalOrArgIndex, p.mf.Locals[inst.LocalOrArgIndex].Name(), val.Name())
		}

	case core.LoadArg:
		if inst.LocalOrArgIndex < 0 || inst.LocalOrArgIndex >= len(p.mf.Def.Parameters) {
			return p.errAt(i, vmerror.KindInvalidOperands, "argument index %d out of range", inst.LocalOrArgIndex)
		}
		p.push(p.mf.Def.Parameters[inst.LocalOrArgIndex])

	case core.Pop:
		if _, err := p.pop(i); err != nil {
			return err
		}

	case core.Duplicate:
		if len(p.stack) == 0 {
			return p.errAt(i, vmerror.KindStackDepth, "operand stack underflow")
		}
		p.push(p.stack[len(p.stack)-1])

	case core.Branch:
		if err := p.checkBranchTarget(i, inst.BranchTarget); err != nil {
			return err
		}
		p.branches = append(p.branches, branchCheck{source: i, target: inst.BranchTarget, snapshot: append([]*types.Type(nil), p.stack...)})

	case core.BranchEqual, core.BranchNotEqual, core.BranchGreater, core.BranchGreaterOrEqual, core.BranchLess, core.BranchLessOrEqual:
		if err := p.checkBranchTarget(i, inst.BranchTarget); err != nil {
			return err
		}
		b, err := p.pop(i)
		if err != nil {
			return err
		}
		a, err := p.pop(i)
		if err != nil {
			return err
		}
		ok := a.Kind() == b.Kind() && (a.Kind() == types.KindInt || a.Kind() == types.KindFloat)
		if inst.OpCode == core.BranchEqual || inst.OpCode == core.BranchNotEqual {
			ok = equalityComparable(a, b)
		}
		if !ok {
			return p.errAt(i, vmerror.KindTypeMismatch, "%s requires comparable operands, got %s and %s", inst.OpCode, a.Name(), b.Name())
		}
		p.branches = append(p.branches, branchCheck{source: i, target: inst.BranchTarget, snapshot: append([]*types.Type(nil), p.stack...)})

	case core.Ret:
		if p.mf.Def.ReturnType.Kind() == types.KindVoid {
			if len(p.stack) != 0 {
				return p.errAt(i, vmerror.KindStackDepth, "Ret from a Void function with %d values on the stack", len(p.stack))
			}
			return nil
		}
		if len(p.stack) != 1 {
			return p.errAt(i, vmerror.KindStackDepth, "Ret requires exactly one value on the stack, got %d", len(p.stack))
		}
		if !p.mf.Def.ReturnType.Equal(p.stack[0]) && !p.mf.Def.ReturnType.AssignableFrom(p.stack[0]) {
			return p.errAt(i, vmerror.KindTypeMismatch, "Ret value has type %s, expected %s", p.stack[0].Name(), p.mf.Def.ReturnType.Name())
		}

	case core.Call:
		if err := p.applyCall(i, inst); err != nil {
			return err
		}

	case core.CallInstance, core.CallVirtual:
		if err := p.applyMemberCall(i, inst); err != nil {
			return err
		}

	case core.NewObject:
		if err := p.applyNewObject(i, inst); err != nil {
			return err
		}

	case core.NewArray:
		elem := inst.ElementType()
		if elem == nil || elem.Kind() == types.KindVoid {
			return p.errAt(i, vmerror.KindInvalidOperands, "NewArray element type must not be Void")
		}
		length, err := p.pop(i)
		if err != nil {
			return err
		}
		if length.Kind() != types.KindInt {
			return p.errAt(i, vmerror.KindTypeMismatch, "NewArray length must be Int, got %s", length.Name())
		}
		p.push(types.NewArray(elem))

	case core.LoadElement:
		elem := inst.ElementType()
		index, err := p.pop(i)
		if err != nil {
			return err
		}
		arr, err := p.pop(i)
		if err != nil {
			return err
		}
		if index.Kind() != types.KindInt {
			return p.errAt(i, vmerror.KindTypeMismatch, "LoadElement index must be Int, got %s", index.Name())
		}
		if arr.Kind() != types.KindArray || !arr.ElementType().Equal(elem) {
			return p.errAt(i, vmerror.KindTypeMismatch, "LoadElement expects an array of %s, got %s", elem.Name(), arr.Name())
		}
		p.push(elem)

	case core.StoreElement:
		elem := inst.ElementType()
		val, err := p.pop(i)
		if err != nil {
			return err
		}
		index, err := p.pop(i)
		if err != nil {
			return err
		}
		arr, err := p.pop(i)
		if err != nil {
			return err
		}
		if index.Kind() != types.KindInt {
			return p.errAt(i, vmerror.KindTypeMismatch, "StoreElement index must be Int, got %s", index.Name())
		}
		if arr.Kind() != types.KindArray || !arr.ElementType().Equal(elem) {
			return p.errAt(i, vmerror.KindTypeMismatch, "StoreElement expects an array of %s, got %s", elem.Name(), arr.Name())
		}
		if !elem.AssignableFrom(val) {
			return p.errAt(i, vmerror.KindTypeMismatch, "StoreElement value has type %s, expected %s", val.Name(), elem.Name())
		}

	case core.LoadArrayLength:
		arr, err := p.pop(i)
		if err != nil {
			return err
		}
		if arr.Kind() != types.KindArray {
			return p.errAt(i, vmerror.KindTypeMismatch, "LoadArrayLength requires an array operand, got %s", arr.Name())
		}
		p.push(types.Int)

	case core.LoadField:
		if err := p.applyField(i, inst, false); err != nil {
			return err
		}

	case core.StoreField:
		if err := p.applyField(i, inst, true); err != nil {
			return err
		}

	default:
		panic(fmt.Sprintf("internal error: verifier has no rule for opcode %s", inst.OpCode))
	}
	return nil
}

func (p *pass) checkLocalIndex(i, idx int) error {
	if idx < 0 || idx >= len(p.mf.Locals) {
		return p.errAt(i, vmerror.KindInvalidOperands, "local index %d out of range", idx)
	}
	return nil
}

func (p *pass) checkBranchTarget(i, target int) error {
	if target < 0 || target >= len(p.mf.Instructions) {
		return p.errAt(i, vmerror.KindInvalidBranchTarget, "branch target %d out of range", target)
	}
	return nil
}

// applyCall handles free-function Call; member calls go through
// applyMemberCall instead.
func (p *pass) applyCall(i int, inst *core.Instruction) error {
	sig := core.Signature("", inst.CalleeName, inst.Parameters)
	def, ok := p.v.bind.Lookup(sig)
	if !ok {
		return p.errAt(i, vmerror.KindMissingFunction, "no function matches %q", sig)
	}
	if err := p.popCallArguments(i, inst.Parameters); err != nil {
		return err
	}
	if def.IsConstructor {
		if err := p.checkConstructorChain(i, def); err != nil {
			return err
		}
	}
	if def.ReturnType.Kind() != types.KindVoid {
		p.push(def.ReturnType)
	}
	return nil
}

// applyMemberCall resolves CallInstance/CallVirtual against the class named
// on the instruction, walking the parent chain to find an inherited
// implementation and rewriting inst.ClassType to the declaring class when
// found there instead (spec.md §4.2 "CallInstance ... rewrite the
// instruction's class_type to the declaring class").
func (p *pass) applyMemberCall(i int, inst *core.Instruction) error {
	classInfo, _ := inst.ClassType.(*class.Metadata)
	if classInfo == nil {
		return p.errAt(i, vmerror.KindMissingFunction, "%s has no receiver class", inst.OpCode)
	}

	var def *core.FunctionDefinition
	var declaring *class.Metadata
	for c := classInfo; c != nil; c = c.Parent {
		sig := core.Signature(c.Name, inst.CalleeName, inst.Parameters)
		if found, ok := p.v.bind.Lookup(sig); ok {
			def, declaring = found, c
			break
		}
	}
	if def == nil {
		return p.errAt(i, vmerror.KindMissingFunction, "no member function matches %s::%s", classInfo.Name, inst.CalleeName)
	}
	if def.ClassType == nil {
		return p.errAt(i, vmerror.KindInvalidOperands, "%s target %s::%s is not a member function", inst.OpCode, classInfo.Name, inst.CalleeName)
	}
	if inst.OpCode == core.CallVirtual && !def.IsVirtual {
		return p.errAt(i, vmerror.KindInvalidOperands, "CallVirtual target %s::%s is not virtual", classInfo.Name, inst.CalleeName)
	}
	if declaring.Name != classInfo.Name {
		inst.ClassType = declaring
	}

	if def.Access == core.Private {
		if p.mf.Def.ClassType == nil || p.mf.Def.ClassType.ClassName() != declaring.Name {
			return p.errAt(i, vmerror.KindAccessViolation, "%s::%s is private", declaring.Name, inst.CalleeName)
		}
	}

	if err := p.popCallArguments(i, inst.Parameters); err != nil {
		return err
	}

	receiver, err := p.pop(i)
	if err != nil {
		return err
	}
	receiverType := types.NewClass(classInfo)
	if !receiverType.AssignableFrom(receiver) {
		return p.errAt(i, vmerror.KindTypeMismatch, "%s receiver has type %s, expected %s", inst.OpCode, receiver.Name(), receiverType.Name())
	}

	if def.IsConstructor {
		if err := p.checkConstructorChain(i, def); err != nil {
			return err
		}
	}

	if def.ReturnType.Kind() != types.KindVoid {
		p.push(def.ReturnType)
	}
	return nil
}

// checkConstructorChain enforces that a constructor is only invoked from
// another constructor of the same class or a subclass (spec.md §4.2
// "NewObject"; supplemented per the original's constructor-chaining rule —
// see DESIGN.md).
func (p *pass) checkConstructorChain(i int, callee *core.FunctionDefinition) error {
	if !p.mf.Def.IsConstructor {
		return p.errAt(i, vmerror.KindAccessViolation, "constructor %s can only be invoked via NewObject or from another constructor", callee.Signature())
	}
	callerClass, _ := p.mf.Def.ClassType.(*class.Metadata)
	calleeClass, _ := callee.ClassType.(*class.Metadata)
	if callerClass == nil || calleeClass == nil {
		return p.errAt(i, vmerror.KindAccessViolation, "constructor chaining requires both functions to be class members")
	}
	if callerClass.Name == calleeClass.Name || callerClass.IsSubclassOf(calleeClass) {
		return nil
	}
	return p.errAt(i, vmerror.KindAccessViolation, "constructor %s is not reachable by chaining from %s", callee.Signature(), callerClass.Name)
}

func (p *pass) applyNewObject(i int, inst *core.Instruction) error {
	classInfo, _ := inst.ClassType.(*class.Metadata)
	if classInfo == nil {
		return p.errAt(i, vmerror.KindMissingFunction, "NewObject has no target class")
	}
	sig := core.Signature(classInfo.Name, inst.CalleeName, inst.Parameters)
	def, ok := p.v.bind.Lookup(sig)
	if !ok {
		return p.errAt(i, vmerror.KindMissingFunction, "no constructor matches %q", sig)
	}
	if !def.IsConstructor {
		return p.errAt(i, vmerror.KindInvalidOperands, "NewObject target %q is not a constructor", sig)
	}
	if err := p.popCallArguments(i, inst.Parameters); err != nil {
		return err
	}
	p.push(types.NewClass(classInfo))
	return nil
}

func (p *pass) applyField(i int, inst *core.Instruction, isStore bool) error {
	classInfo, _ := inst.ClassType.(*class.Metadata)
	if classInfo == nil {
		return p.errAt(i, vmerror.KindMissingFunction, "field access has no target class")
	}
	field, ok := classInfo.FieldByName(inst.FieldName)
	if !ok {
		return p.errAt(i, vmerror.KindMissingFunction, "%s has no field %q", classInfo.Name, inst.FieldName)
	}
	declaringClass := classInfo
	if !field.DeclaredHere {
		for c := classInfo.Parent; c != nil; c = c.Parent {
			if f, ok := c.FieldByName(inst.FieldName); ok && f.DeclaredHere {
				declaringClass = c
				break
			}
		}
	}
	if field.Access == class.Private {
		if p.mf.Def.ClassType == nil || p.mf.Def.ClassType.ClassName() != declaringClass.Name {
			return p.errAt(i, vmerror.KindAccessViolation, "%s::%s is private", declaringClass.Name, inst.FieldName)
		}
	}

	if isStore {
		val, err := p.pop(i)
		if err != nil {
			return err
		}
		receiver, err := p.pop(i)
		if err != nil {
			return err
		}
		receiverType := types.NewClass(classInfo)
		if !receiverType.AssignableFrom(receiver) {
			return p.errAt(i, vmerror.KindTypeMismatch, "StoreField receiver has type %s, expected %s", receiver.Name(), receiverType.Name())
		}
		if !field.Type.AssignableFrom(val) {
			return p.errAt(i, vmerror.KindTypeMismatch, "StoreField value has type %s, expected %s", val.Name(), field.Type.Name())
		}
		return nil
	}

	receiver, err := p.pop(i)
	if err != nil {
		return err
	}
	receiverType := types.NewClass(classInfo)
	if !receiverType.AssignableFrom(receiver) {
		return p.errAt(i, vmerror.KindTypeMismatch, "LoadField receiver has type %s, expected %s", receiver.Name(), receiverType.Name())
	}
	p.push(field.Type)
	return nil
}

// popCallArguments pops len(params) operands in reverse declaration order
// (the last-declared parameter is on top of the stack) and checks each is
// assignable to its declared type.
func (p *pass) popCallArguments(i int, params []*types.Type) error {
	for idx := len(params) - 1; idx >= 0; idx-- {
		val, err := p.pop(i)
		if err != nil {
			return err
		}
		if !params[idx].AssignableFrom(val) {
			return p.errAt(i, vmerror.KindTypeMismatch, "argument %d has type %s, expected %s", idx, val.Name(), params[idx].Name())
		}
	}
	return nil
}

func equalityComparable(a, b *types.Type) bool {
	switch {
	case a.Kind() == types.KindInt && b.Kind() == types.KindInt:
		return true
	case a.Kind() == types.KindFloat && b.Kind() == types.KindFloat:
		return true
	case a.Kind() == types.KindBool && b.Kind() == types.KindBool:
		return true
	case a.Kind() == types.KindChar && b.Kind() == types.KindChar:
		return true
	case a.IsReference() && b.IsReference():
		if a.Kind() == types.KindNull || b.Kind() == types.KindNull {
			return true
		}
		return a.Equal(b)
	default:
		return false
	}
}

// compatible decides whether two branch-merge operand types are consistent
// enough to share a stack slot (spec.md §4.2 "element-wise compatible
// types"): equal, or assignable in either direction (covers Null merging
// with a concrete reference type on one arm of a branch).
func compatible(a, b *types.Type) bool {
	return a.Equal(b) || a.AssignableFrom(b) || b.AssignableFrom(a)
}
