package verifier

import (
	"testing"

	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/types"
)

func newVerifier() (*Verifier, *binder.Binder, *class.Provider) {
	bind := binder.New()
	classes := class.NewProvider()
	return New(bind, classes), bind, classes
}

func TestVerifySimpleArithmeticComputesStackMax(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Int},
		Instructions: []*core.Instruction{
			{OpCode: core.LoadInt, IntValue: 2},
			{OpCode: core.LoadInt, IntValue: 3},
			{OpCode: core.Add},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if mf.OperandStackMax != 2 {
		t.Fatalf("OperandStackMax = %d, want 2", mf.OperandStackMax)
	}
}

func TestVerifyRejectsMismatchedArithmeticTypes(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Int},
		Instructions: []*core.Instruction{
			{OpCode: core.LoadInt, IntValue: 2},
			{OpCode: core.LoadTrue},
			{OpCode: core.Add},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected a type error adding Int and Bool")
	}
}

func TestVerifyRejectsStackUnderflow(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Instructions: []*core.Instruction{
			{OpCode: core.Pop},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an underflow error popping an empty stack")
	}
}

func TestVerifyRejectsVoidReturnTypeParameter(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{
			Name:       "f",
			ReturnType: types.Void,
			Parameters: []*types.Type{types.Void},
		},
		Instructions: []*core.Instruction{{OpCode: core.Ret}},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an error: a parameter cannot be declared Void")
	}
}

func TestVerifyInfersLocalTypeFromFirstStore(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def:    &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Locals: []*types.Type{nil},
		Instructions: []*core.Instruction{
			{OpCode: core.LoadInt, IntValue: 7},
			{OpCode: core.StoreLocal, LocalOrArgIndex: 0},
			{OpCode: core.LoadLocal, LocalOrArgIndex: 0},
			{OpCode: core.Pop},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if mf.Locals[0] == nil || mf.Locals[0].Kind() != types.KindInt {
		t.Fatalf("expected local 0 to be inferred as Int, got %v", mf.Locals[0])
	}
}

func TestVerifyRejectsBranchTargetOutOfRange(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Instructions: []*core.Instruction{
			{OpCode: core.Branch, BranchTarget: 5},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an error for an out-of-range branch target")
	}
}

func TestVerifyRejectsBranchMergeStackMismatch(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Int},
		Instructions: []*core.Instruction{
			{OpCode: core.Branch, BranchTarget: 2},
			{OpCode: core.LoadInt, IntValue: 1}, // leaves one value on the stack at index 1
			{OpCode: core.Ret},                  // target: reached with 0 values from the branch, 1 by fallthrough
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected a stack-depth mismatch error across the two paths into instruction 2")
	}
}

func TestVerifyResolvesFreeFunctionCall(t *testing.T) {
	v, bind, _ := newVerifier()
	if err := bind.Define(&core.FunctionDefinition{Name: "helper", ReturnType: types.Int}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Instructions: []*core.Instruction{
			{OpCode: core.Call, CalleeName: "helper"},
			{OpCode: core.Pop},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsCallToUndefinedFunction(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Instructions: []*core.Instruction{
			{OpCode: core.Call, CalleeName: "nope"},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an error calling an undefined function")
	}
}

func TestVerifyRejectsPrivateFieldAccessFromOutsideClass(t *testing.T) {
	v, _, classes := newVerifier()
	if _, err := classes.Declare("Point"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := classes.Finalize("Point", "", []class.FieldDecl{
		{Name: "x", Type: types.Int, Access: class.Private},
	}, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	meta, _ := classes.Lookup("Point")

	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Instructions: []*core.Instruction{
			{OpCode: core.LoadNull},
			{OpCode: core.LoadField, ClassType: meta, FieldName: "x"},
			{OpCode: core.Pop},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an access violation reading a private field from outside its class")
	}
}

func TestVerifyNewArrayRejectsVoidElementType(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "main", ReturnType: types.Void},
		Instructions: []*core.Instruction{
			{OpCode: core.LoadInt, IntValue: 1},
			{OpCode: core.NewArray, Parameters: []*types.Type{types.Void}},
			{OpCode: core.Pop},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an error: NewArray element type cannot be Void")
	}
}

func TestVerifyRejectsConstructorReturningNonVoid(t *testing.T) {
	v, _, _ := newVerifier()
	mf := &core.ManagedFunction{
		Def: &core.FunctionDefinition{Name: "Point", ReturnType: types.Int, IsConstructor: true},
		Instructions: []*core.Instruction{
			{OpCode: core.LoadInt, IntValue: 0},
			{OpCode: core.Ret},
		},
	}
	if err := v.Verify(mf); err == nil {
		t.Fatalf("expected an error: a constructor must return Void")
	}
}
