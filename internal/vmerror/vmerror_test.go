package vmerror

import (
	"strings"
	"testing"
)

func TestStageString(t *testing.T) {
	cases := map[Stage]string{
		StageLoad:   "load",
		StageBind:   "bind",
		StageVerify: "verify",
		StageLink:   "link",
		Stage(99):   "unknown",
	}
	for stage, want := range cases {
		if got := stage.String(); got != want {
			t.Fatalf("Stage(%d).String() = %q, want %q", stage, got, want)
		}
	}
}

func TestGlobalErrorHasNoFunctionContext(t *testing.T) {
	err := Global(StageLink, KindMutualInheritance, "cycle involving %s", "Shape")
	if err.FunctionSignature != "" || err.InstructionIndex != -1 {
		t.Fatalf("Global error = %+v, want no function/instruction context", err)
	}
	want := "link error: cycle involving Shape"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewErrorWithFunctionButNoInstruction(t *testing.T) {
	err := New(StageVerify, "main()", -1, KindMissingFunction, "no such callee")
	want := "verify error in main(): no such callee"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewErrorWithInstructionIndex(t *testing.T) {
	err := New(StageVerify, "main()", 3, KindTypeMismatch, "expected %s, got %s", "Int", "Bool")
	want := "verify: main() @ 3: expected Int, got Bool"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestVMErrorSatisfiesErrorInterface(t *testing.T) {
	var err error = New(StageBind, "f()", -1, KindRedefinedSymbol, "duplicate")
	if !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("Error() = %q, want it to contain the detail message", err.Error())
	}
}
