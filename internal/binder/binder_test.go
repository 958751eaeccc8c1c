package binder

import (
	"testing"

	"go.stackvm.dev/stackvm/internal/core"
)

func TestDefineAndLookup(t *testing.T) {
	b := New()
	def := &core.FunctionDefinition{Name: "helper"}
	if err := b.Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}
	got, ok := b.Lookup("helper()")
	if !ok || got != def {
		t.Fatalf("Lookup(\"helper()\") = %v, %v; want the defined function", got, ok)
	}
}

func TestDefineRejectsDuplicateSignature(t *testing.T) {
	b := New()
	def := &core.FunctionDefinition{Name: "helper"}
	if err := b.Define(def); err != nil {
		t.Fatalf("first Define: %v", err)
	}
	err := b.Define(&core.FunctionDefinition{Name: "helper"})
	if err == nil {
		t.Fatalf("expected a duplicate-signature error")
	}
	if _, ok := err.(*DuplicateSignatureError); !ok {
		t.Fatalf("error type = %T, want *DuplicateSignatureError", err)
	}
}

func TestDefineAsAllowsAlias(t *testing.T) {
	b := New()
	def := &core.FunctionDefinition{Name: "puts", Managed: false}
	if err := b.Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := b.DefineAs("print()", def); err != nil {
		t.Fatalf("DefineAs alias: %v", err)
	}
	if !b.IsDefined("puts()") || !b.IsDefined("print()") {
		t.Fatalf("expected both the canonical signature and its alias to resolve")
	}
}

func TestLookupMissingSignature(t *testing.T) {
	b := New()
	if _, ok := b.Lookup("missing()"); ok {
		t.Fatalf("Lookup should report false for an unbound signature")
	}
}

func TestAllReturnsEveryDefinition(t *testing.T) {
	b := New()
	_ = b.Define(&core.FunctionDefinition{Name: "a"})
	_ = b.Define(&core.FunctionDefinition{Name: "b"})
	if got := len(b.All()); got != 2 {
		t.Fatalf("All() length = %d, want 2", got)
	}
}
