// Package binder implements the Binder: the signature string -> definition
// table every call site resolves against (spec.md §3 "Binder"; component
// C4).
package binder

import "go.stackvm.dev/stackvm/internal/core"

// Binder maps canonical signature strings to FunctionDefinitions. Insertions
// are unique; an external definition may additionally be re-exposed under
// another name (spec.md §3: "external definitions may be re-exposed under
// another name").
type Binder struct {
	defs map[string]*core.FunctionDefinition
}

func New() *Binder {
	return &Binder{defs: make(map[string]*core.FunctionDefinition)}
}

// Define inserts def under its own Signature(). Returns an error if that
// signature is already bound.
func (b *Binder) Define(def *core.FunctionDefinition) error {
	return b.DefineAs(def.Signature(), def)
}

// DefineAs inserts def under an explicit signature string, used both for
// normal definitions and for re-exposing an external function under an
// alias.
func (b *Binder) DefineAs(signature string, def *core.FunctionDefinition) error {
	if _, exists := b.defs[signature]; exists {
		return &DuplicateSignatureError{Signature: signature}
	}
	b.defs[signature] = def
	return nil
}

// Lookup resolves a signature to its definition.
func (b *Binder) Lookup(signature string) (*core.FunctionDefinition, bool) {
	def, ok := b.defs[signature]
	return def, ok
}

// IsDefined reports whether signature is bound, without returning the
// definition (mirrors the original's `binder().isDefined(signature)` used
// heavily by the verifier's inherited-member-function search).
func (b *Binder) IsDefined(signature string) bool {
	_, ok := b.defs[signature]
	return ok
}

// All returns every bound definition, in no particular order, for the
// linker's emit-everything pass.
func (b *Binder) All() []*core.FunctionDefinition {
	out := make([]*core.FunctionDefinition, 0, len(b.defs))
	for _, def := range b.defs {
		out = append(out, def)
	}
	return out
}

// DuplicateSignatureError reports a re-definition attempt.
type DuplicateSignatureError struct {
	Signature string
}

func (e *DuplicateSignatureError) Error() string {
	return "duplicate function signature: " + e.Signature
}
