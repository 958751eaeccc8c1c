// Package callstack implements the fixed-capacity call stack every running
// program shares: a ring of CallStackEntry slots tracking which managed
// function is active at each depth and where execution should resume when
// it returns (grounded on original_source/src/callstack.cpp/.h).
package callstack

import (
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/vmerror"
)

// Entry records one active call: the function running and the byte offset
// within its caller that made the call, mirroring the original's
// CallStackEntry{function, callPoint}.
type Entry struct {
	Function  *core.ManagedFunction
	CallPoint int
}

// Stack is a fixed-capacity, preallocated call stack. Push checks depth
// against Capacity and reports an overflow as an error rather than a Go
// slice-growth panic. Emitted code neither pushes entries nor checks depth
// (internal/codegen emits no call-stack bookkeeping), so entries are only
// pushed by calls made directly from Go, such as runtimevm's PushFunc.
type Stack struct {
	entries []Entry
	top     int // index of the next free slot; 0 means empty
}

// New allocates a call stack with room for capacity entries.
func New(capacity int) *Stack {
	return &Stack{entries: make([]Entry, capacity)}
}

// Capacity returns the stack's fixed size.
func (s *Stack) Capacity() int { return len(s.entries) }

// Depth returns the number of entries currently pushed.
func (s *Stack) Depth() int { return s.top }

// Push records a new call frame. Returns a vmerror if the stack is full.
func (s *Stack) Push(fn *core.ManagedFunction, callPoint int) error {
	if s.top >= len(s.entries) {
		return vmerror.Global(vmerror.StageVerify, vmerror.KindStackDepth, "call stack overflow at depth %d", s.top)
	}
	s.entries[s.top] = Entry{Function: fn, CallPoint: callPoint}
	s.top++
	return nil
}

// Pop removes and returns the top frame. Returns a vmerror if the stack is
// already empty.
func (s *Stack) Pop() (Entry, error) {
	if s.top == 0 {
		return Entry{}, vmerror.Global(vmerror.StageVerify, vmerror.KindStackDepth, "call stack underflow")
	}
	s.top--
	e := s.entries[s.top]
	s.entries[s.top] = Entry{}
	return e, nil
}

// Top returns the current top frame without popping it, and whether the
// stack is non-empty.
func (s *Stack) Top() (Entry, bool) {
	if s.top == 0 {
		return Entry{}, false
	}
	return s.entries[s.top-1], true
}

// Frames returns every active frame, innermost last, for the garbage
// collector's root-scanning walk (internal/gc precise-scans each frame's
// locals using the function's verified OperandTypesBefore snapshots).
func (s *Stack) Frames() []Entry {
	return s.entries[:s.top]
}
