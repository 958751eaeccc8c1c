package linker

import (
	"encoding/binary"
	"testing"

	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/codegen"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/exceptioncheck"
)

// nopCode returns n single-byte NOPs (0x90), a convenient filler for a
// function body whose only meaningful bytes are the 4 at dispOffset that a
// fixup patches.
func nopCode(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return b
}

func TestLinkPlacesFunctionsAfterThunks(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()
	l := New(classes, bind)

	l.AddFunction("f()", &codegen.Result{Code: nopCode(16)})
	l.AddFunction("g()", &codegen.Result{Code: nopCode(8)})

	img, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	fOff := img.Functions["f()"].Offset
	gOff := img.Functions["g()"].Offset
	if fOff >= gOff {
		t.Fatalf("f() offset %d should precede g() offset %d", fOff, gOff)
	}
	// Every thunk kind must land before the first function.
	for k := exceptioncheck.NullReference; k <= exceptioncheck.StackOverflow; k++ {
		if img.ThunkOffset[k] >= fOff {
			t.Fatalf("thunk %d at %d overlaps function region starting at %d", k, img.ThunkOffset[k], fOff)
		}
	}
}

func TestLinkPatchesDirectCall(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()
	l := New(classes, bind)

	callerCode := nopCode(16)
	l.AddFunction("caller()", &codegen.Result{
		Code: callerCode,
		CallFixups: []codegen.CallFixup{
			{CodeOffset: 0, DispOffset: 4, TargetSignature: "callee()"},
		},
	})
	l.AddFunction("callee()", &codegen.Result{Code: nopCode(4)})

	img, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	callerOff := img.Functions["caller()"].Offset
	calleeOff := img.Functions["callee()"].Offset
	code := img.Memory.Bytes()

	disp := int32(binary.LittleEndian.Uint32(code[callerOff+4:]))
	wantTarget := img.Memory.Base() + uint64(calleeOff)
	gotTarget := img.Memory.Base() + uint64(callerOff) + uint64(4) + 4 + uint64(disp)
	if gotTarget != wantTarget {
		t.Fatalf("patched rel32 resolves to %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestLinkResolvesStringLiteral(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()
	l := New(classes, bind)

	l.AddFunction("f()", &codegen.Result{
		Code: nopCode(16),
		CallFixups: []codegen.CallFixup{
			{DispOffset: 4, TargetSignature: "$string:hello"},
		},
	})

	img, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	off := img.Functions["f()"].Offset
	code := img.Memory.Bytes()
	addr := binary.LittleEndian.Uint64(code[off+4:])

	poolOff, ok := img.StringPool["hello"]
	if !ok {
		t.Fatalf("string literal %q not found in pool", "hello")
	}
	if want := img.Memory.Base() + uint64(poolOff); addr != want {
		t.Fatalf("patched string address = %#x, want %#x", addr, want)
	}
	if string(code[poolOff:poolOff+5]) != "hello" {
		t.Fatalf("string pool bytes = %q, want %q", code[poolOff:poolOff+5], "hello")
	}
}

func TestLinkResolvesExternalCall(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()
	l := New(classes, bind)

	native := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := bind.Define(&core.FunctionDefinition{Name: "puts", Managed: false, EntryPoint: native}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	l.AddFunction("f()", &codegen.Result{
		Code: nopCode(16),
		CallFixups: []codegen.CallFixup{
			{CodeOffset: 4, TargetSignature: "puts()"},
		},
	})

	img, err := l.Link()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	off := img.Functions["f()"].Offset
	code := img.Memory.Bytes()
	patched := binary.LittleEndian.Uint64(code[off+4:])
	want := uint64(uintptrOf(native))
	if patched != want {
		t.Fatalf("patched external address = %#x, want %#x", patched, want)
	}
}

func TestLinkErrorsOnMissingCallTarget(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()
	l := New(classes, bind)

	l.AddFunction("f()", &codegen.Result{
		Code: nopCode(16),
		CallFixups: []codegen.CallFixup{
			{DispOffset: 4, TargetSignature: "nope()"},
		},
	})

	if _, err := l.Link(); err == nil {
		t.Fatalf("expected an error calling an undefined function")
	}
}

func TestFillVTablesRejectsUnresolvedSlot(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()

	if _, err := classes.Declare("Shape"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := classes.Finalize("Shape", "", nil, []class.VirtualDecl{
		{Signature: "Shape::area(Shape)"},
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	l := New(classes, bind)
	if _, err := l.Link(); err == nil {
		t.Fatalf("expected Link to fail: Shape::area(Shape) is never compiled or externally defined")
	}
}

func TestFillVTablesAcceptsCompiledSlot(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()

	if _, err := classes.Declare("Shape"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := classes.Finalize("Shape", "", nil, []class.VirtualDecl{
		{Signature: "Shape::area(Shape)"},
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	l := New(classes, bind)
	l.AddFunction("Shape::area(Shape)", &codegen.Result{Code: nopCode(8)})

	if _, err := l.Link(); err != nil {
		t.Fatalf("Link: %v", err)
	}
}
