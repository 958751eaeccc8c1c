package runtimevm

import (
	"testing"

	"go.uber.org/zap"

	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/callstack"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/codegen"
	"go.stackvm.dev/stackvm/internal/core"
	"go.stackvm.dev/stackvm/internal/gc"
	"go.stackvm.dev/stackvm/internal/linker"
	"go.stackvm.dev/stackvm/internal/types"
)

// noRoots is a FrameReader that never reports a live reference, adequate
// for every test here since none allocate deeply enough to need a real
// frame-pointer walk (that seam is internal/engine's frameReader, see
// DESIGN.md).
type noRoots struct{}

func (noRoots) Roots(depth int, fn *core.ManagedFunction, instIndex int) []gc.Root { return nil }

func newTestState(t *testing.T) *State {
	t.Helper()
	heap := gc.New(1<<16, 1<<16)
	stack := callstack.New(64)
	classes := class.NewProvider()
	bind := binder.New()
	img := &linker.Image{}
	return New(heap, stack, classes, bind, img, nil, nil, noRoots{}, nil, zap.NewNop())
}

func TestNewArrayAllocates(t *testing.T) {
	s := newTestState(t)
	addr, err := s.NewArray(types.Int, 3)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	if addr == 0 {
		t.Fatalf("expected a non-null address")
	}
}

func TestNewArrayLogsWhenPrintAllocationsSet(t *testing.T) {
	s := newTestState(t)
	s.PrintAllocations = true
	if _, err := s.NewArray(types.Int, 1); err != nil {
		t.Fatalf("NewArray: %v", err)
	}
}

func TestNewClassStampsDistinctVTableBase(t *testing.T) {
	s := newTestState(t)
	if _, err := s.Classes.Declare("Point"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := s.Classes.Finalize("Point", "", []class.FieldDecl{
		{Name: "x", Type: types.Int},
	}, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	meta, ok := s.Classes.Lookup("Point")
	if !ok {
		t.Fatalf("Point not found after Finalize")
	}

	addr, err := s.NewClass(meta)
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}
	if addr == 0 {
		t.Fatalf("expected a non-null address")
	}

	// A second class must get a distinct vtable identity from the first.
	if _, err := s.Classes.Declare("Line"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := s.Classes.Finalize("Line", "", nil, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	lineMeta, _ := s.Classes.Lookup("Line")
	if s.vtableBaseFor(lineMeta) == s.vtableBaseFor(meta) {
		t.Fatalf("two distinct classes resolved to the same vtable base")
	}
}

func TestNewStringCopiesBytes(t *testing.T) {
	s := newTestState(t)
	addr, err := s.NewString([]byte("hi"))
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	buf := s.Heap.Bytes(addr)
	got := string(buf[addr.Offset()+4 : addr.Offset()+6])
	if got != "hi" {
		t.Fatalf("string bytes = %q, want %q", got, "hi")
	}
}

func TestPushFuncPopFuncRoundTrip(t *testing.T) {
	s := newTestState(t)
	fn := &core.ManagedFunction{Def: &core.FunctionDefinition{Name: "f"}}
	if err := s.PushFunc(fn, 7); err != nil {
		t.Fatalf("PushFunc: %v", err)
	}
	if s.CallStack.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1", s.CallStack.Depth())
	}
	if err := s.PopFunc(); err != nil {
		t.Fatalf("PopFunc: %v", err)
	}
	if s.CallStack.Depth() != 0 {
		t.Fatalf("Depth after PopFunc = %d, want 0", s.CallStack.Depth())
	}
}

func TestGetVirtualFunctionAddressRejectsBadSlot(t *testing.T) {
	s := newTestState(t)
	if _, err := s.Classes.Declare("Shape"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := s.Classes.Finalize("Shape", "", nil, []class.VirtualDecl{
		{Signature: "Shape::area(Shape)"},
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := s.GetVirtualFunctionAddress("Shape", 5); err == nil {
		t.Fatalf("expected an error for an out-of-range vtable slot")
	}
}

func TestGetVirtualFunctionAddressTriggersLazyCompile(t *testing.T) {
	classes := class.NewProvider()
	bind := binder.New()
	lnk := linker.New(classes, bind)

	if _, err := classes.Declare("Shape"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := classes.Finalize("Shape", "", nil, []class.VirtualDecl{
		{Signature: "Shape::area(Shape)"},
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	areaDef := &core.FunctionDefinition{Name: "area", Managed: true, ClassType: shapeRef{}}
	if err := bind.DefineAs("Shape::area(Shape)", areaDef); err != nil {
		t.Fatalf("DefineAs: %v", err)
	}
	areaFn := &core.ManagedFunction{Def: areaDef}
	functions := map[string]*core.ManagedFunction{"Shape::area(Shape)": areaFn}

	compiled := false
	compile := func(fn *core.ManagedFunction) (*codegen.Result, error) {
		compiled = true
		return &codegen.Result{Code: []byte{0x90, 0x90, 0x90, 0x90}}, nil
	}

	// Lazy mode never links the image with Shape::area(Shape) placed (the
	// engine's own Compile skips AddFunction entirely when Options.Lazy is
	// set), so the starting image here is built directly rather than
	// through Linker.Link, which would otherwise reject the still-unfilled
	// vtable slot before the lazy trampoline ever gets a chance to run.
	mem, err := linker.NewMemoryManager(1)
	if err != nil {
		t.Fatalf("NewMemoryManager: %v", err)
	}
	img := &linker.Image{Memory: mem, Functions: map[string]linker.Placement{}, StringPool: map[string]int{}}

	s := New(gc.New(1<<16, 1<<16), callstack.New(8), classes, bind, img, lnk, functions, noRoots{}, compile, zap.NewNop())

	addr, err := s.GetVirtualFunctionAddress("Shape", 0)
	if err != nil {
		t.Fatalf("GetVirtualFunctionAddress: %v", err)
	}
	if !compiled {
		t.Fatalf("expected the lazy trampoline to invoke Compile")
	}
	if addr == 0 {
		t.Fatalf("expected a resolved, non-zero address after lazy compile")
	}

	if _, ok := s.Image.FunctionAddr("Shape::area(Shape)"); !ok {
		t.Fatalf("relinked image should place Shape::area(Shape)")
	}
}

func TestCompileOnDemandErrorsWithoutLazySupport(t *testing.T) {
	s := newTestState(t)
	if _, err := s.Classes.Declare("Shape"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := s.Classes.Finalize("Shape", "", nil, []class.VirtualDecl{
		{Signature: "Shape::area(Shape)"},
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// newTestState wires up a State with no Linker/Compile (eager-compile
	// shape), so an unresolved, uncompiled virtual slot must fail cleanly
	// rather than panic on a nil dereference.
	if _, err := s.GetVirtualFunctionAddress("Shape", 0); err == nil {
		t.Fatalf("expected an error: the slot is unresolved and lazy compilation is unavailable")
	}
}

// shapeRef is the minimal core.ClassRef a FunctionDefinition needs for its
// Signature() computation in this test.
type shapeRef struct{}

func (shapeRef) ClassName() string { return "Shape" }
