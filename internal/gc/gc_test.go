package gc

import (
	"testing"

	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/types"
)

func TestNewArrayRoundTrip(t *testing.T) {
	h := New(1<<16, 1<<16)
	addr, err := h.NewArray(types.Int, 4, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	if addr == 0 {
		t.Fatalf("expected non-null address, got 0")
	}
	buf := h.Bytes(addr)
	if got := len(buf); int64(got) < addr.Offset()+arrayLengthHeaderSize {
		t.Fatalf("backing buffer too small for header")
	}
}

func TestNewClassStampsVTablePointer(t *testing.T) {
	provider := class.NewProvider()
	if _, err := provider.Declare("Point"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := provider.Finalize("Point", "", []class.FieldDecl{
		{Name: "x", Type: types.Int},
		{Name: "y", Type: types.Int},
	}, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	meta, ok := provider.Lookup("Point")
	if !ok {
		t.Fatalf("Point not found after Finalize")
	}

	h := New(1<<16, 1<<16)
	const vtable = uint64(0xdead)
	addr, err := h.NewClass(meta, vtable, nil)
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}

	buf := h.Bytes(addr)
	got := readUint64(buf[addr.Offset():])
	if got != vtable {
		t.Fatalf("vtable header = %#x, want %#x", got, vtable)
	}
}

func TestNullOffsetNeverAllocated(t *testing.T) {
	h := New(1<<10, 1<<10)
	addr, err := h.NewArray(types.Int, 1, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	if addr == 0 {
		t.Fatalf("first allocation landed on the null sentinel address 0")
	}
}

func TestNegativeLengthRejected(t *testing.T) {
	h := New(1<<10, 1<<10)
	if _, err := h.NewArray(types.Int, -1, nil); err == nil {
		t.Fatalf("expected an error for a negative array length")
	}
}

// TestCollectYoungPreservesRootedObject exercises the evacuation + field
// retrace path end to end: a rooted array survives a young collection (and
// gets relocated), and its own element slot (pointing at a second, unrooted
// array reachable only through the first) is still correctly updated to the
// element's new address after the copy.
func TestCollectYoungPreservesRootedObject(t *testing.T) {
	h := New(1<<12, 1<<16)

	inner, err := h.NewArray(types.Int, 1, nil)
	if err != nil {
		t.Fatalf("NewArray(inner): %v", err)
	}

	outerType := types.NewArray(types.NewArray(types.Int))
	outer, err := h.NewArray(outerType.ElementType(), 1, nil)
	if err != nil {
		t.Fatalf("NewArray(outer): %v", err)
	}

	// outer[0] = inner, written directly as the array element slot (array
	// headers are length then elementStride-wide slots).
	outerBuf := h.Bytes(outer)
	writeAddress(outerBuf[outer.Offset()+arrayLengthHeaderSize:], inner)

	root := outer
	roots := []Root{{
		Type: types.NewArray(types.Int),
		Get:  func() Address { return root },
		Set:  func(a Address) { root = a },
	}}

	h.CollectYoung(roots)

	if root == outer {
		t.Fatalf("expected the rooted address to change after a copying collection")
	}
	newOuterBuf := h.Bytes(root)
	newInner := readAddress(newOuterBuf[root.Offset()+arrayLengthHeaderSize:])
	if newInner == 0 {
		t.Fatalf("inner element reference was lost during collection")
	}
	if newInner == inner {
		// Acceptable only if inner was never promoted/moved, which does
		// still happen in a young collection's evacuation of every
		// reachable object, so this should not occur in practice.
		t.Fatalf("inner array address unchanged; field tracing likely did not run against the post-copy object")
	}
}

func TestMarkCardOnlyAffectsOldGeneration(t *testing.T) {
	h := New(1<<12, 1<<16)
	young, err := h.NewArray(types.Int, 1, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	before := dirtyCount(h)
	h.MarkCard(young)
	if dirtyCount(h) != before {
		t.Fatalf("MarkCard dirtied a card for a young-generation address")
	}
}

func dirtyCount(h *Heap) int {
	return h.Stats().DirtyCards
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func writeAddress(b []byte, a Address) {
	v := uint64(a)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func readAddress(b []byte) Address {
	return Address(readUint64(b))
}
