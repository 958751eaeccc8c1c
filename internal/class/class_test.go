package class

import (
	"testing"

	"go.stackvm.dev/stackvm/internal/types"
)

func TestDeclareRejectsDuplicateName(t *testing.T) {
	p := NewProvider()
	if _, err := p.Declare("Shape"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if _, err := p.Declare("Shape"); err == nil {
		t.Fatalf("expected an error re-declaring an already-declared class")
	}
}

func TestFinalizeAssignsFieldOffsetsInOrder(t *testing.T) {
	p := NewProvider()
	if _, err := p.Declare("Point"); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	err := p.Finalize("Point", "", []FieldDecl{
		{Name: "x", Type: types.Int, Access: Public},
		{Name: "y", Type: types.Int, Access: Public},
	}, nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	meta, _ := p.Lookup("Point")
	x, _ := meta.FieldByName("x")
	y, _ := meta.FieldByName("y")
	if x.Offset != 0 || y.Offset != 4 {
		t.Fatalf("offsets = x:%d y:%d, want 0,4", x.Offset, y.Offset)
	}
	if meta.Size != 8 {
		t.Fatalf("Size = %d, want 8", meta.Size)
	}
}

func TestFinalizePrependsInheritedFields(t *testing.T) {
	p := NewProvider()
	_, _ = p.Declare("Base")
	_, _ = p.Declare("Derived")
	if err := p.Finalize("Base", "", []FieldDecl{{Name: "x", Type: types.Int}}, nil); err != nil {
		t.Fatalf("Finalize Base: %v", err)
	}
	if err := p.Finalize("Derived", "Base", []FieldDecl{{Name: "y", Type: types.Int}}, nil); err != nil {
		t.Fatalf("Finalize Derived: %v", err)
	}
	meta, _ := p.Lookup("Derived")
	if len(meta.Fields) != 2 || meta.Fields[0].Name != "x" || meta.Fields[1].Name != "y" {
		t.Fatalf("Fields = %+v, want [x, y]", meta.Fields)
	}
	if meta.Fields[1].Offset != 4 {
		t.Fatalf("y offset = %d, want 4 (after inherited x)", meta.Fields[1].Offset)
	}
}

func TestFinalizeRejectsUndeclaredParent(t *testing.T) {
	p := NewProvider()
	_, _ = p.Declare("Derived")
	if err := p.Finalize("Derived", "Base", nil, nil); err == nil {
		t.Fatalf("expected an error finalizing against an undeclared parent")
	}
}

func TestFinalizeRejectsCyclicInheritance(t *testing.T) {
	p := NewProvider()
	_, _ = p.Declare("A")
	_, _ = p.Declare("B")
	if err := p.Finalize("A", "B", nil, nil); err != nil {
		t.Fatalf("Finalize A<-B: %v", err)
	}
	if err := p.Finalize("B", "A", nil, nil); err == nil {
		t.Fatalf("expected an error for a cyclic parent chain B->A->B")
	}
}

func TestIsSubclassOfWalksParentChain(t *testing.T) {
	p := NewProvider()
	_, _ = p.Declare("Animal")
	_, _ = p.Declare("Dog")
	_ = p.Finalize("Animal", "", nil, nil)
	_ = p.Finalize("Dog", "Animal", nil, nil)
	dog, _ := p.Lookup("Dog")
	animal, _ := p.Lookup("Animal")
	if !dog.IsSubclassOf(animal) {
		t.Fatalf("expected Dog to be a subclass of Animal")
	}
	if animal.IsSubclassOf(dog) {
		t.Fatalf("did not expect Animal to be a subclass of Dog")
	}
}

func TestAssignVTableSlotsInheritsAndAppendsNewSlots(t *testing.T) {
	p := NewProvider()
	_, _ = p.Declare("Shape")
	_, _ = p.Declare("Circle")
	if err := p.Finalize("Shape", "", nil, []VirtualDecl{
		{Signature: "Shape::area(Shape)"},
	}); err != nil {
		t.Fatalf("Finalize Shape: %v", err)
	}
	if err := p.Finalize("Circle", "Shape", nil, []VirtualDecl{
		{Signature: "Circle::area(Circle)", FuncPtr: 0x1234},
		{Signature: "Circle::radius(Circle)", FuncPtr: 0x5678},
	}); err != nil {
		t.Fatalf("Finalize Circle: %v", err)
	}
	circle, _ := p.Lookup("Circle")
	if len(circle.VTable) != 2 {
		t.Fatalf("VTable = %+v, want 2 entries (area override in slot 0, radius appended)", circle.VTable)
	}
	if circle.VTable[0].Signature != "Circle::area(Circle)" || circle.VTable[0].FunctionPtr != 0x1234 {
		t.Fatalf("slot 0 = %+v, want Circle's area() override sharing Shape's slot", circle.VTable[0])
	}
	if circle.VTable[1].Signature != "Circle::radius(Circle)" {
		t.Fatalf("slot 1 = %+v, want the newly introduced radius()", circle.VTable[1])
	}
}

func TestLookupClassSatisfiesTypesClassLookup(t *testing.T) {
	p := NewProvider()
	_, _ = p.Declare("Shape")
	_ = p.Finalize("Shape", "", nil, nil)
	info, ok := p.LookupClass("Shape")
	if !ok || info.ClassName() != "Shape" {
		t.Fatalf("LookupClass(Shape) = %+v, %v", info, ok)
	}
	if _, ok := p.LookupClass("Missing"); ok {
		t.Fatalf("LookupClass should report false for an undeclared class")
	}
}
