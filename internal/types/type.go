// Package types implements the VM's Type value and the process-wide
// TypeProvider cache (spec.md §3 "Type", "TypeProvider"; component C1).
package types

import "strings"

// Kind distinguishes the primitive/reference variants of a Type.
type Kind int

const (
	KindVoid Kind = iota
	KindInt
	KindFloat
	KindBool
	KindChar
	KindNull
	KindArray
	KindClass
)

// ClassInfo is the minimal view of class metadata a Type needs to carry.
// internal/class.ClassMetadata implements this; keeping the dependency this
// way (an interface, not a direct import of internal/class) avoids a cycle
// since class metadata itself holds Types for its fields.
type ClassInfo interface {
	ClassName() string
	IsSubclassOf(other ClassInfo) bool
}

// Type is an immutable value: spec.md's Primitive/Reference(Null/Array/Class)
// variants folded into one tagged-union struct, per spec.md §9 "Variant
// instructions" guidance applied uniformly to Type as well.
type Type struct {
	kind  Kind
	elem  *Type     // KindArray only
	class ClassInfo // KindClass only
	name  string    // cached canonical name
}

// Primitive type singletons — Types are immutable and comparable by name, so
// sharing these avoids needless allocation for the overwhelmingly common
// case.
var (
	Void  = &Type{kind: KindVoid, name: "Void"}
	Int   = &Type{kind: KindInt, name: "Int"}
	Float = &Type{kind: KindFloat, name: "Float"}
	Bool  = &Type{kind: KindBool, name: "Bool"}
	Char  = &Type{kind: KindChar, name: "Char"}
	Null  = &Type{kind: KindNull, name: "Ref.Null"}
)

// NewArray builds (or would be cached by a TypeProvider as) an array type.
func NewArray(elem *Type) *Type {
	return &Type{kind: KindArray, elem: elem, name: "Ref.Array[" + elem.Name() + "]"}
}

// NewClass builds a class reference type around the given metadata.
func NewClass(class ClassInfo) *Type {
	return &Type{kind: KindClass, class: class, name: "Ref." + class.ClassName()}
}

func (t *Type) Kind() Kind { return t.kind }
func (t *Type) Name() string {
	return t.name
}

func (t *Type) IsReference() bool {
	switch t.kind {
	case KindNull, KindArray, KindClass:
		return true
	default:
		return false
	}
}

func (t *Type) IsPrimitive() bool { return !t.IsReference() }

func (t *Type) ElementType() *Type {
	if t.kind != KindArray {
		return nil
	}
	return t.elem
}

func (t *Type) ClassInfo() ClassInfo {
	if t.kind != KindClass {
		return nil
	}
	return t.class
}

// Size returns the in-memory size in bytes (spec.md §3: Void 0, Int/Float 4,
// Bool/Char 1, Reference = pointer width).
func (t *Type) Size() int {
	switch t.kind {
	case KindVoid:
		return 0
	case KindInt, KindFloat:
		return 4
	case KindBool, KindChar:
		return 1
	default:
		return 8 // pointer width on amd64
	}
}

// Equal reports whether two types have the same canonical name.
func (t *Type) Equal(other *Type) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.name == other.name
}

// AssignableFrom reports whether a value of type `from` may be stored where
// `t` is expected: same name, or `from` is Null and `t` is any reference
// type, or `from` is a subclass of `t` (spec.md §3, §4.2).
func (t *Type) AssignableFrom(from *Type) bool {
	if t.Equal(from) {
		return true
	}
	if from.kind == KindNull && t.IsReference() {
		return true
	}
	if t.kind == KindClass && from.kind == KindClass {
		return t.class.ClassName() == from.class.ClassName() || from.class.IsSubclassOf(t.class)
	}
	return false
}

// ParseName parses a canonical type name into (kind, elemName, className),
// respecting bracket nesting for arrays, so TypeProvider can recursively
// materialize element types (spec.md §3 "TypeProvider").
//
// Returns ok=false if the name is malformed (unbalanced brackets).
func ParseName(name string) (kind Kind, elemName string, className string, ok bool) {
	switch name {
	case "Void":
		return KindVoid, "", "", true
	case "Int":
		return KindInt, "", "", true
	case "Float":
		return KindFloat, "", "", true
	case "Bool":
		return KindBool, "", "", true
	case "Char":
		return KindChar, "", "", true
	case "Ref.Null":
		return KindNull, "", "", true
	}

	if strings.HasPrefix(name, "Ref.Array[") && strings.HasSuffix(name, "]") {
		inner := name[len("Ref.Array[") : len(name)-1]
		if depthBalanced(inner) {
			return KindArray, inner, "", true
		}
		return 0, "", "", false
	}

	if strings.HasPrefix(name, "Ref.") {
		className := strings.TrimPrefix(name, "Ref.")
		if strings.ContainsAny(className, "[]") {
			return 0, "", "", false
		}
		return KindClass, "", className, true
	}

	return 0, "", "", false
}

func depthBalanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		}
		if depth < 0 {
			return false
		}
	}
	return depth == 0
}
