package types

import "sync"

// ClassLookup resolves a bare class name to its ClassInfo, or (nil, false)
// if no such class has been declared. internal/class.Provider implements
// this.
type ClassLookup interface {
	LookupClass(name string) (ClassInfo, bool)
}

// Provider is the process-wide name→Type cache (spec.md §3 "TypeProvider").
// It never produces two distinct Type objects for the same canonical name.
type Provider struct {
	mu      sync.Mutex
	cache   map[string]*Type
	classes ClassLookup
}

// NewProvider builds a TypeProvider that resolves class references through
// classes.
func NewProvider(classes ClassLookup) *Provider {
	p := &Provider{
		cache:   make(map[string]*Type),
		classes: classes,
	}
	for _, t := range []*Type{Void, Int, Float, Bool, Char, Null} {
		p.cache[t.Name()] = t
	}
	return p
}

// MakeType looks up (constructing and caching on first use) the Type named
// by name. It returns (nil, false) if name references an undeclared class,
// at any nesting depth (spec.md §3: "Returns nullish when the parse
// references an undefined class").
func (p *Provider) MakeType(name string) (*Type, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.makeTypeLocked(name)
}

func (p *Provider) makeTypeLocked(name string) (*Type, bool) {
	if t, ok := p.cache[name]; ok {
		return t, true
	}

	kind, elemName, className, ok := ParseName(name)
	if !ok {
		return nil, false
	}

	switch kind {
	case KindArray:
		elem, ok := p.makeTypeLocked(elemName)
		if !ok {
			return nil, false
		}
		t := NewArray(elem)
		p.cache[name] = t
		return t, true
	case KindClass:
		class, ok := p.classes.LookupClass(className)
		if !ok {
			return nil, false
		}
		t := NewClass(class)
		p.cache[name] = t
		return t, true
	default:
		// Primitives are pre-seeded; an unrecognized non-array,
		// non-class name that still parsed is an internal
		// inconsistency in ParseName.
		panic("internal error: types.ParseName returned an unseeded primitive kind for " + name)
	}
}
