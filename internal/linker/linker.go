// Package linker resolves every codegen.Result's fixups into final machine
// addresses, lays functions out in an executable memory region, fills each
// class's vtable with resolved function pointers, and places string
// literals in a constant pool (spec.md §4.6; component C10).
package linker

import (
	"unsafe"

	"go.stackvm.dev/stackvm/internal/binder"
	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/codegen"
	"go.stackvm.dev/stackvm/internal/exceptioncheck"
	"go.stackvm.dev/stackvm/internal/vmerror"
)

// Placement records where one function's code buffer landed in the final
// image, for call-fixup resolution and for the engine's lazy-compile
// trampoline to locate a freshly-JITted function afterwards.
type Placement struct {
	Signature string
	Offset    int
	Length    int
}

// Image is the fully linked, relocated machine-code blob plus everything
// the runtime needs to execute it: a memory manager owning the backing
// pages, the function layout table, and resolved thunk/string addresses.
type Image struct {
	Memory      *MemoryManager
	Functions   map[string]Placement
	ThunkOffset [4]int // exceptioncheck.Kind -> offset of its thunk
	StringPool  map[string]int
}

// FunctionAddr returns the absolute address of a linked function's entry
// point, or ok=false if it was never placed (external/unresolved).
func (img *Image) FunctionAddr(signature string) (uint64, bool) {
	p, ok := img.Functions[signature]
	if !ok {
		return 0, false
	}
	return img.Memory.Base() + uint64(p.Offset), true
}

// Linker accumulates compiled functions, resolves their fixups against each
// other, and produces an Image.
type Linker struct {
	classes *class.Provider
	bind    *binder.Binder

	funcs []compiled
}

type compiled struct {
	sig    string
	result *codegen.Result
}

func New(classes *class.Provider, bind *binder.Binder) *Linker {
	return &Linker{classes: classes, bind: bind}
}

// AddFunction registers one codegen result under its binder signature.
func (l *Linker) AddFunction(signature string, result *codegen.Result) {
	l.funcs = append(l.funcs, compiled{sig: signature, result: result})
}

// Link concatenates every function's code into one buffer (with the shared
// exception thunks first), patches every CallFixup/CheckFixup relative
// displacement, fills every class's vtable, and hands the result to a
// MemoryManager for the writable -> executable page flip (spec.md §4.6
// "resolve, relocate, protect").
func (l *Linker) Link() (*Image, error) {
	var buf []byte
	var thunkOffsets [4]int

	handlerAddr := uint64(0) // the runtime's reportFatalError entry, patched by the engine after Link via SetHandlerAddr
	for k := exceptioncheck.NullReference; k <= exceptioncheck.StackOverflow; k++ {
		thunkOffsets[k] = len(buf)
		e := emitThunkBuffer(k, handlerAddr)
		buf = append(buf, e...)
	}

	placements := make(map[string]Placement, len(l.funcs))
	for _, c := range l.funcs {
		off := len(buf)
		buf = append(buf, c.result.Code...)
		placements[c.sig] = Placement{Signature: c.sig, Offset: off, Length: len(c.result.Code)}
	}

	// String pool: one copy per distinct literal, placed after all code.
	stringOffsets := make(map[string]int)
	for _, c := range l.funcs {
		for _, fx := range c.result.CallFixups {
			if lit, ok := stringLiteral(fx.TargetSignature); ok {
				if _, exists := stringOffsets[lit]; !exists {
					stringOffsets[lit] = len(buf)
					buf = append(buf, []byte(lit)...)
					buf = append(buf, 0)
				}
			}
		}
	}

	mem, err := NewMemoryManager(len(buf))
	if err != nil {
		return nil, vmerror.Global(vmerror.StageLink, vmerror.KindInvalidOperands, "allocate code memory: %v", err)
	}
	mem.Write(buf)

	img := &Image{Memory: mem, Functions: placements, ThunkOffset: thunkOffsets, StringPool: stringOffsets}

	for _, c := range l.funcs {
		if err := l.patchFixups(img, c); err != nil {
			return nil, err
		}
	}

	if err := l.fillVTables(img); err != nil {
		return nil, err
	}

	return img, nil
}

func (l *Linker) patchFixups(img *Image, c compiled) error {
	self := img.Functions[c.sig]
	base := img.Memory.Base()

	for _, fx := range c.result.CallFixups {
		absDisp := base + uint64(self.Offset)
		if lit, ok := stringLiteral(fx.TargetSignature); ok {
			addr := base + uint64(img.StringPool[lit])
			img.Memory.PatchAbs64(self.Offset+fx.DispOffset, addr)
			continue
		}
		if className, ok := newClassTarget(fx.TargetSignature); ok {
			addr, ok := l.runtimeHelperAddr(img, "new_class")
			if !ok {
				return vmerror.New(vmerror.StageLink, c.sig, -1, vmerror.KindMissingFunction, "unresolved runtime helper for newobj %s", className)
			}
			img.Memory.PatchAbs64(self.Offset+fx.DispOffset, addr)
			continue
		}
		if fx.TargetSignature == "$newarray" || fx.TargetSignature == "$cardtablebase" {
			addr, ok := l.runtimeHelperAddr(img, fx.TargetSignature)
			if !ok {
				return vmerror.New(vmerror.StageLink, c.sig, -1, vmerror.KindMissingFunction, "unresolved runtime helper %s", fx.TargetSignature)
			}
			img.Memory.PatchAbs64(self.Offset+fx.DispOffset, addr)
			continue
		}

		targetPlacement, ok := img.Functions[fx.TargetSignature]
		if !ok {
			def, bound := l.bind.Lookup(fx.TargetSignature)
			if !bound {
				return vmerror.New(vmerror.StageLink, c.sig, -1, vmerror.KindMissingFunction, "call to undefined function %s", fx.TargetSignature)
			}
			if def.Managed {
				return vmerror.New(vmerror.StageLink, c.sig, -1, vmerror.KindMissingFunction, "managed function %s was never compiled", fx.TargetSignature)
			}
			// External function: its EntryPoint was set at native
			// registration time, a call-rel32 to an absolute address
			// outside the managed image needs the full 64-bit reach,
			// so externals are called indirectly through a loaded
			// pointer immediately preceding the call in the code
			// buffer (the code generator emits the 8-byte
			// placeholder fixed up here as an absolute address load,
			// not a rel32 displacement, for call targets the binder
			// already holds as external when the caller is generated).
			img.Memory.PatchAbs64(self.Offset+fx.CodeOffset, uint64(uintptrOf(def.EntryPoint)))
			continue
		}

		targetAddr := base + uint64(targetPlacement.Offset)
		disp := int32(int64(targetAddr) - int64(absDisp+uint64(fx.DispOffset)+4))
		img.Memory.PatchRel32(self.Offset+fx.DispOffset, disp)
	}

	for _, fx := range c.result.CheckFixups {
		target := img.ThunkOffset[fx.Kind]
		disp := int32(target - (self.Offset + fx.DispOffset + 4))
		img.Memory.PatchRel32(self.Offset+fx.DispOffset, disp)
	}

	return nil
}

// runtimeHelperAddr resolves a synthetic "$..." fixup target to the
// runtime's corresponding native helper, looked up through the binder under
// the reserved signature the engine registers it as (spec.md §6.4).
func (l *Linker) runtimeHelperAddr(img *Image, name string) (uint64, bool) {
	def, ok := l.bind.Lookup("$runtime::" + name)
	if !ok || def.EntryPoint == nil {
		return 0, false
	}
	return uint64(uintptrOf(def.EntryPoint)), true
}

func stringLiteral(sig string) (string, bool) {
	const prefix = "$string:"
	if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
		return sig[len(prefix):], true
	}
	return "", false
}

func newClassTarget(sig string) (string, bool) {
	const prefix = "$newclass:"
	if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
		return sig[len(prefix):], true
	}
	return "", false
}

// fillVTables confirms every class's virtual slots resolve to a compiled or
// external definition before the image is handed back. The vtable region
// itself is runtime-managed heap memory (built by runtimevm.NewClass from
// class.Provider at object-creation time, not a link-time static region),
// so linking's job is catching a dangling virtual binding here rather than
// at the first call through it.
func (l *Linker) fillVTables(img *Image) error {
	for _, name := range l.classes.Names() {
		meta, _ := l.classes.Lookup(name)
		for _, slot := range meta.VTable {
			if _, ok := img.Functions[slot.Signature]; ok {
				continue
			}
			if def, ok := l.bind.Lookup(slot.Signature); ok && !def.Managed {
				continue
			}
			return vmerror.New(vmerror.StageLink, slot.Signature, -1, vmerror.KindMissingFunction, "virtual function %s in class %s was never compiled", slot.Signature, name)
		}
	}
	return nil
}

func emitThunkBuffer(kind exceptioncheck.Kind, handlerAddr uint64) []byte {
	e := newThunkEmitter()
	exceptioncheck.EmitThunk(e, kind, handlerAddr)
	return e.Code
}

// uintptrOf recovers the native address a runtimevm external registration
// stashed in its EntryPoint slice header (binder.FunctionDefinition keeps
// native entry points as a raw byte-pointer capture rather than an
// unsafe.Pointer field, so the linker is the one place that reinterprets
// it back into an address worth patching into code).
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
