// Package gc implements the heap: a generational, compacting, precise
// copying collector with card-marked remembered sets (spec.md §4.7;
// component C11). Object headers and addresses are modeled as offsets into
// Go-owned byte slices rather than raw process memory — the same relation
// a real emitted thunk has to its heap, just without an actual mmap'd
// region backing it, mirroring how internal/linker's MemoryManager models
// the writable/executable lifecycle without literally flipping page
// protection bits.
package gc

import (
	"encoding/binary"

	"go.stackvm.dev/stackvm/internal/class"
	"go.stackvm.dev/stackvm/internal/types"
	"go.stackvm.dev/stackvm/internal/vmerror"
)

const (
	// vtableHeaderSize matches internal/codegen's field-offset base: every
	// class instance carries an 8-byte vtable pointer before its first
	// declared field.
	vtableHeaderSize = 8
	// arrayLengthHeaderSize matches internal/codegen's array layout: a
	// 4-byte element count before the first element.
	arrayLengthHeaderSize = 4
	// elementStride mirrors internal/codegen's uniform pointer-width
	// array element stride.
	elementStride = 8

	cardSize       = 1 << 10 // 1KB cards, per spec.md §4.7
	promotionAge   = 3
	defaultYoungSz = 1 << 20
	defaultOldSz   = 1 << 22
)

// Kind distinguishes what an allocated object's header describes.
type Kind int

const (
	KindArray Kind = iota
	KindClass
)

// Address is a logical heap offset. Generation 0 addresses are disjoint
// from generation 1 addresses: the high bit selects the generation so a
// single int can name any live object regardless of which heap it's
// currently in.
type Address int64

const oldGenBit = Address(1) << 62

func (a Address) isOld() bool { return a&oldGenBit != 0 }
func (a Address) offset() int64 {
	return int64(a &^ oldGenBit)
}

// Offset exposes the byte offset within whichever generation holds this
// address, for callers (e.g. internal/runtimevm) that already obtained the
// generation's backing slice via Heap.Bytes and need to index into it.
func (a Address) Offset() int64 { return a.offset() }
func makeAddress(old bool, offset int64) Address {
	if old {
		return Address(offset) | oldGenBit
	}
	return Address(offset)
}

// object records what the collector needs to trace one live allocation:
// its kind, declared type info, and current age (young generation only).
type object struct {
	kind    Kind
	class   *class.Metadata
	elem    *types.Type
	length  int
	age     int
	forward Address // valid only once evacuated
	moved   bool
}

// Root is a mutator-owned reference slot the collector must read, and, if
// the object it names moves, rewrite. Frame locals, arguments, and live
// operand-stack slots all become Roots during a collection, built by the
// caller (internal/runtimevm) from the call stack and the verifier's
// per-instruction operand-type snapshots (spec.md §4.7 "Roots").
type Root struct {
	Type *types.Type
	Get  func() Address
	Set  func(Address)
}

// Heap owns both generations and the card table, and is the collector's
// entire world: every Address a mutator holds must have been produced by
// one of its New* methods.
type Heap struct {
	young, old *semispace
	objects    map[Address]*object
	cardTable  []byte
}

type semispace struct {
	data []byte
	free int64
}

// reservedNullOffset keeps offset 0 of every space unallocated: address 0
// is the null-reference sentinel (spec.md §3 Ref.Null), so no allocation
// may ever land exactly there.
const reservedNullOffset = 8

func newSemispace(size int) *semispace {
	return &semispace{data: make([]byte, size), free: reservedNullOffset}
}

// New builds a heap with the given generation sizes (0 selects the
// defaults).
func New(youngSize, oldSize int) *Heap {
	if youngSize <= 0 {
		youngSize = defaultYoungSz
	}
	if oldSize <= 0 {
		oldSize = defaultOldSz
	}
	return &Heap{
		young:     newSemispace(youngSize),
		old:       newSemispace(oldSize),
		objects:   make(map[Address]*object),
		cardTable: make([]byte, (oldSize+cardSize-1)/cardSize),
	}
}

// Bytes returns the backing storage for a generation, for direct field
// read/write by the runtime bridge that exposes managed memory to emitted
// code.
func (h *Heap) Bytes(addr Address) []byte {
	if addr.isOld() {
		return h.old.data
	}
	return h.young.data
}

func (h *Heap) space(old bool) *semispace {
	if old {
		return h.old
	}
	return h.young
}

// Stats reports occupancy for the live-inspector and debug-print surfaces
// (internal/inspect, internal/runtimevm's PrintAliveObjects): bytes in use
// and total capacity per generation, plus how many card-table entries are
// currently dirty.
type Stats struct {
	YoungUsed, YoungCapacity int
	OldUsed, OldCapacity     int
	DirtyCards, TotalCards   int
}

func (h *Heap) Stats() Stats {
	dirty := 0
	for _, b := range h.cardTable {
		if b != 0 {
			dirty++
		}
	}
	return Stats{
		YoungUsed:     int(h.young.free),
		YoungCapacity: len(h.young.data),
		OldUsed:       int(h.old.free),
		OldCapacity:   len(h.old.data),
		DirtyCards:    dirty,
		TotalCards:    len(h.cardTable),
	}
}

// NewArray bump-allocates an array header (length then elements) in the
// young generation, triggering a collection if needed (spec.md §4.7
// "Bump allocate from young; if insufficient, trigger a generation-0
// collection; if still insufficient after a young collection, trigger a
// full collection").
func (h *Heap) NewArray(elem *types.Type, length int, roots []Root) (Address, error) {
	if length < 0 {
		return 0, vmerror.Global(vmerror.StageLink, vmerror.KindInvalidOperands, "negative array length %d", length)
	}
	size := arrayLengthHeaderSize + length*elementStride
	addr, err := h.alloc(size, roots)
	if err != nil {
		return 0, err
	}
	h.objects[addr] = &object{kind: KindArray, elem: elem, length: length}
	binary.LittleEndian.PutUint32(h.Bytes(addr)[addr.offset():], uint32(length))
	return addr, nil
}

// NewClass bump-allocates a class instance (vtable pointer then fields).
func (h *Heap) NewClass(meta *class.Metadata, vtablePtr uint64, roots []Root) (Address, error) {
	size := vtableHeaderSize + meta.Size
	addr, err := h.alloc(size, roots)
	if err != nil {
		return 0, err
	}
	h.objects[addr] = &object{kind: KindClass, class: meta}
	binary.LittleEndian.PutUint64(h.Bytes(addr)[addr.offset():], vtablePtr)
	return addr, nil
}

func (h *Heap) alloc(size int, roots []Root) (Address, error) {
	if addr, ok := h.bumpYoung(size); ok {
		return addr, nil
	}
	h.CollectYoung(roots)
	if addr, ok := h.bumpYoung(size); ok {
		return addr, nil
	}
	h.CollectFull(roots)
	if addr, ok := h.bumpYoung(size); ok {
		return addr, nil
	}
	return 0, vmerror.Global(vmerror.StageLink, vmerror.KindInvalidOperands, "heap exhausted after full collection (%d bytes requested)", size)
}

func (h *Heap) bumpYoung(size int) (Address, bool) {
	sp := h.young
	if sp.free+int64(size) > int64(len(sp.data)) {
		return 0, false
	}
	off := sp.free
	sp.free += int64(size)
	return makeAddress(false, off), true
}

// MarkCard sets the dirty bit for the card containing an old-generation
// address, mirroring the codegen's post-store card-marking sequence
// (spec.md §4.7 "compute card index ... set card_table[index] = 1").
func (h *Heap) MarkCard(addr Address) {
	if !addr.isOld() {
		return
	}
	idx := addr.offset() / cardSize
	if idx >= 0 && int(idx) < len(h.cardTable) {
		h.cardTable[idx] = 1
	}
}

// CollectYoung runs a generation-0 collection: live young objects older
// than the promotion threshold move to the old generation; survivors under
// threshold move within young's to-space; everything else is reclaimed by
// never being copied. Marked old-generation cards are scanned as
// additional roots (spec.md §4.7 "A young collection scans only marked
// cards from the old generation as additional roots, then clears them").
func (h *Heap) CollectYoung(roots []Root) {
	h.collect(roots, false)
}

// CollectFull collects both generations.
func (h *Heap) CollectFull(roots []Root) {
	h.collect(roots, true)
}

func (h *Heap) collect(roots []Root, full bool) {
	newYoung := newSemispace(len(h.young.data))
	newOld := h.old
	if full {
		newOld = newSemispace(len(h.old.data))
	}

	// fresh indexes every object record under its post-copy address, since
	// h.objects (keyed by pre-collection addresses) goes stale the moment
	// the first object is evacuated.
	fresh := make(map[Address]*object)

	var worklist []Address
	evac := func(addr Address) Address {
		obj, ok := h.objects[addr]
		if !ok {
			return addr
		}
		if obj.moved {
			return obj.forward
		}
		promote := full || (!addr.isOld() && obj.age+1 >= promotionAge)
		dst := h.copyObjectBytes(addr, obj, promote, newYoung, newOld)
		obj.moved = true
		obj.forward = dst
		fresh[dst] = &object{kind: obj.kind, class: obj.class, elem: obj.elem, length: obj.length, age: ageAfter(obj, promote)}
		worklist = append(worklist, dst)
		return dst
	}

	for _, r := range roots {
		if !r.Type.IsReference() {
			continue
		}
		addr := r.Get()
		if addr == 0 || !h.hasObjectAt(addr) {
			continue
		}
		r.Set(evac(addr))
	}

	if !full {
		for idx, dirty := range h.cardTable {
			if dirty == 0 {
				continue
			}
			h.scanCard(idx, evac)
			h.cardTable[idx] = 0
		}
	}

	h.young, h.old = newYoung, newOld

	for i := 0; i < len(worklist); i++ {
		h.traceFieldsFresh(worklist[i], fresh, evac)
	}

	h.objects = fresh
}

func ageAfter(obj *object, promoted bool) int {
	if promoted {
		return 0 // object now lives in old gen; age only matters within young
	}
	return obj.age + 1
}

func (h *Heap) hasObjectAt(addr Address) bool {
	_, ok := h.objects[addr]
	return ok
}

func (h *Heap) copyObjectBytes(addr Address, obj *object, promote bool, newYoung, newOld *semispace) Address {
	src := h.Bytes(addr)
	var size int
	switch obj.kind {
	case KindArray:
		size = arrayLengthHeaderSize + obj.length*elementStride
	case KindClass:
		size = vtableHeaderSize + obj.class.Size
	}
	data := src[addr.offset() : addr.offset()+int64(size)]

	dstSpace := newYoung
	old := false
	if promote {
		dstSpace = newOld
		old = true
	}
	off := dstSpace.free
	dstSpace.free += int64(size)
	copy(dstSpace.data[off:], data)
	return makeAddress(old, off)
}

// traceObjectFields scans one object's reference-typed fields/elements and
// evacuates whatever they point to, rewriting the pointer in place
// (spec.md §4.7 "Precise tracing"). buf/base locate the object's bytes;
// the caller supplies the object record since its source (h.objects during
// card-scanning, fresh during the post-copy worklist pass) differs by
// phase. onChild, if non-nil, is invoked with each field's post-evacuation
// address — used to re-dirty an old-generation object's card when it still
// references young memory after tracing (spec.md §8 card-table invariant).
func traceObjectFields(obj *object, buf []byte, base int64, evac func(Address) Address, onChild func(Address)) {
	switch obj.kind {
	case KindArray:
		if !obj.elem.IsReference() {
			return
		}
		for i := 0; i < obj.length; i++ {
			off := base + arrayLengthHeaderSize + int64(i)*elementStride
			child := Address(binary.LittleEndian.Uint64(buf[off:]))
			if child == 0 {
				continue
			}
			newChild := evac(child)
			binary.LittleEndian.PutUint64(buf[off:], uint64(newChild))
			if onChild != nil {
				onChild(newChild)
			}
		}
	case KindClass:
		for _, f := range obj.class.Fields {
			if !f.Type.IsReference() {
				continue
			}
			off := base + vtableHeaderSize + int64(f.Offset)
			child := Address(binary.LittleEndian.Uint64(buf[off:]))
			if child == 0 {
				continue
			}
			newChild := evac(child)
			binary.LittleEndian.PutUint64(buf[off:], uint64(newChild))
			if onChild != nil {
				onChild(newChild)
			}
		}
	}
}

// traceFieldsFresh traces an already-evacuated object, addressed and typed
// through fresh (the post-copy object index), reading/writing through the
// now-current h.young/h.old. When addr now lives in the old generation
// (freshly promoted, or already old and reached directly from a root), any
// field still pointing into young memory re-dirties addr's card — otherwise
// the next young collection would scan only marked cards, miss addr
// entirely, and reclaim a child reachable only through it (spec.md §8).
func (h *Heap) traceFieldsFresh(addr Address, fresh map[Address]*object, evac func(Address) Address) {
	obj, ok := fresh[addr]
	if !ok {
		return
	}
	var onChild func(Address)
	if addr.isOld() {
		onChild = func(child Address) {
			if child != 0 && !child.isOld() {
				h.MarkCard(addr)
			}
		}
	}
	traceObjectFields(obj, h.Bytes(addr), addr.offset(), evac, onChild)
}

// scanCard walks one dirty old-generation card's still-resident objects
// (pre-collection addressing, since this runs before h.young/h.old are
// swapped) and evacuates any reference field/element landing inside this
// card's byte range — a coarse but sound over-approximation consistent
// with spec.md's "scans only marked cards ... as additional roots".
func (h *Heap) scanCard(cardIdx int, evac func(Address) Address) {
	start := int64(cardIdx) * cardSize
	end := start + cardSize
	for addr, obj := range h.objects {
		if !addr.isOld() {
			continue
		}
		off := addr.offset()
		if off < start || off >= end {
			continue
		}
		traceObjectFields(obj, h.Bytes(addr), off, evac, nil)
	}
}
