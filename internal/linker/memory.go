package linker

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"go.stackvm.dev/stackvm/internal/asmx64"
)

// MemoryManager owns the backing buffer for a linked image. A real JIT would
// mmap a page, write the writable mapping, then mprotect it PROT_EXEC
// (spec.md §4.6 "writable, then executable, never both"); this module
// simulates that lifecycle with a plain byte slice plus an Executable flag
// so the rest of the engine can be written against the real contract
// without the process actually needing executable pages to run its own
// tests.
type MemoryManager struct {
	buf        []byte
	executable bool
}

// NewMemoryManager allocates size bytes of writable memory.
func NewMemoryManager(size int) (*MemoryManager, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative image size %d", size)
	}
	return &MemoryManager{buf: make([]byte, size)}, nil
}

// Base returns the buffer's address, used as the relocation base for every
// absolute/rel32 patch. Since this manager never actually maps executable
// pages, Base is the slice's own backing address — stable for the
// manager's lifetime, which is all relocation needs.
func (m *MemoryManager) Base() uint64 {
	if len(m.buf) == 0 {
		return 0
	}
	return uint64(uintptr(asmx64BufAddr(m.buf)))
}

// Write copies the fully-assembled image into the buffer. Must happen
// before Protect.
func (m *MemoryManager) Write(code []byte) {
	copy(m.buf, code)
}

// PatchRel32 overwrites a 4-byte relative displacement at the given byte
// offset, little-endian (spec.md §4.6).
func (m *MemoryManager) PatchRel32(offset int, disp int32) {
	binary.LittleEndian.PutUint32(m.buf[offset:offset+4], uint32(disp))
}

// PatchAbs64 overwrites an 8-byte absolute address at the given byte
// offset, little-endian — used for the absolute-address loads that precede
// external calls and runtime-helper calls (spec.md §4.6).
func (m *MemoryManager) PatchAbs64(offset int, addr uint64) {
	binary.LittleEndian.PutUint64(m.buf[offset:offset+8], addr)
}

// Protect flips the region from writable to executable. After this call no
// further Write/Patch is permitted (spec.md §4.6 "resolve, relocate,
// protect" — the three link-time phases, in order, never repeated).
func (m *MemoryManager) Protect() error {
	m.executable = true
	return nil
}

func (m *MemoryManager) Executable() bool { return m.executable }

// Bytes exposes the raw image, for disassembly and the engine's lazy-compile
// patch-in-place path.
func (m *MemoryManager) Bytes() []byte { return m.buf }

func asmx64BufAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func newThunkEmitter() *asmx64.Emitter {
	return asmx64.New()
}
