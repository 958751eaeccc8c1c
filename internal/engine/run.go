package engine

import (
	"go.stackvm.dev/stackvm/internal/vmerror"
)

const entryPointSignature = "main()"

// Run resolves the program entry point (spec.md §6.3: "main() Int", exposed
// as a callable native pointer returning an int") and invokes it.
//
// internal/linker's MemoryManager models the writable/executable lifecycle
// without ever actually mapping the buffer PROT_EXEC (see its doc comment):
// Protect only flips a bookkeeping flag, so the bytes Run would be jumping
// into are ordinary Go heap memory, never pages the CPU is allowed to
// execute. Reinterpreting that address as a Go function value and calling
// it is therefore not a JIT trampoline, it is a guaranteed segfault on any
// real entry point. Until MemoryManager grows a real mmap/mprotect-backed
// implementation, Run refuses to make that call and reports the limitation
// as an ordinary error instead of crashing the process.
func (e *Engine) Run() (int32, error) {
	addr, ok := e.Image.FunctionAddr(entryPointSignature)
	if !ok {
		return 0, vmerror.Global(vmerror.StageLink, vmerror.KindMissingFunction, "no entry point %q defined", entryPointSignature)
	}
	if err := e.Image.Memory.Protect(); err != nil {
		return 0, err
	}
	return 0, vmerror.Global(vmerror.StageLink, vmerror.KindInvalidOperands, "cannot execute entry point %q: this build has no mmap/mprotect-backed MemoryManager, so there is no executable page at %#x to call into", entryPointSignature, addr)
}
