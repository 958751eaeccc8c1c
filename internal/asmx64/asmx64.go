// Package asmx64 is the mnemonic-level AMD64 instruction encoder the code
// generator appends bytes through (spec.md §4.3; component C6). It knows
// nothing about the VM's instruction set or calling convention — only how
// to turn a mnemonic and register/immediate operands into machine bytes,
// the same layer tinyrange-rtg/std/compiler/x64.go occupies for its own
// backend.
package asmx64

// Reg is a general-purpose register number in x86-64 encoding order
// (0=AX/RAX .. 15=R15).
type Reg int

const (
	AX Reg = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// XMM is an SSE register number (0=XMM0 .. 15=XMM15).
type XMM int

const (
	XMM0 XMM = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

// CC is a jcc/setcc condition code, stored as the second byte of the
// two-byte 0F8x jcc opcode; its low nibble is the condition (spec.md §4.3 "conditional jump to select between pushing 0 and
// 1"; §4.5 exception checks use these directly).
type CC byte

const (
	CCEqual              CC = 0x84
	CCNotEqual            CC = 0x85
	CCLess                CC = 0x8C // signed <
	CCGreaterOrEqual      CC = 0x8D // signed >=
	CCLessOrEqual         CC = 0x8E // signed <=
	CCGreater             CC = 0x8F // signed >
	CCBelow               CC = 0x82 // unsigned <
	CCAboveOrEqual        CC = 0x83 // unsigned >=
	CCBelowOrEqual        CC = 0x86 // unsigned <=
	CCAbove               CC = 0x87 // unsigned >
	CCParityEven          CC = 0x8A // unordered (NaN) result of ucomiss
)

// Emitter is an append-only machine-code buffer with REX/ModRM helpers. A
// fresh Emitter backs one function's code buffer; the code generator keeps
// one per ManagedFunction being compiled (spec.md §4.3 "appends bytes to
// the function's code buffer").
type Emitter struct {
	Code []byte
}

func New() *Emitter { return &Emitter{} }

// Offset returns the current end of the buffer — the byte offset the next
// emitted instruction will start at (spec.md §4.3 instruction_offset_table).
func (e *Emitter) Offset() int { return len(e.Code) }

func (e *Emitter) byte1(b byte)            { e.Code = append(e.Code, b) }
func (e *Emitter) bytes(bs ...byte)         { e.Code = append(e.Code, bs...) }
func (e *Emitter) u32(v uint32) {
	e.bytes(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (e *Emitter) u64(v uint64) {
	e.u32(uint32(v))
	e.u32(uint32(v >> 32))
}

func rexRR(dst, src Reg, wide bool) byte {
	rex := byte(0x40)
	if wide {
		rex |= 0x08
	}
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	return rex
}

func modrmRR(reg, rm Reg) byte {
	return 0xc0 | byte(reg&7)<<3 | byte(rm&7)
}

// MovRegImm64 emits `movabs dst, imm64`.
func (e *Emitter) MovRegImm64(dst Reg, imm uint64) {
	rex := byte(0x48)
	if dst >= 8 {
		rex = 0x49
	}
	e.bytes(rex, 0xb8+byte(dst&7))
	e.u64(imm)
}

// MovRegImm32 emits `mov dst, imm32` (sign-extended into a 64-bit reg).
func (e *Emitter) MovRegImm32(dst Reg, imm int32) {
	e.bytes(rexRR(0, dst, true), 0xc7, 0xc0|byte(dst&7))
	e.u32(uint32(imm))
}

// MovRR emits `mov dst, src` (64-bit).
func (e *Emitter) MovRR(dst, src Reg) {
	e.bytes(rexRR(src, dst, true), 0x89, modrmRR(src, dst))
}

// LoadFrame emits `mov dst, [BP + disp]` (disp negative for locals/params
// below the frame pointer per spec.md §4.3's layout).
func (e *Emitter) LoadFrame(dst Reg, disp int32) {
	e.memOp(dst, BP, disp, 0x8b)
}

// StoreFrame emits `mov [BP + disp], src`.
func (e *Emitter) StoreFrame(src Reg, disp int32) {
	e.memOp(src, BP, disp, 0x89)
}

// StoreMem32 emits `mov [base+disp], src32` (no REX.W — 32-bit store).
func (e *Emitter) StoreMem32(src Reg, base Reg, disp int32) {
	rex := byte(0x40)
	if src >= 8 {
		rex |= 0x04
	}
	if base >= 8 {
		rex |= 0x01
	}
	prefix := []byte{}
	if rex != 0x40 {
		prefix = append(prefix, rex)
	}
	e.bytes(prefix...)
	if disp >= -128 && disp <= 127 {
		e.bytes(0x89, 0x40|byte(src&7)<<3|byte(base&7))
		e.byte1(byte(int8(disp)))
	} else {
		e.bytes(0x89, 0x80|byte(src&7)<<3|byte(base&7))
		e.u32(uint32(disp))
	}
}

// LoadMemRR / StoreMemRR are LoadFrame/StoreFrame generalized to an
// arbitrary base register, for addressing through a computed pointer
// (array element access, object field access) rather than the frame.
func (e *Emitter) LoadMemRR(dst, base Reg, disp int32)  { e.memOp(dst, base, disp, 0x8b) }
func (e *Emitter) StoreMemRR(src, base Reg, disp int32) { e.memOp(src, base, disp, 0x89) }

// ShlImm8 emits `shl reg, imm8`.
func (e *Emitter) ShlImm8(r Reg, imm byte) {
	rex := byte(0x48)
	if r >= 8 {
		rex |= 0x01
	}
	e.bytes(rex, 0xc1, 0xe0|byte(r&7), imm)
}

func (e *Emitter) memOp(reg, base Reg, disp int32, opcode byte) {
	rex := rexRR(reg, base, true)
	if disp >= -128 && disp <= 127 {
		e.bytes(rex, opcode, 0x40|byte(reg&7)<<3|byte(base&7))
		e.byte1(byte(int8(disp)))
	} else {
		e.bytes(rex, opcode, 0x80|byte(reg&7)<<3|byte(base&7))
		e.u32(uint32(disp))
	}
}

// PushR / PopR emit `push`/`pop` on the machine stack (used for
// CallStackEntry pushes and register spills, spec.md §4.3/§4.8).
func (e *Emitter) PushR(r Reg) {
	if r >= 8 {
		e.bytes(0x41, 0x50+byte(r&7))
	} else {
		e.byte1(0x50 + byte(r))
	}
}

func (e *Emitter) PopR(r Reg) {
	if r >= 8 {
		e.bytes(0x41, 0x58+byte(r&7))
	} else {
		e.byte1(0x58 + byte(r))
	}
}

// AddRR / SubRR / AndRR / OrRR / XorRR / CmpRR: standard dst op= src forms.
func (e *Emitter) AddRR(dst, src Reg) { e.bytes(rexRR(src, dst, true), 0x01, modrmRR(src, dst)) }
func (e *Emitter) SubRR(dst, src Reg) { e.bytes(rexRR(src, dst, true), 0x29, modrmRR(src, dst)) }
func (e *Emitter) AndRR(dst, src Reg) { e.bytes(rexRR(src, dst, true), 0x21, modrmRR(src, dst)) }
func (e *Emitter) OrRR(dst, src Reg)  { e.bytes(rexRR(src, dst, true), 0x09, modrmRR(src, dst)) }
func (e *Emitter) XorRR(dst, src Reg) { e.bytes(rexRR(src, dst, true), 0x31, modrmRR(src, dst)) }
func (e *Emitter) CmpRR(a, b Reg)     { e.bytes(rexRR(b, a, true), 0x39, modrmRR(b, a)) }

// ImulRR emits `imul dst, src` (two-byte opcode 0F AF): the only
// reg-reg form available for signed multiply.
func (e *Emitter) ImulRR(dst, src Reg) {
	e.bytes(rexRR(dst, src, true), 0x0f, 0xaf, modrmRR(dst, src))
}

// AndRImm8 ANDs dst with an 8-bit immediate (spec.md §4.1 "Not: value AND 1
// to canonicalize" — the original's exact post-negation masking sequence,
// kept verbatim per DESIGN.md/SPEC_FULL.md §4).
func (e *Emitter) AndRImm8(dst Reg, imm byte) {
	rex := rexRR(0, dst, true)
	e.bytes(rex, 0x83, 0xe0|byte(dst&7), imm)
}

// XorRImm8 toggles the low bit of dst — used to implement `Not` as
// `value XOR 1` before the canonicalizing AND (boolean values are always
// already 0/1, so XOR 1 alone negates; the AND guards non-canonical bits
// from upstream bugs).
func (e *Emitter) XorRImm8(dst Reg, imm byte) {
	rex := rexRR(0, dst, true)
	e.bytes(rex, 0x83, 0xf0|byte(dst&7), imm)
}

// Cqo sign-extends RAX into RDX:RAX ahead of a signed idiv.
func (e *Emitter) Cqo() { e.bytes(0x48, 0x99) }

// IdivR emits `idiv reg` (signed divide RDX:RAX by reg; quotient in RAX).
func (e *Emitter) IdivR(reg Reg) {
	rex := rexRR(0, reg, true)
	e.bytes(rex, 0xf7, 0xf8|byte(reg&7))
}

// --- SSE scalar-float ops (Add/Sub/Mul/Div on Float, comparisons) ---

func (e *Emitter) sseOp(prefix byte, op2 byte, dst, src XMM) {
	rex := byte(0)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	e.byte1(prefix)
	if rex != 0 {
		e.byte1(0x40 | rex)
	}
	e.bytes(0x0f, op2, 0xc0|byte(dst&7)<<3|byte(src&7))
}

func (e *Emitter) AddSS(dst, src XMM)  { e.sseOp(0xf3, 0x58, dst, src) }
func (e *Emitter) SubSS(dst, src XMM)  { e.sseOp(0xf3, 0x5c, dst, src) }
func (e *Emitter) MulSS(dst, src XMM)  { e.sseOp(0xf3, 0x59, dst, src) }
func (e *Emitter) DivSS(dst, src XMM)  { e.sseOp(0xf3, 0x5e, dst, src) }
func (e *Emitter) MovSS(dst, src XMM)  { e.sseOp(0xf3, 0x10, dst, src) }
func (e *Emitter) UcomiSS(a, b XMM)    { e.sseOp(0x00, 0x2e, a, b) }

// MovdToXMM / MovdFromXMM move a 32-bit GP register's bit pattern into/out
// of an XMM register (spec.md §4.3 "float reinterpreted as 32-bit int").
func (e *Emitter) MovdToXMM(dst XMM, src Reg) {
	rex := byte(0)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	e.byte1(0x66)
	if rex != 0 {
		e.byte1(0x40 | rex)
	}
	e.bytes(0x0f, 0x6e, 0xc0|byte(dst&7)<<3|byte(src&7))
}

func (e *Emitter) MovdFromXMM(dst Reg, src XMM) {
	rex := byte(0)
	if src >= 8 {
		rex |= 0x04
	}
	if dst >= 8 {
		rex |= 0x01
	}
	e.byte1(0x66)
	if rex != 0 {
		e.byte1(0x40 | rex)
	}
	e.bytes(0x0f, 0x7e, 0xc0|byte(src&7)<<3|byte(dst&7))
}

// --- Control flow ---

// JmpRel32 emits `jmp rel32` with a placeholder displacement and returns the
// byte offset of the 4-byte displacement field, for the linker to patch
// later (spec.md §4.3 unresolved_branches, §4.6).
func (e *Emitter) JmpRel32() (dispOffset int) {
	e.byte1(0xe9)
	dispOffset = e.Offset()
	e.u32(0)
	return dispOffset
}

// JccRel32 emits a two-byte-opcode conditional jump with a placeholder
// rel32 displacement, returning the displacement's byte offset.
func (e *Emitter) JccRel32(cc CC) (dispOffset int) {
	e.bytes(0x0f, byte(cc))
	dispOffset = e.Offset()
	e.u32(0)
	return dispOffset
}

// CallRel32 emits `call rel32` with a placeholder displacement.
func (e *Emitter) CallRel32() (dispOffset int) {
	e.byte1(0xe8)
	dispOffset = e.Offset()
	e.u32(0)
	return dispOffset
}

// CallR emits an indirect `call reg`.
func (e *Emitter) CallR(reg Reg) {
	if reg >= 8 {
		e.byte1(0x41)
	}
	e.bytes(0xff, 0xd0|byte(reg&7))
}

// Ret emits `ret`.
func (e *Emitter) Ret() { e.byte1(0xc3) }

// PatchRel32 overwrites the placeholder displacement at dispOffset (the
// value returned by JmpRel32/JccRel32/CallRel32) with disp — computed by
// the linker (spec.md §4.6).
func (e *Emitter) PatchRel32(dispOffset int, disp int32) {
	e.Code[dispOffset] = byte(disp)
	e.Code[dispOffset+1] = byte(disp >> 8)
	e.Code[dispOffset+2] = byte(disp >> 16)
	e.Code[dispOffset+3] = byte(disp >> 24)
}

// PatchAbs64 overwrites an 8-byte absolute address placeholder (the operand
// of a prior MovRegImm64) at offset.
func (e *Emitter) PatchAbs64(offset int, addr uint64) {
	for i := 0; i < 8; i++ {
		e.Code[offset+i] = byte(addr >> (8 * i))
	}
}

// SubRSPImm32 emits `sub rsp, imm32`, used only by the prologue to reserve
// frame space (no register-form subtract needed anywhere else).
func (e *Emitter) SubRSPImm32(imm int32) {
	e.bytes(0x48, 0x81, 0xec)
	e.u32(uint32(imm))
}

// SetCC emits `setcc dst8` (writes 0/1 into the low byte of dst) followed
// by a zero-extending move so the full register holds a canonical 0/1
// value, matching the Bool representation spec.md §4.1's comparison
// opcodes produce.
func (e *Emitter) SetCC(cc CC, dst Reg) {
	rex := byte(0x40)
	if dst >= 8 {
		rex |= 0x01
	}
	e.byte1(rex)
	e.bytes(0x0f, 0x90|byte(cc&0x0f), 0xc0|byte(dst&7))
	e.MovzxByte(dst, dst)
}

// MovzxByte emits `movzx dst64, src8`.
func (e *Emitter) MovzxByte(dst, src Reg) {
	e.bytes(rexRR(dst, src, true), 0x0f, 0xb6, modrmRR(dst, src))
}

// LoadMemByte emits `movzx dst64, byte [base+disp]`.
func (e *Emitter) LoadMemByte(dst, base Reg, disp int32) {
	rex := rexRR(dst, base, true)
	if disp >= -128 && disp <= 127 {
		e.bytes(rex, 0x0f, 0xb6, 0x40|byte(dst&7)<<3|byte(base&7))
		e.byte1(byte(int8(disp)))
	} else {
		e.bytes(rex, 0x0f, 0xb6, 0x80|byte(dst&7)<<3|byte(base&7))
		e.u32(uint32(disp))
	}
}

// StoreMemByte emits `mov byte [base+disp], src8`.
func (e *Emitter) StoreMemByte(src, base Reg, disp int32) {
	rex := rexRR(src, base, false)
	if disp >= -128 && disp <= 127 {
		e.bytes(rex, 0x88, 0x40|byte(src&7)<<3|byte(base&7))
		e.byte1(byte(int8(disp)))
	} else {
		e.bytes(rex, 0x88, 0x80|byte(src&7)<<3|byte(base&7))
		e.u32(uint32(disp))
	}
}

// StoreByteImm emits `mov byte [base], imm8` for a base register that is
// never SP/BP (card-marking's computed address register, never the frame
// pointer), so no SIB byte or displacement is needed.
func (e *Emitter) StoreByteImm(base Reg, imm byte) {
	rex := byte(0x40)
	if base >= 8 {
		rex |= 0x01
	}
	e.bytes(rex, 0xc6, byte(base&7), imm)
}

// CmpRImm32 emits `cmp reg, imm32`.
func (e *Emitter) CmpRImm32(reg Reg, imm int32) {
	rex := rexRR(0, reg, true)
	e.bytes(rex, 0x81, 0xf8|byte(reg&7))
	e.u32(uint32(imm))
}

// TestRR emits `test a, b`.
func (e *Emitter) TestRR(a, b Reg) { e.bytes(rexRR(b, a, true), 0x85, modrmRR(b, a)) }

// LoadMem32 emits `mov dst32, [base + disp]` — used for the 32-bit array
// length prefix (spec.md §4.5 array-bounds check).
func (e *Emitter) LoadMem32(dst Reg, base Reg, disp int32) {
	rex := byte(0x40)
	if dst >= 8 {
		rex |= 0x04
	}
	if base >= 8 {
		rex |= 0x01
	}
	prefix := []byte{}
	if rex != 0x40 {
		prefix = append(prefix, rex)
	}
	e.bytes(prefix...)
	if disp >= -128 && disp <= 127 {
		e.bytes(0x8b, 0x40|byte(dst&7)<<3|byte(base&7))
		e.byte1(byte(int8(disp)))
	} else {
		e.bytes(0x8b, 0x80|byte(dst&7)<<3|byte(base&7))
		e.u32(uint32(disp))
	}
}
