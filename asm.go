package bridgehook

// assembler emits x86 machine code into a byte buffer. It covers exactly the
// instruction repertoire the bridges and patch sites need; base is the
// address the code will run at, so relative operands can be computed at
// emission time.
type assembler struct {
	mode int
	base uintptr
	buf  []byte
}

func newAssembler(mode int, base uintptr) *assembler {
	return &assembler{mode: mode, base: base, buf: make([]byte, 0, 256)}
}

func (a *assembler) code() []byte { return a.buf }
func (a *assembler) len() int     { return len(a.buf) }
func (a *assembler) pc() uintptr  { return a.base + uintptr(len(a.buf)) }

func (a *assembler) byte(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *assembler) u32(v uint32) {
	a.byte(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *assembler) u64(v uint64) {
	a.u32(uint32(v))
	a.u32(uint32(v >> 32))
}

// align pads with int3 so the next instruction starts on an n-byte boundary.
func (a *assembler) align(n int) {
	for len(a.buf)%n != 0 {
		a.byte(0xcc)
	}
}

// rex emits a REX prefix when any extension or 64-bit width bit is needed.
func (a *assembler) rex(w bool, reg, rm int) {
	if a.mode != 64 {
		return
	}
	b := byte(0x40)
	if w {
		b |= 8
	}
	if reg >= 8 {
		b |= 4
	}
	if rm >= 8 {
		b |= 1
	}
	if b != 0x40 || w {
		a.byte(b)
	}
}

func modrm(mod, reg, rm int) byte {
	return byte(mod<<6 | (reg&7)<<3 | rm&7)
}

// movRegImm loads an immediate address into a general-purpose register.
func (a *assembler) movRegImm(reg RegisterType, imm uintptr) {
	r := reg.gpIndex()
	if a.mode == 64 {
		a.rex(true, 0, r)
		a.byte(0xb8 + byte(r&7))
		a.u64(uint64(imm))
	} else {
		a.byte(0xb8 + byte(r&7))
		a.u32(uint32(imm))
	}
}

// movAbsFromA stores the accumulator to an absolute address (moffs form).
func (a *assembler) movAbsFromA(addr uintptr) {
	if a.mode == 64 {
		a.byte(0x48, 0xa3)
		a.u64(uint64(addr))
	} else {
		a.byte(0xa3)
		a.u32(uint32(addr))
	}
}

// movAFromAbs loads the accumulator from an absolute address (moffs form).
func (a *assembler) movAFromAbs(addr uintptr) {
	if a.mode == 64 {
		a.byte(0x48, 0xa1)
		a.u64(uint64(addr))
	} else {
		a.byte(0xa1)
		a.u32(uint32(addr))
	}
}

// storeGP stores a general-purpose register at [base+disp].
func (a *assembler) storeGP(base RegisterType, disp int, src RegisterType) {
	s, b := src.gpIndex(), base.gpIndex()
	a.rex(src.Width() == 8, s, b)
	a.byte(0x89, modrm(2, s, b))
	if b&7 == 4 {
		a.byte(0x24) // SIB for rsp-base
	}
	a.u32(uint32(int32(disp)))
}

// loadGP loads a general-purpose register from [base+disp].
func (a *assembler) loadGP(dst RegisterType, base RegisterType, disp int) {
	d, b := dst.gpIndex(), base.gpIndex()
	a.rex(dst.Width() == 8, d, b)
	a.byte(0x8b, modrm(2, d, b))
	if b&7 == 4 {
		a.byte(0x24)
	}
	a.u32(uint32(int32(disp)))
}

// storeVec stores an xmm/ymm/zmm register at [base+disp].
func (a *assembler) storeVec(base RegisterType, disp int, src RegisterType) {
	a.vecOp(0x11, base, disp, src)
}

// loadVec loads an xmm/ymm/zmm register from [base+disp].
func (a *assembler) loadVec(dst RegisterType, base RegisterType, disp int) {
	a.vecOp(0x10, base, disp, dst)
}

func (a *assembler) vecOp(op byte, base RegisterType, disp int, v RegisterType) {
	r, b := v.gpIndex(), base.gpIndex()
	switch v.Width() {
	case 16:
		// movups
		if a.mode == 64 && (r >= 8 || b >= 8) {
			rex := byte(0x40)
			if r >= 8 {
				rex |= 4
			}
			if b >= 8 {
				rex |= 1
			}
			a.byte(rex)
		}
		a.byte(0x0f, op)
	case 32:
		// vmovups ymm, two-byte VEX; ymm0-7 and low bases only
		a.byte(0xc5, 0xfc, op)
	case 64:
		// vmovups zmm via EVEX, 512-bit, no masking; zmm0-7 and low bases
		a.byte(0x62, 0xf1, 0x7c, 0x48, op)
	}
	a.byte(modrm(2, r, b))
	if b&7 == 4 {
		a.byte(0x24)
	}
	a.u32(uint32(int32(disp)))
}

// storeStackTop stores a GP register at [sp].
func (a *assembler) storeStackTop(src RegisterType) {
	s := src.gpIndex()
	a.rex(src.Width() == 8, s, 4)
	a.byte(0x89, modrm(0, s, 4), 0x24)
}

// loadStackTop loads a GP register from [sp].
func (a *assembler) loadStackTop(dst RegisterType) {
	d := dst.gpIndex()
	a.rex(dst.Width() == 8, d, 4)
	a.byte(0x8b, modrm(0, d, 4), 0x24)
}

// movRegReg copies src into dst.
func (a *assembler) movRegReg(dst, src RegisterType) {
	s, d := src.gpIndex(), dst.gpIndex()
	a.rex(dst.Width() == 8, s, d)
	a.byte(0x89, modrm(3, s, d))
}

func (a *assembler) pushReg(reg RegisterType) {
	r := reg.gpIndex()
	if a.mode == 64 && r >= 8 {
		a.byte(0x41)
	}
	a.byte(0x50 + byte(r&7))
}

func (a *assembler) subSPImm8(v int8) {
	a.rex(true, 5, 4)
	a.byte(0x83, modrm(3, 5, 4), byte(v))
}

func (a *assembler) andSPImm8(v int8) {
	a.rex(true, 4, 4)
	a.byte(0x83, modrm(3, 4, 4), byte(v))
}

func (a *assembler) callReg(reg RegisterType) {
	r := reg.gpIndex()
	if a.mode == 64 && r >= 8 {
		a.byte(0x41)
	}
	a.byte(0xff, modrm(3, 2, r))
}

func (a *assembler) pushImm32(v uint32) {
	a.byte(0x68)
	a.u32(v)
}

func (a *assembler) cmpALImm8(v byte) {
	a.byte(0x3c, v)
}

func (a *assembler) ret() {
	a.byte(0xc3)
}

func (a *assembler) retImm16(v uint16) {
	a.byte(0xc2, byte(v), byte(v>>8))
}

// jmpRel32 emits a near jump to an absolute target reachable in ±2 GiB.
func (a *assembler) jmpRel32(target uintptr) {
	delta := int64(target) - int64(a.pc()) - 5
	a.byte(0xe9)
	a.u32(uint32(int32(delta)))
}

// jmpAbs emits jmp [rip+0] with an inline 64-bit literal (14 bytes), or a
// plain rel32 jump in 32-bit mode where everything is reachable.
func (a *assembler) jmpAbs(target uintptr) {
	if a.mode == 64 {
		a.byte(0xff, 0x25)
		a.u32(0)
		a.u64(uint64(target))
	} else {
		a.jmpRel32(target)
	}
}

// label is a forward-reference patch point for conditional jumps.
type label struct {
	fixups []labelFixup
	bound  bool
	at     int
}

type labelFixup struct {
	pos   int
	width int
}

func (a *assembler) newLabel() *label {
	return &label{}
}

// jccShort emits a short conditional jump to a label; cc is the x86
// condition nibble (e.g. 0x3 = jae/jnb).
func (a *assembler) jccShort(cc byte, l *label) {
	a.byte(0x70+cc, 0)
	l.fixups = append(l.fixups, labelFixup{pos: len(a.buf) - 1, width: 1})
}

// jccNear emits the rel32 form for targets beyond short-jump reach.
func (a *assembler) jccNear(cc byte, l *label) {
	a.byte(0x0f, 0x80+cc)
	a.u32(0)
	l.fixups = append(l.fixups, labelFixup{pos: len(a.buf) - 4, width: 4})
}

func (a *assembler) bind(l *label) {
	l.bound = true
	l.at = len(a.buf)
	for _, f := range l.fixups {
		delta := l.at - (f.pos + f.width)
		if f.width == 1 {
			a.buf[f.pos] = byte(int8(delta))
		} else {
			put32(a.buf[f.pos:], uint32(int32(delta)))
		}
	}
}

// genJumpCode builds the patch jump written over a function prologue: rel32
// when the displacement fits, otherwise the 14-byte absolute indirect form.
func genJumpCode(mode int, to, from uintptr) []byte {
	a := newAssembler(mode, from)
	if fitsRel32(from, 5, to) {
		a.jmpRel32(to)
	} else {
		a.jmpAbs(to)
	}
	return a.code()
}

// jumpCodeSize reports how many prologue bytes the patch jump needs.
func jumpCodeSize(mode int, to, from uintptr) int {
	if mode == 32 || fitsRel32(from, 5, to) {
		return 5
	}
	return 14
}
