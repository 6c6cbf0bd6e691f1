package bridgehook

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/arch/x86/x86asm"
)

// RelativeKind selects the instruction category searched for by
// FindRelativeInstructions.
type RelativeKind uint8

const (
	RelCall RelativeKind = iota
	RelBranch
	RelRIP
)

// Decoder decodes byte ranges into x86 instructions, measures prologue cut
// points and relocates instruction sequences to a new address while
// preserving their semantics.
type Decoder struct {
	mode int
}

// NewDecoder returns a decoder for the given x86 mode (32 or 64).
func NewDecoder(mode int) *Decoder {
	return &Decoder{mode: mode}
}

// NewHostDecoder returns a decoder for the running process.
func NewHostDecoder() *Decoder {
	return NewDecoder(hostMode())
}

func decodeOne(code []byte, mode int) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil || (inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(code[0])) {
		return inst, errors.Wrapf(ErrDecodeFailure, "opcode 0x%02x", code[0])
	}
	return inst, nil
}

// LengthOfInstructions returns the smallest byte count >= min that covers an
// integral number of whole instructions starting at addr.
func (d *Decoder) LengthOfInstructions(addr uintptr, min int) (int, error) {
	// an instruction takes at most 15 bytes
	return d.lengthOfCode(makeSliceFromPointer(addr, min+15), min)
}

func (d *Decoder) lengthOfCode(code []byte, min int) (int, error) {
	cur := 0
	for cur < min {
		if cur >= len(code) {
			return 0, errors.Wrapf(ErrDecodeFailure, "ran out of bytes at +%d", cur)
		}
		inst, err := decodeOne(code[cur:], d.mode)
		if err != nil {
			return 0, err
		}
		if inst.Len == 1 && code[cur] == 0xcc {
			// int3 padding means the function ended before min bytes
			return 0, errors.Wrapf(ErrDecodeFailure, "int3 padding at +%d", cur)
		}
		cur += inst.Len
	}
	return cur, nil
}

// instruction emit forms chosen during relocation
const (
	formVerbatim = iota
	formRel8
	formRel32
	formJmpIsland
	formJccIsland
	formJcxzIsland
	formCallIsland
	formPushRet
	formRIP
)

const (
	classOther = iota
	classJcc8
	classJcc32
	classJmp8
	classJmp32
	classCall32
	classJcxz // jcxz/jecxz/jrcxz/loop/loope/loopne, rel8 only
	classRIP
	classCallZero
)

type relocIns struct {
	srcOff int
	raw    []byte
	class  int
	target uintptr // absolute target of the relative operand
	ripOff int     // offset of the disp32 within a RIP-relative instruction

	form     int
	dstOff   int
	emitLen  int
	resolved uintptr // final branch target after intra-range mapping
}

func isJcxzLoop(b byte) bool {
	return b >= 0xe0 && b <= 0xe3
}

// classify inspects one decoded instruction and its raw bytes.
func classify(inst x86asm.Inst, raw []byte, srcAddr uintptr, mode int) (relocIns, error) {
	ins := relocIns{raw: raw, class: classOther}

	b0 := raw[0]
	switch {
	case b0 >= 0x70 && b0 <= 0x7f:
		ins.class = classJcc8
		ins.target = srcAddr + 2 + uintptr(int8(raw[1]))
	case isJcxzLoop(b0):
		ins.class = classJcxz
		ins.target = srcAddr + 2 + uintptr(int8(raw[1]))
	case b0 == 0xeb:
		ins.class = classJmp8
		ins.target = srcAddr + 2 + uintptr(int8(raw[1]))
	case b0 == 0xe9:
		ins.class = classJmp32
		ins.target = srcAddr + 5 + uintptr(read32(raw[1:]))
	case b0 == 0xe8:
		off := read32(raw[1:])
		if off == 0 {
			// call $+0 reads the instruction pointer; emulated by pushing
			// the literal return address
			ins.class = classCallZero
			ins.target = srcAddr + 5
		} else {
			ins.class = classCall32
			ins.target = srcAddr + 5 + uintptr(off)
		}
	case b0 == 0x0f && len(raw) >= 6 && raw[1] >= 0x80 && raw[1] <= 0x8f:
		ins.class = classJcc32
		ins.target = srcAddr + 6 + uintptr(read32(raw[2:]))
	default:
		if mode == 64 {
			for _, a := range inst.Args {
				if a == nil {
					break
				}
				if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
					off, err := ripDispOffset(raw)
					if err != nil {
						return ins, err
					}
					ins.class = classRIP
					ins.ripOff = off
					ins.target = srcAddr + uintptr(len(raw)) + uintptr(int32(mem.Disp))
				}
			}
		}
	}
	return ins, nil
}

// ripDispOffset walks the encoding to the ModRM displacement of a
// RIP-relative memory operand: legacy prefixes, REX, opcode (with 0F
// escapes), then ModRM with mod=00 rm=101.
func ripDispOffset(raw []byte) (int, error) {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case 0xf0, 0xf2, 0xf3, 0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, 0x66, 0x67:
			i++
			continue
		}
		break
	}
	if i < len(raw) && raw[i]&0xf0 == 0x40 { // REX
		i++
	}
	if i >= len(raw) {
		return 0, errors.Wrap(ErrDecodeFailure, "truncated instruction")
	}
	if raw[i] == 0x0f {
		i++
		if i < len(raw) && (raw[i] == 0x38 || raw[i] == 0x3a) {
			i++
		}
	}
	i++ // past the opcode byte, at ModRM
	if i >= len(raw) {
		return 0, errors.Wrap(ErrDecodeFailure, "missing modrm")
	}
	modrm := raw[i]
	if modrm>>6 != 0 || modrm&7 != 5 {
		return 0, errors.Wrap(ErrDecodeFailure, "not a rip-relative modrm")
	}
	if i+5 > len(raw) {
		return 0, errors.Wrap(ErrDecodeFailure, "truncated displacement")
	}
	return i + 1, nil
}

// Relocate rewrites length bytes of instructions at source so they execute
// with identical effects at target. Relative displacements are recomputed;
// instructions whose displacement no longer fits are widened to their long
// form or replaced by an absolute-jump island. With restricted set, every
// displacement must fit in 32 bits or the relocation fails.
func (d *Decoder) Relocate(source uintptr, length int, target uintptr, restricted bool) ([]byte, error) {
	return d.relocateCode(makeSliceFromPointer(source, length), source, target, restricted)
}

func (d *Decoder) relocateCode(code []byte, source, target uintptr, restricted bool) ([]byte, error) {
	var list []relocIns
	cur := 0
	for cur < len(code) {
		inst, err := decodeOne(code[cur:], d.mode)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, inst.Len)
		copy(raw, code[cur:cur+inst.Len])
		ins, err := classify(inst, raw, source+uintptr(cur), d.mode)
		if err != nil {
			return nil, err
		}
		ins.srcOff = cur
		list = append(list, ins)
		cur += inst.Len
	}

	if err := d.chooseForms(list, source, uintptr(cur), target, restricted); err != nil {
		return nil, err
	}
	return emitRelocation(list, target), nil
}

// initial emit form per class
func initialForm(class int) int {
	switch class {
	case classJcc8, classJmp8, classJcxz:
		return formRel8
	case classJcc32, classJmp32, classCall32:
		return formRel32
	case classRIP:
		return formRIP
	case classCallZero:
		return formPushRet
	}
	return formVerbatim
}

func emitLenFor(ins *relocIns) int {
	switch ins.form {
	case formRel8:
		return 2
	case formRel32:
		switch ins.class {
		case classJcc8, classJcc32:
			return 6
		default:
			return 5
		}
	case formJmpIsland:
		return 14
	case formJccIsland:
		return 16
	case formJcxzIsland:
		return 18
	case formCallIsland:
		return 16
	case formPushRet:
		return 13
	}
	return len(ins.raw)
}

// chooseForms assigns destination offsets, resolves branch targets (targets
// inside the moved range follow the copy) and escalates encodings until all
// displacements fit. Widening only grows instructions, so the loop
// terminates.
func (d *Decoder) chooseForms(list []relocIns, source, length, target uintptr, restricted bool) error {
	for i := range list {
		list[i].form = initialForm(list[i].class)
	}

	for {
		off := 0
		for i := range list {
			list[i].dstOff = off
			list[i].emitLen = emitLenFor(&list[i])
			off += list[i].emitLen
		}

		changed := false
		for i := range list {
			ins := &list[i]
			switch ins.class {
			case classOther, classCallZero:
				continue
			case classRIP:
				dst := target + uintptr(ins.dstOff)
				ins.resolved = ins.target
				if !fitsRel32(dst, len(ins.raw), ins.target) {
					return errors.Wrapf(ErrOutOfRangeRelocation,
						"rip-relative operand at +%d cannot reach 0x%x", ins.srcOff, ins.target)
				}
				continue
			}

			// a branch target inside the moved range lands in the copy; the
			// target must be an instruction boundary
			resolved := ins.target
			if ins.target >= source && ins.target < source+length {
				idx := -1
				for j := range list {
					if uintptr(list[j].srcOff) == ins.target-source {
						idx = j
						break
					}
				}
				if idx < 0 {
					return errors.Wrapf(ErrDecodeFailure,
						"branch at +%d targets mid-instruction", ins.srcOff)
				}
				resolved = target + uintptr(list[idx].dstOff)
			} else if ins.target == source+length {
				// one past the range: execution continues in the original
			}
			ins.resolved = resolved

			dst := target + uintptr(ins.dstOff)
			switch ins.form {
			case formRel8:
				delta := int64(resolved) - int64(dst) - 2
				if delta >= -128 && delta <= 127 {
					continue
				}
				if ins.class == classJcxz {
					if restricted {
						return errors.Wrapf(ErrOutOfRangeRelocation,
							"no near form for 0x%02x at +%d", ins.raw[0], ins.srcOff)
					}
					ins.form = formJcxzIsland
				} else {
					ins.form = formRel32
				}
				changed = true
			case formRel32:
				if fitsRel32(dst, ins.emitLen, resolved) {
					continue
				}
				if restricted {
					return errors.Wrapf(ErrOutOfRangeRelocation,
						"rel32 at +%d cannot reach 0x%x", ins.srcOff, resolved)
				}
				switch ins.class {
				case classCall32:
					ins.form = formCallIsland
				case classJcc8, classJcc32:
					ins.form = formJccIsland
				default:
					ins.form = formJmpIsland
				}
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
}

// ccOf extracts the condition nibble of a Jcc in either width.
func ccOf(ins *relocIns) byte {
	if ins.class == classJcc8 {
		return ins.raw[0] - 0x70
	}
	return ins.raw[1] - 0x80
}

func append64(out []byte, v uintptr) []byte {
	for s := 0; s < 64; s += 8 {
		out = append(out, byte(uint64(v)>>s))
	}
	return out
}

func appendJmpIsland(out []byte, target uintptr) []byte {
	// jmp [rip+0]; dq target
	out = append(out, 0xff, 0x25, 0, 0, 0, 0)
	return append64(out, target)
}

func emitRelocation(list []relocIns, target uintptr) []byte {
	size := 0
	for i := range list {
		size += list[i].emitLen
	}
	out := make([]byte, 0, size)

	for i := range list {
		ins := &list[i]
		dst := target + uintptr(ins.dstOff)

		switch ins.form {
		case formVerbatim:
			out = append(out, ins.raw...)

		case formRIP:
			nc := make([]byte, len(ins.raw))
			copy(nc, ins.raw)
			disp := int64(ins.resolved) - int64(dst) - int64(len(nc))
			put32(nc[ins.ripOff:], uint32(int32(disp)))
			out = append(out, nc...)

		case formRel8:
			delta := int64(ins.resolved) - int64(dst) - 2
			out = append(out, ins.raw[0], byte(int8(delta)))

		case formRel32:
			switch ins.class {
			case classJcc8, classJcc32:
				delta := int64(ins.resolved) - int64(dst) - 6
				out = append(out, 0x0f, 0x80+ccOf(ins))
				out = append(out, byte(delta), byte(delta>>8), byte(delta>>16), byte(delta>>24))
			case classCall32:
				delta := int64(ins.resolved) - int64(dst) - 5
				out = append(out, 0xe8)
				out = append(out, byte(delta), byte(delta>>8), byte(delta>>16), byte(delta>>24))
			default: // jmp
				delta := int64(ins.resolved) - int64(dst) - 5
				out = append(out, 0xe9)
				out = append(out, byte(delta), byte(delta>>8), byte(delta>>16), byte(delta>>24))
			}

		case formJmpIsland:
			out = appendJmpIsland(out, ins.resolved)

		case formJccIsland:
			// inverted Jcc skips the island on the not-taken path
			out = append(out, 0x70+(ccOf(ins)^1), 14)
			out = appendJmpIsland(out, ins.resolved)

		case formJcxzIsland:
			// jcxz/loop has no near form: taken path enters the island
			out = append(out, ins.raw[0], 2, 0xeb, 14)
			out = appendJmpIsland(out, ins.resolved)

		case formCallIsland:
			// call [rip+2]; jmp +8 over the literal; dq target
			out = append(out, 0xff, 0x15, 2, 0, 0, 0, 0xeb, 8)
			out = append64(out, ins.resolved)

		case formPushRet:
			// push low32; mov dword [rsp+4], high32
			ret := uint64(ins.target)
			out = append(out, 0x68, byte(ret), byte(ret>>8), byte(ret>>16), byte(ret>>24))
			out = append(out, 0xc7, 0x44, 0x24, 0x04,
				byte(ret>>32), byte(ret>>40), byte(ret>>48), byte(ret>>56))
		}
	}
	return out
}

// FindRelativeInstructions returns the addresses of the displacement operand
// bytes of every relative instruction of the given kind within the first
// length bytes at start.
func (d *Decoder) FindRelativeInstructions(start uintptr, kind RelativeKind, length int) ([]uintptr, error) {
	return d.findRelativeInCode(makeSliceFromPointer(start, length), start, kind)
}

func (d *Decoder) findRelativeInCode(code []byte, start uintptr, kind RelativeKind) ([]uintptr, error) {
	var found []uintptr
	cur := 0
	for cur < len(code) {
		inst, err := decodeOne(code[cur:], d.mode)
		if err != nil {
			return nil, err
		}
		raw := code[cur : cur+inst.Len]
		ins, err := classify(inst, raw, start+uintptr(cur), d.mode)
		if err != nil {
			return nil, err
		}
		addr := start + uintptr(cur)
		switch kind {
		case RelCall:
			if ins.class == classCall32 || ins.class == classCallZero {
				found = append(found, addr+1)
			}
		case RelBranch:
			switch ins.class {
			case classJcc8, classJmp8, classJcxz:
				found = append(found, addr+1)
			case classJmp32:
				found = append(found, addr+1)
			case classJcc32:
				found = append(found, addr+2)
			}
		case RelRIP:
			if ins.class == classRIP {
				found = append(found, addr+uintptr(ins.ripOff))
			}
		}
		cur += inst.Len
	}
	return found, nil
}

// RIPRelativeBounds computes the lowest and highest absolute address
// referenced by RIP-relative memory operands in the range. found is false
// when the range has none.
func (d *Decoder) RIPRelativeBounds(source uintptr, length int) (low, high uintptr, found bool, err error) {
	return d.ripBoundsInCode(makeSliceFromPointer(source, length), source)
}

func (d *Decoder) ripBoundsInCode(code []byte, source uintptr) (low, high uintptr, found bool, err error) {
	cur := 0
	for cur < len(code) {
		inst, derr := decodeOne(code[cur:], d.mode)
		if derr != nil {
			return 0, 0, false, derr
		}
		raw := code[cur : cur+inst.Len]
		ins, cerr := classify(inst, raw, source+uintptr(cur), d.mode)
		if cerr != nil {
			return 0, 0, false, cerr
		}
		if ins.class == classRIP {
			if !found || ins.target < low {
				low = ins.target
			}
			if !found || ins.target > high {
				high = ins.target
			}
			found = true
		}
		cur += inst.Len
	}
	return low, high, found, nil
}
