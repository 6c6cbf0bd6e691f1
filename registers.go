package bridgehook

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// RegisterType names one CPU register tracked by a register snapshot.
type RegisterType uint8

const (
	RegNone RegisterType = iota

	// 32-bit general purpose
	EAX
	EBX
	ECX
	EDX
	ESI
	EDI
	EBP
	ESP

	// 64-bit general purpose
	RAX
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// vector
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
	YMM0
	YMM1
	YMM2
	YMM3
	YMM4
	YMM5
	YMM6
	YMM7
	ZMM0
	ZMM1
	ZMM2
	ZMM3
	ZMM4
	ZMM5
	ZMM6
	ZMM7

	regTypeCount
)

var regNames = map[RegisterType]string{
	EAX: "eax", EBX: "ebx", ECX: "ecx", EDX: "edx",
	ESI: "esi", EDI: "edi", EBP: "ebp", ESP: "esp",
	RAX: "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx",
	RSI: "rsi", RDI: "rdi", RBP: "rbp", RSP: "rsp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	XMM0: "xmm0", XMM1: "xmm1", XMM2: "xmm2", XMM3: "xmm3",
	XMM4: "xmm4", XMM5: "xmm5", XMM6: "xmm6", XMM7: "xmm7",
	XMM8: "xmm8", XMM9: "xmm9", XMM10: "xmm10", XMM11: "xmm11",
	XMM12: "xmm12", XMM13: "xmm13", XMM14: "xmm14", XMM15: "xmm15",
	YMM0: "ymm0", YMM1: "ymm1", YMM2: "ymm2", YMM3: "ymm3",
	YMM4: "ymm4", YMM5: "ymm5", YMM6: "ymm6", YMM7: "ymm7",
	ZMM0: "zmm0", ZMM1: "zmm1", ZMM2: "zmm2", ZMM3: "zmm3",
	ZMM4: "zmm4", ZMM5: "zmm5", ZMM6: "zmm6", ZMM7: "zmm7",
}

func (r RegisterType) String() string {
	if s, ok := regNames[r]; ok {
		return s
	}
	return "none"
}

// Width returns the byte width of the register's snapshot slot.
func (r RegisterType) Width() int {
	switch {
	case r >= EAX && r <= ESP:
		return 4
	case r >= RAX && r <= R15:
		return 8
	case r >= XMM0 && r <= XMM15:
		return 16
	case r >= YMM0 && r <= YMM7:
		return 32
	case r >= ZMM0 && r <= ZMM7:
		return 64
	}
	return 0
}

func (r RegisterType) isGP() bool {
	return r >= EAX && r <= R15
}

func (r RegisterType) isVector() bool {
	return r >= XMM0 && r <= ZMM7
}

// gpIndex returns the hardware encoding (0-15) of a general-purpose or
// vector register, used by the bridge emitter.
func (r RegisterType) gpIndex() int {
	switch {
	case r >= EAX && r <= ESP:
		// eax ebx ecx edx esi edi ebp esp -> 0 3 1 2 6 7 5 4
		return [...]int{0, 3, 1, 2, 6, 7, 5, 4}[r-EAX]
	case r >= RAX && r <= R15:
		return [...]int{0, 3, 1, 2, 6, 7, 5, 4, 8, 9, 10, 11, 12, 13, 14, 15}[r-RAX]
	case r >= XMM0 && r <= XMM15:
		return int(r - XMM0)
	case r >= YMM0 && r <= YMM7:
		return int(r - YMM0)
	case r >= ZMM0 && r <= ZMM7:
		return int(r - ZMM0)
	}
	return -1
}

// Registers is a typed snapshot of the registers a calling convention asked
// the bridge to persist. The backing buffer is populated by the bridge's save
// sequence and drained by its restore sequence; slot order matches save
// order, so writing a slot through an accessor changes what the restore
// epilogue loads back into the CPU.
type Registers struct {
	buf     []byte
	offsets map[RegisterType]int
	order   []RegisterType
	retOff  int

	// post is set by the exit dispatcher: the snapshot now reflects the
	// state after the original returned, so ABI slots that change meaning
	// across the call (the hidden aggregate-return pointer moves from an
	// argument register into the accumulator) resolve accordingly.
	post bool
}

// newRegisters lays out a snapshot for the given register list. A word-sized
// return-address slot is appended after the last register.
func newRegisters(list []RegisterType) *Registers {
	offsets := make(map[RegisterType]int, len(list))
	off := 0
	order := make([]RegisterType, 0, len(list))
	for _, r := range list {
		if _, dup := offsets[r]; dup {
			continue
		}
		offsets[r] = off
		off += r.Width()
		order = append(order, r)
	}
	retOff := off
	off += 8
	return &Registers{
		buf:     make([]byte, off),
		offsets: offsets,
		order:   order,
		retOff:  retOff,
	}
}

// base returns the address of the snapshot buffer; the bridge bakes it into
// its save and restore sequences.
func (r *Registers) base() uintptr {
	return sliceAddr(r.buf)
}

func (r *Registers) size() int {
	return len(r.buf)
}

// Has reports whether the snapshot tracks reg under the current ABI.
func (r *Registers) Has(reg RegisterType) bool {
	_, ok := r.offsets[reg]
	return ok
}

// Slot returns the address of reg's slot inside the snapshot.
func (r *Registers) Slot(reg RegisterType) (uintptr, error) {
	off, ok := r.offsets[reg]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownRegister, "%s not tracked by this convention", reg)
	}
	return r.base() + uintptr(off), nil
}

func (r *Registers) offset(reg RegisterType) int {
	return r.offsets[reg]
}

// Bytes returns a writable view of reg's slot.
func (r *Registers) Bytes(reg RegisterType) ([]byte, error) {
	off, ok := r.offsets[reg]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRegister, "%s not tracked by this convention", reg)
	}
	return r.buf[off : off+reg.Width()], nil
}

// Uintptr reads a general-purpose slot as a machine word.
func (r *Registers) Uintptr(reg RegisterType) (uintptr, error) {
	p, err := r.Slot(reg)
	if err != nil {
		return 0, err
	}
	if reg.Width() == 4 {
		return uintptr(*(*uint32)(unsafe.Pointer(p))), nil
	}
	return *(*uintptr)(unsafe.Pointer(p)), nil
}

// SetUintptr writes a general-purpose slot; the new value reaches the CPU
// when the bridge's restore epilogue runs.
func (r *Registers) SetUintptr(reg RegisterType, v uintptr) error {
	p, err := r.Slot(reg)
	if err != nil {
		return err
	}
	if reg.Width() == 4 {
		*(*uint32)(unsafe.Pointer(p)) = uint32(v)
		return nil
	}
	*(*uintptr)(unsafe.Pointer(p)) = v
	return nil
}

// ReturnAddress is the caller's return address as captured on hook entry.
func (r *Registers) ReturnAddress() uintptr {
	return *(*uintptr)(unsafe.Pointer(r.base() + uintptr(r.retOff)))
}

func (r *Registers) retAddrOffset() int {
	return r.retOff
}

// saveOrder is the register sequence the bridge must store and load; it is
// the layout order of the snapshot.
func (r *Registers) saveOrder() []RegisterType {
	return r.order
}

func (r *Registers) markPost(post bool) {
	r.post = post
}

// InPostStage reports whether the snapshot was captured after the original
// returned.
func (r *Registers) InPostStage() bool {
	return r.post
}
