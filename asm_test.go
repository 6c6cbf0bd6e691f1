package bridgehook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenJumpCodeRel32(t *testing.T) {
	code := genJumpCode(64, 0x2000, 0x1000)
	assert.Equal(t, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}, code)

	// backwards
	code = genJumpCode(64, 0x1000, 0x2000)
	assert.Equal(t, []byte{0xe9, 0xfb, 0xef, 0xff, 0xff}, code)
}

func TestGenJumpCodeAbs(t *testing.T) {
	if wordSize == 4 {
		t.Skip("needs a 64-bit address space")
	}
	one := uintptr(1)
	far := one << 40

	code := genJumpCode(64, far, 0x1000)
	require.Equal(t, 14, len(code))
	assert.Equal(t, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, code[:6])
	assert.Equal(t, append64(nil, far), code[6:])

	assert.Equal(t, 14, jumpCodeSize(64, far, 0x1000))
	assert.Equal(t, 5, jumpCodeSize(64, 0x2000, 0x1000))
}

func TestAsmStores(t *testing.T) {
	a := newAssembler(64, 0)
	a.storeGP(RAX, 0x10, RBX)
	assert.Equal(t, []byte{0x48, 0x89, 0x98, 0x10, 0x00, 0x00, 0x00}, a.code())

	a = newAssembler(64, 0)
	a.storeGP(RAX, 0x20, R11)
	assert.Equal(t, []byte{0x4c, 0x89, 0x98, 0x20, 0x00, 0x00, 0x00}, a.code())

	a = newAssembler(64, 0)
	a.loadGP(RBX, RAX, 0x10)
	assert.Equal(t, []byte{0x48, 0x8b, 0x98, 0x10, 0x00, 0x00, 0x00}, a.code())

	a = newAssembler(64, 0)
	a.storeVec(RAX, 0x40, XMM2)
	assert.Equal(t, []byte{0x0f, 0x11, 0x90, 0x40, 0x00, 0x00, 0x00}, a.code())
}

func TestAsmStackTop(t *testing.T) {
	a := newAssembler(64, 0)
	a.loadStackTop(R11)
	assert.Equal(t, []byte{0x4c, 0x8b, 0x1c, 0x24}, a.code())

	a = newAssembler(64, 0)
	a.storeStackTop(RAX)
	assert.Equal(t, []byte{0x48, 0x89, 0x04, 0x24}, a.code())
}

func TestAsmMoffs(t *testing.T) {
	a := newAssembler(64, 0)
	a.movAbsFromA(0x11223344)
	assert.Equal(t, []byte{0x48, 0xa3, 0x44, 0x33, 0x22, 0x11, 0x00, 0x00, 0x00, 0x00}, a.code())

	a = newAssembler(64, 0)
	a.movAFromAbs(0x11223344)
	assert.Equal(t, []byte{0x48, 0xa1, 0x44, 0x33, 0x22, 0x11, 0x00, 0x00, 0x00, 0x00}, a.code())
}

func TestAsmRegMoves(t *testing.T) {
	a := newAssembler(64, 0)
	a.movRegReg(RBX, RSP)
	assert.Equal(t, []byte{0x48, 0x89, 0xe3}, a.code())

	a = newAssembler(64, 0)
	a.movRegReg(RSP, RBX)
	assert.Equal(t, []byte{0x48, 0x89, 0xdc}, a.code())

	a = newAssembler(64, 0)
	a.movRegImm(RDI, 0x1000)
	assert.Equal(t, []byte{0x48, 0xbf, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, a.code())

	a = newAssembler(64, 0)
	a.subSPImm8(32)
	assert.Equal(t, []byte{0x48, 0x83, 0xec, 0x20}, a.code())

	a = newAssembler(64, 0)
	a.andSPImm8(-16)
	assert.Equal(t, []byte{0x48, 0x83, 0xe4, 0xf0}, a.code())

	a = newAssembler(64, 0)
	a.callReg(RAX)
	assert.Equal(t, []byte{0xff, 0xd0}, a.code())

	a = newAssembler(64, 0)
	a.pushReg(RAX)
	a.ret()
	a.retImm16(8)
	assert.Equal(t, []byte{0x50, 0xc3, 0xc2, 0x08, 0x00}, a.code())
}

func TestAsmLabels(t *testing.T) {
	a := newAssembler(64, 0)
	l := a.newLabel()
	a.cmpALImm8(3)
	a.jccShort(0x3, l) // jae
	a.byte(0x90, 0x90)
	a.bind(l)
	a.ret()

	assert.Equal(t, []byte{0x3c, 0x03, 0x73, 0x02, 0x90, 0x90, 0xc3}, a.code())
}

func TestAsm32BitForms(t *testing.T) {
	a := newAssembler(32, 0)
	a.movRegImm(EAX, 0x1234)
	assert.Equal(t, []byte{0xb8, 0x34, 0x12, 0x00, 0x00}, a.code())

	a = newAssembler(32, 0)
	a.movAbsFromA(0x1234)
	assert.Equal(t, []byte{0xa3, 0x34, 0x12, 0x00, 0x00}, a.code())

	a = newAssembler(32, 0)
	a.storeGP(EAX, 8, ECX)
	assert.Equal(t, []byte{0x89, 0x88, 0x08, 0x00, 0x00, 0x00}, a.code())

	a = newAssembler(32, 0)
	a.pushImm32(0xdead)
	assert.Equal(t, []byte{0x68, 0xad, 0xde, 0x00, 0x00}, a.code())
}
