package bridgehook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthOfCode(t *testing.T) {
	d := NewDecoder(64)

	// push rbx; mov eax, 7; ret
	code := []byte{0x53, 0xb8, 0x07, 0x00, 0x00, 0x00, 0xc3}

	n, err := d.lengthOfCode(code, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = d.lengthOfCode(code, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.lengthOfCode(code, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestLengthOfCodeInt3Padding(t *testing.T) {
	d := NewDecoder(64)

	code := []byte{0x90, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}
	_, err := d.lengthOfCode(code, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodeFailure)
}

func TestRelocateVerbatim(t *testing.T) {
	d := NewDecoder(64)

	// mov eax, 7; nop; ret carries no relative operands
	code := []byte{0xb8, 0x07, 0x00, 0x00, 0x00, 0x90, 0xc3}
	out, err := d.relocateCode(code, 0x1000, 0x2000, false)
	require.NoError(t, err)
	assert.Equal(t, code, out)
}

func TestRelocateShortJccNearby(t *testing.T) {
	d := NewDecoder(64)

	// je +3 (to one past the range); three nops
	code := []byte{0x74, 0x03, 0x90, 0x90, 0x90}

	// close move keeps the rel8 form: 0x1005 - (0x1010+2) = -13
	out, err := d.relocateCode(code, 0x1000, 0x1010, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x74, 0xf3, 0x90, 0x90, 0x90}, out)
}

func TestRelocateShortJccWidened(t *testing.T) {
	d := NewDecoder(64)

	code := []byte{0x74, 0x03, 0x90, 0x90, 0x90}

	// the branch still lands on the byte after the original range
	out, err := d.relocateCode(code, 0x1000, 0x2000, false)
	require.NoError(t, err)

	want := []byte{0x0f, 0x84}
	disp := int32(0x1005 - (0x2000 + 6))
	want = append(want, byte(disp), byte(disp>>8), byte(disp>>16), byte(disp>>24))
	want = append(want, 0x90, 0x90, 0x90)
	assert.Equal(t, want, out)
}

func TestRelocateInternalBranch(t *testing.T) {
	d := NewDecoder(64)

	// jne +1 over one nop, then two nops: target stays inside the range and
	// must follow the copy
	code := []byte{0x75, 0x01, 0x90, 0x90, 0x90}
	out, err := d.relocateCode(code, 0x1000, 0x2000, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x75, 0x01, 0x90, 0x90, 0x90}, out)
}

func TestRelocateShortJmpWidened(t *testing.T) {
	d := NewDecoder(64)

	// jmp +2 past the range end
	code := []byte{0xeb, 0x02, 0x90, 0x90}
	out, err := d.relocateCode(code, 0x1000, 0x3000, false)
	require.NoError(t, err)

	disp := int32(0x1004 - (0x3000 + 5))
	want := []byte{0xe9, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24), 0x90, 0x90}
	assert.Equal(t, want, out)
}

func TestRelocateCall(t *testing.T) {
	d := NewDecoder(64)

	// call 0x2000 from 0x1000
	code := []byte{0xe8, 0xfb, 0x0f, 0x00, 0x00}
	out, err := d.relocateCode(code, 0x1000, 0x3000, false)
	require.NoError(t, err)

	disp := int32(0x2000 - (0x3000 + 5))
	want := []byte{0xe8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	assert.Equal(t, want, out)
}

func TestRelocateCallZeroIdiom(t *testing.T) {
	d := NewDecoder(64)

	// call $+0 pushes the literal return address when moved
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00}
	out, err := d.relocateCode(code, 0x1000, 0x2000, false)
	require.NoError(t, err)

	want := []byte{
		0x68, 0x05, 0x10, 0x00, 0x00, // push 0x1005
		0xc7, 0x44, 0x24, 0x04, 0x00, 0x00, 0x00, 0x00, // mov dword [rsp+4], 0
	}
	assert.Equal(t, want, out)
}

func TestRelocateRipRelative(t *testing.T) {
	d := NewDecoder(64)

	// mov rax, [rip+0x10] at 0x1000 references 0x1017
	code := []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}
	out, err := d.relocateCode(code, 0x1000, 0x2000, false)
	require.NoError(t, err)

	disp := int32(0x1017 - (0x2000 + 7))
	want := []byte{0x48, 0x8b, 0x05, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	assert.Equal(t, want, out)
}

func TestRelocateRipRelativeLea(t *testing.T) {
	d := NewDecoder(64)

	// lea rdx, [rip+0x20]
	code := []byte{0x48, 0x8d, 0x15, 0x20, 0x00, 0x00, 0x00}
	out, err := d.relocateCode(code, 0x1000, 0x1100, false)
	require.NoError(t, err)

	disp := int32(0x1027 - (0x1100 + 7))
	want := []byte{0x48, 0x8d, 0x15, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	assert.Equal(t, want, out)
}

func TestRelocateRipOutOfRange(t *testing.T) {
	if wordSize == 4 {
		t.Skip("needs a 64-bit address space")
	}
	d := NewDecoder(64)

	code := []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}
	one := uintptr(1)
	far := one << 36

	_, err := d.relocateCode(code, 0x1000, far, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfRangeRelocation)
}

func TestRelocateJmpIsland(t *testing.T) {
	if wordSize == 4 {
		t.Skip("needs a 64-bit address space")
	}
	d := NewDecoder(64)

	one := uintptr(1)
	far := one << 36

	// jmp rel8 whose target cannot be reached by rel32 from the new home
	code := []byte{0xeb, 0x02, 0x90, 0x90}
	out, err := d.relocateCode(code, 0x1000, far, false)
	require.NoError(t, err)

	want := []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}
	want = append64(want, 0x1004)
	want = append(want, 0x90, 0x90)
	assert.Equal(t, want, out)
}

func TestRelocateRestrictedFails(t *testing.T) {
	if wordSize == 4 {
		t.Skip("needs a 64-bit address space")
	}
	d := NewDecoder(64)

	one := uintptr(1)
	far := one << 36

	code := []byte{0xeb, 0x02, 0x90, 0x90}
	_, err := d.relocateCode(code, 0x1000, far, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfRangeRelocation)
}

func TestRelocateJcxzIsland(t *testing.T) {
	if wordSize == 4 {
		t.Skip("needs a 64-bit address space")
	}
	d := NewDecoder(64)

	one := uintptr(1)
	far := one << 36

	// jrcxz +2 past the range; no near form exists
	code := []byte{0xe3, 0x02, 0x90, 0x90}
	out, err := d.relocateCode(code, 0x1000, far, false)
	require.NoError(t, err)

	want := []byte{0xe3, 0x02, 0xeb, 0x0e, 0xff, 0x25, 0x00, 0x00, 0x00, 0x00}
	want = append64(want, 0x1004)
	want = append(want, 0x90, 0x90)
	assert.Equal(t, want, out)
}

func TestFindRelativeInstructions(t *testing.T) {
	d := NewDecoder(64)

	code := []byte{
		0x90,                         // nop
		0xe8, 0x10, 0x00, 0x00, 0x00, // call
		0x74, 0x05, // je
		0x48, 0x8b, 0x05, 0x01, 0x00, 0x00, 0x00, // mov rax, [rip+1]
		0xc3, // ret
	}
	base := uintptr(0x5000)

	calls, err := d.findRelativeInCode(code, base, RelCall)
	require.NoError(t, err)
	assert.Equal(t, []uintptr{base + 2}, calls)

	branches, err := d.findRelativeInCode(code, base, RelBranch)
	require.NoError(t, err)
	assert.Equal(t, []uintptr{base + 7}, branches)

	rips, err := d.findRelativeInCode(code, base, RelRIP)
	require.NoError(t, err)
	assert.Equal(t, []uintptr{base + 11}, rips)
}

func TestRIPRelativeBounds(t *testing.T) {
	d := NewDecoder(64)

	code := []byte{
		0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00, // mov rax, [rip+0x10] -> 0x1017
		0x48, 0x8d, 0x15, 0xf0, 0xff, 0xff, 0xff, // lea rdx, [rip-0x10] -> 0x0ffe
	}
	low, high, found, err := d.ripBoundsInCode(code, 0x1000)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uintptr(0x0ffe), low)
	assert.Equal(t, uintptr(0x1017), high)
}

func TestRIPRelativeBoundsNone(t *testing.T) {
	d := NewDecoder(64)

	_, _, found, err := d.ripBoundsInCode([]byte{0x90, 0xc3}, 0x1000)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRipDispOffset(t *testing.T) {
	off, err := ripDispOffset([]byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 3, off)

	// prefixed and escaped: movss xmm0, [rip+disp]
	off, err = ripDispOffset([]byte{0xf3, 0x0f, 0x10, 0x05, 0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 4, off)

	_, err = ripDispOffset([]byte{0x48, 0x8b, 0xc1})
	assert.Error(t, err)
}
