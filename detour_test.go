//go:build (linux || darwin) && amd64

package bridgehook

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTargetFunc lays out synthetic machine code in its own region so tests
// can patch a "function" without touching real Go code.
func makeTargetFunc(t *testing.T, code []byte) *execRegion {
	region, err := allocNear(0, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.free() })
	copy(makeSliceFromPointer(region.addr, len(code)), code)
	return region
}

func testConv(t *testing.T) CallingConvention {
	conv, err := NewSysVAmd64([]DataObject{Arg(Int), Arg(Int)}, Arg(Int))
	require.NoError(t, err)
	return conv
}

func TestDetourHookUnhookRoundTrip(t *testing.T) {
	// mov eax, 42; ret
	body := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3, 0xcc, 0xcc}
	target := makeTargetFunc(t, body)

	original := make([]byte, len(body))
	copy(original, makeSliceFromPointer(target.addr, len(body)))

	h, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)

	require.NoError(t, h.Hook())
	assert.True(t, h.IsHooked())
	assert.Equal(t, DetourJump, h.Mode())
	assert.Equal(t, target.addr, h.Address())

	// prologue now holds a jump and the trampoline carries the original
	patched := makeSliceFromPointer(target.addr, len(body))
	assert.NotEqual(t, original, patched)
	assert.Equal(t, byte(0xe9), patched[0])
	require.NotZero(t, h.Original())
	tramp := makeSliceFromPointer(h.Original(), 5)
	assert.Equal(t, original[:5], tramp)

	require.NoError(t, h.Unhook())
	assert.False(t, h.IsHooked())
	assert.Equal(t, original, makeSliceFromPointer(target.addr, len(body)))
}

func TestDetourRelocatesBranchyPrologue(t *testing.T) {
	// je +3 into the body, then nops; the branch target is the first byte
	// past the overwritten range
	body := []byte{0x74, 0x03, 0x90, 0x90, 0x90, 0xb8, 0x07, 0x00, 0x00, 0x00, 0xc3}
	target := makeTargetFunc(t, body)

	original := make([]byte, len(body))
	copy(original, makeSliceFromPointer(target.addr, len(body)))

	h, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)
	require.NoError(t, h.Hook())

	// the relocated branch must still reach target+5
	tramp := makeSliceFromPointer(h.Original(), 2)
	if tramp[0] == 0x74 {
		dest := h.Original() + 2 + uintptr(int8(tramp[1]))
		assert.Equal(t, target.addr+5, dest)
	} else {
		require.Equal(t, []byte{0x0f, 0x84}, tramp)
		wide := makeSliceFromPointer(h.Original(), 6)
		dest := h.Original() + 6 + uintptr(read32(wide[2:]))
		assert.Equal(t, target.addr+5, dest)
	}

	require.NoError(t, h.Unhook())
	assert.Equal(t, original, makeSliceFromPointer(target.addr, len(body)))
}

func TestDetourAlreadyHooked(t *testing.T) {
	body := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}
	target := makeTargetFunc(t, body)

	h, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)
	require.NoError(t, h.Hook())
	defer func() { _ = h.Unhook() }()

	err = h.Hook()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyHooked)
}

func TestDetourAddressConflict(t *testing.T) {
	body := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}
	target := makeTargetFunc(t, body)

	original := make([]byte, len(body))
	copy(original, makeSliceFromPointer(target.addr, len(body)))

	h1, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)
	require.NoError(t, h1.Hook())
	defer func() { _ = h1.Unhook() }()

	patched := make([]byte, len(body))
	copy(patched, makeSliceFromPointer(target.addr, len(body)))

	h2, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)
	err = h2.Hook()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyHooked)

	// the failed hook left the patch bytes untouched
	assert.Equal(t, patched, makeSliceFromPointer(target.addr, len(body)))
}

func TestDetourPrologueTooShort(t *testing.T) {
	// int3 padding right after a one-byte instruction
	body := []byte{0x90, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}
	target := makeTargetFunc(t, body)

	original := make([]byte, len(body))
	copy(original, makeSliceFromPointer(target.addr, len(body)))

	h, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)

	err = h.Hook()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrologueTooShort)
	assert.False(t, h.IsHooked())

	// failure leaves the target byte-for-byte unchanged
	assert.Equal(t, original, makeSliceFromPointer(target.addr, len(body)))
}

func TestDetourUnhookWithoutHook(t *testing.T) {
	h, err := NewDetour(0x1000, testConv(t))
	require.NoError(t, err)

	err = h.Unhook()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotHooked)
}

func TestDetourEndToEnd(t *testing.T) {
	if os.Getenv("BRIDGEHOOK_E2E") == "" {
		t.Skip("set BRIDGEHOOK_E2E=1 to execute generated bridges in-process")
	}

	// int add(int a, int b) built by hand: lea eax, [rdi+rsi]; ret
	body := []byte{0x8d, 0x04, 0x37, 0xc3, 0xcc, 0xcc, 0xcc, 0xcc}
	target := makeTargetFunc(t, body)
	require.NoError(t, osProtectRX(target.addr, 4096))

	h, err := NewDetour(target.addr, testConv(t))
	require.NoError(t, err)

	h.AddCallback(Pre, func(_ CallbackType, hk *Hook) ReturnAction {
		_ = SetArgument[int32](hk, 0, 10)
		_ = SetArgument[int32](hk, 1, 10)
		return Ignored
	})

	require.NoError(t, h.Hook())
	defer func() { _ = h.Unhook() }()

	ret := callBinaryIntFunc(target.addr, 1, 2)
	assert.Equal(t, int32(20), ret)
}
