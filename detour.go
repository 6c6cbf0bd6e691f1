package bridgehook

import (
	"runtime/cgo"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// hookDetour patches the target prologue with a jump to the pre bridge and
// keeps a relocated copy of the overwritten instructions so the original can
// still be invoked. Any failure leaves the target byte-for-byte unchanged.
func (h *Hook) hookDetour() error {
	mode := hostMode()
	dec := NewDecoder(mode)

	// a region within rel32 reach keeps the patch at 5 bytes; when the
	// allocator cannot place one, fall back to the 14-byte absolute form
	region, err := allocNear(h.target, 4096)
	farPatch := false
	if err != nil {
		region, err = allocNear(0, 4096)
		if err != nil {
			return err
		}
		farPatch = mode == 64 && distance(region.addr, h.target) > maxJumpRange
	}

	patchLen := 5
	if farPatch {
		patchLen = 14
	}

	prologueLen, err := dec.LengthOfInstructions(h.target, patchLen)
	if err != nil {
		_ = region.free()
		return errors.Wrapf(ErrPrologueTooShort, "cannot cover %d bytes: %v", patchLen, err)
	}
	if sz, serr := functionSize(h.target); serr == nil && sz > 0 && int(sz) < prologueLen {
		_ = region.free()
		return errors.Wrapf(ErrPrologueTooShort,
			"function is %d bytes, patch needs %d", sz, prologueLen)
	}

	original := make([]byte, prologueLen)
	copy(original, makeSliceFromPointer(h.target, prologueLen))

	trampFor := func(at uintptr) ([]byte, error) {
		// the trampoline is the relocated prologue followed by a jump back
		// to the first byte the patch did not cover
		code, rerr := dec.Relocate(h.target, prologueLen, at, false)
		if rerr != nil {
			return nil, rerr
		}
		back := h.target + uintptr(prologueLen)
		a := newAssembler(mode, at+uintptr(len(code)))
		if fitsRel32(a.base, 5, back) {
			a.jmpRel32(back)
		} else {
			a.jmpAbs(back)
		}
		return append(code, a.code()...), nil
	}

	if err := h.buildBridgesInRegion(region, trampFor); err != nil {
		_ = region.free()
		return err
	}

	if err := registry().register(h.target, h); err != nil {
		h.releaseBridges()
		return err
	}

	jump := genJumpCode(mode, h.preEntry, h.target)
	if err := writeCode(h.target, jump); err != nil {
		_ = registry().deregister(h.target)
		h.releaseBridges()
		return err
	}

	h.detour.originalBytes = original
	h.detour.prologueLen = prologueLen
	return nil
}

// unhookDetour restores the saved prologue bytes. Once entered it is
// best-effort: a failing protection change is logged and the hook is still
// considered removed.
func (h *Hook) unhookDetour() error {
	if err := writeCode(h.target, h.detour.originalBytes); err != nil {
		log().Warn("prologue restore failed", zap.Uintptr("addr", h.target), zap.Error(err))
	}
	if err := registry().deregister(h.target); err != nil {
		return err
	}
	// freeing the region is safe only once no thread is inside the bridge;
	// quiescing is the caller's responsibility
	if h.region != nil {
		_ = h.region.free()
		h.region = nil
	}
	h.detour.trampoline = 0
	return nil
}

func (h *Hook) buildBridgesInRegion(region *execRegion, trampFor func(uintptr) ([]byte, error)) error {
	h.handle = cgo.NewHandle(h)
	cfg := &bridgeConfig{
		mode:    hostMode(),
		handle:  uintptr(h.handle),
		regs:    h.regs,
		conv:    h.conv,
		entryFn: dispatcherEntryAddr(),
		exitFn:  dispatcherExitAddr(),
	}
	pre, post, tramp, err := buildBridges(cfg, region, trampFor, h.vtable.originalPtr)
	if err != nil {
		h.handle.Delete()
		h.handle = 0
		return err
	}
	h.region = region
	h.preEntry = pre
	h.postEntry = post
	if trampFor != nil {
		h.detour.trampoline = tramp
	}
	return nil
}

func (h *Hook) releaseBridges() {
	if h.handle != 0 {
		h.handle.Delete()
		h.handle = 0
	}
	if h.region != nil {
		_ = h.region.free()
		h.region = nil
	}
	h.preEntry = 0
	h.postEntry = 0
	h.detour.trampoline = 0
}
