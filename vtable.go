package bridgehook

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// hookVTable swaps the slot's pointer for the pre bridge. The slot page must
// already be writable; changing its protection is the caller's concern. No
// prologue relocation happens: the bridge jumps to the saved pointer when
// the original should run.
func (h *Hook) hookVTable() error {
	slot := h.vtable.slotAddr
	if slot == 0 {
		return errors.Wrap(ErrNullAddress, "vtable slot")
	}

	original := atomic.LoadUintptr((*uintptr)(unsafe.Pointer(slot)))
	if original == 0 {
		return errors.Wrap(ErrNullAddress, "vtable slot content")
	}
	h.vtable.originalPtr = original

	// a vtable bridge needs no placement near the target; the slot holds a
	// full machine word
	region, err := allocNear(0, 4096)
	if err != nil {
		return err
	}
	if err := h.buildBridgesInRegion(region, nil); err != nil {
		_ = region.free()
		return err
	}

	if err := registry().register(slot, h); err != nil {
		h.releaseBridges()
		h.vtable.originalPtr = 0
		return err
	}

	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(slot)), h.preEntry)
	return nil
}

// unhookVTable writes the saved pointer back.
func (h *Hook) unhookVTable() error {
	slot := h.vtable.slotAddr
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(slot)), h.vtable.originalPtr)
	if err := registry().deregister(slot); err != nil {
		return err
	}
	if h.region != nil {
		_ = h.region.free()
		h.region = nil
	}
	return nil
}
