package bridgehook

/*
extern unsigned char bridgehookOnEntry(void*);
extern void* bridgehookOnExit(void*);
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"go.uber.org/zap"
)

func spReg() RegisterType {
	if hostMode() == 32 {
		return ESP
	}
	return RSP
}

// bridgehookOnEntry is the pre-stage dispatcher. The bridge calls it through
// the platform C ABI with the hook's cgo handle baked in as an immediate.
// It merges the pre callbacks and arranges the state the post stage unwinds.
//
//export bridgehookOnEntry
func bridgehookOnEntry(p unsafe.Pointer) C.uchar {
	h := hookFromHandle(p)
	if h == nil {
		// registry corruption; a bridge is running for a record we no
		// longer know. Never recovered.
		log().Error("dispatcher found no hook record", zap.Uintptr("handle", uintptr(p)))
		return C.uchar(Ignored)
	}
	return C.uchar(h.dispatchEntry())
}

func hookFromHandle(p unsafe.Pointer) (h *Hook) {
	defer func() {
		if recover() != nil {
			h = nil
		}
	}()
	if v, ok := cgo.Handle(uintptr(p)).Value().(*Hook); ok {
		h = v
	}
	return h
}

// bridgehookOnExit is the post-stage dispatcher; it returns the caller's
// real return address for the bridge to return through.
//
//export bridgehookOnExit
func bridgehookOnExit(p unsafe.Pointer) unsafe.Pointer {
	h := hookFromHandle(p)
	if h == nil {
		log().Error("dispatcher found no hook record", zap.Uintptr("handle", uintptr(p)))
		return nil
	}
	return unsafe.Pointer(h.dispatchExit())
}

// dispatchEntry merges pre callbacks in registration order. Unless the
// merged action is Supercede it records the action and the return address
// for the post stage, saves the arguments so the post callbacks see stable
// values, and saves the return slot when a callback primed it with
// Override.
func (h *Hook) dispatchEntry() ReturnAction {
	h.regs.markPost(false)
	action := Ignored

	// a hook deregistered while this thread was entering the bridge still
	// pairs its entry and exit, it just runs no pre callbacks; the exit
	// stage does not consult the registry and runs the post callbacks
	if _, active := registry().lookup(h.target); active {
		for _, cb := range h.callbacks(Pre) {
			if r := cb(Pre, h); r > action {
				action = r
			}
		}
	}

	if action == Supercede {
		// the bridge returns straight to the caller; nothing to unwind
		return action
	}

	sp, _ := h.regs.Uintptr(spReg())
	h.pushReturnAddress(h.regs.ReturnAddress(), sp)
	h.pushAction(action)
	if action >= Override {
		h.conv.SaveReturnValue(h.regs)
	}
	h.conv.SaveCallArguments(h.regs)
	return action
}

// dispatchExit unwinds the matching pre action: it first rebases the stack
// pointer slot to the entry value so argument math matches the pre stage,
// replays the saved return value (Override) and arguments, then runs the
// post callbacks and hands back the caller's return address.
func (h *Hook) dispatchExit() uintptr {
	h.regs.markPost(true)
	postSP, _ := h.regs.Uintptr(spReg())
	entrySP := postSP - uintptr(wordSize) - uintptr(h.conv.PopSize())
	_ = h.regs.SetUintptr(spReg(), entrySP)

	action := h.popAction()
	if action >= Override {
		h.conv.RestoreReturnValue(h.regs)
	}
	h.conv.RestoreCallArguments(h.regs)

	for _, cb := range h.callbacks(Post) {
		if r := cb(Post, h); r > action {
			action = r
		}
	}

	return h.popReturnAddress(entrySP)
}
