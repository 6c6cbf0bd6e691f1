// Package bridgehook intercepts calls to native functions at known addresses
// on x86 and x86-64. A hook overwrites the target's prologue with a jump
// (detour) or rewrites a vtable slot (vtable swap) and redirects execution
// through a generated bridge that captures CPU state, runs user callbacks
// before and after the original, and lets callbacks read and write
// arguments, the return value and registers.
package bridgehook

import (
	"reflect"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// HookMode tells how a hook takes control of its target.
type HookMode uint8

const (
	DetourJump HookMode = iota
	VTableSwap
)

func (m HookMode) String() string {
	if m == VTableSwap {
		return "vtable-swap"
	}
	return "detour-jump"
}

// CallbackType distinguishes the pre stage (before the original) from the
// post stage (after it).
type CallbackType uint8

const (
	Pre CallbackType = iota
	Post
)

// ReturnAction is a callback's verdict, merged across callbacks with the
// precedence Supercede > Override > Handled > Ignored.
type ReturnAction uint8

const (
	// Ignored expresses no opinion; normal flow continues.
	Ignored ReturnAction = iota
	// Handled consumed the event without changing flow.
	Handled
	// Override replaces the return value but still invokes the original.
	Override
	// Supercede skips the original entirely (pre stage only).
	Supercede
)

// Callback runs inside the bridge on the hooked thread. It may block; the
// library adds no liveness guarantee if it does.
type Callback func(CallbackType, *Hook) ReturnAction

// detourState carries the mode-specific fields of a prologue detour.
type detourState struct {
	originalBytes []byte
	prologueLen   int
	trampoline    uintptr
}

// vtableState carries the mode-specific fields of a vtable swap.
type vtableState struct {
	slotAddr    uintptr
	originalPtr uintptr
}

// Hook is one hook record: target, calling convention, generated bridges
// and callback lists. Create it with NewDetour or NewVTable, activate with
// Hook, deactivate with Unhook. An active hook is restored automatically
// when Close runs.
type Hook struct {
	target uintptr
	mode   HookMode
	conv   CallingConvention
	regs   *Registers

	detour detourState
	vtable vtableState

	region    *execRegion
	preEntry  uintptr
	postEntry uintptr
	handle    cgo.Handle

	hooked atomic.Bool

	cbMu sync.Mutex
	pre  []Callback
	post []Callback

	// per-thread stacks of merged pre actions, unwound by the post stage
	actMu   sync.Mutex
	actions map[uint64][]ReturnAction

	// return addresses keyed by entry stack pointer, LIFO within a key
	retMu    sync.Mutex
	retAddrs map[uintptr][]uintptr
}

func newHook(target uintptr, mode HookMode, conv CallingConvention) (*Hook, error) {
	if target == 0 {
		return nil, errors.Wrap(ErrNullAddress, "hook target")
	}
	if conv == nil {
		return nil, errors.New("nil calling convention")
	}
	return &Hook{
		target:   target,
		mode:     mode,
		conv:     conv,
		regs:     newRegisters(conv.RegistersToSave()),
		actions:  make(map[uint64][]ReturnAction),
		retAddrs: make(map[uintptr][]uintptr),
	}, nil
}

// NewDetour builds an inactive prologue-detour hook for the function at
// address.
func NewDetour(address uintptr, conv CallingConvention) (*Hook, error) {
	return newHook(address, DetourJump, conv)
}

// NewVTable builds an inactive hook over the vtable slot at slotAddress.
func NewVTable(slotAddress uintptr, conv CallingConvention) (*Hook, error) {
	h, err := newHook(slotAddress, VTableSwap, conv)
	if err != nil {
		return nil, err
	}
	h.vtable.slotAddr = slotAddress
	return h, nil
}

// NewVTableSlot addresses the slot by object and index: the object's first
// word is the vtable pointer, slots are word-sized entries.
func NewVTableSlot(object uintptr, index int, conv CallingConvention) (*Hook, error) {
	if object == 0 {
		return nil, errors.Wrap(ErrNullAddress, "object")
	}
	vtbl := *(*uintptr)(unsafe.Pointer(object))
	return NewVTable(vtbl+uintptr(index*wordSize), conv)
}

// Address returns the hooked address: function entry for detours, slot
// address for vtable hooks.
func (h *Hook) Address() uintptr { return h.target }

// Mode returns how the hook takes control.
func (h *Hook) Mode() HookMode { return h.mode }

// Convention returns the hook's calling-convention record.
func (h *Hook) Convention() CallingConvention { return h.conv }

// Registers exposes the snapshot captured at bridge entry; valid inside
// callbacks.
func (h *Hook) Registers() *Registers { return h.regs }

// IsHooked reports whether the hook is active.
func (h *Hook) IsHooked() bool { return h.hooked.Load() }

// Original returns the address that invokes the unhooked behavior: the
// relocated-prologue trampoline for detours, the saved slot pointer for
// vtable hooks. Zero before Hook.
func (h *Hook) Original() uintptr {
	if h.mode == VTableSwap {
		return h.vtable.originalPtr
	}
	return h.detour.trampoline
}

// AddCallback appends a callback to the pre or post list. Nil and duplicate
// handlers are rejected.
func (h *Hook) AddCallback(t CallbackType, cb Callback) bool {
	if cb == nil {
		log().Warn("callback handler is nil")
		return false
	}
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	list := h.listFor(t)
	p := reflect.ValueOf(cb).Pointer()
	for _, have := range *list {
		if reflect.ValueOf(have).Pointer() == p {
			log().Warn("callback handler already added")
			return false
		}
	}
	*list = append(*list, cb)
	return true
}

// RemoveCallback removes a previously added callback.
func (h *Hook) RemoveCallback(t CallbackType, cb Callback) bool {
	if cb == nil {
		return false
	}
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	list := h.listFor(t)
	p := reflect.ValueOf(cb).Pointer()
	for i, have := range *list {
		if reflect.ValueOf(have).Pointer() == p {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// IsCallbackRegistered reports whether cb is on the given list.
func (h *Hook) IsCallbackRegistered(t CallbackType, cb Callback) bool {
	if cb == nil {
		return false
	}
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	p := reflect.ValueOf(cb).Pointer()
	for _, have := range *h.listFor(t) {
		if reflect.ValueOf(have).Pointer() == p {
			return true
		}
	}
	return false
}

func (h *Hook) listFor(t CallbackType) *[]Callback {
	if t == Post {
		return &h.post
	}
	return &h.pre
}

func (h *Hook) callbacks(t CallbackType) []Callback {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	list := *h.listFor(t)
	out := make([]Callback, len(list))
	copy(out, list)
	return out
}

// Hook activates the hook. A second call on an active hook returns
// ErrAlreadyHooked without touching the target.
func (h *Hook) Hook() error {
	if h.hooked.Load() {
		return errors.Wrapf(ErrAlreadyHooked, "address 0x%x", h.target)
	}
	var err error
	if h.mode == VTableSwap {
		err = h.hookVTable()
	} else {
		err = h.hookDetour()
	}
	if err != nil {
		return err
	}
	h.hooked.Store(true)
	log().Info("hooked", zap.Uintptr("addr", h.target), zap.Stringer("mode", h.mode))
	return nil
}

// Unhook deactivates the hook and restores the target. Threads already
// inside the bridge finish normally; no thread entering the target after
// Unhook returns will run it.
func (h *Hook) Unhook() error {
	if !h.hooked.Load() {
		return errors.Wrapf(ErrNotHooked, "address 0x%x", h.target)
	}
	var err error
	if h.mode == VTableSwap {
		err = h.unhookVTable()
	} else {
		err = h.unhookDetour()
	}
	h.hooked.Store(false)
	if h.handle != 0 {
		h.handle.Delete()
		h.handle = 0
	}
	log().Info("unhooked", zap.Uintptr("addr", h.target), zap.Stringer("mode", h.mode))
	return err
}

// Close unhooks if still active and releases the executable region.
func (h *Hook) Close() error {
	var err error
	if h.hooked.Load() {
		err = h.Unhook()
	}
	if h.region != nil {
		_ = h.region.free()
		h.region = nil
	}
	return err
}

// pushAction records the merged pre action for the current thread.
func (h *Hook) pushAction(a ReturnAction) {
	tid := threadID()
	h.actMu.Lock()
	defer h.actMu.Unlock()
	h.actions[tid] = append(h.actions[tid], a)
}

// popAction unwinds the matching pre action in the post stage.
func (h *Hook) popAction() ReturnAction {
	tid := threadID()
	h.actMu.Lock()
	defer h.actMu.Unlock()
	st := h.actions[tid]
	if len(st) == 0 {
		panic(errors.AssertionFailedf("pre-action stack empty in post stage"))
	}
	a := st[len(st)-1]
	st = st[:len(st)-1]
	if len(st) == 0 {
		delete(h.actions, tid)
	} else {
		h.actions[tid] = st
	}
	return a
}

// pushReturnAddress records the caller's return address keyed by the entry
// stack pointer; nested invocations on the same stack unwind LIFO.
func (h *Hook) pushReturnAddress(ret, sp uintptr) {
	h.retMu.Lock()
	defer h.retMu.Unlock()
	h.retAddrs[sp] = append(h.retAddrs[sp], ret)
}

func (h *Hook) popReturnAddress(sp uintptr) uintptr {
	h.retMu.Lock()
	defer h.retMu.Unlock()
	st := h.retAddrs[sp]
	if len(st) == 0 {
		log().Error("no return address recorded for stack pointer",
			zap.Uintptr("sp", sp), zap.Uintptr("addr", h.target))
		return 0
	}
	ret := st[len(st)-1]
	st = st[:len(st)-1]
	if len(st) == 0 {
		delete(h.retAddrs, sp)
	} else {
		h.retAddrs[sp] = st
	}
	return ret
}

// Argument reads argument index as T; valid inside callbacks.
func Argument[T any](h *Hook, index int) (T, error) {
	var zero T
	p, err := h.conv.ArgumentPtr(index, h.regs)
	if err != nil {
		return zero, err
	}
	return *(*T)(unsafe.Pointer(p)), nil
}

// SetArgument writes argument index; the original (or the post stage)
// observes the new value.
func SetArgument[T any](h *Hook, index int, v T) error {
	p, err := h.conv.ArgumentPtr(index, h.regs)
	if err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(p)) = v
	h.conv.OnArgumentChanged(index, h.regs, p)
	return nil
}

// Return reads the return slot as T; meaningful in the post stage or after
// SetReturn.
func Return[T any](h *Hook) T {
	return *(*T)(unsafe.Pointer(h.conv.ReturnPtr(h.regs)))
}

// SetReturn writes the return slot; pair with Override or Supercede.
func SetReturn[T any](h *Hook, v T) {
	p := h.conv.ReturnPtr(h.regs)
	*(*T)(unsafe.Pointer(p)) = v
	h.conv.OnReturnChanged(h.regs, p)
}
