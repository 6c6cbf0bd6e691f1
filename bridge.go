package bridgehook

import (
	"runtime"

	"github.com/cockroachdb/errors"
)

// bridgeConfig carries everything the emitters bake into generated code.
type bridgeConfig struct {
	mode    int
	handle  uintptr // dispatcher argument identifying the hook record
	regs    *Registers
	conv    CallingConvention
	entryFn uintptr // C-ABI pre dispatcher
	exitFn  uintptr // C-ABI post dispatcher
}

// dispatchArgReg is the first-argument register of the host C ABI.
func dispatchArgReg() RegisterType {
	if runtime.GOOS == "windows" {
		return RCX
	}
	return RDI
}

// emitSaveRegisters stores every tracked register into the snapshot, in
// snapshot layout order, then captures the return address from the stack
// top. The accumulator goes first through its absolute-store form so it can
// serve as the base register for the rest.
func emitSaveRegisters(a *assembler, cfg *bridgeConfig, withRetAddr bool) {
	regs := cfg.regs
	acc, scratch := RAX, R11
	if cfg.mode == 32 {
		acc, scratch = EAX, ECX
	}
	if regs.Has(acc) {
		a.movAbsFromA(regs.base() + uintptr(regs.offset(acc)))
	}
	a.movRegImm(acc, regs.base())
	for _, r := range regs.saveOrder() {
		if r == acc {
			continue
		}
		if r.isVector() {
			a.storeVec(acc, regs.offset(r), r)
		} else {
			a.storeGP(acc, regs.offset(r), r)
		}
	}
	if withRetAddr {
		// the scratch register was already saved by the loop above
		a.loadStackTop(scratch)
		a.storeGP(acc, regs.retAddrOffset(), scratch)
	}
}

// emitRestoreRegisters mirrors the save sequence. The stack pointer is never
// reloaded; the accumulator is reloaded last through its absolute-load form.
func emitRestoreRegisters(a *assembler, cfg *bridgeConfig) {
	regs := cfg.regs
	acc, sp := RAX, RSP
	if cfg.mode == 32 {
		acc, sp = EAX, ESP
	}
	a.movRegImm(acc, regs.base())
	for _, r := range regs.saveOrder() {
		if r == acc || r == sp {
			continue
		}
		if r.isVector() {
			a.loadVec(r, acc, regs.offset(r))
		} else {
			a.loadGP(r, acc, regs.offset(r))
		}
	}
	if regs.Has(acc) {
		a.movAFromAbs(regs.base() + uintptr(regs.offset(acc)))
	}
}

// emitDispatcherCall calls a C-ABI dispatcher with the hook handle as the
// only argument, keeping the stack 16-byte aligned across the call. The
// frame register (rbx/ebx, callee-saved in every supported ABI and already
// captured in the snapshot) holds the entry stack pointer.
func emitDispatcherCall(a *assembler, cfg *bridgeConfig, fn uintptr) {
	if cfg.mode == 64 {
		a.movRegReg(RBX, RSP)
		a.subSPImm8(32) // shadow space; harmless on System V
		a.andSPImm8(-16)
		a.movRegImm(dispatchArgReg(), cfg.handle)
		a.movRegImm(RAX, fn)
		a.callReg(RAX)
		a.movRegReg(RSP, RBX)
	} else {
		a.movRegReg(EBX, ESP)
		a.andSPImm8(-16)
		a.subSPImm8(12)
		a.pushImm32(uint32(cfg.handle))
		a.movRegImm(EAX, fn)
		a.callReg(EAX)
		a.movRegReg(ESP, EBX)
	}
}

// emitPreBridge generates the entry bridge: capture state, run the pre
// dispatcher, then either continue into the original (with the return
// address redirected through the post bridge) or return straight to the
// caller when the merged action was Supercede.
func emitPreBridge(cfg *bridgeConfig, base, postEntry, continueTo uintptr) []byte {
	a := newAssembler(cfg.mode, base)

	emitSaveRegisters(a, cfg, true)
	emitDispatcherCall(a, cfg, cfg.entryFn)

	acc := RAX
	if cfg.mode == 32 {
		acc = EAX
	}

	supercede := a.newLabel()
	a.cmpALImm8(byte(Supercede))
	a.jccNear(0x3, supercede) // jae, the restore sequence exceeds rel8 reach

	// normal flow: the original returns into the post bridge
	a.movRegImm(acc, postEntry)
	a.storeStackTop(acc)
	emitRestoreRegisters(a, cfg)
	a.jmpAbs(continueTo)

	a.bind(supercede)
	emitRestoreRegisters(a, cfg)
	if pop := cfg.conv.PopSize(); pop > 0 {
		a.retImm16(uint16(pop))
	} else {
		a.ret()
	}
	return a.code()
}

// emitPostBridge generates the exit bridge: capture the post-call state, run
// the post dispatcher (which returns the real return address), then restore
// and return to the caller.
func emitPostBridge(cfg *bridgeConfig, base uintptr) []byte {
	a := newAssembler(cfg.mode, base)

	acc := RAX
	if cfg.mode == 32 {
		acc = EAX
	}

	emitSaveRegisters(a, cfg, false)
	emitDispatcherCall(a, cfg, cfg.exitFn)

	// the dispatcher returned the caller's return address
	a.pushReg(acc)
	emitRestoreRegisters(a, cfg)
	a.ret()
	return a.code()
}

// buildBridges lays both bridges (and, for detours, the relocated prologue
// between them) into an executable region:
//
//	[post bridge][trampoline][pre bridge]
//
// continueTo of the pre bridge is the trampoline when tramp bytes are given,
// otherwise the address in directTarget (vtable hooks jump straight to the
// original function pointer). Entries are 16-byte aligned so the patched
// jump lands on an instruction boundary.
func buildBridges(cfg *bridgeConfig, region *execRegion, trampFor func(at uintptr) ([]byte, error), directTarget uintptr) (preEntry, postEntry, trampoline uintptr, err error) {
	base := region.addr
	post := emitPostBridge(cfg, base)
	out := make([]byte, 0, len(post)*3+64)
	out = append(out, post...)
	postEntry = base

	for len(out)%16 != 0 {
		out = append(out, 0xcc)
	}

	continueTo := directTarget
	if trampFor != nil {
		trampoline = base + uintptr(len(out))
		tramp, terr := trampFor(trampoline)
		if terr != nil {
			return 0, 0, 0, terr
		}
		out = append(out, tramp...)
		for len(out)%16 != 0 {
			out = append(out, 0xcc)
		}
		continueTo = trampoline
	}

	preEntry = base + uintptr(len(out))
	pre := emitPreBridge(cfg, preEntry, postEntry, continueTo)
	out = append(out, pre...)

	if len(out) > region.size {
		return 0, 0, 0, errors.Wrapf(ErrBridgeAllocationFailed,
			"bridge needs %d bytes, region has %d", len(out), region.size)
	}
	if err := region.write(out); err != nil {
		return 0, 0, 0, err
	}
	return preEntry, postEntry, trampoline, nil
}
