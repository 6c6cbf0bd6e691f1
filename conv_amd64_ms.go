package bridgehook

// MsX64 implements the Microsoft x64 ABI: the first four arguments go to
// RCX/RDX/R8/R9 or XMM0-3 by position, the caller reserves 32 bytes of
// shadow space above the return address, and the stack is caller-clean.
// Aggregates that are not 1, 2, 4 or 8 bytes are passed and returned through
// pointers; an aggregate return consumes RCX as a hidden first argument.
type MsX64 struct {
	conventionBase
	retViaPointer bool
	stackOffsets  []int
}

const msShadowSpace = 32

var msIntRegs = []RegisterType{RCX, RDX, R8, R9}

func msByValue(a DataObject) bool {
	switch a.Size {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// NewMsX64 builds the convention for one signature.
func NewMsX64(args []DataObject, ret DataObject) (*MsX64, error) {
	c := &MsX64{}
	if err := c.initConvention(args, ret, 8); err != nil {
		return nil, err
	}

	slot := 0
	c.retViaPointer = c.ret.Type == Object && !msByValue(c.ret)
	if c.retViaPointer {
		slot++ // hidden return pointer takes the first positional slot
	}

	c.stackSize = 0
	c.registerSize = 0
	c.stackOffsets = make([]int, len(c.args))
	for i := range c.args {
		a := &c.args[i]
		if a.Reg == RegNone && slot < 4 {
			if a.Type.IsFloating() || a.Type.IsVector() {
				a.Reg = vectorRegFor(a.Type, slot)
			} else {
				a.Reg = msIntRegs[slot]
			}
			slot++
		} else if a.Reg != RegNone {
			slot++
		}
		if a.Reg == RegNone {
			c.stackOffsets[i] = c.stackSize
			c.stackSize += a.Size
		} else {
			c.registerSize += a.Size
		}
	}
	return c, nil
}

func (c *MsX64) RegistersToSave() []RegisterType {
	regs := []RegisterType{
		RAX, RBX, RCX, RDX, RSI, RDI, RBP, RSP,
		R8, R9, R10, R11, R12, R13, R14, R15,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5,
	}
	for _, a := range c.args {
		if a.Reg != RegNone && a.Reg.isVector() && a.Reg.Width() > 16 {
			regs = append(regs, a.Reg)
		}
	}
	if c.ret.Type == M256 {
		regs = append(regs, YMM0)
	}
	if c.ret.Type == M512 {
		regs = append(regs, ZMM0)
	}
	return regs
}

func (c *MsX64) StackArgumentBase(regs *Registers) uintptr {
	sp, _ := regs.Uintptr(RSP)
	return sp + uintptr(wordSize)
}

func (c *MsX64) ArgumentPtr(index int, regs *Registers) (uintptr, error) {
	if index < 0 || index >= len(c.args) {
		return 0, argIndexError(index, len(c.args))
	}
	a := c.args[index]
	if a.Reg != RegNone {
		return regs.Slot(a.Reg)
	}
	// stack arguments start past the 32-byte shadow space
	return c.StackArgumentBase(regs) + msShadowSpace + uintptr(c.stackOffsets[index]), nil
}

func (c *MsX64) ReturnPtr(regs *Registers) uintptr {
	if c.retViaPointer {
		// on entry the hidden pointer rides in RCX; by the time the post
		// snapshot is taken the callee has clobbered RCX and handed the
		// same address back in RAX
		reg := RCX
		if regs.InPostStage() {
			reg = RAX
		}
		p, _ := regs.Uintptr(reg)
		return p
	}
	var slot RegisterType
	switch {
	case c.ret.Type == M256:
		slot = YMM0
	case c.ret.Type == M512:
		slot = ZMM0
	case c.ret.Type.IsFloating() || c.ret.Type.IsVector():
		slot = XMM0
	default:
		slot = RAX
	}
	p, _ := regs.Slot(slot)
	return p
}

func (c *MsX64) OnArgumentChanged(int, *Registers, uintptr) {}

// OnReturnChanged keeps RAX pointing at the aggregate after a restore
// rewrote the buffer in place.
func (c *MsX64) OnReturnChanged(regs *Registers, ptr uintptr) {
	if c.retViaPointer {
		_ = regs.SetUintptr(RAX, c.ReturnPtr(regs))
	}
}

func (c *MsX64) PopSize() int { return 0 }

func (c *MsX64) SaveReturnValue(regs *Registers)      { c.saveReturn(c, regs) }
func (c *MsX64) RestoreReturnValue(regs *Registers)   { c.restoreReturn(c, regs) }
func (c *MsX64) SaveCallArguments(regs *Registers)    { c.saveArguments(c, regs) }
func (c *MsX64) RestoreCallArguments(regs *Registers) { c.restoreArguments(c, regs) }
