package bridgehook

// SysVAmd64 implements the System V AMD64 ABI: integer arguments in
// RDI/RSI/RDX/RCX/R8/R9, floating and vector arguments in XMM0-7, no shadow
// space, caller-clean stack. Aggregates larger than 16 bytes go to the
// stack; aggregate returns larger than 16 bytes use a hidden pointer in RDI.
type SysVAmd64 struct {
	conventionBase
	retViaPointer bool
	stackOffsets  []int
}

var sysvIntRegs = []RegisterType{RDI, RSI, RDX, RCX, R8, R9}

// NewSysVAmd64 builds the convention for one signature. Descriptors with a
// preset register are honored; the rest are assigned per the ABI.
func NewSysVAmd64(args []DataObject, ret DataObject) (*SysVAmd64, error) {
	c := &SysVAmd64{}
	if err := c.initConvention(args, ret, 8); err != nil {
		return nil, err
	}

	intSlot, vecSlot := 0, 0
	c.retViaPointer = c.ret.Type == Object && c.ret.Size > 16
	if c.retViaPointer {
		// hidden return pointer consumes the first integer register
		intSlot++
	}

	// reg assignment runs before stack layout so stack offsets only count
	// stack residents
	c.stackSize = 0
	c.registerSize = 0
	c.stackOffsets = make([]int, len(c.args))
	for i := range c.args {
		a := &c.args[i]
		if a.Reg == RegNone {
			switch {
			case a.Type.IsFloating() || a.Type.IsVector():
				if vecSlot < 8 {
					a.Reg = vectorRegFor(a.Type, vecSlot)
					vecSlot++
				}
			case a.Type == Object && a.Size > 16:
				// memory class, stays on the stack
			default:
				if intSlot < len(sysvIntRegs) {
					a.Reg = sysvIntRegs[intSlot]
					intSlot++
				}
			}
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

func (c *SysVAmd64) RegistersToSave() []RegisterType {
	regs := []RegisterType{
		RAX, RBX, RCX, RDX, RSI, RDI, RBP, RSP,
		R8, R9, R10, R11, R12, R13, R14, R15,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
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

func (c *SysVAmd64) StackArgumentBase(regs *Registers) uintptr {
	sp, _ := regs.Uintptr(RSP)
	return sp + uintptr(wordSize)
}

func (c *SysVAmd64) ArgumentPtr(index int, regs *Registers) (uintptr, error) {
	if index < 0 || index >= len(c.args) {
		return 0, argIndexError(index, len(c.args))
	}
	a := c.args[index]
	if a.Reg != RegNone {
		return regs.Slot(a.Reg)
	}
	return c.StackArgumentBase(regs) + uintptr(c.stackOffsets[index]), nil
}

func (c *SysVAmd64) ReturnPtr(regs *Registers) uintptr {
	if c.retViaPointer {
		// on entry the hidden pointer rides in RDI; by the time the post
		// snapshot is taken the callee has clobbered RDI and handed the
		// same address back in RAX
		reg := RDI
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

func (c *SysVAmd64) OnArgumentChanged(int, *Registers, uintptr) {}

// OnReturnChanged keeps RAX pointing at the aggregate; the ABI hands the
// hidden pointer back to the caller there.
func (c *SysVAmd64) OnReturnChanged(regs *Registers, ptr uintptr) {
	if c.retViaPointer {
		_ = regs.SetUintptr(RAX, c.ReturnPtr(regs))
	}
}

func (c *SysVAmd64) PopSize() int { return 0 }

func (c *SysVAmd64) SaveReturnValue(regs *Registers)      { c.saveReturn(c, regs) }
func (c *SysVAmd64) RestoreReturnValue(regs *Registers)   { c.restoreReturn(c, regs) }
func (c *SysVAmd64) SaveCallArguments(regs *Registers)    { c.saveArguments(c, regs) }
func (c *SysVAmd64) RestoreCallArguments(regs *Registers) { c.restoreArguments(c, regs) }
