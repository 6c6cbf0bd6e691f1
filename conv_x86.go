package bridgehook

// The 32-bit conventions share one layout engine; they differ in which
// leading arguments ride in ECX/EDX and in who cleans the stack.

type x86CleanupBy uint8

const (
	callerCleans x86CleanupBy = iota
	calleeCleans
)

type x86Conv struct {
	conventionBase
	name          string
	cleanup       x86CleanupBy
	retViaPointer bool
	stackOffsets  []int
}

var x86RegArgs = []RegisterType{ECX, EDX}

// x86RegEligible reports whether an argument may ride in a 32-bit register
// argument slot.
func x86RegEligible(a DataObject) bool {
	if a.Type.IsFloating() || a.Type.IsVector() {
		return false
	}
	return a.Size <= 4
}

func newX86Conv(name string, args []DataObject, ret DataObject, cleanup x86CleanupBy, regArgs int) (*x86Conv, error) {
	c := &x86Conv{name: name, cleanup: cleanup}
	// pointers are 4 bytes under the 32-bit ABIs whatever the host word size
	for i := range args {
		if args[i].Size == 0 && (args[i].Type == Pointer || args[i].Type == String) {
			args[i].Size = 4
		}
	}
	if ret.Size == 0 && (ret.Type == Pointer || ret.Type == String) {
		ret.Size = 4
	}
	if err := c.initConvention(args, ret, 4); err != nil {
		return nil, err
	}

	c.retViaPointer = c.ret.Type == Object && c.ret.Size > 8

	slot := 0
	c.stackSize = 0
	c.registerSize = 0
	c.stackOffsets = make([]int, len(c.args))
	if c.retViaPointer {
		// hidden return pointer is the first stack argument
		c.stackSize += 4
	}
	for i := range c.args {
		a := &c.args[i]
		if a.Reg == RegNone && slot < regArgs && x86RegEligible(*a) {
			a.Reg = x86RegArgs[slot]
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

// NewCdecl builds the caller-clean all-stack 32-bit convention.
func NewCdecl(args []DataObject, ret DataObject) (*x86Conv, error) {
	return newX86Conv("cdecl", args, ret, callerCleans, 0)
}

// NewStdcall builds the callee-clean all-stack 32-bit convention.
func NewStdcall(args []DataObject, ret DataObject) (*x86Conv, error) {
	return newX86Conv("stdcall", args, ret, calleeCleans, 0)
}

// NewThiscall builds the MSVC member-function convention: this in ECX, the
// rest on the stack, callee-clean.
func NewThiscall(args []DataObject, ret DataObject) (*x86Conv, error) {
	return newX86Conv("thiscall", args, ret, calleeCleans, 1)
}

// NewFastcall builds the convention with the first two eligible integer
// arguments in ECX and EDX, callee-clean.
func NewFastcall(args []DataObject, ret DataObject) (*x86Conv, error) {
	return newX86Conv("fastcall", args, ret, calleeCleans, 2)
}

func (c *x86Conv) Name() string { return c.name }

func (c *x86Conv) RegistersToSave() []RegisterType {
	return []RegisterType{EAX, EBX, ECX, EDX, ESI, EDI, EBP, ESP, XMM0, XMM1}
}

func (c *x86Conv) StackArgumentBase(regs *Registers) uintptr {
	sp, _ := regs.Uintptr(ESP)
	return sp + 4
}

func (c *x86Conv) ArgumentPtr(index int, regs *Registers) (uintptr, error) {
	if index < 0 || index >= len(c.args) {
		return 0, argIndexError(index, len(c.args))
	}
	a := c.args[index]
	if a.Reg != RegNone {
		return regs.Slot(a.Reg)
	}
	return c.StackArgumentBase(regs) + uintptr(c.stackOffsets[index]), nil
}

func (c *x86Conv) ReturnPtr(regs *Registers) uintptr {
	if c.retViaPointer {
		base := c.StackArgumentBase(regs)
		return uintptr(*(*uint32)(ptrAt(base)))
	}
	if c.ret.Type.IsFloating() || c.ret.Type.IsVector() {
		p, _ := regs.Slot(XMM0)
		return p
	}
	p, _ := regs.Slot(EAX)
	return p
}

func (c *x86Conv) OnArgumentChanged(int, *Registers, uintptr) {}

// OnReturnChanged keeps EAX pointing at the hidden aggregate buffer.
func (c *x86Conv) OnReturnChanged(regs *Registers, ptr uintptr) {
	if c.retViaPointer {
		_ = regs.SetUintptr(EAX, c.ReturnPtr(regs))
	}
}

// PopSize covers the declared stack arguments plus the hidden return pointer
// for the callee-clean conventions.
func (c *x86Conv) PopSize() int {
	if c.cleanup == calleeCleans {
		return c.stackSize
	}
	return 0
}

func (c *x86Conv) SaveReturnValue(regs *Registers)      { c.saveReturn(c, regs) }
func (c *x86Conv) RestoreReturnValue(regs *Registers)   { c.restoreReturn(c, regs) }
func (c *x86Conv) SaveCallArguments(regs *Registers)    { c.saveArguments(c, regs) }
func (c *x86Conv) RestoreCallArguments(regs *Registers) { c.restoreArguments(c, regs) }
