package bridgehook

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// CallingConvention maps argument and return descriptors onto the concrete
// register and stack layout of one platform ABI. Implementations are owned
// exclusively by the hook they were handed to.
type CallingConvention interface {
	// RegistersToSave lists the registers the bridge must persist, in save
	// order. The stack pointer is always part of the list.
	RegistersToSave() []RegisterType

	// StackArgumentBase is the address just past the return address on the
	// stack captured in the snapshot.
	StackArgumentBase(regs *Registers) uintptr

	// ArgumentPtr returns the address where argument index lives, either a
	// snapshot slot or a stack location.
	ArgumentPtr(index int, regs *Registers) (uintptr, error)

	// ReturnPtr returns the address of the return slot.
	ReturnPtr(regs *Registers) uintptr

	// OnArgumentChanged and OnReturnChanged run after a callback rewrote a
	// value through the pointer; ABIs that pass aggregates by hidden pointer
	// use them to propagate the write.
	OnArgumentChanged(index int, regs *Registers, ptr uintptr)
	OnReturnChanged(regs *Registers, ptr uintptr)

	// PopSize is the number of argument bytes the callee removes from the
	// stack on return; nonzero only for callee-clean conventions.
	PopSize() int

	Arguments() []DataObject
	Return() DataObject
	Alignment() int

	// ArgStackSize and ArgRegisterSize are the cached byte totals of stack-
	// resident and register-resident arguments.
	ArgStackSize() int
	ArgRegisterSize() int

	SaveReturnValue(regs *Registers)
	RestoreReturnValue(regs *Registers)
	SaveCallArguments(regs *Registers)
	RestoreCallArguments(regs *Registers)
}

// threadBuffers holds the LIFO save stacks of one OS thread. The stacks
// mirror the nesting of original() invocations on that thread; they are
// never shared across threads.
type threadBuffers struct {
	rets [][]byte
	args [][]byte
}

// conventionBase carries the descriptor bookkeeping and the save/restore
// machinery shared by every built-in convention.
type conventionBase struct {
	args      []DataObject
	ret       DataObject
	alignment int

	stackSize    int
	registerSize int

	mu      sync.Mutex
	threads map[uint64]*threadBuffers
}

// initConvention resolves descriptor sizes and caches the stack/register
// byte totals. Descriptor registers must already be assigned by the caller.
func (c *conventionBase) initConvention(args []DataObject, ret DataObject, alignment int) error {
	c.args = args
	c.ret = ret
	c.alignment = alignment
	c.threads = make(map[uint64]*threadBuffers)

	c.stackSize = 0
	c.registerSize = 0
	for i := range c.args {
		if err := c.args[i].resolveSize(alignment); err != nil {
			return err
		}
		if c.args[i].Reg == RegNone {
			c.stackSize += c.args[i].Size
		} else {
			c.registerSize += c.args[i].Size
		}
	}
	return c.ret.resolveSize(alignment)
}

func (c *conventionBase) Arguments() []DataObject { return c.args }
func (c *conventionBase) Return() DataObject      { return c.ret }
func (c *conventionBase) Alignment() int          { return c.alignment }
func (c *conventionBase) ArgStackSize() int       { return c.stackSize }
func (c *conventionBase) ArgRegisterSize() int    { return c.registerSize }

func (c *conventionBase) buffers() *threadBuffers {
	tid := threadID()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.threads[tid]
	if !ok {
		b = &threadBuffers{}
		c.threads[tid] = b
	}
	return b
}

// bufferDepth reports the current thread's saved-argument stack depth.
func (c *conventionBase) bufferDepth() int {
	return len(c.buffers().args)
}

// saveReturn copies the return slot into a fresh buffer and pushes it on the
// current thread's return stack.
func (c *conventionBase) saveReturn(conv CallingConvention, regs *Registers) {
	buf := make([]byte, c.ret.Size)
	copy(buf, makeSliceFromPointer(conv.ReturnPtr(regs), c.ret.Size))
	b := c.buffers()
	b.rets = append(b.rets, buf)
}

// restoreReturn pops the return stack and writes the buffer back. An empty
// stack is a library bug, never a user error.
func (c *conventionBase) restoreReturn(conv CallingConvention, regs *Registers) {
	b := c.buffers()
	if len(b.rets) == 0 {
		panic(errors.AssertionFailedf("saved-return stack empty on restore"))
	}
	buf := b.rets[len(b.rets)-1]
	b.rets = b.rets[:len(b.rets)-1]
	copy(makeSliceFromPointer(conv.ReturnPtr(regs), c.ret.Size), buf)
	conv.OnReturnChanged(regs, uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// saveArguments serializes all arguments in declaration order, each at its
// aligned size, into one buffer pushed on the current thread's stack.
func (c *conventionBase) saveArguments(conv CallingConvention, regs *Registers) {
	buf := make([]byte, c.stackSize+c.registerSize)
	off := 0
	for i := range c.args {
		size := c.args[i].Size
		p, err := conv.ArgumentPtr(i, regs)
		if err == nil {
			copy(buf[off:off+size], makeSliceFromPointer(p, size))
		}
		off += size
	}
	b := c.buffers()
	b.args = append(b.args, buf)
}

func (c *conventionBase) restoreArguments(conv CallingConvention, regs *Registers) {
	b := c.buffers()
	if len(b.args) == 0 {
		panic(errors.AssertionFailedf("saved-argument stack empty on restore"))
	}
	buf := b.args[len(b.args)-1]
	b.args = b.args[:len(b.args)-1]
	off := 0
	for i := range c.args {
		size := c.args[i].Size
		p, err := conv.ArgumentPtr(i, regs)
		if err == nil {
			copy(makeSliceFromPointer(p, size), buf[off:off+size])
		}
		off += size
	}
}

// vectorRegFor picks the vector register class matching the descriptor
// width for an xmm slot index.
func vectorRegFor(t DataType, slot int) RegisterType {
	switch t {
	case M256:
		return YMM0 + RegisterType(slot)
	case M512:
		return ZMM0 + RegisterType(slot)
	default:
		return XMM0 + RegisterType(slot)
	}
}
