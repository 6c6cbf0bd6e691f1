package bridgehook

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// maxJumpRange is the reach of a rel32 displacement; regions that must be
// addressable from a patch site are placed within it.
const maxJumpRange = 0x7fff0000

// execRegion is a page-aligned executable allocation holding generated
// bridge code and, for detours, the relocated prologue trampoline.
type execRegion struct {
	addr uintptr
	size int
}

func pageStart(p uintptr) uintptr {
	return p &^ (uintptr(os.Getpagesize()) - 1)
}

func pageSpan(addr uintptr, length int) (uintptr, int) {
	start := pageStart(addr)
	end := pageStart(addr+uintptr(length)-1) + uintptr(os.Getpagesize())
	return start, int(end - start)
}

// allocNear allocates size bytes of writable memory, within ±2 GiB of
// target when target is nonzero.
func allocNear(target uintptr, size int) (*execRegion, error) {
	size = Align(size, os.Getpagesize())
	addr, err := osAllocNear(target, size)
	if err != nil {
		return nil, errors.Wrap(ErrBridgeAllocationFailed, err.Error())
	}
	if target != 0 && distance(addr, target) > maxJumpRange {
		_ = osFree(addr, size)
		return nil, errors.Wrapf(ErrBridgeAllocationFailed,
			"no executable page within ±2GiB of 0x%x", target)
	}
	return &execRegion{addr: addr, size: size}, nil
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

// write copies code into the region while writable, then flips it to RX.
func (r *execRegion) write(code []byte) error {
	if len(code) > r.size {
		return errors.Wrapf(ErrBridgeAllocationFailed,
			"code of %d bytes exceeds region of %d", len(code), r.size)
	}
	copy(makeSliceFromPointer(r.addr, len(code)), code)
	if err := osProtectRX(r.addr, r.size); err != nil {
		return errors.Wrap(ErrProtectionChangeFailed, err.Error())
	}
	return nil
}

func (r *execRegion) free() error {
	if r.addr == 0 {
		return nil
	}
	err := osFree(r.addr, r.size)
	r.addr = 0
	return err
}

// writeCode overwrites live instruction bytes at location. When the patch
// fits one naturally aligned 8-byte word it is issued as a single store so
// concurrent instruction fetch sees either the old or the new bytes, never a
// blend. Larger patches require the caller to quiesce other threads.
func writeCode(location uintptr, data []byte) error {
	start, span := pageSpan(location, len(data))
	if err := osProtectRWX(start, span); err != nil {
		return errors.Wrap(ErrProtectionChangeFailed, err.Error())
	}

	if wordSize == 8 && location%8+uintptr(len(data)) <= 8 {
		aligned := location &^ 7
		word := *(*uint64)(unsafe.Pointer(aligned))
		buf := (*[8]byte)(unsafe.Pointer(&word))
		copy(buf[location-aligned:], data)
		atomic.StoreUint64((*uint64)(unsafe.Pointer(aligned)), word)
	} else {
		copy(makeSliceFromPointer(location, len(data)), data)
	}

	if err := osProtectRX(start, span); err != nil {
		return errors.Wrap(ErrProtectionChangeFailed, err.Error())
	}
	return nil
}
