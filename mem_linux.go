//go:build linux

package bridgehook

import (
	"golang.org/x/sys/unix"
)

// osAllocNear maps writable pages, probing hint addresses around target so
// the kernel places the mapping within rel32 reach. The hint is advisory
// (no MAP_FIXED); out-of-range results are unmapped and retried.
func osAllocNear(target uintptr, size int) (uintptr, error) {
	if target == 0 {
		return mmap(0, size)
	}

	step := uintptr(0x1000000)
	for probe := uintptr(1); probe <= 64; probe++ {
		hint := target + probe*step
		if target > probe*step {
			hint = target - probe*step
		}
		addr, err := mmap(pageStart(hint), size)
		if err != nil {
			continue
		}
		if distance(addr, target) <= maxJumpRange {
			return addr, nil
		}
		_ = osFree(addr, size)
	}
	// last resort: let the kernel choose; the caller validates the distance
	return mmap(0, size)
}

func mmap(hint uintptr, size int) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		hint, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func osFree(addr uintptr, size int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func osProtectRX(addr uintptr, size int) error {
	start, span := pageSpan(addr, size)
	return unix.Mprotect(makeSliceFromPointer(start, span), unix.PROT_READ|unix.PROT_EXEC)
}

func osProtectRWX(addr uintptr, size int) error {
	start, span := pageSpan(addr, size)
	return unix.Mprotect(makeSliceFromPointer(start, span), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}
