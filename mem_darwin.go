//go:build darwin

package bridgehook

import (
	"golang.org/x/sys/unix"
)

var regionSlices = map[uintptr][]byte{}

// osAllocNear maps writable pages. Darwin offers no placement hint through
// the portable mmap wrapper; the caller validates rel32 reach and falls back
// to the absolute jump form when the mapping lands far away.
func osAllocNear(target uintptr, size int) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	addr := sliceAddr(b)
	regionSlices[addr] = b
	return addr, nil
}

func osFree(addr uintptr, size int) error {
	if b, ok := regionSlices[addr]; ok {
		delete(regionSlices, addr)
		return unix.Munmap(b)
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
