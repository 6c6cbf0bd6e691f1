//go:build windows

package bridgehook

import (
	"golang.org/x/sys/windows"
)

// osAllocNear reserves and commits pages, probing base addresses around
// target so the allocation stays within rel32 reach.
func osAllocNear(target uintptr, size int) (uintptr, error) {
	if target == 0 {
		return windows.VirtualAlloc(0, uintptr(size),
			windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	}

	step := uintptr(0x1000000)
	for probe := uintptr(1); probe <= 64; probe++ {
		hint := target + probe*step
		if target > probe*step {
			hint = target - probe*step
		}
		addr, err := windows.VirtualAlloc(pageStart(hint), uintptr(size),
			windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
		if err == nil && distance(addr, target) <= maxJumpRange {
			return addr, nil
		}
		if err == nil {
			_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		}
	}
	return windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
}

func osFree(addr uintptr, size int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func osProtectRX(addr uintptr, size int) error {
	var old uint32
	start, span := pageSpan(addr, size)
	return windows.VirtualProtect(start, uintptr(span), windows.PAGE_EXECUTE_READ, &old)
}

func osProtectRWX(addr uintptr, size int) error {
	var old uint32
	start, span := pageSpan(addr, size)
	return windows.VirtualProtect(start, uintptr(span), windows.PAGE_EXECUTE_READWRITE, &old)
}
