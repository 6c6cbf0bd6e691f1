package bridgehook

import (
	"runtime"
	"unsafe"
)

const wordSize = int(unsafe.Sizeof(uintptr(0)))

func makeSliceFromPointer(p uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), length)
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// hostMode returns the x86 decode mode of the running process, 32 or 64.
func hostMode() int {
	if runtime.GOARCH == "386" {
		return 32
	}
	return 64
}

// fitsRel32 reports whether target is reachable through the rel32 operand of
// an instruction of insLen bytes starting at from.
func fitsRel32(from uintptr, insLen int, target uintptr) bool {
	delta := int64(target) - int64(from) - int64(insLen)
	return delta >= -0x80000000 && delta <= 0x7fffffff
}

func ptrAt(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p)
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func read32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
