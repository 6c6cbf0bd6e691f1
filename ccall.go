package bridgehook

/*
typedef int (*bridgehook_ii_fn)(int, int);
typedef void* (*bridgehook_vp_fn)(void*);

static int bridgehook_call_ii(void* p, int a, int b) {
	return ((bridgehook_ii_fn)p)(a, b);
}

static void* bridgehook_call_vp(void* p, void* a) {
	return ((bridgehook_vp_fn)p)(a);
}
*/
import "C"

import (
	"unsafe"
)

// callBinaryIntFunc invokes a native (int, int) -> int function through the
// platform C ABI. Exercising a hooked target from Go requires a C call
// frame; Go's own calling convention never reaches the patched prologue the
// way a native caller does.
func callBinaryIntFunc(addr uintptr, a, b int32) int32 {
	return int32(C.bridgehook_call_ii(unsafe.Pointer(addr), C.int(a), C.int(b)))
}

// callPointerFunc invokes a native (void*) -> void* function, the shape of a
// single-argument virtual method.
func callPointerFunc(addr, arg uintptr) uintptr {
	return uintptr(C.bridgehook_call_vp(unsafe.Pointer(addr), unsafe.Pointer(arg)))
}
