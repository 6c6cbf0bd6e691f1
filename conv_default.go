package bridgehook

import (
	"runtime"
)

// NewDefaultConvention builds the running platform's native convention for
// a signature: System V AMD64 on 64-bit unix hosts, Microsoft x64 on 64-bit
// Windows, cdecl on 32-bit.
func NewDefaultConvention(args []DataObject, ret DataObject) (CallingConvention, error) {
	if hostMode() == 32 {
		return NewCdecl(args, ret)
	}
	if runtime.GOOS == "windows" {
		return NewMsX64(args, ret)
	}
	return NewSysVAmd64(args, ret)
}
