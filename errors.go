package bridgehook

import (
	"github.com/cockroachdb/errors"
)

// Error kinds surfaced to callers. Test with errors.Is; most call sites
// attach context with errors.Wrapf before returning.
var (
	ErrAlreadyHooked          = errors.New("target is already hooked")
	ErrNotHooked              = errors.New("target is not hooked")
	ErrBridgeAllocationFailed = errors.New("bridge allocation failed")
	ErrPrologueTooShort       = errors.New("prologue too short for patch")
	ErrDecodeFailure          = errors.New("instruction decode failure")
	ErrOutOfRangeRelocation   = errors.New("relocation out of range")
	ErrProtectionChangeFailed = errors.New("page protection change failed")
	ErrUnknownRegister        = errors.New("unknown register")
	ErrUnknownDataType        = errors.New("unknown data type")
	ErrNullAddress            = errors.New("null address")
)

func argIndexError(index, count int) error {
	return errors.Newf("argument index %d out of range (%d arguments)", index, count)
}
