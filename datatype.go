package bridgehook

import (
	"runtime"

	"github.com/cockroachdb/errors"
)

// DataType identifies the scalar or object class of one argument or of the
// return slot of a hooked function.
type DataType uint8

const (
	Void DataType = iota
	Bool
	Char
	UChar
	Short
	UShort
	Int
	UInt
	Long
	ULong
	LongLong
	ULongLong
	Float
	Double
	Pointer
	String
	M128
	M256
	M512
	Object
)

var dataTypeNames = [...]string{
	"void", "bool", "char", "uchar", "short", "ushort", "int", "uint",
	"long", "ulong", "longlong", "ulonglong", "float", "double",
	"pointer", "string", "m128", "m256", "m512", "object",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return "invalid"
}

// IsFloating reports whether the type is passed in a vector register on ABIs
// where that is mandatory.
func (t DataType) IsFloating() bool {
	return t == Float || t == Double
}

// IsVector reports whether the type is a homogeneous vector aggregate.
func (t DataType) IsVector() bool {
	return t == M128 || t == M256 || t == M512
}

// rawSize is the unaligned byte count of the type. The C long is 4 bytes on
// Windows and 32-bit targets, pointer-sized elsewhere.
func (t DataType) rawSize() (int, error) {
	switch t {
	case Void:
		return 0, nil
	case Bool, Char, UChar:
		return 1, nil
	case Short, UShort:
		return 2, nil
	case Int, UInt, Float:
		return 4, nil
	case Long, ULong:
		if runtime.GOOS == "windows" || wordSize == 4 {
			return 4, nil
		}
		return wordSize, nil
	case LongLong, ULongLong, Double:
		return 8, nil
	case Pointer, String:
		return wordSize, nil
	case M128:
		return 16, nil
	case M256:
		return 32, nil
	case M512:
		return 64, nil
	case Object:
		// size must be provided by the descriptor
		return 0, nil
	}
	return 0, errors.Wrapf(ErrUnknownDataType, "type %d", uint8(t))
}

// Align rounds size up to the next multiple of alignment.
func Align(size, alignment int) int {
	unaligned := size % alignment
	if unaligned == 0 {
		return size
	}
	return size + alignment - unaligned
}

// DataObject describes one argument or the return slot: its type, the
// register it resides in (RegNone for stack residents) and its aligned size.
// A zero Size at construction means "infer from type and alignment".
type DataObject struct {
	Type DataType
	Reg  RegisterType
	Size int
}

// Arg builds a descriptor with register and size left for the convention to
// assign during init.
func Arg(t DataType) DataObject {
	return DataObject{Type: t}
}

// ArgReg builds a descriptor pinned to an explicit register.
func ArgReg(t DataType, reg RegisterType) DataObject {
	return DataObject{Type: t, Reg: reg}
}

// ObjectArg builds an aggregate descriptor of an explicit byte size.
func ObjectArg(size int) DataObject {
	return DataObject{Type: Object, Size: size}
}

// resolveSize fills in Size from the type and alignment rule when it was left
// zero at construction.
func (d *DataObject) resolveSize(alignment int) error {
	if d.Size != 0 {
		d.Size = Align(d.Size, alignment)
		return nil
	}
	raw, err := d.Type.rawSize()
	if err != nil {
		return err
	}
	d.Size = Align(raw, alignment)
	return nil
}
