package device

import "fmt"

// DType is the element type of an array.
type DType int

const (
	InvalidDType DType = iota
	Float16
	Float32
	Float64
	Int8
	Int32
	Int64
	Uint32
)

// Size returns the byte size of one element, or 0 for InvalidDType.
func (d DType) Size() int {
	switch d {
	case Int8:
		return 1
	case Float16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}
