package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Device memory is little-endian on every backend we target.

func loadElement(b []byte, dtype DType) float64 {
	switch dtype {
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case Int8:
		return float64(int8(b[0]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	}
	return math.NaN()
}

func storeElement(b []byte, dtype DType, v float64) {
	switch dtype {
	case Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case Int8:
		b[0] = byte(int8(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// roundTo rounds v to the precision of dtype.
func roundTo(dtype DType, v float64) float64 {
	switch dtype {
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case Float32:
		return float64(float32(v))
	}
	return v
}

// byteOffset returns the byte offset of coord in an array with byte strides.
func byteOffset(coord, strides []int) int {
	off := 0
	for i, c := range coord {
		off += c * strides[i]
	}
	return off
}

// storeValues writes values, in row-major logical order, into the raw
// memory image of a.
func storeValues(raw []byte, a *Array, values []float64) error {
	if len(values) != a.Size() {
		return fmt.Errorf("device: got %d values for %d elements", len(values), a.Size())
	}
	i := 0
	forEachCoord(a.shape, func(coord []int) {
		storeElement(raw[byteOffset(coord, a.strides):], a.dtype, values[i])
		i++
	})
	return nil
}

// loadValues reads the elements of a, in row-major logical order, from its raw memory image.
func loadValues(raw []byte, a *Array) []float64 {
	out := make([]float64, 0, a.Size())
	forEachCoord(a.shape, func(coord []int) {
		out = append(out, loadElement(raw[byteOffset(coord, a.strides):], a.dtype))
	})
	return out
}

func loadIndices(raw []byte, a *Array) ([]uint32, error) {
	if a.dtype != Uint32 {
		return nil, fmt.Errorf("device: index array has dtype %s, want uint32", a.dtype)
	}
	out := make([]uint32, 0, a.Size())
	forEachCoord(a.shape, func(coord []int) {
		out = append(out, binary.LittleEndian.Uint32(raw[byteOffset(coord, a.strides):]))
	})
	return out, nil
}
