package redux

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxAxes is the number of axes an AxisMask can address.
const MaxAxes = 8

// AxisMask is a bit set of the axes to reduce: bit i set means axis i is reduced.
type AxisMask uint32

// Axes builds a mask from axis indices.
func Axes(axes ...int) AxisMask {
	var m AxisMask
	for _, a := range axes {
		m |= 1 << uint(a)
	}
	return m
}

// AllAxes returns the mask that reduces every axis of a rank-n array.
func AllAxes(n int) AxisMask {
	return AxisMask(1)<<uint(n) - 1
}

func (m AxisMask) Has(axis int) bool { return m&(1<<uint(axis)) != 0 }
func (m AxisMask) Count() int        { return bits.OnesCount32(uint32(m)) }

// Validate checks that the mask only names axes of a rank-n array.
func (m AxisMask) Validate(rank int) error {
	if high := bits.Len32(uint32(m)); high > MaxAxes {
		return fmt.Errorf("axis %d exceeds the maximum of %d axes", high-1, MaxAxes)
	}
	if high := bits.Len32(uint32(m)); high > rank {
		return fmt.Errorf("axis %d out of range for rank %d", high-1, rank)
	}
	return nil
}

// OutputShape keeps the dimensions of the unmasked axes, in order.
func (m AxisMask) OutputShape(shape []int) []int {
	out := make([]int, 0, len(shape))
	for i, d := range shape {
		if !m.Has(i) {
			out = append(out, d)
		}
	}
	return out
}

// ReducedCount is the number of input elements combined into each output.
func (m AxisMask) ReducedCount(shape []int) uint64 {
	n := uint64(1)
	for i, d := range shape {
		if m.Has(i) {
			n *= uint64(d)
		}
	}
	return n
}

func (m AxisMask) String() string {
	var axes []string
	for i := 0; i < 32; i++ {
		if m.Has(i) {
			axes = append(axes, fmt.Sprint(i))
		}
	}
	return "{" + strings.Join(axes, ",") + "}"
}
