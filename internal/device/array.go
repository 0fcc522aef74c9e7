package device

import (
	"fmt"
	"math"
	"slices"
)

// Order selects the memory layout of a freshly allocated array.
type Order int

const (
	// COrder is row-major: the last axis varies fastest.
	COrder Order = iota
	// FOrder is column-major: the first axis varies fastest.
	FOrder
)

// Array is a dense multi-dimensional array resident in device memory.
// Shape and strides are fixed at construction; strides are in bytes.
// Accessors hand out copies, so callers can never alter the metadata.
type Array struct {
	buf     Buffer
	owner   Allocator
	dtype   DType
	shape   []int
	strides []int
}

// NewArray wraps buf as an array of the given shape and byte strides.
// owner, if non-nil, receives the buffer back on Release.
func NewArray(buf Buffer, owner Allocator, dtype DType, shape, strides []int) (*Array, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("device: invalid dtype %s", dtype)
	}
	if len(shape) != len(strides) {
		return nil, fmt.Errorf("device: shape %v and strides %v differ in rank", shape, strides)
	}
	if _, err := ElemCount(shape); err != nil {
		return nil, err
	}
	extent := dtype.Size()
	for i, d := range shape {
		s := strides[i]
		if s < 0 {
			return nil, fmt.Errorf("device: negative stride %d on axis %d", s, i)
		}
		if s > 0 && d-1 > (math.MaxInt-extent)/s {
			return nil, fmt.Errorf("%w: shape %v with strides %v", ErrSizeOverflow, shape, strides)
		}
		extent += (d - 1) * s
	}
	if buf == nil || buf.Len() < extent {
		return nil, fmt.Errorf("device: buffer too small for shape %v (need %d bytes)", shape, extent)
	}
	return &Array{
		buf:     buf,
		owner:   owner,
		dtype:   dtype,
		shape:   slices.Clone(shape),
		strides: slices.Clone(strides),
	}, nil
}

// ElemCount returns the number of elements of shape (1 for a scalar).
// Every dimension must be positive and the count must fit an int.
func ElemCount(shape []int) (int, error) {
	n := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("device: dimension %d of shape %v is not positive", i, shape)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: shape %v", ErrSizeOverflow, shape)
		}
		n *= d
	}
	return n, nil
}

// ByteSize returns the size in bytes of a dense array of shape and dtype.
func ByteSize(shape []int, dtype DType) (int, error) {
	if dtype.Size() == 0 {
		return 0, fmt.Errorf("device: invalid dtype %s", dtype)
	}
	n, err := ElemCount(shape)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt/dtype.Size() {
		return 0, fmt.Errorf("%w: shape %v of %s", ErrSizeOverflow, shape, dtype)
	}
	return n * dtype.Size(), nil
}

// RowMajorStrides returns the byte strides of a C-ordered array.
func RowMajorStrides(shape []int, elemSize int) []int {
	strides := make([]int, len(shape))
	acc := elemSize
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// ColMajorStrides returns the byte strides of a Fortran-ordered array.
func ColMajorStrides(shape []int, elemSize int) []int {
	strides := make([]int, len(shape))
	acc := elemSize
	for i := range shape {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (a *Array) DType() DType   { return a.dtype }
func (a *Array) Rank() int      { return len(a.shape) }
func (a *Array) Shape() []int   { return slices.Clone(a.shape) }
func (a *Array) Strides() []int { return slices.Clone(a.strides) }
func (a *Array) Dim(i int) int  { return a.shape[i] }
func (a *Array) Buffer() Buffer { return a.buf }

// Stride returns the byte stride of axis i.
func (a *Array) Stride(i int) int { return a.strides[i] }

// Size returns the number of elements (1 for a rank-0 array).
func (a *Array) Size() int {
	n := 1
	for _, d := range a.shape {
		n *= d
	}
	return n
}

// IsCContiguous reports whether the array is laid out densely in row-major
// order. Axes of size 1 are ignored since their stride is never used.
func (a *Array) IsCContiguous() bool {
	expected := a.dtype.Size()
	for i := len(a.shape) - 1; i >= 0; i-- {
		if a.shape[i] == 1 {
			continue
		}
		if a.strides[i] != expected {
			return false
		}
		expected *= a.shape[i]
	}
	return true
}

// Release hands the backing buffer back to its allocator. Safe to call twice.
func (a *Array) Release() {
	if a.buf != nil && a.owner != nil {
		a.owner.Release(a.buf)
	}
	a.buf = nil
}

func (a *Array) String() string {
	return fmt.Sprintf("Array(%s, shape=%v, strides=%v)", a.dtype, a.shape, a.strides)
}

// forEachCoord visits every coordinate of dims in row-major order.
// The coord slice is reused between calls.
func forEachCoord(dims []int, fn func(coord []int)) {
	for _, d := range dims {
		if d <= 0 {
			return
		}
	}
	coord := make([]int, len(dims))
	for {
		fn(coord)
		i := len(dims) - 1
		for ; i >= 0; i-- {
			coord[i]++
			if coord[i] < dims[i] {
				break
			}
			coord[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
