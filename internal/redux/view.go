package redux

import (
	"fmt"

	"github.com/23skdu/longbow-redux/internal/device"
)

// View is the metadata a tensor descriptor is built from: element type,
// per-axis size and per-axis stride in bytes. It is a plain value, so
// building one never touches the array it describes.
type View struct {
	DType   device.DType
	Dims    []int
	Strides []int
}

// ViewOf describes an array as it is.
func ViewOf(a *device.Array) View {
	return View{DType: a.DType(), Dims: a.Shape(), Strides: a.Strides()}
}

// ReducedView describes out at the rank of in, the form the reduction
// primitive expects: masked axes have size 1 and stride 0, every other axis
// keeps the input's size and takes out's stride at the matching compacted
// position.
func ReducedView(in, out *device.Array, mask AxisMask) View {
	n := in.Rank()
	v := View{
		DType:   out.DType(),
		Dims:    make([]int, n),
		Strides: make([]int, n),
	}
	p := 0
	for i := 0; i < n; i++ {
		if mask.Has(i) {
			v.Dims[i] = 1
			v.Strides[i] = 0
			continue
		}
		v.Dims[i] = in.Dim(i)
		v.Strides[i] = out.Stride(p)
		p++
	}
	return v
}

// Layout converts the view to descriptor form. Byte strides become element
// strides; axes of size 1 or stride 0 get the row-major default stride and
// their byte stride is not inspected;
// views below the primitive's minimum rank are padded with trailing
// size-1 axes.
func (v View) Layout(caps device.Capabilities) (device.TensorLayout, error) {
	n := len(v.Dims)
	if n > caps.MaxRank {
		return device.TensorLayout{}, fmt.Errorf("rank %d exceeds the maximum of %d", n, caps.MaxRank)
	}
	if len(v.Strides) != n {
		return device.TensorLayout{}, fmt.Errorf("%d strides for %d dimensions", len(v.Strides), n)
	}
	ds := v.DType.Size()
	if ds == 0 {
		return device.TensorLayout{}, fmt.Errorf("unsupported dtype %s", v.DType)
	}

	rank := max(n, caps.MinRank)
	l := device.TensorLayout{
		DType:   v.DType,
		Dims:    make([]int, rank),
		Strides: make([]int, rank),
	}
	def := 1
	for i := n - 1; i >= 0; i-- {
		d, s := v.Dims[i], v.Strides[i]
		if d != 1 && s != 0 {
			if s%ds != 0 {
				return device.TensorLayout{}, fmt.Errorf("stride %d on axis %d is not a multiple of the element size %d", s, i, ds)
			}
			l.Strides[i] = s / ds
		} else {
			l.Strides[i] = def
		}
		l.Dims[i] = d
		def *= d
	}
	for i := n; i < rank; i++ {
		l.Dims[i] = 1
		l.Strides[i] = 1
	}
	return l, nil
}
