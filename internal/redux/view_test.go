package redux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-redux/internal/device"
)

func TestView_Layout(t *testing.T) {
	caps := device.CUDNNCapabilities

	tests := []struct {
		name        string
		view        View
		wantDims    []int
		wantStrides []int
	}{
		{
			name:        "rank 3 float32",
			view:        View{DType: device.Float32, Dims: []int{4, 3, 5}, Strides: []int{60, 20, 4}},
			wantDims:    []int{4, 3, 5},
			wantStrides: []int{15, 5, 1},
		},
		{
			name:        "padded to minimum rank",
			view:        View{DType: device.Float64, Dims: []int{4}, Strides: []int{8}},
			wantDims:    []int{4, 1, 1},
			wantStrides: []int{1, 1, 1},
		},
		{
			name:        "scalar",
			view:        View{DType: device.Float16},
			wantDims:    []int{1, 1, 1},
			wantStrides: []int{1, 1, 1},
		},
		{
			name:        "reduced axes get default strides",
			view:        View{DType: device.Float32, Dims: []int{4, 1, 5}, Strides: []int{20, 0, 4}},
			wantDims:    []int{4, 1, 5},
			wantStrides: []int{5, 5, 1},
		},
		{
			name:        "stride of size-1 axis is ignored",
			view:        View{DType: device.Float32, Dims: []int{2, 1, 3}, Strides: []int{12, 5, 4}},
			wantDims:    []int{2, 1, 3},
			wantStrides: []int{3, 3, 1},
		},
		{
			name:        "rank 5",
			view:        View{DType: device.Float16, Dims: []int{2, 1, 3, 1, 2}, Strides: []int{12, 0, 4, 0, 2}},
			wantDims:    []int{2, 1, 3, 1, 2},
			wantStrides: []int{6, 6, 2, 2, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := tt.view.Layout(caps)
			require.NoError(t, err)
			assert.Equal(t, tt.view.DType, l.DType)
			assert.Equal(t, tt.wantDims, l.Dims)
			assert.Equal(t, tt.wantStrides, l.Strides)
		})
	}
}

func TestView_LayoutErrors(t *testing.T) {
	caps := device.CUDNNCapabilities

	_, err := View{DType: device.Float32, Dims: make([]int, 9), Strides: make([]int, 9)}.Layout(caps)
	assert.Error(t, err)

	_, err = View{DType: device.Float32, Dims: []int{2, 2}, Strides: []int{8}}.Layout(caps)
	assert.Error(t, err)

	_, err = View{DType: device.Float32, Dims: []int{2}, Strides: []int{6}}.Layout(caps)
	assert.Error(t, err)

	_, err = View{DType: device.InvalidDType, Dims: []int{2}, Strides: []int{4}}.Layout(caps)
	assert.Error(t, err)
}

func TestReducedView(t *testing.T) {
	h := device.NewHost()
	ctx := context.Background()

	in, err := h.NewArray(ctx, []int{4, 3, 5}, device.Float32, device.COrder)
	require.NoError(t, err)
	defer in.Release()
	out, err := h.NewArray(ctx, []int{4, 5}, device.Float32, device.COrder)
	require.NoError(t, err)
	defer out.Release()

	v := ReducedView(in, out, Axes(1))
	assert.Equal(t, []int{4, 1, 5}, v.Dims)
	assert.Equal(t, []int{20, 0, 4}, v.Strides)

	// Building the view leaves the output's own metadata alone.
	assert.Equal(t, []int{4, 5}, out.Shape())
	assert.Equal(t, []int{20, 4}, out.Strides())

	l, err := v.Layout(device.CUDNNCapabilities)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5, 1}, l.Strides)
}

func TestReducedView_AllAxes(t *testing.T) {
	h := device.NewHost()
	ctx := context.Background()

	in, err := h.NewArray(ctx, []int{2, 2}, device.Float64, device.COrder)
	require.NoError(t, err)
	defer in.Release()
	out, err := h.NewArray(ctx, []int{}, device.Float64, device.COrder)
	require.NoError(t, err)
	defer out.Release()

	v := ReducedView(in, out, AllAxes(2))
	assert.Equal(t, []int{1, 1}, v.Dims)
	assert.Equal(t, []int{0, 0}, v.Strides)
}

func TestTensorDescriptor_LayoutErrorIsArgument(t *testing.T) {
	td, err := NewTensorDescriptor(device.NewHostReducer(), "inp")
	require.NoError(t, err)
	defer td.Destroy()

	err = td.Configure(View{DType: device.Float32, Dims: []int{2}, Strides: []int{6}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArgument)
	assert.NotErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "could not set tensorNd descriptor (inp)")
	assert.Equal(t, device.TensorLayout{}, td.Layout(), "a rejected view leaves the descriptor unchanged")
}
