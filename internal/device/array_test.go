package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArray_Strides(t *testing.T) {
	assert.Equal(t, []int{60, 20, 4}, RowMajorStrides([]int{4, 3, 5}, 4))
	assert.Equal(t, []int{4, 16, 48}, ColMajorStrides([]int{4, 3, 5}, 4))
	assert.Empty(t, RowMajorStrides(nil, 4))
}

func TestArray_IsCContiguous(t *testing.T) {
	h := NewHost()
	buf, err := h.Alloc(context.Background(), 256)
	require.NoError(t, err)
	defer h.Release(buf)

	tests := []struct {
		name    string
		shape   []int
		strides []int
		want    bool
	}{
		{"row major", []int{4, 3}, []int{12, 4}, true},
		{"scalar", []int{}, []int{}, true},
		{"size one axis with odd stride", []int{4, 1, 3}, []int{12, 100, 4}, true},
		{"transposed", []int{3, 4}, []int{4, 12}, false},
		{"sliced", []int{4, 3}, []int{24, 4}, false},
		{"broadcast", []int{4, 3}, []int{0, 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewArray(buf, nil, Float32, tt.shape, tt.strides)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.IsCContiguous())
		})
	}
}

func TestArray_NewArrayValidation(t *testing.T) {
	h := NewHost()
	buf, err := h.Alloc(context.Background(), 16)
	require.NoError(t, err)
	defer h.Release(buf)

	_, err = NewArray(buf, nil, Float32, []int{5}, []int{4})
	assert.Error(t, err, "buffer too small")
	_, err = NewArray(buf, nil, Float32, []int{0}, []int{4})
	assert.Error(t, err, "zero dimension")
	_, err = NewArray(buf, nil, Float32, []int{2}, []int{-4})
	assert.Error(t, err, "negative stride")
	_, err = NewArray(buf, nil, InvalidDType, []int{2}, []int{4})
	assert.Error(t, err, "invalid dtype")
	_, err = NewArray(buf, nil, Float32, []int{2, 2}, []int{4})
	assert.Error(t, err, "rank mismatch")
}

func TestElemCount(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		want    int
		wantErr error
	}{
		{"scalar", nil, 1, nil},
		{"matrix", []int{4, 5}, 20, nil},
		{"wraps to zero", []int{1 << 31, 1 << 31, 4}, 0, ErrSizeOverflow},
		{"wraps negative", []int{1 << 62, 3}, 0, ErrSizeOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ElemCount(tt.shape)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	_, err := ElemCount([]int{3, 0})
	assert.Error(t, err)

	n, err := ByteSize([]int{4, 5}, Float64)
	require.NoError(t, err)
	assert.Equal(t, 160, n)
	_, err = ByteSize([]int{1 << 61, 2}, Float32)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	_, err = ByteSize([]int{2}, InvalidDType)
	assert.Error(t, err)
}

func TestArray_NewArrayOverflow(t *testing.T) {
	h := NewHost()
	buf, err := h.Alloc(context.Background(), 16)
	require.NoError(t, err)
	defer h.Release(buf)

	_, err = NewArray(buf, nil, Float32, []int{1 << 31, 1 << 31, 4}, []int{0, 0, 0})
	assert.ErrorIs(t, err, ErrSizeOverflow)
	_, err = NewArray(buf, nil, Float32, []int{1 << 40, 2}, []int{1 << 40, 4})
	assert.ErrorIs(t, err, ErrSizeOverflow)

	_, err = h.NewArray(context.Background(), []int{1 << 31, 1 << 31, 4}, Float32, COrder)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	n, buffers := h.InUse()
	assert.Equal(t, int64(16), n, "nothing allocated for an overflowing shape")
	assert.Equal(t, 1, buffers)
}

func TestArray_MetadataIsCopied(t *testing.T) {
	h := NewHost()
	a, err := h.NewArray(context.Background(), []int{4, 5}, Float32, COrder)
	require.NoError(t, err)
	defer a.Release()

	shape := a.Shape()
	shape[0] = 99
	strides := a.Strides()
	strides[0] = 99

	assert.Equal(t, []int{4, 5}, a.Shape())
	assert.Equal(t, []int{20, 4}, a.Strides())
	assert.Equal(t, 20, a.Size())
}

func TestForEachCoord(t *testing.T) {
	var got [][]int
	forEachCoord([]int{2, 2}, func(c []int) {
		got = append(got, append([]int(nil), c...))
	})
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, got)

	n := 0
	forEachCoord(nil, func([]int) { n++ })
	assert.Equal(t, 1, n, "rank 0 has one coordinate")
}
