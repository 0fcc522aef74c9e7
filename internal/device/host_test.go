package device

import (
	"context"
	"errors"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestHost_AllocRelease(t *testing.T) {
	h := NewHost()
	ctx := context.Background()

	startBytes := getMetricValue(allocatedBytes.WithLabelValues("host"))

	b, err := h.Alloc(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, 13, b.Len())
	assert.NotNil(t, b.Ptr())

	n, count := h.InUse()
	assert.Equal(t, int64(13), n)
	assert.Equal(t, 1, count)
	assert.Equal(t, 13.0, getMetricValue(allocatedBytes.WithLabelValues("host"))-startBytes)

	h.Release(b)
	h.Release(b) // second release is ignored
	n, count = h.InUse()
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0.0, getMetricValue(allocatedBytes.WithLabelValues("host"))-startBytes)
}

func TestHost_MemoryLimit(t *testing.T) {
	h := NewHost(WithMemoryLimit(64))
	ctx := context.Background()
	startFailures := getMetricValue(allocFailures.WithLabelValues("host"))

	b, err := h.Alloc(ctx, 48)
	require.NoError(t, err)

	_, err = h.Alloc(ctx, 32)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, 1.0, getMetricValue(allocFailures.WithLabelValues("host"))-startFailures)

	h.Release(b)
	b, err = h.Alloc(ctx, 64)
	require.NoError(t, err)
	h.Release(b)
}

func TestHost_AllocCancelled(t *testing.T) {
	h := NewHost()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Alloc(ctx, 8)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHost_UploadDownload(t *testing.T) {
	h := NewHost()
	ctx := context.Background()

	for _, dt := range []DType{Float16, Float32, Float64} {
		t.Run(dt.String(), func(t *testing.T) {
			a, err := h.NewArray(ctx, []int{2, 3}, dt, COrder)
			require.NoError(t, err)
			defer a.Release()

			in := []float64{1, 2.5, -3, 4, 0.25, 6}
			require.NoError(t, h.Upload(a, in))
			out, err := h.Download(a)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestHost_FOrderRoundTrip(t *testing.T) {
	h := NewHost()
	a, err := h.NewArray(context.Background(), []int{2, 3}, Float32, FOrder)
	require.NoError(t, err)
	defer a.Release()

	assert.Equal(t, []int{4, 8}, a.Strides())
	assert.False(t, a.IsCContiguous())

	in := []float64{1, 2, 3, 4, 5, 6}
	require.NoError(t, h.Upload(a, in))
	out, err := h.Download(a)
	require.NoError(t, err)
	assert.Equal(t, in, out, "values are exchanged in logical row-major order")
}

func TestHost_UploadWrongCount(t *testing.T) {
	h := NewHost()
	a, err := h.NewArray(context.Background(), []int{4}, Float32, COrder)
	require.NoError(t, err)
	defer a.Release()

	assert.Error(t, h.Upload(a, []float64{1, 2}))
}

func TestHost_ReleasedBuffer(t *testing.T) {
	h := NewHost()
	a, err := h.NewArray(context.Background(), []int{2}, Float32, COrder)
	require.NoError(t, err)
	buf := a.Buffer()
	a.Release()
	a.Release()

	_, err = hostBytes(buf)
	assert.Error(t, err)
	assert.Nil(t, a.Buffer())
}

func TestHost_DownloadIndicesNeedsUint32(t *testing.T) {
	h := NewHost()
	a, err := h.NewArray(context.Background(), []int{2}, Float32, COrder)
	require.NoError(t, err)
	defer a.Release()

	_, err = h.DownloadIndices(a)
	assert.Error(t, err)
}

type foreignBuffer struct{}

func (foreignBuffer) Len() int { return 1 << 20 }
func (foreignBuffer) Ptr() unsafe.Pointer { return nil }

func TestHost_ForeignBuffer(t *testing.T) {
	h := NewHost()
	a, err := NewArray(foreignBuffer{}, nil, Float32, []int{2}, []int{4})
	require.NoError(t, err)

	_, err = h.Download(a)
	assert.ErrorIs(t, err, ErrForeignBuffer)
}
