package device

import (
	"context"
	"fmt"
	"sync"
	"unsafe"
)

// ensure interface compliance
var _ Backend = (*Host)(nil)
var _ Buffer = (*hostBuffer)(nil)

// Host is a backend whose "device memory" is ordinary host memory. It runs
// the reference reducer and is what tests and the CLI use without a GPU.
type Host struct {
	mu      sync.Mutex
	limit   int64
	inUse   int64
	buffers int

	handle  *HostHandle
	reducer *HostReducer
}

// HostOption configures a Host backend.
type HostOption func(*Host)

// WithMemoryLimit caps the bytes the host allocator hands out at once.
// Zero means unlimited.
func WithMemoryLimit(n int64) HostOption {
	return func(h *Host) { h.limit = n }
}

// NewHost creates a host backend.
func NewHost(opts ...HostOption) *Host {
	h := &Host{}
	for _, o := range opts {
		o(h)
	}
	h.handle = &HostHandle{host: h}
	h.reducer = NewHostReducer()
	return h
}

// HostHandle is the Handle of a Host backend.
type HostHandle struct {
	host *Host
}

func (h *HostHandle) Backend() string { return "host" }

type hostBuffer struct {
	// Backed by words so the memory is 8-byte aligned for any dtype.
	words    []uint64
	n        int
	released bool
}

func (b *hostBuffer) Len() int { return b.n }

func (b *hostBuffer) Ptr() unsafe.Pointer {
	if len(b.words) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.words[0])
}

func (b *hostBuffer) bytes() []byte {
	if b.n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), b.n)
}

func (b *hostBuffer) float64s(n int) []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.words[0])), n)
}

func hostBytes(b Buffer) ([]byte, error) {
	hb, ok := b.(*hostBuffer)
	if !ok {
		return nil, ErrForeignBuffer
	}
	if hb.released {
		return nil, fmt.Errorf("device: use of released buffer")
	}
	return hb.bytes(), nil
}

func (h *Host) Name() string { return "host" }

func (h *Host) Alloc(ctx context.Context, size int) (Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("device: negative allocation size %d", size)
	}

	h.mu.Lock()
	if h.limit > 0 && h.inUse+int64(size) > h.limit {
		inUse := h.inUse
		h.mu.Unlock()
		allocFailures.WithLabelValues(h.Name()).Inc()
		return nil, fmt.Errorf("%w: requested %d bytes with %d of %d in use", ErrOutOfMemory, size, inUse, h.limit)
	}
	h.inUse += int64(size)
	h.buffers++
	h.mu.Unlock()

	allocatedBytes.WithLabelValues(h.Name()).Add(float64(size))
	liveBuffers.WithLabelValues(h.Name()).Inc()

	return &hostBuffer{words: make([]uint64, (size+7)/8), n: size}, nil
}

func (h *Host) Release(b Buffer) {
	hb, ok := b.(*hostBuffer)
	if !ok || hb.released {
		return
	}
	hb.released = true

	h.mu.Lock()
	h.inUse -= int64(hb.n)
	h.buffers--
	h.mu.Unlock()

	allocatedBytes.WithLabelValues(h.Name()).Sub(float64(hb.n))
	liveBuffers.WithLabelValues(h.Name()).Dec()
}

// InUse returns the bytes and number of buffers currently allocated.
func (h *Host) InUse() (int64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse, h.buffers
}

func (h *Host) NewArray(ctx context.Context, shape []int, dtype DType, order Order) (*Array, error) {
	size, err := ByteSize(shape, dtype)
	if err != nil {
		return nil, err
	}

	buf, err := h.Alloc(ctx, size)
	if err != nil {
		return nil, err
	}

	var strides []int
	if order == FOrder {
		strides = ColMajorStrides(shape, dtype.Size())
	} else {
		strides = RowMajorStrides(shape, dtype.Size())
	}
	a, err := NewArray(buf, h, dtype, shape, strides)
	if err != nil {
		h.Release(buf)
		return nil, err
	}
	return a, nil
}

func (h *Host) Upload(a *Array, values []float64) error {
	raw, err := hostBytes(a.Buffer())
	if err != nil {
		return err
	}
	return storeValues(raw, a, values)
}

func (h *Host) Download(a *Array) ([]float64, error) {
	raw, err := hostBytes(a.Buffer())
	if err != nil {
		return nil, err
	}
	return loadValues(raw, a), nil
}

func (h *Host) DownloadIndices(a *Array) ([]uint32, error) {
	raw, err := hostBytes(a.Buffer())
	if err != nil {
		return nil, err
	}
	return loadIndices(raw, a)
}

func (h *Host) Primitive() ReducePrimitive { return h.reducer }
func (h *Host) Handle() Handle             { return h.handle }

// Synchronize is a no-op: the host reducer runs synchronously.
func (h *Host) Synchronize() error { return nil }
func (h *Host) Close() error       { return nil }
