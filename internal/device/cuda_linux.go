//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudnn -lcudart
#include <cudnn.h>
#include <cuda_runtime.h>
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Check interface compliance
var _ Backend = (*CUDABackend)(nil)
var _ ReducePrimitive = (*cudnnReducer)(nil)

// CUDABackend runs reductions through cuDNN on one CUDA device.
type CUDABackend struct {
	mu      sync.Mutex
	index   int
	inUse   int64
	buffers int

	handle  *CUDAHandle
	reducer *cudnnReducer
}

// CUDAHandle wraps a cudnnHandle_t bound to the device's default stream.
type CUDAHandle struct {
	h C.cudnnHandle_t
}

func (h *CUDAHandle) Backend() string { return "cuda" }

func cudnnError(st C.cudnnStatus_t) error {
	return errors.New(C.GoString(C.cudnnGetErrorString(st)))
}

func cudaError(e C.cudaError_t) error {
	return errors.New(C.GoString(C.cudaGetErrorString(e)))
}

// NewCUDABackend initialises cuDNN on the CUDA device with the given index.
func NewCUDABackend(index int) (Backend, error) {
	if e := C.cudaSetDevice(C.int(index)); e != C.cudaSuccess {
		return nil, fmt.Errorf("cudaSetDevice(%d): %w", index, cudaError(e))
	}
	var h C.cudnnHandle_t
	if st := C.cudnnCreate(&h); st != C.CUDNN_STATUS_SUCCESS {
		return nil, fmt.Errorf("cudnnCreate: %w", cudnnError(st))
	}
	return &CUDABackend{
		index:   index,
		handle:  &CUDAHandle{h: h},
		reducer: &cudnnReducer{caps: CUDNNCapabilities},
	}, nil
}

func (b *CUDABackend) Name() string { return fmt.Sprintf("cuda:%d", b.index) }

type cudaBuffer struct {
	ptr unsafe.Pointer
	n   int
}

func (c *cudaBuffer) Len() int            { return c.n }
func (c *cudaBuffer) Ptr() unsafe.Pointer { return c.ptr }

func (b *CUDABackend) Alloc(ctx context.Context, size int) (Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("device: negative allocation size %d", size)
	}
	var p unsafe.Pointer
	if size > 0 {
		if e := C.cudaMalloc(&p, C.size_t(size)); e != C.cudaSuccess {
			allocFailures.WithLabelValues(b.Name()).Inc()
			return nil, fmt.Errorf("%w: cudaMalloc(%d): %v", ErrOutOfMemory, size, cudaError(e))
		}
	}

	b.mu.Lock()
	b.inUse += int64(size)
	b.buffers++
	b.mu.Unlock()
	allocatedBytes.WithLabelValues(b.Name()).Add(float64(size))
	liveBuffers.WithLabelValues(b.Name()).Inc()

	return &cudaBuffer{ptr: p, n: size}, nil
}

func (b *CUDABackend) Release(buf Buffer) {
	cb, ok := buf.(*cudaBuffer)
	if !ok || cb.n < 0 {
		return
	}
	if cb.ptr != nil {
		C.cudaFree(cb.ptr)
	}

	b.mu.Lock()
	b.inUse -= int64(cb.n)
	b.buffers--
	b.mu.Unlock()
	allocatedBytes.WithLabelValues(b.Name()).Sub(float64(cb.n))
	liveBuffers.WithLabelValues(b.Name()).Dec()

	cb.ptr = nil
	cb.n = -1
}

func (b *CUDABackend) NewArray(ctx context.Context, shape []int, dtype DType, order Order) (*Array, error) {
	size, err := ByteSize(shape, dtype)
	if err != nil {
		return nil, err
	}
	buf, err := b.Alloc(ctx, size)
	if err != nil {
		return nil, err
	}
	strides := RowMajorStrides(shape, dtype.Size())
	if order == FOrder {
		strides = ColMajorStrides(shape, dtype.Size())
	}
	a, err := NewArray(buf, b, dtype, shape, strides)
	if err != nil {
		b.Release(buf)
		return nil, err
	}
	return a, nil
}

func (b *CUDABackend) copyToHost(a *Array) ([]byte, error) {
	buf, ok := a.Buffer().(*cudaBuffer)
	if !ok {
		return nil, ErrForeignBuffer
	}
	raw := make([]byte, buf.n)
	if buf.n > 0 {
		if e := C.cudaMemcpy(unsafe.Pointer(&raw[0]), buf.ptr, C.size_t(buf.n), C.cudaMemcpyDeviceToHost); e != C.cudaSuccess {
			return nil, fmt.Errorf("cudaMemcpy: %w", cudaError(e))
		}
	}
	return raw, nil
}

func (b *CUDABackend) Upload(a *Array, values []float64) error {
	buf, ok := a.Buffer().(*cudaBuffer)
	if !ok {
		return ErrForeignBuffer
	}
	raw := make([]byte, buf.n)
	if err := storeValues(raw, a, values); err != nil {
		return err
	}
	if buf.n == 0 {
		return nil
	}
	if e := C.cudaMemcpy(buf.ptr, unsafe.Pointer(&raw[0]), C.size_t(buf.n), C.cudaMemcpyHostToDevice); e != C.cudaSuccess {
		return fmt.Errorf("cudaMemcpy: %w", cudaError(e))
	}
	return nil
}

func (b *CUDABackend) Download(a *Array) ([]float64, error) {
	raw, err := b.copyToHost(a)
	if err != nil {
		return nil, err
	}
	return loadValues(raw, a), nil
}

func (b *CUDABackend) DownloadIndices(a *Array) ([]uint32, error) {
	raw, err := b.copyToHost(a)
	if err != nil {
		return nil, err
	}
	return loadIndices(raw, a)
}

func (b *CUDABackend) Primitive() ReducePrimitive { return b.reducer }
func (b *CUDABackend) Handle() Handle             { return b.handle }

func (b *CUDABackend) Synchronize() error {
	if e := C.cudaDeviceSynchronize(); e != C.cudaSuccess {
		return fmt.Errorf("cudaDeviceSynchronize: %w", cudaError(e))
	}
	return nil
}

func (b *CUDABackend) Close() error {
	if b.handle == nil {
		return nil
	}
	st := C.cudnnDestroy(b.handle.h)
	b.handle = nil
	if st != C.CUDNN_STATUS_SUCCESS {
		return fmt.Errorf("cudnnDestroy: %w", cudnnError(st))
	}
	return nil
}

// cudnnReducer binds ReducePrimitive to cudnnReduceTensor.
type cudnnReducer struct {
	caps Capabilities
}

type cudnnTensorDesc struct {
	d C.cudnnTensorDescriptor_t
}

type cudnnReduceDesc struct {
	d   C.cudnnReduceTensorDescriptor_t
	cfg ReduceConfig
}

func (r *cudnnReducer) Name() string               { return "cudnn" }
func (r *cudnnReducer) Capabilities() Capabilities { return r.caps }

func cudnnDataType(dt DType) (C.cudnnDataType_t, bool) {
	switch dt {
	case Float16:
		return C.CUDNN_DATA_HALF, true
	case Float32:
		return C.CUDNN_DATA_FLOAT, true
	case Float64:
		return C.CUDNN_DATA_DOUBLE, true
	}
	return 0, false
}

var cudnnOps = map[ReduceOp]C.cudnnReduceTensorOp_t{
	ReduceAdd:        C.CUDNN_REDUCE_TENSOR_ADD,
	ReduceMul:        C.CUDNN_REDUCE_TENSOR_MUL,
	ReduceMin:        C.CUDNN_REDUCE_TENSOR_MIN,
	ReduceMax:        C.CUDNN_REDUCE_TENSOR_MAX,
	ReduceAMax:       C.CUDNN_REDUCE_TENSOR_AMAX,
	ReduceAvg:        C.CUDNN_REDUCE_TENSOR_AVG,
	ReduceNorm1:      C.CUDNN_REDUCE_TENSOR_NORM1,
	ReduceNorm2:      C.CUDNN_REDUCE_TENSOR_NORM2,
	ReduceMulNoZeros: C.CUDNN_REDUCE_TENSOR_MUL_NO_ZEROS,
}

var cudnnIndexTypes = map[IndexType]C.cudnnIndicesType_t{
	Indices32: C.CUDNN_32BIT_INDICES,
	Indices64: C.CUDNN_64BIT_INDICES,
	Indices16: C.CUDNN_16BIT_INDICES,
	Indices8:  C.CUDNN_8BIT_INDICES,
}

func (r *cudnnReducer) NewTensorDesc() (TensorDesc, error) {
	var d C.cudnnTensorDescriptor_t
	if st := C.cudnnCreateTensorDescriptor(&d); st != C.CUDNN_STATUS_SUCCESS {
		return nil, cudnnError(st)
	}
	return &cudnnTensorDesc{d: d}, nil
}

func (r *cudnnReducer) SetTensorDesc(d TensorDesc, l TensorLayout) error {
	td, ok := d.(*cudnnTensorDesc)
	if !ok {
		return cudnnError(C.CUDNN_STATUS_BAD_PARAM)
	}
	dt, ok := cudnnDataType(l.DType)
	if !ok || len(l.Dims) == 0 || len(l.Dims) != len(l.Strides) {
		return cudnnError(C.CUDNN_STATUS_BAD_PARAM)
	}
	dims := make([]C.int, len(l.Dims))
	strs := make([]C.int, len(l.Strides))
	for i := range l.Dims {
		dims[i] = C.int(l.Dims[i])
		strs[i] = C.int(l.Strides[i])
	}
	if st := C.cudnnSetTensorNdDescriptor(td.d, dt, C.int(len(dims)), &dims[0], &strs[0]); st != C.CUDNN_STATUS_SUCCESS {
		return cudnnError(st)
	}
	return nil
}

func (r *cudnnReducer) DestroyTensorDesc(d TensorDesc) {
	if td, ok := d.(*cudnnTensorDesc); ok && td.d != nil {
		C.cudnnDestroyTensorDescriptor(td.d)
		td.d = nil
	}
}

func (r *cudnnReducer) NewReduceDesc() (ReduceDesc, error) {
	var d C.cudnnReduceTensorDescriptor_t
	if st := C.cudnnCreateReduceTensorDescriptor(&d); st != C.CUDNN_STATUS_SUCCESS {
		return nil, cudnnError(st)
	}
	return &cudnnReduceDesc{d: d}, nil
}

func (r *cudnnReducer) SetReduceDesc(d ReduceDesc, cfg ReduceConfig) error {
	rd, ok := d.(*cudnnReduceDesc)
	if !ok {
		return cudnnError(C.CUDNN_STATUS_BAD_PARAM)
	}
	op, ok := cudnnOps[cfg.Op]
	if !ok {
		return cudnnError(C.CUDNN_STATUS_BAD_PARAM)
	}
	acc, ok := cudnnDataType(cfg.AccType)
	if !ok {
		return cudnnError(C.CUDNN_STATUS_BAD_PARAM)
	}
	nan := C.cudnnNanPropagation_t(C.CUDNN_NOT_PROPAGATE_NAN)
	if cfg.NaN == PropagateNaN {
		nan = C.CUDNN_PROPAGATE_NAN
	}
	ind := C.cudnnReduceTensorIndices_t(C.CUDNN_REDUCE_TENSOR_NO_INDICES)
	if cfg.Indices == FlattenedIndices {
		ind = C.CUDNN_REDUCE_TENSOR_FLATTENED_INDICES
	}
	st := C.cudnnSetReduceTensorDescriptor(rd.d, op, acc, nan, ind, cudnnIndexTypes[cfg.IndexType])
	if st != C.CUDNN_STATUS_SUCCESS {
		return cudnnError(st)
	}
	rd.cfg = cfg
	return nil
}

func (r *cudnnReducer) DestroyReduceDesc(d ReduceDesc) {
	if rd, ok := d.(*cudnnReduceDesc); ok && rd.d != nil {
		C.cudnnDestroyReduceTensorDescriptor(rd.d)
		rd.d = nil
	}
}

func (r *cudnnReducer) descs(h Handle, rdesc ReduceDesc, x, y TensorDesc) (*CUDAHandle, *cudnnReduceDesc, *cudnnTensorDesc, *cudnnTensorDesc, error) {
	hh, ok1 := h.(*CUDAHandle)
	rd, ok2 := rdesc.(*cudnnReduceDesc)
	xd, ok3 := x.(*cudnnTensorDesc)
	yd, ok4 := y.(*cudnnTensorDesc)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil, nil, nil, cudnnError(C.CUDNN_STATUS_BAD_PARAM)
	}
	return hh, rd, xd, yd, nil
}

func (r *cudnnReducer) WorkspaceSize(h Handle, rdesc ReduceDesc, x, y TensorDesc) (int, error) {
	hh, rd, xd, yd, err := r.descs(h, rdesc, x, y)
	if err != nil {
		return 0, err
	}
	var size C.size_t
	if st := C.cudnnGetReductionWorkspaceSize(hh.h, rd.d, xd.d, yd.d, &size); st != C.CUDNN_STATUS_SUCCESS {
		return 0, cudnnError(st)
	}
	return int(size), nil
}

func devPtr(b Buffer) unsafe.Pointer {
	if b == nil {
		return nil
	}
	return b.Ptr()
}

func (r *cudnnReducer) Reduce(h Handle, rdesc ReduceDesc,
	indices Buffer, indexCount int,
	workspace Buffer, wsBytes int,
	alpha Scale, x TensorDesc, xData Buffer,
	beta Scale, y TensorDesc, yData Buffer) error {

	hh, rd, xd, yd, err := r.descs(h, rdesc, x, y)
	if err != nil {
		return err
	}

	// cuDNN wants the index buffer size in bytes.
	indexBytes := indexCount * rd.cfg.IndexType.Bits() / 8
	if indices == nil {
		indexBytes = 0
	}

	fa, fb := C.float(alpha.Float32()), C.float(beta.Float32())
	da, db := C.double(alpha.Float64()), C.double(beta.Float64())
	pa, pb := unsafe.Pointer(&fa), unsafe.Pointer(&fb)
	if alpha.Precision() == DoublePrecision {
		pa, pb = unsafe.Pointer(&da), unsafe.Pointer(&db)
	}

	st := C.cudnnReduceTensor(hh.h, rd.d,
		devPtr(indices), C.size_t(indexBytes),
		devPtr(workspace), C.size_t(wsBytes),
		pa, xd.d, devPtr(xData),
		pb, yd.d, devPtr(yData))
	if st != C.CUDNN_STATUS_SUCCESS {
		return cudnnError(st)
	}
	return nil
}
