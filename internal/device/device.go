package device

import (
	"context"
	"errors"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned by allocators when a request cannot be satisfied.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrForeignBuffer is returned when a buffer from another backend is handed in.
	ErrForeignBuffer = errors.New("device: buffer does not belong to this backend")

	// ErrSizeOverflow is returned when a shape describes more bytes than an int can hold.
	ErrSizeOverflow = errors.New("device: array size overflows")

	// ErrCUDAUnavailable is returned by NewCUDABackend in builds without CUDA support.
	ErrCUDAUnavailable = errors.New("CUDA backend is not supported on this platform. Build with -tags cuda on Linux")
)

// Buffer is a block of device memory.
type Buffer interface {
	// Len returns the size of the buffer in bytes.
	Len() int

	// Ptr returns the device address of the first byte (nil for empty buffers).
	Ptr() unsafe.Pointer
}

// Allocator hands out raw device buffers, e.g. reduction workspaces.
type Allocator interface {
	Alloc(ctx context.Context, size int) (Buffer, error)
	Release(b Buffer)
}

// ArrayAllocator creates fresh arrays with a standard layout.
type ArrayAllocator interface {
	NewArray(ctx context.Context, shape []int, dtype DType, order Order) (*Array, error)
}

// Transfer moves element data between Go slices and device-resident arrays.
// Values are always exchanged as float64; indices as uint32.
type Transfer interface {
	Upload(a *Array, values []float64) error
	Download(a *Array) ([]float64, error)
	DownloadIndices(a *Array) ([]uint32, error)
}

// Handle binds primitive calls to a device context and stream.
// It is passed through the reduction layer untouched.
type Handle interface {
	Backend() string
}

// Backend bundles the memory, transfer and reduction facilities of one device.
type Backend interface {
	Name() string

	Allocator
	ArrayAllocator
	Transfer

	// Primitive returns the accelerated reduction routine of this device.
	Primitive() ReducePrimitive

	// Handle returns the default handle (context + stream) of this device.
	Handle() Handle

	// Synchronize blocks until all queued device work is complete.
	Synchronize() error

	Close() error
}
