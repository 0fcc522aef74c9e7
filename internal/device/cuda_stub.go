//go:build !(linux && cuda)

package device

// NewCUDABackend is unavailable in this build.
func NewCUDABackend(index int) (Backend, error) {
	return nil, ErrCUDAUnavailable
}
