package device

import "fmt"

// Status is a reduction primitive status code. Non-success values are
// returned as errors by the host reducer and print like cuDNN's.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusAllocFailed
	StatusBadParam
	StatusInternalError
	StatusInvalidValue
	StatusArchMismatch
	StatusMappingError
	StatusExecutionFailed
	StatusNotSupported
)

var statusNames = [...]string{
	StatusSuccess:         "CUDNN_STATUS_SUCCESS",
	StatusNotInitialized:  "CUDNN_STATUS_NOT_INITIALIZED",
	StatusAllocFailed:     "CUDNN_STATUS_ALLOC_FAILED",
	StatusBadParam:        "CUDNN_STATUS_BAD_PARAM",
	StatusInternalError:   "CUDNN_STATUS_INTERNAL_ERROR",
	StatusInvalidValue:    "CUDNN_STATUS_INVALID_VALUE",
	StatusArchMismatch:    "CUDNN_STATUS_ARCH_MISMATCH",
	StatusMappingError:    "CUDNN_STATUS_MAPPING_ERROR",
	StatusExecutionFailed: "CUDNN_STATUS_EXECUTION_FAILED",
	StatusNotSupported:    "CUDNN_STATUS_NOT_SUPPORTED",
}

func (s Status) Error() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("CUDNN_STATUS_UNKNOWN(%d)", int(s))
}
