package redux

import (
	"errors"
	"fmt"
)

// Kind classifies reduction failures.
type Kind int

const (
	// KindArgument is a caller mistake: bad layout, mask, or dtype.
	KindArgument Kind = iota + 1
	// KindAllocation is a failure to obtain a descriptor, array or workspace.
	KindAllocation
	// KindDevice is a failure reported by the reduction primitive.
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindAllocation:
		return "allocation"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the kind of an *Error.
var (
	ErrArgument   = errors.New("redux: argument error")
	ErrAllocation = errors.New("redux: allocation error")
	ErrDevice     = errors.New("redux: device error")
)

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	// Msg says what was being attempted.
	Msg string
	// Err is the underlying cause, e.g. the primitive's status.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrArgument:
		return e.Kind == KindArgument
	case ErrAllocation:
		return e.Kind == KindAllocation
	case ErrDevice:
		return e.Kind == KindDevice
	}
	return false
}

func argumentError(format string, args ...any) error {
	return &Error{Kind: KindArgument, Msg: fmt.Sprintf(format, args...)}
}

func allocationError(msg string, err error) error {
	return &Error{Kind: KindAllocation, Msg: msg, Err: err}
}

func deviceError(msg string, err error) error {
	return &Error{Kind: KindDevice, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or 0 if err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
