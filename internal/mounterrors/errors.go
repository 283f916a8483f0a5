// Package mounterrors defines the taxonomy of errors returned by the
// mount-control core. Every fallible operation in the core returns one of
// these kinds, wrapped with context via fmt.Errorf("...: %w", ...), so
// callers can test with errors.Is against the exported sentinels.
package mounterrors

import "errors"

// Kind tags an error with its taxonomy member.
type Kind int

const (
	// QueueFailed: a command could not be enqueued, executed, or its
	// result was not retrievable within the queue's deadline.
	QueueFailed Kind = iota
	// SerialFailed: the transport failed to open, read, or write.
	SerialFailed
	// MountError: the hardware replied with an error.
	MountError
	// Timeout: a wait for a named event exceeded its deadline.
	Timeout
	// Cancelled: the operation was cancelled cooperatively.
	Cancelled
	// LimitReached: an axis breached a configured limit.
	LimitReached
	// InvalidState: the operation was requested in a state that forbids it.
	InvalidState
	// InvalidArgument: a parameter was out of range.
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case QueueFailed:
		return "QueueFailed"
	case SerialFailed:
		return "SerialFailed"
	case MountError:
		return "MountError"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	case LimitReached:
		return "LimitReached"
	case InvalidState:
		return "InvalidState"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// sentinel per kind, so errors.Is(err, mounterrors.ErrTimeout) works even
// through wrapping.
var (
	ErrQueueFailed     = errors.New("QueueFailed")
	ErrSerialFailed    = errors.New("SerialFailed")
	ErrMountError      = errors.New("MountError")
	ErrTimeout         = errors.New("Timeout")
	ErrCancelled       = errors.New("Cancelled")
	ErrLimitReached    = errors.New("LimitReached")
	ErrInvalidState    = errors.New("InvalidState")
	ErrInvalidArgument = errors.New("InvalidArgument")
)

func sentinelFor(k Kind) error {
	switch k {
	case QueueFailed:
		return ErrQueueFailed
	case SerialFailed:
		return ErrSerialFailed
	case MountError:
		return ErrMountError
	case Timeout:
		return ErrTimeout
	case Cancelled:
		return ErrCancelled
	case LimitReached:
		return ErrLimitReached
	case InvalidState:
		return ErrInvalidState
	case InvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrMountError
	}
}

// Error is a structured error carrying a taxonomy Kind and a human-readable
// message, per the core's error propagation policy: every failed operation
// returns a tagged, readable error and the controller remains reusable.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return sentinelFor(e.Kind)
}

// Is allows errors.Is(err, mounterrors.ErrTimeout) to match regardless of
// whether a cause was wrapped.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// New builds a tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an underlying error with a taxonomy kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the taxonomy Kind from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
