package v4l2

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured queue error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "QBUF", "REQBUFS")
	Queue string        // Queue direction ("" if not applicable)
	Index int           // Buffer slot (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Queue != "" {
		parts = append(parts, "queue="+e.Queue)
	}
	if e.Index >= 0 {
		parts = append(parts, fmt.Sprintf("index=%d", e.Index))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("v4l2: %s (%s)", msg, strings.Join(parts, " "))
	}
	return "v4l2: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches any *Error carrying the same code, so the Err* sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te != nil && e.Code == te.Code
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodePlaneCountMismatch ErrorCode = "plane count mismatch"
	ErrCodeDeviceRejected     ErrorCode = "device rejected request"
	ErrCodeAllocationFailed   ErrorCode = "buffer allocation failed"
	ErrCodeInconsistentState  ErrorCode = "inconsistent buffer state"
	ErrCodeQueueBusy          ErrorCode = "queue busy"
	ErrCodeInvalidState       ErrorCode = "invalid queue state"
	ErrCodeNotReady           ErrorCode = "no buffer ready"
	ErrCodeEndOfStream        ErrorCode = "end of stream"
	ErrCodeNotSupported       ErrorCode = "operation not supported"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// Sentinels for errors.Is
var (
	ErrPlaneCountMismatch = &Error{Code: ErrCodePlaneCountMismatch, Index: -1}
	ErrDeviceRejected     = &Error{Code: ErrCodeDeviceRejected, Index: -1}
	ErrAllocationFailed   = &Error{Code: ErrCodeAllocationFailed, Index: -1}
	ErrInconsistentState  = &Error{Code: ErrCodeInconsistentState, Index: -1}
	ErrQueueBusy          = &Error{Code: ErrCodeQueueBusy, Index: -1}
	ErrInvalidState       = &Error{Code: ErrCodeInvalidState, Index: -1}
	ErrNotReady           = &Error{Code: ErrCodeNotReady, Index: -1}
	ErrEndOfStream        = &Error{Code: ErrCodeEndOfStream, Index: -1}
	ErrNotSupported       = &Error{Code: ErrCodeNotSupported, Index: -1}
	ErrInvalidParameters  = &Error{Code: ErrCodeInvalidParameters, Index: -1}
)

// PlaneCountError details a plane-count mismatch: the number of handles or
// byte counts supplied against the number of planes the slot expects.
type PlaneCountError struct {
	Got      int
	Expected int
}

func (e *PlaneCountError) Error() string {
	return fmt.Sprintf("got %d planes, expected %d", e.Got, e.Expected)
}

// QueueError is returned by a failed submission. It hands the caller's
// handle set back unchanged so no memory is lost.
type QueueError[H PlaneHandle] struct {
	Err     error
	Handles PlaneHandles[H]
}

func (e *QueueError[H]) Error() string {
	return e.Err.Error()
}

func (e *QueueError[H]) Unwrap() error {
	return e.Err
}

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Index: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Index: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewBufferError creates an error bound to one slot of a queue
func NewBufferError(op, queue string, index int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Index: index,
		Code:  code,
		Msg:   msg,
	}
}

func planeCountMismatch(op, queue string, index, got, expected int) *Error {
	pce := &PlaneCountError{Got: got, Expected: expected}
	return &Error{
		Op:    op,
		Queue: queue,
		Index: index,
		Code:  ErrCodePlaneCountMismatch,
		Msg:   "plane count mismatch: " + pce.Error(),
		Inner: pce,
	}
}

// deviceRejected records a driver refusal of a submission. The errno is
// kept so callers can still tell EINVAL from EBUSY.
func deviceRejected(op, queue string, index int, inner error) *Error {
	e := &Error{
		Op:    op,
		Queue: queue,
		Index: index,
		Code:  ErrCodeDeviceRejected,
		Msg:   "device rejected buffer: " + inner.Error(),
		Inner: inner,
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// WrapError wraps an existing error with queue context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var qe *Error
	if errors.As(inner, &qe) {
		wrapped := *qe
		wrapped.Op = op
		return &wrapped
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Index: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Index: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN:
		return ErrCodeNotReady
	case syscall.EPIPE:
		return ErrCodeEndOfStream
	case syscall.EBUSY:
		return ErrCodeQueueBusy
	case syscall.EINVAL, syscall.ERANGE:
		return ErrCodeInvalidParameters
	case syscall.ENOTTY, syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return ErrCodeDeviceNotFound
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Errno == errno
	}
	return false
}
