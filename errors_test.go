package v4l2

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("REQBUFS", ErrCodeInvalidParameters, "invalid buffer count")

	if err.Op != "REQBUFS" {
		t.Errorf("Expected Op=REQBUFS, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "v4l2: invalid buffer count (op=REQBUFS)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestBufferError(t *testing.T) {
	err := NewBufferError("QBUF", "output", 3, ErrCodeInvalidState, "buffer 3 already consumed")

	expected := "v4l2: buffer 3 already consumed (op=QBUF queue=output index=3)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Error("Buffer error should match its sentinel")
	}
}

func TestWrapError(t *testing.T) {
	err := WrapError("G_FMT", syscall.ENOENT)

	if err.Code != ErrCodeDeviceNotFound {
		t.Errorf("Expected Code=ErrCodeDeviceNotFound, got %s", err.Code)
	}
	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}
	if WrapError("G_FMT", nil) != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestWrapErrorKeepsStructure(t *testing.T) {
	inner := NewBufferError("QBUF", "capture", 1, ErrCodeQueueBusy, "busy")
	err := WrapError("DQBUF", fmt.Errorf("retrieve: %w", inner))

	if err.Op != "DQBUF" || err.Queue != "capture" || err.Index != 1 || err.Code != ErrCodeQueueBusy {
		t.Errorf("Unexpected rewrap result %+v", err)
	}
	if inner.Op != "QBUF" {
		t.Error("Rewrapping must not modify the inner error")
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinelErr error = ErrNotReady

	structuredErr := &Error{Code: ErrCodeNotReady, Index: -1}
	if !errors.Is(structuredErr, ErrNotReady) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if sentinelErr.Error() != "v4l2: no buffer ready" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	wrappedErr := WrapError("DQBUF", syscall.EAGAIN)
	if !errors.Is(wrappedErr, ErrNotReady) {
		t.Error("Wrapped EAGAIN should match ErrNotReady")
	}
	if errors.Is(wrappedErr, ErrQueueBusy) {
		t.Error("Wrapped EAGAIN should not match ErrQueueBusy")
	}
}

func TestPlaneCountMismatch(t *testing.T) {
	err := planeCountMismatch("QBUF", "output", 0, 2, 1)

	if !errors.Is(err, ErrPlaneCountMismatch) {
		t.Error("Expected plane count mismatch")
	}
	var pce *PlaneCountError
	if !errors.As(err, &pce) {
		t.Fatal("Expected PlaneCountError inside")
	}
	if pce.Got != 2 || pce.Expected != 1 {
		t.Errorf("Expected got=2 expected=1, got %+v", pce)
	}
}

func TestDeviceRejected(t *testing.T) {
	err := deviceRejected("QBUF", "output", 2, fmt.Errorf("ioctl: %w", syscall.EINVAL))

	if !errors.Is(err, ErrDeviceRejected) {
		t.Error("Expected device rejected")
	}
	if err.Errno != syscall.EINVAL {
		t.Errorf("Expected Errno=EINVAL, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.EINVAL) {
		t.Error("Expected errno to stay reachable")
	}
}

func TestQueueError(t *testing.T) {
	handles := PlaneHandles[UserPtrHandle]{{Data: make([]byte, 16)}}
	var err error = &QueueError[UserPtrHandle]{Err: ErrDeviceRejected, Handles: handles}

	var qe *QueueError[UserPtrHandle]
	if !errors.As(err, &qe) {
		t.Fatal("Expected QueueError")
	}
	if len(qe.Handles) != 1 || len(qe.Handles[0].Data) != 16 {
		t.Errorf("Expected handles back, got %+v", qe.Handles)
	}
	if !errors.Is(err, ErrDeviceRejected) {
		t.Error("QueueError should unwrap to its cause")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeEndOfStream, "drained")

	if !IsCode(err, ErrCodeEndOfStream) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeEndOfStream) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("TEST", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}
	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}
	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.EAGAIN, ErrCodeNotReady},
		{syscall.EPIPE, ErrCodeEndOfStream},
		{syscall.ENOENT, ErrCodeDeviceNotFound},
		{syscall.ENODEV, ErrCodeDeviceNotFound},
		{syscall.EBUSY, ErrCodeQueueBusy},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ENOTTY, ErrCodeNotSupported},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
