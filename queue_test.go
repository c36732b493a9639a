package v4l2

import (
	"errors"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newCaptureQueue(t *testing.T, dev *MockDevice) *Queue[Capture] {
	t.Helper()
	q, err := NewCaptureQueue(dev, nil)
	require.NoError(t, err)
	return q
}

func newOutputQueue(t *testing.T, dev *MockDevice) *Queue[Output] {
	t.Helper()
	q, err := NewOutputQueue(dev, nil)
	require.NoError(t, err)
	return q
}

func allocCapture[H PlaneHandle](t *testing.T, dev *MockDevice, n int) *CaptureQueue[H] {
	t.Helper()
	q, err := AllocateCapture[H](newCaptureQueue(t, dev), n)
	require.NoError(t, err)
	return q
}

func allocOutput[H PlaneHandle](t *testing.T, dev *MockDevice, n int) *OutputQueue[H] {
	t.Helper()
	q, err := AllocateOutput[H](newOutputQueue(t, dev), n)
	require.NoError(t, err)
	return q
}

func TestDirections(t *testing.T) {
	require.Equal(t, BufTypeCaptureMPlane, Capture{}.BufType())
	require.Equal(t, BufTypeOutputMPlane, Output{}.BufType())
	require.Equal(t, "capture", Capture{}.String())
	require.Equal(t, "output", Output{}.String())
}

func TestNewQueueCapabilities(t *testing.T) {
	t.Run("capture only device", func(t *testing.T) {
		dev := NewMockDevice()
		dev.SetCapabilities(CapVideoCaptureMPlane | CapStreaming)

		q, err := NewCaptureQueue(dev, nil)
		require.NoError(t, err)
		require.Equal(t, BufTypeCaptureMPlane, q.Type())

		_, err = NewOutputQueue(dev, nil)
		require.ErrorIs(t, err, ErrNotSupported)
	})

	t.Run("m2m device offers both", func(t *testing.T) {
		dev := NewMockDevice()
		_, err := NewCaptureQueue(dev, nil)
		require.NoError(t, err)
		_, err = NewOutputQueue(dev, nil)
		require.NoError(t, err)
	})

	t.Run("querycap failure", func(t *testing.T) {
		dev := NewMockDevice()
		dev.SetError("QUERYCAP", syscall.ENOTTY)
		_, err := NewCaptureQueue(dev, nil)
		require.ErrorIs(t, err, ErrNotSupported)
	})

	t.Run("nil device", func(t *testing.T) {
		_, err := NewCaptureQueue(nil, nil)
		require.ErrorIs(t, err, ErrInvalidParameters)
	})
}

func TestQueueExclusive(t *testing.T) {
	dev := NewMockDevice()

	q := newCaptureQueue(t, dev)
	_, err := NewCaptureQueue(dev, nil)
	require.ErrorIs(t, err, ErrQueueBusy)

	require.NoError(t, q.Close())
	again, err := NewCaptureQueue(dev, nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())

	// closing twice is an error, not a second release
	require.ErrorIs(t, q.Close(), ErrInvalidState)
}

func TestDroppedQueueReleasesClaim(t *testing.T) {
	dev := NewMockDevice()

	func() {
		_, err := NewOutputQueue(dev, nil)
		require.NoError(t, err)
	}()

	var again *Queue[Output]
	require.Eventually(t, func() bool {
		runtime.GC()
		q, err := NewOutputQueue(dev, nil)
		if err != nil {
			return false
		}
		again = q
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// a later collection of the old queue must not drop the new claim
	runtime.GC()
	_, err := NewOutputQueue(dev, nil)
	require.ErrorIs(t, err, ErrQueueBusy)
	require.NoError(t, again.Close())
}

func TestQueueFormat(t *testing.T) {
	dev := NewMockDevice()
	q := newCaptureQueue(t, dev)

	f, err := q.Format()
	require.NoError(t, err)
	require.Equal(t, FourCC("RGB3"), f.PixelFormat)
	require.EqualValues(t, 640, f.Width)

	got, err := q.ChangeFormat().SetPixelFormat(FourCC("FWHT")).SetSize(320, 240).Apply()
	require.NoError(t, err)
	require.Equal(t, "FWHT", got.PixelFormat.String())
	require.EqualValues(t, 320, got.Width)
	require.Len(t, got.Planes, 1)
	require.EqualValues(t, 320*240*3, got.Planes[0].SizeImage)

	tried, err := q.ChangeFormat().SetPlanes(PlaneFormat{SizeImage: 100}, PlaneFormat{SizeImage: 50}).Try()
	require.NoError(t, err)
	require.Len(t, tried.Planes, 2)

	// try does not apply
	f, err = q.Format()
	require.NoError(t, err)
	require.Len(t, f.Planes, 1)

	_, err = q.ChangeFormat().SetPlanes(make([]PlaneFormat, MaxPlanes+1)...).Apply()
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestFormatDeviceError(t *testing.T) {
	dev := NewMockDevice()
	q := newOutputQueue(t, dev)
	dev.SetError("S_FMT", syscall.EINVAL)

	_, err := q.ChangeFormat().SetSize(1, 1).Apply()
	require.ErrorIs(t, err, ErrInvalidParameters)

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, "S_FMT", e.Op)
	require.Equal(t, "output", e.Queue)
}

func TestAllocate(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 2)

	require.Equal(t, 2, q.NumBuffers())
	require.Equal(t, 2, q.NumFreeBuffers())
	require.Equal(t, MemoryMMAP, q.MemoryType())
	require.Equal(t, BufTypeCaptureMPlane, q.Type())
	require.Equal(t, 2, dev.NumAllocated(BufTypeCaptureMPlane))

	for i := 0; i < 2; i++ {
		state, ok := q.State(i)
		require.True(t, ok)
		require.Equal(t, BufferStateFree, state)

		planes, ok := q.PlaneInfo(i)
		require.True(t, ok)
		require.Len(t, planes, 1)
		require.EqualValues(t, 640*480*3, planes[0].Length)
	}
	_, ok := q.State(2)
	require.False(t, ok)
}

func TestAllocateDriverAdjustsCount(t *testing.T) {
	dev := NewMockDevice()
	dev.SetMaxBuffers(3)

	q := allocOutput[UserPtrHandle](t, dev, 8)
	require.Equal(t, 3, q.NumBuffers())
}

func TestAllocateFailureStaysInit(t *testing.T) {
	dev := NewMockDevice()
	init := newCaptureQueue(t, dev)

	_, err := AllocateCapture[MMAPHandle](init, 0)
	require.ErrorIs(t, err, ErrAllocationFailed)

	_, err = AllocateCapture[MMAPHandle](init, MaxBuffers+1)
	require.ErrorIs(t, err, ErrAllocationFailed)

	dev.SetError("REQBUFS", syscall.ENOMEM)
	_, err = AllocateCapture[MMAPHandle](init, 2)
	require.ErrorIs(t, err, ErrAllocationFailed)
	require.True(t, IsErrno(err, syscall.ENOMEM))
	dev.SetError("REQBUFS", nil)

	dev.SetMaxBuffers(0)
	_, err = AllocateCapture[MMAPHandle](init, 2)
	require.ErrorIs(t, err, ErrAllocationFailed)
	dev.SetMaxBuffers(MaxBuffers)

	dev.SetError("QUERYBUF", syscall.EIO)
	_, err = AllocateCapture[MMAPHandle](init, 2)
	require.ErrorIs(t, err, ErrAllocationFailed)
	require.Equal(t, 0, dev.NumAllocated(BufTypeCaptureMPlane), "buffers must be given back after a failed query")
	dev.SetError("QUERYBUF", nil)

	// still in the initial phase: format changes and allocation work
	_, err = init.SetFormat(Format{Width: 64, Height: 64})
	require.NoError(t, err)
	q, err := AllocateCapture[MMAPHandle](init, 2)
	require.NoError(t, err)
	require.Equal(t, 2, q.NumBuffers())
}

func TestReconfigurationBlockedWhileAllocated(t *testing.T) {
	dev := NewMockDevice()
	init := newCaptureQueue(t, dev)
	q, err := AllocateCapture[MMAPHandle](init, 2)
	require.NoError(t, err)

	_, err = init.SetFormat(Format{Width: 64, Height: 64})
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = AllocateCapture[MMAPHandle](init, 2)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, init.Close(), ErrInvalidState)

	back, err := q.Free()
	require.NoError(t, err)
	require.Same(t, init, back)

	_, err = back.SetFormat(Format{Width: 64, Height: 64})
	require.NoError(t, err)
	require.NoError(t, back.Close())
}

// Scenario: two slots, two claims exhaust them, a third finds nothing.
func TestClaimExhaustsFreeSlots(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 2)

	b, ok := q.GetFreeBuffer()
	require.True(t, ok)
	first := b.Index()
	require.NoError(t, b.QueueWithHandles(PlaneHandles[MMAPHandle]{{}}))

	state, _ := q.State(first)
	require.Equal(t, BufferStateQueued, state)
	require.Equal(t, 1, q.NumFreeBuffers())

	b2, ok := q.GetFreeBuffer()
	require.True(t, ok)
	require.NotEqual(t, first, b2.Index())
	require.Equal(t, 0, q.NumFreeBuffers())

	_, ok = q.GetFreeBuffer()
	require.False(t, ok)

	b2.Release()
	require.Equal(t, 1, q.NumFreeBuffers())
}

func TestGetBuffer(t *testing.T) {
	dev := NewMockDevice()
	q := allocOutput[MMAPHandle](t, dev, 3)

	b, err := q.GetBuffer(2)
	require.NoError(t, err)
	require.Equal(t, 2, b.Index())

	_, err = q.GetBuffer(2)
	require.ErrorIs(t, err, ErrQueueBusy)

	_, err = q.GetBuffer(3)
	require.ErrorIs(t, err, ErrInvalidParameters)

	b.Release()
	b, err = q.GetBuffer(2)
	require.NoError(t, err)
	b.Release()
}

func TestFreeRejectedWhileBusy(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 2)

	b, ok := q.GetFreeBuffer()
	require.True(t, ok)
	_, err := q.Free()
	require.ErrorIs(t, err, ErrQueueBusy)

	require.NoError(t, QueueSelfBacked(b))
	_, err = q.Free()
	require.ErrorIs(t, err, ErrQueueBusy, "a queued slot blocks freeing")

	require.NoError(t, q.StreamOn())
	dev.Complete(BufTypeCaptureMPlane)
	dq, err := q.Dequeue()
	require.NoError(t, err)
	_, err = q.Free()
	require.ErrorIs(t, err, ErrQueueBusy, "a held retrieved buffer blocks freeing")

	_, err = dq.Recycle()
	require.NoError(t, err)

	_, err = q.Free()
	require.NoError(t, err)
	require.False(t, dev.IsStreaming(BufTypeCaptureMPlane))
	require.Equal(t, 0, dev.NumAllocated(BufTypeCaptureMPlane))

	// the allocated view is dead now
	_, ok = q.GetFreeBuffer()
	require.False(t, ok)
	_, err = q.GetBuffer(0)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = q.Dequeue()
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = q.Free()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestStreamOffReturnsHandles(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[UserPtrHandle](t, dev, 3)

	var submitted []PlaneHandles[UserPtrHandle]
	for i := 0; i < 2; i++ {
		b, ok := q.GetFreeBuffer()
		require.True(t, ok)
		h := PlaneHandles[UserPtrHandle]{{Data: make([]byte, 640*480*3)}}
		require.NoError(t, b.QueueWithHandles(h))
		submitted = append(submitted, h)
	}
	require.NoError(t, q.StreamOn())
	require.True(t, q.IsStreaming())
	require.Equal(t, 2, q.NumQueuedBuffers())

	returned, err := q.StreamOff()
	require.NoError(t, err)
	require.False(t, q.IsStreaming())
	require.Len(t, returned, 2)
	require.Equal(t, submitted, returned)
	require.Equal(t, 3, q.NumFreeBuffers())
	require.Equal(t, 0, dev.NumOwned(BufTypeCaptureMPlane))

	_, err = q.Free()
	require.NoError(t, err)
}

func TestStreamOffPanicsOnForeignHandles(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 1)

	s := q.reg.get(0)
	_, ok := q.reg.transition(s, BufferStateFree, BufferStateQueued, PlaneHandles[UserPtrHandle]{{Data: make([]byte, 16)}})
	require.True(t, ok)

	require.Panics(t, func() { _, _ = q.StreamOff() })
}

func TestStreamErrors(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 1)

	dev.SetError("STREAMON", syscall.EPIPE)
	require.ErrorIs(t, q.StreamOn(), ErrEndOfStream)
	require.False(t, q.IsStreaming())

	dev.SetError("STREAMOFF", syscall.EIO)
	_, err := q.StreamOff()
	require.Error(t, err)
}

func TestExportPlane(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 2)

	h, err := q.ExportPlane(1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 640*480*3, h.Length)
	require.Equal(t, MemoryDmaBuf, h.MemoryType())

	_, err = q.ExportPlane(1, 1)
	require.ErrorIs(t, err, ErrInvalidParameters)

	other := allocOutput[UserPtrHandle](t, dev, 1)
	_, err = other.ExportPlane(0, 0)
	require.ErrorIs(t, err, ErrNotSupported)
}
