package v4l2

import (
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBufferCycle(t *testing.T) {
	dev := NewMockDevice()
	m := NewMetrics()
	init, err := NewCaptureQueue(dev, &Options{Observer: NewMetricsObserver(m)})
	require.NoError(t, err)
	q, err := AllocateCapture[UserPtrHandle](init, 2)
	require.NoError(t, err)
	require.NoError(t, q.StreamOn())

	for round := 0; round < 3; round++ {
		b, ok := q.GetFreeBuffer()
		require.True(t, ok)
		index := b.Index()
		h := userPtrHandles(1)
		require.NoError(t, b.QueueWithHandles(h))

		state, _ := q.State(index)
		require.Equal(t, BufferStateQueued, state)

		_, err := q.Dequeue()
		require.ErrorIs(t, err, ErrNotReady)

		dev.CompleteWithFlags(BufTypeCaptureMPlane, BufFlagKeyframe, 4321)
		dq, err := q.Dequeue()
		require.NoError(t, err)
		require.Equal(t, index, dq.Index())
		require.EqualValues(t, round, dq.Sequence())
		require.True(t, dq.IsKeyframe())
		require.False(t, dq.IsLast())
		require.False(t, dq.HasError())
		require.Equal(t, 1, dq.NumPlanes())
		require.EqualValues(t, 4321, dq.BytesUsed(0))
		require.Zero(t, dq.BytesUsed(1))
		require.Equal(t, 4321, dq.TotalBytesUsed())

		state, _ = q.State(index)
		require.Equal(t, BufferStateDequeued, state)

		back, err := dq.Recycle()
		require.NoError(t, err)
		require.Same(t, &h[0], &back[0])

		state, _ = q.State(index)
		require.Equal(t, BufferStateFree, state)
	}

	snap := m.Snapshot()
	require.EqualValues(t, 3, snap.QueuedBuffers)
	require.EqualValues(t, 3, snap.DequeuedBuffers)
	require.EqualValues(t, 3, snap.RecycledBuffers)
	require.Zero(t, snap.DequeueErrors, "not ready is not an error")
	require.Zero(t, snap.FusesFired)
}

func TestRecycleOnce(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 1)
	require.NoError(t, q.StreamOn())

	b, _ := q.GetFreeBuffer()
	require.NoError(t, QueueSelfBacked(b))
	dev.Complete(BufTypeCaptureMPlane)
	dq, err := q.Dequeue()
	require.NoError(t, err)

	var released atomic.Int32
	dq.OnRelease(func(PlaneHandles[MMAPHandle]) { released.Add(1) })

	_, err = dq.Recycle()
	require.NoError(t, err)
	require.Nil(t, dq.Handles())

	_, err = dq.Recycle()
	require.ErrorIs(t, err, ErrInvalidState)

	// release after recycle does nothing, even once the slot is reused
	b, _ = q.GetFreeBuffer()
	dq.Release()
	state, _ := q.State(0)
	require.Equal(t, BufferStatePreQueue, state)
	require.Zero(t, released.Load())
	b.Release()
}

func TestReleaseCallsOnRelease(t *testing.T) {
	dev := NewMockDevice()
	q := allocOutput[UserPtrHandle](t, dev, 1)
	require.NoError(t, q.StreamOn())

	b, _ := q.GetFreeBuffer()
	h := userPtrHandles(1)
	require.NoError(t, b.QueueWithHandles(h, []int{64}))
	dev.Complete(BufTypeOutputMPlane)

	dq, err := q.Dequeue()
	require.NoError(t, err)
	require.EqualValues(t, 64, dq.BytesUsed(0))

	var got PlaneHandles[UserPtrHandle]
	dq.OnRelease(func(h PlaneHandles[UserPtrHandle]) { got = h })
	dq.Release()
	dq.Release()

	require.Same(t, &h[0], &got[0])
	require.Equal(t, 1, q.NumFreeBuffers())
	_, err = dq.Recycle()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDroppedDQBufferReturnsSlot(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 1)
	require.NoError(t, q.StreamOn())

	b, _ := q.GetFreeBuffer()
	require.NoError(t, QueueSelfBacked(b))
	dev.Complete(BufTypeCaptureMPlane)

	var released atomic.Int32
	func() {
		dq, err := q.Dequeue()
		require.NoError(t, err)
		dq.OnRelease(func(PlaneHandles[MMAPHandle]) { released.Add(1) })
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return q.NumFreeBuffers() == 1 && released.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDQBufferPlaneMapping(t *testing.T) {
	dev := NewMockDevice()
	q := allocCapture[MMAPHandle](t, dev, 1)
	require.NoError(t, q.StreamOn())

	b, _ := q.GetFreeBuffer()
	require.NoError(t, QueueSelfBacked(b))

	info, _ := q.PlaneInfo(0)
	mem, err := dev.Mmap(info[0].MemOffset, int(info[0].Length))
	require.NoError(t, err)
	copy(mem, "encoded-frame")
	dev.Complete(BufTypeCaptureMPlane, 7)

	dq, err := q.Dequeue()
	require.NoError(t, err)

	m, err := DQBufferPlaneMapping(dq, 0)
	require.NoError(t, err)
	require.Equal(t, "encoded", string(m.Data()))
	require.NoError(t, m.Close())

	_, err = DQBufferPlaneMapping(dq, 3)
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = dq.Recycle()
	require.NoError(t, err)
	_, err = DQBufferPlaneMapping(dq, 0)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDequeueErrors(t *testing.T) {
	dev := NewMockDevice()
	m := NewMetrics()
	init, err := NewCaptureQueue(dev, &Options{Observer: NewMetricsObserver(m)})
	require.NoError(t, err)
	q, err := AllocateCapture[MMAPHandle](init, 1)
	require.NoError(t, err)

	// not streaming
	_, err = q.Dequeue()
	require.ErrorIs(t, err, ErrInvalidParameters)

	require.NoError(t, q.StreamOn())
	dev.SetError("DQBUF", syscall.EPIPE)
	_, err = q.Dequeue()
	require.ErrorIs(t, err, ErrEndOfStream)
	require.EqualValues(t, 2, m.Snapshot().DequeueErrors)
}

// strayDevice reports a completion for a slot that was never submitted.
type strayDevice struct {
	*MockDevice
}

func (d *strayDevice) DequeueBuffer(t BufType, mem MemoryType, numPlanes int) (*Completion, error) {
	return &Completion{Index: 1, Planes: make([]PlaneResult, numPlanes)}, nil
}

func TestDequeueInconsistentIndex(t *testing.T) {
	dev := &strayDevice{NewMockDevice()}
	init, err := NewCaptureQueue(dev, nil)
	require.NoError(t, err)
	q, err := AllocateCapture[MMAPHandle](init, 2)
	require.NoError(t, err)

	b, _ := q.GetFreeBuffer()
	require.Equal(t, 0, b.Index())
	require.NoError(t, QueueSelfBacked(b))

	_, err = q.Dequeue()
	require.ErrorIs(t, err, ErrInconsistentState)

	state, _ := q.State(1)
	require.Equal(t, BufferStateFree, state)
	state, _ = q.State(0)
	require.Equal(t, BufferStateQueued, state)
}
