package v4l2

import (
	"fmt"
	"runtime"
	"time"
)

// qbuffer is a claimed slot that has not been submitted yet. It holds the
// slot's fuse: whatever path ends its life without a successful submission
// returns the slot to Free.
type qbuffer[D Direction, H PlaneHandle] struct {
	queue     *bufferQueue[D, H]
	slot      *bufferSlot
	fuse      *stateFuse
	cleanup   runtime.Cleanup
	timestamp time.Duration
}

func (q *bufferQueue[D, H]) newQBuffer(s *bufferSlot) *qbuffer[D, H] {
	b := &qbuffer[D, H]{
		queue: q,
		slot:  s,
		fuse:  newStateFuse(q.reg, s.features.Index),
	}
	b.cleanup = runtime.AddCleanup(b, func(f *stateFuse) { f.fire() }, b.fuse)
	return b
}

// Index returns the slot the buffer is bound to.
func (b *qbuffer[D, H]) Index() int { return b.slot.features.Index }

// NumExpectedPlanes returns the number of handles a submission must carry.
func (b *qbuffer[D, H]) NumExpectedPlanes() int { return len(b.slot.features.Planes) }

// PlaneInfo returns the static information of each plane of the slot.
func (b *qbuffer[D, H]) PlaneInfo() []PlaneInfo { return b.slot.features.Planes }

// SetTimestamp sets the timestamp submitted with the buffer. Output
// timestamps are copied to the matching capture buffer by M2M drivers.
func (b *qbuffer[D, H]) SetTimestamp(ts time.Duration) { b.timestamp = ts }

// Release gives the slot back without submitting. It is safe to call after
// a submission and may be deferred right after claiming.
func (b *qbuffer[D, H]) Release() {
	b.cleanup.Stop()
	b.fuse.fire()
}

// submit hands the buffer and its handles to the device. The buffer is
// consumed whatever the outcome; on failure the handles come back inside
// a *QueueError and the slot is Free again.
func (b *qbuffer[D, H]) submit(handles PlaneHandles[H], bytesUsed []int, withBytes bool) error {
	defer b.Release()

	q := b.queue
	dir := q.dir.String()
	index := b.Index()
	fail := func(err error) error {
		return &QueueError[H]{Err: err, Handles: handles}
	}

	if !b.fuse.isArmed() {
		return fail(q.errorf("QBUF", index, ErrCodeInvalidState, "buffer %d already consumed", index))
	}

	expected := b.NumExpectedPlanes()
	if len(handles) != expected {
		return fail(planeCountMismatch("QBUF", dir, index, len(handles), expected))
	}
	if withBytes && len(bytesUsed) != expected {
		return fail(planeCountMismatch("QBUF", dir, index, len(bytesUsed), expected))
	}

	planes := make([]PlaneDescriptor, expected)
	var total uint64
	for i := range planes {
		info := b.slot.features.Planes[i]
		planes[i] = PlaneDescriptor{Length: info.Length, MemOffset: info.MemOffset}
		handles[i].FillPlane(&planes[i])
		if withBytes {
			if bytesUsed[i] < 0 {
				return fail(q.errorf("QBUF", index, ErrCodeInvalidParameters, "negative bytes used on plane %d", i))
			}
			planes[i].BytesUsed = uint32(bytesUsed[i])
			total += uint64(bytesUsed[i])
		}
	}

	req := &QueueRequest{
		Type:      q.dir.BufType(),
		Memory:    q.mem,
		Index:     index,
		Planes:    planes,
		Timestamp: b.timestamp,
	}

	// The slot is Queued before the device sees it, since a fast device may
	// complete it before QueueBuffer returns. The read lock keeps StreamOff
	// and Free out until the outcome is settled.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.reg.get(index) != b.slot {
		panic(fmt.Sprintf("v4l2: inconsistent buffer state: %s slot %d vanished while submitted", dir, index))
	}
	if _, ok := q.reg.transition(b.slot, BufferStatePreQueue, BufferStateQueued, handles); !ok {
		panic(fmt.Sprintf("v4l2: inconsistent buffer state: %s slot %d was %s at submission", dir, index, b.slot.State()))
	}

	start := time.Now()
	err := q.dev.QueueBuffer(req)
	latency := uint64(time.Since(start))
	if err != nil {
		if _, ok := q.reg.transition(b.slot, BufferStateQueued, BufferStatePreQueue, nil); !ok {
			panic(fmt.Sprintf("v4l2: inconsistent buffer state: rejected %s slot %d was %s", dir, index, b.slot.State()))
		}
		q.observer.ObserveQueue(dir, 0, latency, false)
		q.log.Debugf("%s buffer %d rejected: %v", dir, index, err)
		return fail(deviceRejected("QBUF", dir, index, err))
	}

	// The device owns the slot now; the fuse must not reset it.
	b.fuse.disarm()

	q.observer.ObserveQueue(dir, total, latency, true)
	q.observer.ObserveQueueDepth(dir, uint32(q.reg.queued.Load()))
	return nil
}

// CaptureQueueable is implemented by capture buffers that accept a handle
// set of kind H.
type CaptureQueueable[H PlaneHandle] interface {
	QueueWithHandles(handles PlaneHandles[H]) error
}

// OutputQueueable is implemented by output buffers that accept a handle
// set of kind H together with the payload size of each plane.
type OutputQueueable[H PlaneHandle] interface {
	QueueWithHandles(handles PlaneHandles[H], bytesUsed []int) error
}

// CaptureBuffer is a claimed capture slot.
type CaptureBuffer[H PlaneHandle] struct {
	*qbuffer[Capture, H]
}

// QueueWithHandles submits the buffer backed by handles, one per plane.
// A failure returns a *QueueError[H] holding handles.
func (b *CaptureBuffer[H]) QueueWithHandles(handles PlaneHandles[H]) error {
	return b.submit(handles, nil, false)
}

// OutputBuffer is a claimed output slot.
type OutputBuffer[H PlaneHandle] struct {
	*qbuffer[Output, H]
}

// QueueWithHandles submits the buffer backed by handles, with bytesUsed[i]
// bytes of payload on plane i. Both slices must match the plane count.
// A failure returns a *QueueError[H] holding handles.
func (b *OutputBuffer[H]) QueueWithHandles(handles PlaneHandles[H], bytesUsed []int) error {
	return b.submit(handles, bytesUsed, true)
}

var (
	_ CaptureQueueable[MMAPHandle]    = (*CaptureBuffer[MMAPHandle])(nil)
	_ CaptureQueueable[UserPtrHandle] = (*CaptureBuffer[UserPtrHandle])(nil)
	_ CaptureQueueable[DmaBufHandle]  = (*CaptureBuffer[DmaBufHandle])(nil)
	_ OutputQueueable[MMAPHandle]     = (*OutputBuffer[MMAPHandle])(nil)
	_ OutputQueueable[UserPtrHandle]  = (*OutputBuffer[UserPtrHandle])(nil)
	_ OutputQueueable[DmaBufHandle]   = (*OutputBuffer[DmaBufHandle])(nil)
)

func selfBacked[H SelfBackedHandle](n int) PlaneHandles[H] {
	return make(PlaneHandles[H], n)
}

// QueueSelfBacked submits a capture buffer whose memory the device provides.
func QueueSelfBacked[H SelfBackedHandle](b *CaptureBuffer[H]) error {
	return b.QueueWithHandles(selfBacked[H](b.NumExpectedPlanes()))
}

// QueueSelfBackedOutput submits an output buffer whose memory the device
// provides, typically after filling it through OutputPlaneMapping.
func QueueSelfBackedOutput[H SelfBackedHandle](b *OutputBuffer[H], bytesUsed []int) error {
	return b.QueueWithHandles(selfBacked[H](b.NumExpectedPlanes()), bytesUsed)
}

// OutputPlaneMapping maps one plane of a claimed output buffer so it can be
// filled before submission. The mapping must not be used once the buffer
// has been submitted or released.
func OutputPlaneMapping[H MappableHandle](b *OutputBuffer[H], plane int) (*PlaneMapping, error) {
	index := b.Index()
	if !b.fuse.isArmed() {
		return nil, b.queue.errorf("MMAP", index, ErrCodeInvalidState, "buffer %d already consumed", index)
	}
	if plane < 0 || plane >= b.NumExpectedPlanes() {
		return nil, b.queue.errorf("MMAP", index, ErrCodeInvalidParameters, "no plane %d of buffer %d", plane, index)
	}
	var h H
	return h.Map(b.queue.dev, b.slot.features.Planes[plane])
}
