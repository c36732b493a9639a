package v4l2

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// dqRelease is what must happen when a retrieved buffer is let go without
// being recycled. It is kept apart from DQBuffer so the GC cleanup can run
// it without holding the buffer alive.
type dqRelease[H PlaneHandle] struct {
	fuse *stateFuse

	mu        sync.Mutex
	handles   PlaneHandles[H]
	callbacks []func(PlaneHandles[H])
}

func (r *dqRelease[H]) take() (PlaneHandles[H], []func(PlaneHandles[H])) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, cbs := r.handles, r.callbacks
	r.handles, r.callbacks = nil, nil
	return h, cbs
}

func (r *dqRelease[H]) run() {
	if !r.fuse.fire() {
		return
	}
	h, cbs := r.take()
	for _, cb := range cbs {
		cb(h)
	}
}

// DQBuffer is a buffer retrieved from the device. It owns the handles the
// buffer was submitted with until it is recycled or released.
type DQBuffer[D Direction, H PlaneHandle] struct {
	queue      *bufferQueue[D, H]
	slot       *bufferSlot
	completion *Completion
	rel        *dqRelease[H]
	cleanup    runtime.Cleanup
}

func newDQBuffer[D Direction, H PlaneHandle](q *bufferQueue[D, H], s *bufferSlot, c *Completion, handles PlaneHandles[H]) *DQBuffer[D, H] {
	b := &DQBuffer[D, H]{
		queue:      q,
		slot:       s,
		completion: c,
		rel: &dqRelease[H]{
			fuse:    newStateFuse(q.reg, s.features.Index),
			handles: handles,
		},
	}
	b.cleanup = runtime.AddCleanup(b, func(r *dqRelease[H]) { r.run() }, b.rel)
	return b
}

// Index returns the slot the buffer was retrieved from.
func (b *DQBuffer[D, H]) Index() int { return b.completion.Index }

// Sequence is the frame counter set by the driver.
func (b *DQBuffer[D, H]) Sequence() uint32 { return b.completion.Sequence }

// Timestamp is the buffer timestamp as an offset from the clock epoch.
func (b *DQBuffer[D, H]) Timestamp() time.Duration { return b.completion.Timestamp }

// Flags returns the raw V4L2_BUF_FLAG_* bits.
func (b *DQBuffer[D, H]) Flags() uint32 { return b.completion.Flags }

// Field returns the V4L2 field order of the frame.
func (b *DQBuffer[D, H]) Field() uint32 { return b.completion.Field }

// IsLast reports whether the driver marked this as the final buffer of a
// drain sequence.
func (b *DQBuffer[D, H]) IsLast() bool { return b.completion.Flags&BufFlagLast != 0 }

// IsKeyframe reports whether the driver flagged an encoded keyframe.
func (b *DQBuffer[D, H]) IsKeyframe() bool { return b.completion.Flags&BufFlagKeyframe != 0 }

// HasError reports whether the driver flagged the payload as corrupted.
func (b *DQBuffer[D, H]) HasError() bool { return b.completion.Flags&BufFlagError != 0 }

// NumPlanes returns how many planes the driver reported.
func (b *DQBuffer[D, H]) NumPlanes() int { return len(b.completion.Planes) }

// BytesUsed returns the payload size of a plane, data offset included.
func (b *DQBuffer[D, H]) BytesUsed(plane int) uint32 {
	if plane < 0 || plane >= len(b.completion.Planes) {
		return 0
	}
	return b.completion.Planes[plane].BytesUsed
}

// DataOffset returns where the payload of a plane starts.
func (b *DQBuffer[D, H]) DataOffset(plane int) uint32 {
	if plane < 0 || plane >= len(b.completion.Planes) {
		return 0
	}
	return b.completion.Planes[plane].DataOffset
}

// TotalBytesUsed is the payload size over all planes, data offsets excluded.
func (b *DQBuffer[D, H]) TotalBytesUsed() int {
	total := 0
	for _, p := range b.completion.Planes {
		if p.BytesUsed > p.DataOffset {
			total += int(p.BytesUsed - p.DataOffset)
		}
	}
	return total
}

// Handles returns the handle set the buffer owns. It is nil once the buffer
// has been recycled or released.
func (b *DQBuffer[D, H]) Handles() PlaneHandles[H] {
	b.rel.mu.Lock()
	defer b.rel.mu.Unlock()
	return b.rel.handles
}

// OnRelease registers fn to receive the handles if the buffer is released
// instead of recycled.
func (b *DQBuffer[D, H]) OnRelease(fn func(PlaneHandles[H])) {
	b.rel.mu.Lock()
	defer b.rel.mu.Unlock()
	b.rel.callbacks = append(b.rel.callbacks, fn)
}

// Recycle returns the slot to Free and hands the handles back. The handles
// can be submitted again through a newly claimed buffer.
func (b *DQBuffer[D, H]) Recycle() (PlaneHandles[H], error) {
	q := b.queue
	index := b.Index()
	if !b.rel.fuse.disarm() {
		return nil, q.errorf("RECYCLE", index, ErrCodeInvalidState, "buffer %d already recycled or released", index)
	}
	b.cleanup.Stop()
	handles, _ := b.rel.take()

	if _, ok := q.reg.transition(b.slot, BufferStateDequeued, BufferStateFree, nil); !ok {
		panic(fmt.Sprintf("v4l2: inconsistent buffer state: %s slot %d was %s at recycle", q.dir, index, b.slot.State()))
	}
	q.observer.ObserveRecycle(q.dir.String())
	return handles, nil
}

// Release returns the slot to Free and passes the handles to the OnRelease
// callbacks. It is a no-op after Recycle, so it may be deferred.
func (b *DQBuffer[D, H]) Release() {
	b.cleanup.Stop()
	b.rel.run()
}

// DQBufferPlaneMapping maps the payload of one plane of a retrieved buffer,
// from its data offset up to its bytes used. The mapping is only valid
// until the buffer is recycled or released.
func DQBufferPlaneMapping[D Direction, H MappableHandle](b *DQBuffer[D, H], plane int) (*PlaneMapping, error) {
	q := b.queue
	index := b.Index()
	handles := b.Handles()
	if handles == nil {
		return nil, q.errorf("MMAP", index, ErrCodeInvalidState, "buffer %d already recycled or released", index)
	}
	if plane < 0 || plane >= len(handles) || plane >= len(b.slot.features.Planes) {
		return nil, q.errorf("MMAP", index, ErrCodeInvalidParameters, "no plane %d of buffer %d", plane, index)
	}

	m, err := handles[plane].Map(q.dev, b.slot.features.Planes[plane])
	if err != nil {
		return nil, err
	}
	start, end := int(b.DataOffset(plane)), int(b.BytesUsed(plane))
	if end > len(m.data) || start > end {
		m.Close()
		return nil, q.errorf("MMAP", index, ErrCodeInconsistentState, "plane %d payload [%d:%d] exceeds %d mapped bytes", plane, start, end, len(m.data))
	}
	m.data = m.data[start:end]
	return m, nil
}
