// Package v4l2 provides typed, user-space management of V4L2 multi-planar
// buffer queues.
//
// A queue moves through two phases. A *Queue[D] is in its initial phase,
// where the format can be negotiated. AllocateCapture and AllocateOutput
// request buffers and return the allocated phase, a *CaptureQueue[H] or
// *OutputQueue[H], bound to one memory handle kind H (MMAPHandle,
// UserPtrHandle, DmaBufHandle). Free goes back.
//
// Each allocated slot cycles Free -> Queued -> Dequeued -> Free. A buffer
// obtained with GetFreeBuffer is submitted with QueueWithHandles (or the
// self-backed shortcuts for MMAP); if it is released or dropped without a
// successful submission, the slot returns to Free on its own. Dequeue
// retrieves completed buffers as *DQBuffer values that own the handles
// until they are recycled or released.
package v4l2

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-v4l2/internal/logging"
	"github.com/ehrlich-b/go-v4l2/internal/uapi"
)

// Direction is the data direction of a queue: Capture or Output.
type Direction interface {
	BufType() BufType
	String() string
	capMask() uint32
}

// Capture is the device-to-application direction.
type Capture struct{}

func (Capture) BufType() BufType { return BufTypeCaptureMPlane }
func (Capture) String() string   { return "capture" }
func (Capture) capMask() uint32 {
	return uapi.V4L2_CAP_VIDEO_CAPTURE_MPLANE | uapi.V4L2_CAP_VIDEO_M2M_MPLANE
}

// Output is the application-to-device direction.
type Output struct{}

func (Output) BufType() BufType { return BufTypeOutputMPlane }
func (Output) String() string   { return "output" }
func (Output) capMask() uint32 {
	return uapi.V4L2_CAP_VIDEO_OUTPUT_MPLANE | uapi.V4L2_CAP_VIDEO_M2M_MPLANE
}

// Options contains additional options for queue creation
type Options struct {
	// Logger for debug/info messages (if nil, no logging)
	Logger Logger

	// Observer for metrics collection (if nil, uses no-op observer)
	Observer Observer
}

// Only one queue per device and direction may exist at a time.
type claimKey struct {
	dev Device
	t   BufType
}

// claim is the value stored for a claimed key. A queue only ever deletes
// its own claim.
type claim struct {
	key claimKey
}

func (c *claim) release() { claims.CompareAndDelete(c.key, c) }

var claims sync.Map

// Queue is a queue without buffers. Its format can be changed freely.
type Queue[D Direction] struct {
	dev      Device
	dir      D
	log      Logger
	observer Observer
	claim    *claim
	cleanup  runtime.Cleanup

	mu        sync.Mutex
	allocated bool
	closed    bool
}

// NewCaptureQueue claims the capture queue of dev. The claim lasts until
// Close, or until the queue and every allocated queue built from it are
// garbage collected.
func NewCaptureQueue(dev Device, options *Options) (*Queue[Capture], error) {
	return newQueue[Capture](dev, options)
}

// NewOutputQueue claims the output queue of dev. The claim is held like
// the one taken by NewCaptureQueue.
func NewOutputQueue(dev Device, options *Options) (*Queue[Output], error) {
	return newQueue[Output](dev, options)
}

func newQueue[D Direction](dev Device, options *Options) (*Queue[D], error) {
	var dir D
	if dev == nil {
		return nil, NewError("OPEN", ErrCodeInvalidParameters, "nil device")
	}
	if options == nil {
		options = &Options{}
	}

	caps, err := dev.QueryCapability()
	if err != nil {
		return nil, WrapError("QUERYCAP", err)
	}
	if caps.Caps&dir.capMask() == 0 {
		return nil, &Error{
			Op:    "QUERYCAP",
			Queue: dir.String(),
			Index: -1,
			Code:  ErrCodeNotSupported,
			Msg:   fmt.Sprintf("device %q has no multi-planar %s queue", caps.Card, dir),
		}
	}

	c := &claim{key: claimKey{dev, dir.BufType()}}
	if _, taken := claims.LoadOrStore(c.key, c); taken {
		return nil, &Error{Op: "OPEN", Queue: dir.String(), Index: -1, Code: ErrCodeQueueBusy, Msg: "queue already claimed"}
	}

	var log Logger = logging.Nop()
	if options.Logger != nil {
		log = options.Logger
	}
	if zl, ok := log.(*logging.Logger); ok {
		if nd, ok := dev.(NamedDevice); ok {
			zl = zl.WithDevice(nd.Path())
		}
		log = zl.WithQueue(dir.String())
	}

	var observer Observer = NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	}

	log.Debugf("claimed %s queue of %s", dir, caps.Card)
	q := &Queue[D]{dev: dev, dir: dir, log: log, observer: observer, claim: c}
	q.cleanup = runtime.AddCleanup(q, (*claim).release, c)
	return q, nil
}

// Type returns the V4L2 buffer type of the queue.
func (q *Queue[D]) Type() BufType { return q.dir.BufType() }

// usable must be called with q.mu held.
func (q *Queue[D]) usable(op string) error {
	switch {
	case q.closed:
		return &Error{Op: op, Queue: q.dir.String(), Index: -1, Code: ErrCodeInvalidState, Msg: "queue closed"}
	case q.allocated:
		return &Error{Op: op, Queue: q.dir.String(), Index: -1, Code: ErrCodeInvalidState, Msg: "queue has buffers allocated"}
	}
	return nil
}

// Format returns the current format of the queue.
func (q *Queue[D]) Format() (Format, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Format{}, q.usable("G_FMT")
	}
	f, err := q.dev.GetFormat(q.dir.BufType())
	if err != nil {
		return Format{}, q.wrap("G_FMT", err)
	}
	return f, nil
}

// SetFormat applies f and returns the format chosen by the driver.
func (q *Queue[D]) SetFormat(f Format) (Format, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable("S_FMT"); err != nil {
		return Format{}, err
	}
	got, err := q.dev.SetFormat(q.dir.BufType(), f)
	if err != nil {
		return Format{}, q.wrap("S_FMT", err)
	}
	q.log.Debugf("%s format set to %s %dx%d, %d planes", q.dir, got.PixelFormat, got.Width, got.Height, len(got.Planes))
	return got, nil
}

// TryFormat negotiates f without applying it.
func (q *Queue[D]) TryFormat(f Format) (Format, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Format{}, q.usable("TRY_FMT")
	}
	got, err := q.dev.TryFormat(q.dir.BufType(), f)
	if err != nil {
		return Format{}, q.wrap("TRY_FMT", err)
	}
	return got, nil
}

// Close gives the direction back so another queue can claim it.
func (q *Queue[D]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable("CLOSE"); err != nil {
		return err
	}
	q.closed = true
	q.cleanup.Stop()
	q.claim.release()
	return nil
}

func (q *Queue[D]) wrap(op string, err error) *Error {
	e := WrapError(op, err)
	e.Queue = q.dir.String()
	return e
}

func allocationFailed(op, queue string, inner error) *Error {
	e := &Error{Op: op, Queue: queue, Index: -1, Code: ErrCodeAllocationFailed, Inner: inner}
	if inner != nil {
		e.Msg = "buffer allocation failed: " + inner.Error()
		if errno, ok := inner.(syscall.Errno); ok {
			e.Errno = errno
		}
	}
	return e
}

// allocate requests count buffers of kind H. On any failure the queue
// stays in its initial phase.
func allocate[D Direction, H PlaneHandle](q *Queue[D], count int) (*bufferQueue[D, H], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable("REQBUFS"); err != nil {
		return nil, err
	}

	var kind H
	mem := kind.MemoryType()
	t := q.dir.BufType()
	dir := q.dir.String()

	if count <= 0 || count > MaxBuffers {
		return nil, allocationFailed("REQBUFS", dir, fmt.Errorf("invalid buffer count %d", count))
	}

	got, err := q.dev.RequestBuffers(t, mem, uint32(count))
	if err != nil {
		return nil, allocationFailed("REQBUFS", dir, err)
	}
	if got == 0 {
		return nil, allocationFailed("REQBUFS", dir, fmt.Errorf("device allocated no %s buffers", mem))
	}

	infos := make([]BufferInfo, got)
	for i := range infos {
		info, err := q.dev.QueryBuffer(t, mem, i)
		if err == nil && len(info.Planes) == 0 {
			err = fmt.Errorf("buffer %d has no planes", i)
		}
		if err != nil {
			if _, rerr := q.dev.RequestBuffers(t, mem, 0); rerr != nil {
				q.log.Warnf("releasing %s buffers after failed query: %v", dir, rerr)
			}
			return nil, allocationFailed("QUERYBUF", dir, err)
		}
		info.Index = i
		infos[i] = info
	}

	q.allocated = true
	q.log.Debugf("allocated %d %s buffers (%d requested), %d planes each", got, mem, count, len(infos[0].Planes))

	return &bufferQueue[D, H]{
		init:      q,
		dev:       q.dev,
		dir:       q.dir,
		mem:       mem,
		numPlanes: len(infos[0].Planes),
		reg:       newRegistry(infos, dir, q.log, q.observer),
		log:       q.log,
		observer:  q.observer,
	}, nil
}

// bufferQueue holds what both allocated directions share.
type bufferQueue[D Direction, H PlaneHandle] struct {
	init      *Queue[D]
	dev       Device
	dir       D
	mem       MemoryType
	numPlanes int
	reg       *registry
	log       Logger
	observer  Observer

	// mu is held exclusively by Free and StreamOff, shared by operations
	// that hand out buffers.
	mu        sync.RWMutex
	streaming atomic.Bool
	freed     atomic.Bool
}

// NumBuffers returns the number of allocated slots.
func (q *bufferQueue[D, H]) NumBuffers() int { return len(q.reg.slots) }

// NumFreeBuffers returns the number of slots that can be claimed.
func (q *bufferQueue[D, H]) NumFreeBuffers() int { return q.reg.numFree() }

// NumQueuedBuffers returns the number of slots owned by the device.
func (q *bufferQueue[D, H]) NumQueuedBuffers() int { return int(q.reg.queued.Load()) }

// MemoryType returns the memory type the buffers were allocated with.
func (q *bufferQueue[D, H]) MemoryType() MemoryType { return q.mem }

// Type returns the V4L2 buffer type of the queue.
func (q *bufferQueue[D, H]) Type() BufType { return q.dir.BufType() }

// IsStreaming reports whether StreamOn has been called.
func (q *bufferQueue[D, H]) IsStreaming() bool { return q.streaming.Load() }

// State returns the state of one slot.
func (q *bufferQueue[D, H]) State(index int) (BufferState, bool) {
	s := q.reg.get(index)
	if s == nil {
		return 0, false
	}
	return s.State(), true
}

// PlaneInfo returns the static plane information of one slot.
func (q *bufferQueue[D, H]) PlaneInfo(index int) ([]PlaneInfo, bool) {
	s := q.reg.get(index)
	if s == nil {
		return nil, false
	}
	return s.features.Planes, true
}

func (q *bufferQueue[D, H]) errorf(op string, index int, code ErrorCode, format string, args ...any) *Error {
	return NewBufferError(op, q.dir.String(), index, code, fmt.Sprintf(format, args...))
}

func (q *bufferQueue[D, H]) checkLive(op string) error {
	if q.freed.Load() {
		return q.errorf(op, -1, ErrCodeInvalidState, "queue buffers were freed")
	}
	return nil
}

// claim binds a pre-submission buffer to the slot at index.
func (q *bufferQueue[D, H]) claim(index int) (*qbuffer[D, H], error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if err := q.checkLive("CLAIM"); err != nil {
		return nil, err
	}
	s := q.reg.get(index)
	if s == nil {
		return nil, q.errorf("CLAIM", index, ErrCodeInvalidParameters, "no buffer %d (queue has %d)", index, q.NumBuffers())
	}
	if _, ok := q.reg.transition(s, BufferStateFree, BufferStatePreQueue, nil); !ok {
		return nil, q.errorf("CLAIM", index, ErrCodeQueueBusy, "buffer %d is %s", index, s.State())
	}
	return q.newQBuffer(s), nil
}

// claimFree binds a pre-submission buffer to the lowest Free slot.
func (q *bufferQueue[D, H]) claimFree() (*qbuffer[D, H], bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.freed.Load() {
		return nil, false
	}
	s, ok := q.reg.claimFree()
	if !ok {
		return nil, false
	}
	return q.newQBuffer(s), true
}

// StreamOn starts streaming.
func (q *bufferQueue[D, H]) StreamOn() error {
	if err := q.checkLive("STREAMON"); err != nil {
		return err
	}
	if err := q.dev.StreamOn(q.dir.BufType()); err != nil {
		e := WrapError("STREAMON", err)
		e.Queue = q.dir.String()
		return e
	}
	q.streaming.Store(true)
	q.log.Debugf("%s streaming on", q.dir)
	return nil
}

// StreamOff stops streaming. The device gives up every queued buffer; their
// slots return to Free and their handle sets are returned to the caller.
func (q *bufferQueue[D, H]) StreamOff() ([]PlaneHandles[H], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLive("STREAMOFF"); err != nil {
		return nil, err
	}
	if err := q.dev.StreamOff(q.dir.BufType()); err != nil {
		e := WrapError("STREAMOFF", err)
		e.Queue = q.dir.String()
		return nil, e
	}
	q.streaming.Store(false)

	var returned []PlaneHandles[H]
	for _, s := range q.reg.slots {
		h, ok := q.reg.transition(s, BufferStateQueued, BufferStateFree, nil)
		if !ok {
			continue
		}
		typed, ok := HandlesAs[H](h)
		if !ok {
			panic(fmt.Sprintf("v4l2: inconsistent buffer state: %s slot %d held %T", q.dir, s.features.Index, h))
		}
		returned = append(returned, typed)
	}
	q.observer.ObserveQueueDepth(q.dir.String(), 0)
	q.log.Debugf("%s streaming off, %d buffers returned", q.dir, len(returned))
	return returned, nil
}

// Dequeue retrieves the next buffer the device has completed. On a
// non-blocking device it fails with ErrNotReady when none is available.
func (q *bufferQueue[D, H]) Dequeue() (*DQBuffer[D, H], error) {
	if err := q.checkLive("DQBUF"); err != nil {
		return nil, err
	}
	dir := q.dir.String()

	start := time.Now()
	c, err := q.dev.DequeueBuffer(q.dir.BufType(), q.mem, q.numPlanes)
	latency := uint64(time.Since(start))
	if err != nil {
		e := WrapError("DQBUF", err)
		e.Queue = dir
		if e.Code != ErrCodeNotReady {
			q.observer.ObserveDequeue(dir, 0, latency, false)
		}
		return nil, e
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	s := q.reg.get(c.Index)
	if s == nil {
		q.log.Errorf("device returned unknown %s buffer %d", dir, c.Index)
		return nil, q.errorf("DQBUF", c.Index, ErrCodeInconsistentState, "device returned unknown buffer %d", c.Index)
	}
	h, ok := q.reg.transition(s, BufferStateQueued, BufferStateDequeued, nil)
	if !ok {
		st := s.State()
		q.log.Errorf("device returned %s buffer %d which is %s", dir, c.Index, st)
		return nil, q.errorf("DQBUF", c.Index, ErrCodeInconsistentState, "buffer %d retrieved while %s", c.Index, st)
	}
	handles, ok := HandlesAs[H](h)
	if !ok {
		panic(fmt.Sprintf("v4l2: inconsistent buffer state: %s slot %d held %T", dir, c.Index, h))
	}

	dq := newDQBuffer(q, s, c, handles)
	q.observer.ObserveDequeue(dir, uint64(dq.TotalBytesUsed()), latency, true)
	q.observer.ObserveQueueDepth(dir, uint32(q.reg.queued.Load()))
	q.log.Debugf("dequeued %s buffer %d seq %d", dir, c.Index, c.Sequence)
	return dq, nil
}

// ExportPlane exports one plane of an MMAP slot as a DMABUF, so it can be
// imported by another device.
func (q *bufferQueue[D, H]) ExportPlane(index, plane int) (DmaBufHandle, error) {
	if err := q.checkLive("EXPBUF"); err != nil {
		return DmaBufHandle{}, err
	}
	if q.mem != MemoryMMAP {
		return DmaBufHandle{}, q.errorf("EXPBUF", index, ErrCodeNotSupported, "cannot export %s buffers", q.mem)
	}
	s := q.reg.get(index)
	if s == nil || plane < 0 || plane >= len(s.features.Planes) {
		return DmaBufHandle{}, q.errorf("EXPBUF", index, ErrCodeInvalidParameters, "no plane %d of buffer %d", plane, index)
	}
	fd, err := q.dev.ExportBuffer(q.dir.BufType(), index, plane)
	if err != nil {
		e := WrapError("EXPBUF", err)
		e.Queue, e.Index = q.dir.String(), index
		return DmaBufHandle{}, e
	}
	return DmaBufHandle{Fd: fd, Length: s.features.Planes[plane].Length}, nil
}

// Free releases every buffer and returns the queue to its initial phase.
// It fails with ErrQueueBusy while any slot is not Free or any buffer
// obtained from the queue is still held.
func (q *bufferQueue[D, H]) Free() (*Queue[D], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLive("REQBUFS"); err != nil {
		return nil, err
	}
	if reason := q.reg.busy(); reason != "" {
		return nil, q.errorf("REQBUFS", -1, ErrCodeQueueBusy, "cannot free buffers: %s", reason)
	}

	t := q.dir.BufType()
	if q.streaming.Load() {
		if err := q.dev.StreamOff(t); err != nil {
			e := WrapError("STREAMOFF", err)
			e.Queue = q.dir.String()
			return nil, e
		}
		q.streaming.Store(false)
	}
	if _, err := q.dev.RequestBuffers(t, q.mem, 0); err != nil {
		e := WrapError("REQBUFS", err)
		e.Queue = q.dir.String()
		return nil, e
	}

	q.reg.release()
	q.freed.Store(true)

	q.init.mu.Lock()
	q.init.allocated = false
	q.init.mu.Unlock()

	q.log.Debugf("freed %d %s buffers", len(q.reg.slots), q.dir)
	return q.init, nil
}

// CaptureQueue is an allocated capture queue bound to handle kind H.
type CaptureQueue[H PlaneHandle] struct {
	*bufferQueue[Capture, H]
}

// AllocateCapture requests count capture buffers of kind H. The driver may
// allocate fewer or more; NumBuffers reports the outcome.
func AllocateCapture[H PlaneHandle](q *Queue[Capture], count int) (*CaptureQueue[H], error) {
	core, err := allocate[Capture, H](q, count)
	if err != nil {
		return nil, err
	}
	return &CaptureQueue[H]{core}, nil
}

// GetFreeBuffer claims the lowest Free slot, or reports false if none is.
func (q *CaptureQueue[H]) GetFreeBuffer() (*CaptureBuffer[H], bool) {
	b, ok := q.claimFree()
	if !ok {
		return nil, false
	}
	return &CaptureBuffer[H]{b}, true
}

// GetBuffer claims the slot at index.
func (q *CaptureQueue[H]) GetBuffer(index int) (*CaptureBuffer[H], error) {
	b, err := q.claim(index)
	if err != nil {
		return nil, err
	}
	return &CaptureBuffer[H]{b}, nil
}

// OutputQueue is an allocated output queue bound to handle kind H.
type OutputQueue[H PlaneHandle] struct {
	*bufferQueue[Output, H]
}

// AllocateOutput requests count output buffers of kind H.
func AllocateOutput[H PlaneHandle](q *Queue[Output], count int) (*OutputQueue[H], error) {
	core, err := allocate[Output, H](q, count)
	if err != nil {
		return nil, err
	}
	return &OutputQueue[H]{core}, nil
}

// GetFreeBuffer claims the lowest Free slot, or reports false if none is.
func (q *OutputQueue[H]) GetFreeBuffer() (*OutputBuffer[H], bool) {
	b, ok := q.claimFree()
	if !ok {
		return nil, false
	}
	return &OutputBuffer[H]{b}, true
}

// GetBuffer claims the slot at index.
func (q *OutputQueue[H]) GetBuffer(index int) (*OutputBuffer[H], error) {
	b, err := q.claim(index)
	if err != nil {
		return nil, err
	}
	return &OutputBuffer[H]{b}, nil
}
