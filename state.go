package v4l2

import (
	"fmt"
	"sync"
	"sync/atomic"
	"weak"
)

// BufferState is the ownership state of one buffer slot
type BufferState int

const (
	BufferStateFree     BufferState = iota // Nobody holds the slot; it can be claimed
	BufferStatePreQueue                    // Claimed by a pre-submission buffer
	BufferStateQueued                      // Device owns the slot and its handles
	BufferStateDequeued                    // Retrieved; a DQBuffer owns the handles
)

func (s BufferState) String() string {
	switch s {
	case BufferStateFree:
		return "free"
	case BufferStatePreQueue:
		return "prequeue"
	case BufferStateQueued:
		return "queued"
	case BufferStateDequeued:
		return "dequeued"
	}
	return fmt.Sprintf("BufferState(%d)", int(s))
}

// bufferSlot is the registry record of one buffer. features never change
// after allocation; state and handles only change under mu.
type bufferSlot struct {
	features BufferInfo

	mu      sync.Mutex
	state   BufferState
	handles BufferHandles // non-nil only while Queued
}

func (s *bufferSlot) State() BufferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// registry owns the slots of an allocated queue. Every state change goes
// through update or transition.
type registry struct {
	slots    []*bufferSlot
	dir      string
	log      Logger
	observer Observer

	released atomic.Bool
	live     atomic.Int64 // buffers handed out and not yet finished
	queued   atomic.Int64
}

func newRegistry(infos []BufferInfo, dir string, log Logger, observer Observer) *registry {
	r := &registry{
		slots:    make([]*bufferSlot, len(infos)),
		dir:      dir,
		log:      log,
		observer: observer,
	}
	for i, info := range infos {
		r.slots[i] = &bufferSlot{features: info}
	}
	return r
}

// get returns the slot at index, or nil once the registry is released or
// for an index it never allocated.
func (r *registry) get(index int) *bufferSlot {
	if r.released.Load() || index < 0 || index >= len(r.slots) {
		return nil
	}
	return r.slots[index]
}

// update unconditionally moves a slot to state and returns what it held.
func (r *registry) update(s *bufferSlot, state BufferState, handles BufferHandles) (BufferState, BufferHandles) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, prevHandles := s.state, s.handles
	s.state, s.handles = state, handles
	r.countQueued(prev, state)
	return prev, prevHandles
}

// transition moves a slot from one state to another only if it is in from.
func (r *registry) transition(s *bufferSlot, from, to BufferState, handles BufferHandles) (BufferHandles, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return nil, false
	}
	prevHandles := s.handles
	s.state, s.handles = to, handles
	r.countQueued(from, to)
	return prevHandles, true
}

func (r *registry) countQueued(prev, next BufferState) {
	if prev == next {
		return
	}
	if prev == BufferStateQueued {
		r.queued.Add(-1)
	}
	if next == BufferStateQueued {
		r.queued.Add(1)
	}
}

// claimFree moves the lowest-indexed Free slot to PreQueue.
func (r *registry) claimFree() (*bufferSlot, bool) {
	if r.released.Load() {
		return nil, false
	}
	for _, s := range r.slots {
		if _, ok := r.transition(s, BufferStateFree, BufferStatePreQueue, nil); ok {
			return s, true
		}
	}
	return nil, false
}

func (r *registry) numFree() int {
	n := 0
	for _, s := range r.slots {
		if s.State() == BufferStateFree {
			n++
		}
	}
	return n
}

// busy reports why the registry cannot be dissolved, or "" if it can.
func (r *registry) busy() string {
	if n := r.live.Load(); n > 0 {
		return fmt.Sprintf("%d buffers still held", n)
	}
	for _, s := range r.slots {
		if st := s.State(); st != BufferStateFree {
			return fmt.Sprintf("buffer %d is %s", s.features.Index, st)
		}
	}
	return ""
}

func (r *registry) release() {
	r.released.Store(true)
}

// stateFuse guards one slot while a buffer object for it is alive. Unless
// disarmed, firing returns the slot to Free. It resolves the registry
// weakly, so a fuse outliving its queue does nothing.
type stateFuse struct {
	reg   weak.Pointer[registry]
	index int
	armed atomic.Bool
}

func newStateFuse(r *registry, index int) *stateFuse {
	f := &stateFuse{reg: weak.Make(r), index: index}
	f.armed.Store(true)
	r.live.Add(1)
	return f
}

// disarm ends the guard without touching the slot. It reports whether the
// fuse was still armed.
func (f *stateFuse) disarm() bool {
	if !f.armed.CompareAndSwap(true, false) {
		return false
	}
	if r := f.reg.Value(); r != nil {
		r.live.Add(-1)
	}
	return true
}

// fire resets the slot to Free if the fuse is still armed. It reports
// whether this call was the one that fired.
func (f *stateFuse) fire() bool {
	if !f.armed.CompareAndSwap(true, false) {
		return false
	}
	r := f.reg.Value()
	if r == nil {
		return true
	}
	r.live.Add(-1)

	s := r.get(f.index)
	if s == nil {
		return true
	}
	prev, _ := r.update(s, BufferStateFree, nil)
	switch prev {
	case BufferStatePreQueue:
		r.log.Debugf("%s buffer %d released unsubmitted", r.dir, f.index)
	case BufferStateDequeued:
		r.log.Debugf("%s buffer %d released without recycle", r.dir, f.index)
	default:
		r.log.Warnf("%s buffer %d reset to free from %s", r.dir, f.index, prev)
	}
	r.observer.ObserveFuseFired(r.dir)
	return true
}

// isArmed reports whether the guarded buffer is still outstanding.
func (f *stateFuse) isArmed() bool {
	return f.armed.Load()
}
