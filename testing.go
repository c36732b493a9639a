package v4l2

import (
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-v4l2/internal/constants"
)

// Capture plane offsets are shifted the way vb2 M2M drivers do it, so both
// queues of one device share an mmap offset space.
const mockCaptureOffsetBase = 1 << 30

// MockDevice provides an in-memory M2M device implementing Device for
// testing. Buffers queued with QueueBuffer are owned by the mock until
// Complete hands them back to DequeueBuffer.
type MockDevice struct {
	mu sync.Mutex

	caps       Capability
	formats    map[BufType]Format
	queues     map[BufType]*mockQueue
	memory     map[uint32][]byte
	errors     map[string]error
	calls      map[string]int
	maxBuffers uint32
	onQueue    func(req *QueueRequest)
	closed     bool
}

type mockQueue struct {
	mem       MemoryType
	count     uint32
	owned     []bool
	last      []*QueueRequest
	pending   []int
	done      []*Completion
	requests  []QueueRequest
	streaming bool
	sequence  uint32
}

// NewMockDevice creates a mock M2M device with single-plane RGB3 640x480
// formats on both queues.
func NewMockDevice() *MockDevice {
	m := &MockDevice{
		caps: Capability{
			Driver:  "mock",
			Card:    "mock-m2m",
			BusInfo: "platform:mock",
			Caps:    CapVideoM2MMPlane | CapStreaming,
		},
		formats:    make(map[BufType]Format),
		queues:     make(map[BufType]*mockQueue),
		memory:     make(map[uint32][]byte),
		errors:     make(map[string]error),
		calls:      make(map[string]int),
		maxBuffers: constants.MaxBuffers,
	}
	for _, t := range []BufType{BufTypeOutputMPlane, BufTypeCaptureMPlane} {
		m.formats[t] = mockFormat(Format{Width: 640, Height: 480, PixelFormat: FourCC("RGB3")})
		m.queues[t] = &mockQueue{}
	}
	return m
}

func mockFormat(f Format) Format {
	if len(f.Planes) == 0 {
		f.Planes = []PlaneFormat{{SizeImage: f.Width * f.Height * 3, BytesPerLine: f.Width * 3}}
	}
	f.Planes = append([]PlaneFormat(nil), f.Planes...)
	for i := range f.Planes {
		if f.Planes[i].SizeImage == 0 {
			f.Planes[i].SizeImage = constants.PageSize
		}
	}
	return f
}

// SetCapabilities replaces the capability bits reported by QueryCapability.
func (m *MockDevice) SetCapabilities(caps uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps.Caps = caps
}

// SetError makes every later call of op fail with err, until cleared with
// a nil err. op is the V4L2 request name, e.g. "QBUF" or "REQBUFS".
func (m *MockDevice) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, op)
		return
	}
	m.errors[op] = err
}

// SetMaxBuffers limits how many buffers RequestBuffers grants.
func (m *MockDevice) SetMaxBuffers(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxBuffers = n
}

// SetOnQueue installs a hook run after every accepted submission. The hook
// may call Complete.
func (m *MockDevice) SetOnQueue(fn func(req *QueueRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQueue = fn
}

// call must be called with m.mu held.
func (m *MockDevice) call(op string) error {
	m.calls[op]++
	if m.closed {
		return syscall.EBADF
	}
	return m.errors[op]
}

func (m *MockDevice) queue(t BufType) (*mockQueue, error) {
	q, ok := m.queues[t]
	if !ok {
		return nil, syscall.EINVAL
	}
	return q, nil
}

// QueryCapability implements the Device interface
func (m *MockDevice) QueryCapability() (Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("QUERYCAP"); err != nil {
		return Capability{}, err
	}
	return m.caps, nil
}

// GetFormat implements the Device interface
func (m *MockDevice) GetFormat(t BufType) (Format, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("G_FMT"); err != nil {
		return Format{}, err
	}
	f, ok := m.formats[t]
	if !ok {
		return Format{}, syscall.EINVAL
	}
	return mockFormat(f), nil
}

// SetFormat implements the Device interface
func (m *MockDevice) SetFormat(t BufType, f Format) (Format, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("S_FMT"); err != nil {
		return Format{}, err
	}
	q, err := m.queue(t)
	if err != nil {
		return Format{}, err
	}
	if q.count > 0 {
		return Format{}, syscall.EBUSY
	}
	f = mockFormat(f)
	m.formats[t] = f
	return mockFormat(f), nil
}

// TryFormat implements the Device interface
func (m *MockDevice) TryFormat(t BufType, f Format) (Format, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("TRY_FMT"); err != nil {
		return Format{}, err
	}
	if _, err := m.queue(t); err != nil {
		return Format{}, err
	}
	return mockFormat(f), nil
}

// RequestBuffers implements the Device interface
func (m *MockDevice) RequestBuffers(t BufType, mem MemoryType, count uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("REQBUFS"); err != nil {
		return 0, err
	}
	q, err := m.queue(t)
	if err != nil {
		return 0, err
	}
	if q.streaming {
		return 0, syscall.EBUSY
	}
	if mem != MemoryMMAP && mem != MemoryUserPtr && mem != MemoryDmaBuf {
		return 0, syscall.EINVAL
	}
	if count > m.maxBuffers {
		count = m.maxBuffers
	}
	requests := q.requests
	*q = mockQueue{
		mem:      mem,
		count:    count,
		owned:    make([]bool, count),
		last:     make([]*QueueRequest, count),
		requests: requests,
	}
	return count, nil
}

func (m *MockDevice) planeOffset(t BufType, index, plane int) uint32 {
	off := uint32(index*constants.MaxPlanes+plane) * constants.PageSize * 1024
	if t == BufTypeCaptureMPlane {
		off += mockCaptureOffsetBase
	}
	return off
}

// QueryBuffer implements the Device interface
func (m *MockDevice) QueryBuffer(t BufType, mem MemoryType, index int) (BufferInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("QUERYBUF"); err != nil {
		return BufferInfo{}, err
	}
	q, err := m.queue(t)
	if err != nil {
		return BufferInfo{}, err
	}
	if index < 0 || index >= int(q.count) || mem != q.mem {
		return BufferInfo{}, syscall.EINVAL
	}
	f := m.formats[t]
	info := BufferInfo{Index: index, Planes: make([]PlaneInfo, len(f.Planes))}
	for i, p := range f.Planes {
		info.Planes[i].Length = p.SizeImage
		if mem == MemoryMMAP {
			info.Planes[i].MemOffset = m.planeOffset(t, index, i)
		}
	}
	return info, nil
}

// QueueBuffer implements the Device interface
func (m *MockDevice) QueueBuffer(req *QueueRequest) error {
	m.mu.Lock()
	if err := m.validate(req); err != nil {
		m.mu.Unlock()
		return err
	}
	q := m.queues[req.Type]
	stored := *req
	stored.Planes = append([]PlaneDescriptor(nil), req.Planes...)
	q.owned[req.Index] = true
	q.last[req.Index] = &stored
	q.pending = append(q.pending, req.Index)
	q.requests = append(q.requests, stored)
	hook := m.onQueue
	m.mu.Unlock()

	if hook != nil {
		hook(&stored)
	}
	return nil
}

// validate must be called with m.mu held.
func (m *MockDevice) validate(req *QueueRequest) error {
	if err := m.call("QBUF"); err != nil {
		return err
	}
	q, err := m.queue(req.Type)
	if err != nil {
		return err
	}
	if req.Index < 0 || req.Index >= int(q.count) || req.Memory != q.mem || q.owned[req.Index] {
		return syscall.EINVAL
	}
	f := m.formats[req.Type]
	if len(req.Planes) != len(f.Planes) {
		return syscall.EINVAL
	}
	for i, p := range req.Planes {
		switch req.Memory {
		case MemoryUserPtr:
			if p.UserPtr == 0 || p.Length < f.Planes[i].SizeImage {
				return syscall.EINVAL
			}
		case MemoryDmaBuf:
			if p.Fd < 0 {
				return syscall.EBADF
			}
		}
		if p.BytesUsed > f.Planes[i].SizeImage {
			return syscall.EINVAL
		}
	}
	return nil
}

// Complete finishes the oldest submitted buffer of queue t so the next
// DequeueBuffer returns it. Without bytesUsed, output buffers report what
// was submitted and capture buffers report full planes. It returns the
// completed index, or false if the device owns nothing pending.
func (m *MockDevice) Complete(t BufType, bytesUsed ...uint32) (int, bool) {
	return m.CompleteWithFlags(t, 0, bytesUsed...)
}

// CompleteWithFlags is like Complete and sets the buffer flags.
func (m *MockDevice) CompleteWithFlags(t BufType, flags uint32, bytesUsed ...uint32) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[t]
	if !ok || len(q.pending) == 0 {
		return -1, false
	}
	index := q.pending[0]
	q.pending = q.pending[1:]

	req := q.last[index]
	f := m.formats[t]
	c := &Completion{
		Index:     index,
		Sequence:  q.sequence,
		Flags:     flags,
		Field:     f.Field,
		Timestamp: req.Timestamp,
		Planes:    make([]PlaneResult, len(req.Planes)),
	}
	q.sequence++
	for i, p := range req.Planes {
		c.Planes[i].Length = f.Planes[i].SizeImage
		switch {
		case i < len(bytesUsed):
			c.Planes[i].BytesUsed = bytesUsed[i]
		case t == BufTypeOutputMPlane:
			c.Planes[i].BytesUsed = p.BytesUsed
		default:
			c.Planes[i].BytesUsed = f.Planes[i].SizeImage
		}
	}
	q.done = append(q.done, c)
	return index, true
}

// DequeueBuffer implements the Device interface
func (m *MockDevice) DequeueBuffer(t BufType, mem MemoryType, numPlanes int) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("DQBUF"); err != nil {
		return nil, err
	}
	q, err := m.queue(t)
	if err != nil {
		return nil, err
	}
	if mem != q.mem || numPlanes < len(m.formats[t].Planes) {
		return nil, syscall.EINVAL
	}
	if !q.streaming {
		return nil, syscall.EINVAL
	}
	if len(q.done) == 0 {
		return nil, syscall.EAGAIN
	}
	c := q.done[0]
	q.done = q.done[1:]
	q.owned[c.Index] = false
	return c, nil
}

// ExportBuffer implements the Device interface. The returned descriptor
// is a placeholder number and must not be closed.
func (m *MockDevice) ExportBuffer(t BufType, index, plane int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("EXPBUF"); err != nil {
		return -1, err
	}
	q, err := m.queue(t)
	if err != nil {
		return -1, err
	}
	if q.mem != MemoryMMAP || index < 0 || index >= int(q.count) || plane < 0 || plane >= len(m.formats[t].Planes) {
		return -1, syscall.EINVAL
	}
	return 1000 + index*constants.MaxPlanes + plane, nil
}

// StreamOn implements the Device interface
func (m *MockDevice) StreamOn(t BufType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("STREAMON"); err != nil {
		return err
	}
	q, err := m.queue(t)
	if err != nil {
		return err
	}
	if q.count == 0 {
		return syscall.EINVAL
	}
	q.streaming = true
	return nil
}

// StreamOff implements the Device interface. Every owned buffer is given
// up, as the kernel does.
func (m *MockDevice) StreamOff(t BufType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("STREAMOFF"); err != nil {
		return err
	}
	q, err := m.queue(t)
	if err != nil {
		return err
	}
	q.streaming = false
	q.pending = nil
	q.done = nil
	for i := range q.owned {
		q.owned[i] = false
	}
	return nil
}

// Mmap implements the Device interface. Mapping the same offset twice
// returns the same memory.
func (m *MockDevice) Mmap(offset uint32, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("MMAP"); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, syscall.EINVAL
	}
	buf, ok := m.memory[offset]
	if !ok || len(buf) < length {
		grown := make([]byte, length)
		copy(grown, buf)
		buf = grown
		m.memory[offset] = buf
	}
	return buf[:length:length], nil
}

// Munmap implements the Device interface
func (m *MockDevice) Munmap(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call("MUNMAP")
}

// Close implements the Device interface
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CLOSE"]++
	m.closed = true
	return nil
}

// Path implements NamedDevice.
func (m *MockDevice) Path() string { return "/dev/mock" }

// Inspection helpers

// CallCount returns how many times op was called.
func (m *MockDevice) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Requests returns every accepted submission on queue t, in order.
func (m *MockDevice) Requests(t BufType) []QueueRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[t]
	if !ok {
		return nil
	}
	return append([]QueueRequest(nil), q.requests...)
}

// NumOwned returns how many buffers of queue t the device holds.
func (m *MockDevice) NumOwned(t BufType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if q, ok := m.queues[t]; ok {
		for _, owned := range q.owned {
			if owned {
				n++
			}
		}
	}
	return n
}

// NumAllocated returns the buffer count of queue t.
func (m *MockDevice) NumAllocated(t BufType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[t]; ok {
		return int(q.count)
	}
	return 0
}

// IsStreaming reports whether queue t is streaming.
func (m *MockDevice) IsStreaming(t BufType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[t]
	return ok && q.streaming
}

// IsClosed reports whether Close was called.
func (m *MockDevice) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Compile-time interface checks
var (
	_ Device      = (*MockDevice)(nil)
	_ NamedDevice = (*MockDevice)(nil)
)
