package v4l2

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PlaneHandle is one plane's worth of buffer memory of a single kind.
// Implementations must be usable through their zero value for
// MemoryType, since a queue learns its memory type from the kind alone.
type PlaneHandle interface {
	// MemoryType is the V4L2 memory type this kind is submitted as.
	MemoryType() MemoryType

	// FillPlane writes the memory-specific fields of the plane descriptor.
	FillPlane(p *PlaneDescriptor)
}

// BufferHandles is the kind-agnostic view of the handles backing one
// buffer, one per plane. The registry stores handle sets through it.
type BufferHandles interface {
	Len() int
	MemoryType() MemoryType
	FillPlane(index int, p *PlaneDescriptor)
}

// PlaneHandles is a handle set made of a single handle kind.
type PlaneHandles[H PlaneHandle] []H

func (h PlaneHandles[H]) Len() int { return len(h) }

func (h PlaneHandles[H]) MemoryType() MemoryType {
	var zero H
	return zero.MemoryType()
}

func (h PlaneHandles[H]) FillPlane(index int, p *PlaneDescriptor) {
	h[index].FillPlane(p)
}

// HandlesAs recovers the single-kind handle set from its unified form.
func HandlesAs[H PlaneHandle](b BufferHandles) (PlaneHandles[H], bool) {
	h, ok := b.(PlaneHandles[H])
	return h, ok
}

// SelfBackedHandle is a handle kind whose memory is provided by the device,
// so a buffer can be submitted without the caller supplying anything.
type SelfBackedHandle interface {
	PlaneHandle
	SelfBacked()
}

// Mapper maps device memory into the process.
type Mapper interface {
	Mmap(offset uint32, length int) ([]byte, error)
	Munmap(b []byte) error
}

// MappableHandle is a handle kind whose plane memory can be mapped for
// direct access.
type MappableHandle interface {
	PlaneHandle
	Map(m Mapper, plane PlaneInfo) (*PlaneMapping, error)
}

// MMAPHandle is device-allocated memory, located by the slot's plane
// offsets. It carries no state of its own.
type MMAPHandle struct{}

func (MMAPHandle) MemoryType() MemoryType { return MemoryMMAP }

// FillPlane leaves the descriptor alone: drivers locate MMAP memory by index.
func (MMAPHandle) FillPlane(*PlaneDescriptor) {}

func (MMAPHandle) SelfBacked() {}

// Map maps one plane of an MMAP slot.
func (MMAPHandle) Map(m Mapper, plane PlaneInfo) (*PlaneMapping, error) {
	data, err := m.Mmap(plane.MemOffset, int(plane.Length))
	if err != nil {
		return nil, WrapError("MMAP", err)
	}
	return newPlaneMapping(data, data, m.Munmap), nil
}

// UserPtrHandle is application memory submitted by address. The slice
// must stay untouched while the buffer is queued; the registry keeps it
// reachable until then.
type UserPtrHandle struct {
	Data []byte
}

func (UserPtrHandle) MemoryType() MemoryType { return MemoryUserPtr }

func (h UserPtrHandle) FillPlane(p *PlaneDescriptor) {
	p.Length = uint32(len(h.Data))
	if len(h.Data) > 0 {
		p.UserPtr = uintptr(unsafe.Pointer(unsafe.SliceData(h.Data)))
	}
}

// DmaBufHandle is an externally shared DMABUF descriptor.
type DmaBufHandle struct {
	Fd     int
	Length uint32
}

func (DmaBufHandle) MemoryType() MemoryType { return MemoryDmaBuf }

func (h DmaBufHandle) FillPlane(p *PlaneDescriptor) {
	p.Fd = int32(h.Fd)
	p.Length = h.Length
}

// Close closes the descriptor.
func (h DmaBufHandle) Close() error {
	return unix.Close(h.Fd)
}

// Compile-time capability checks
var (
	_ SelfBackedHandle = MMAPHandle{}
	_ MappableHandle   = MMAPHandle{}
	_ PlaneHandle      = UserPtrHandle{}
	_ PlaneHandle      = DmaBufHandle{}
	_ BufferHandles    = PlaneHandles[MMAPHandle](nil)
)

// PlaneMapping is a direct view of one plane's memory. It is only valid
// while the buffer it came from is in the caller's hands.
type PlaneMapping struct {
	data   []byte
	region []byte
	unmap  func([]byte) error
	once   sync.Once
	err    error
}

func newPlaneMapping(data, region []byte, unmap func([]byte) error) *PlaneMapping {
	return &PlaneMapping{data: data, region: region, unmap: unmap}
}

// Data returns the mapped bytes.
func (m *PlaneMapping) Data() []byte { return m.data }

// Len returns the number of mapped bytes.
func (m *PlaneMapping) Len() int { return len(m.data) }

// Close unmaps the plane. Data must not be used afterwards.
func (m *PlaneMapping) Close() error {
	m.once.Do(func() {
		if m.unmap != nil {
			m.err = m.unmap(m.region)
		}
		m.data = nil
	})
	return m.err
}
