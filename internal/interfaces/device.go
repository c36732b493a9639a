package interfaces

import "time"

// BufType selects a V4L2 queue (v4l2_buf_type).
type BufType uint32

// MemoryType identifies how buffer memory is provided (v4l2_memory).
type MemoryType uint32

// Capability is the decoded result of VIDIOC_QUERYCAP.
type Capability struct {
	Driver  string
	Card    string
	BusInfo string
	Version uint32
	Caps    uint32 // node capabilities (device_caps when reported)
}

// PlaneFormat describes the layout of one plane of a format.
type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// Format is the multi-planar pixel format of a queue.
type Format struct {
	Width       uint32
	Height      uint32
	PixelFormat PixelFormat
	Field       uint32
	Colorspace  uint32
	Planes      []PlaneFormat
}

// PlaneInfo is the static per-plane information reported by VIDIOC_QUERYBUF.
type PlaneInfo struct {
	Length    uint32
	MemOffset uint32
}

// BufferInfo is the static information of one allocated buffer slot.
type BufferInfo struct {
	Index  int
	Planes []PlaneInfo
}

// PlaneDescriptor is the per-plane submission record handed to VIDIOC_QBUF.
// Which memory fields are meaningful depends on the queue's MemoryType.
type PlaneDescriptor struct {
	BytesUsed  uint32
	Length     uint32
	MemOffset  uint32  // MMAP
	UserPtr    uintptr // USERPTR
	Fd         int32   // DMABUF
	DataOffset uint32
}

// QueueRequest is a buffer submission.
type QueueRequest struct {
	Type      BufType
	Memory    MemoryType
	Index     int
	Planes    []PlaneDescriptor
	Timestamp time.Duration
}

// PlaneResult is the per-plane payload of a retrieved buffer.
type PlaneResult struct {
	BytesUsed  uint32
	Length     uint32
	DataOffset uint32
}

// Completion is the result of VIDIOC_DQBUF.
type Completion struct {
	Index     int
	Sequence  uint32
	Flags     uint32
	Field     uint32
	Timestamp time.Duration
	Planes    []PlaneResult
}

// Device is the call layer the buffer queue engine drives. Every method
// maps to one V4L2 request on an open video node.
type Device interface {
	// QueryCapability reports the node capabilities.
	QueryCapability() (Capability, error)

	// GetFormat returns the current format of the queue.
	GetFormat(t BufType) (Format, error)

	// SetFormat applies f and returns the format the driver adjusted it to.
	SetFormat(t BufType, f Format) (Format, error)

	// TryFormat negotiates f without changing the device state.
	TryFormat(t BufType, f Format) (Format, error)

	// RequestBuffers allocates count buffers of the given memory type and
	// returns how many the driver actually allocated. A count of zero
	// releases every buffer of the queue.
	RequestBuffers(t BufType, mem MemoryType, count uint32) (uint32, error)

	// QueryBuffer returns the static plane information of one slot.
	QueryBuffer(t BufType, mem MemoryType, index int) (BufferInfo, error)

	// QueueBuffer submits a buffer to the driver.
	QueueBuffer(req *QueueRequest) error

	// DequeueBuffer retrieves the next completed buffer. It returns an
	// error wrapping EAGAIN when nothing is ready on a non-blocking node.
	DequeueBuffer(t BufType, mem MemoryType, numPlanes int) (*Completion, error)

	// ExportBuffer exports one plane of an MMAP slot as a DMABUF descriptor.
	ExportBuffer(t BufType, index, plane int) (int, error)

	// StreamOn starts streaming on the queue.
	StreamOn(t BufType) error

	// StreamOff stops streaming; the driver returns every queued buffer.
	StreamOff(t BufType) error

	// Mmap maps length bytes of device memory at offset.
	Mmap(offset uint32, length int) ([]byte, error)

	// Munmap releases a mapping returned by Mmap.
	Munmap(b []byte) error

	// Close closes the node.
	Close() error
}

// PollableDevice is an optional interface for devices backed by a file
// descriptor that can be waited on for readiness.
type PollableDevice interface {
	Device

	// Fd returns the descriptor of the open node.
	Fd() int
}

// NamedDevice is an optional interface for devices that know their path.
type NamedDevice interface {
	Device

	// Path returns the device node path, e.g. /dev/video0.
	Path() string
}

// Logger is the printf-style logging surface used by queues.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
