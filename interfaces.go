package v4l2

import (
	"github.com/ehrlich-b/go-v4l2/internal/interfaces"
	"github.com/ehrlich-b/go-v4l2/internal/uapi"
)

// Re-export the device call layer for public API
type (
	Device         = interfaces.Device
	PollableDevice = interfaces.PollableDevice
	NamedDevice    = interfaces.NamedDevice
	Logger         = interfaces.Logger

	BufType         = interfaces.BufType
	MemoryType      = interfaces.MemoryType
	Capability      = interfaces.Capability
	PixelFormat     = interfaces.PixelFormat
	Format          = interfaces.Format
	PlaneFormat     = interfaces.PlaneFormat
	PlaneInfo       = interfaces.PlaneInfo
	BufferInfo      = interfaces.BufferInfo
	PlaneDescriptor = interfaces.PlaneDescriptor
	QueueRequest    = interfaces.QueueRequest
	PlaneResult     = interfaces.PlaneResult
	Completion      = interfaces.Completion
)

// Multi-planar queue types
const (
	BufTypeCaptureMPlane BufType = uapi.V4L2_BUF_TYPE_VIDEO_CAPTURE_MPLANE
	BufTypeOutputMPlane  BufType = uapi.V4L2_BUF_TYPE_VIDEO_OUTPUT_MPLANE
)

// Memory types
const (
	MemoryMMAP    MemoryType = uapi.V4L2_MEMORY_MMAP
	MemoryUserPtr MemoryType = uapi.V4L2_MEMORY_USERPTR
	MemoryDmaBuf  MemoryType = uapi.V4L2_MEMORY_DMABUF
)

// Capability bits checked when a queue is created
const (
	CapVideoCaptureMPlane = uapi.V4L2_CAP_VIDEO_CAPTURE_MPLANE
	CapVideoOutputMPlane  = uapi.V4L2_CAP_VIDEO_OUTPUT_MPLANE
	CapVideoM2MMPlane     = uapi.V4L2_CAP_VIDEO_M2M_MPLANE
	CapStreaming          = uapi.V4L2_CAP_STREAMING
)

// Buffer flags reported on retrieval
const (
	BufFlagKeyframe = uapi.V4L2_BUF_FLAG_KEYFRAME
	BufFlagError    = uapi.V4L2_BUF_FLAG_ERROR
	BufFlagLast     = uapi.V4L2_BUF_FLAG_LAST
)

// FourCC packs a four character pixel format code, e.g. FourCC("RGB3").
func FourCC(code string) PixelFormat {
	return interfaces.FourCC(code)
}
