// Package uapi provides Linux kernel UAPI definitions for the V4L2
// multi-planar streaming API (linux/videodev2.h).
package uapi

// Buffer types (enum v4l2_buf_type)
const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE        = 1
	V4L2_BUF_TYPE_VIDEO_OUTPUT         = 2
	V4L2_BUF_TYPE_VIDEO_CAPTURE_MPLANE = 9
	V4L2_BUF_TYPE_VIDEO_OUTPUT_MPLANE  = 10
)

// Memory types (enum v4l2_memory)
const (
	V4L2_MEMORY_MMAP    = 1
	V4L2_MEMORY_USERPTR = 2
	V4L2_MEMORY_OVERLAY = 3
	V4L2_MEMORY_DMABUF  = 4
)

// Field order (enum v4l2_field)
const (
	V4L2_FIELD_ANY  = 0
	V4L2_FIELD_NONE = 1
)

// Device capabilities (v4l2_capability.capabilities)
const (
	V4L2_CAP_VIDEO_CAPTURE        = 0x00000001
	V4L2_CAP_VIDEO_OUTPUT         = 0x00000002
	V4L2_CAP_VIDEO_CAPTURE_MPLANE = 0x00001000
	V4L2_CAP_VIDEO_OUTPUT_MPLANE  = 0x00002000
	V4L2_CAP_VIDEO_M2M_MPLANE     = 0x00004000
	V4L2_CAP_VIDEO_M2M            = 0x00008000
	V4L2_CAP_STREAMING            = 0x04000000
	V4L2_CAP_DEVICE_CAPS          = 0x80000000
)

// Buffer flags (v4l2_buffer.flags)
const (
	V4L2_BUF_FLAG_MAPPED              = 0x00000001
	V4L2_BUF_FLAG_QUEUED              = 0x00000002
	V4L2_BUF_FLAG_DONE                = 0x00000004
	V4L2_BUF_FLAG_KEYFRAME            = 0x00000008
	V4L2_BUF_FLAG_PFRAME              = 0x00000010
	V4L2_BUF_FLAG_BFRAME              = 0x00000020
	V4L2_BUF_FLAG_ERROR               = 0x00000040
	V4L2_BUF_FLAG_TIMESTAMP_MONOTONIC = 0x00002000
	V4L2_BUF_FLAG_TIMESTAMP_COPY      = 0x00004000
	V4L2_BUF_FLAG_LAST                = 0x00100000
)

// VIDEO_MAX_PLANES is the kernel's upper bound on planes per buffer.
const VIDEO_MAX_PLANES = 8

// Ioctl encoding (asm-generic/ioctl.h)
const (
	_IOC_NONE      = 0
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode builds an ioctl request number.
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

func ior(nr, size uint32) uint32  { return IoctlEncode(_IOC_READ, 'V', nr, size) }
func iow(nr, size uint32) uint32  { return IoctlEncode(_IOC_WRITE, 'V', nr, size) }
func iowr(nr, size uint32) uint32 { return IoctlEncode(_IOC_READ|_IOC_WRITE, 'V', nr, size) }

// V4L2 ioctl request numbers.
var (
	VIDIOC_QUERYCAP  = ior(0, SizeofCapability)
	VIDIOC_G_FMT     = iowr(4, SizeofFormat)
	VIDIOC_S_FMT     = iowr(5, SizeofFormat)
	VIDIOC_REQBUFS   = iowr(8, SizeofRequestBuffers)
	VIDIOC_QUERYBUF  = iowr(9, SizeofBuffer)
	VIDIOC_QBUF      = iowr(15, SizeofBuffer)
	VIDIOC_EXPBUF    = iowr(16, SizeofExportBuffer)
	VIDIOC_DQBUF     = iowr(17, SizeofBuffer)
	VIDIOC_STREAMON  = iow(18, 4)
	VIDIOC_STREAMOFF = iow(19, 4)
	VIDIOC_TRY_FMT   = iowr(64, SizeofFormat)
)
