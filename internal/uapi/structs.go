package uapi

import "unsafe"

// Struct sizes on LP64 targets. The ioctl request numbers encode them.
const (
	SizeofCapability     = 104
	SizeofFormat         = 208
	SizeofPixFormatMP    = 192
	SizeofPlanePixFormat = 20
	SizeofRequestBuffers = 20
	SizeofBuffer         = 88
	SizeofPlane          = 64
	SizeofExportBuffer   = 64
	SizeofTimecode       = 16
)

// Capability mirrors struct v4l2_capability (104 bytes).
type Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32 // capabilities of the physical device
	DeviceCaps   uint32 // capabilities of this node, valid with V4L2_CAP_DEVICE_CAPS
	Reserved     [3]uint32
}

// EffectiveCaps returns the node capabilities when the driver reports them.
func (c *Capability) EffectiveCaps() uint32 {
	if c.Capabilities&V4L2_CAP_DEVICE_CAPS != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// PlanePixFormat mirrors struct v4l2_plane_pix_format (20 bytes).
type PlanePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
	Reserved     [6]uint16
}

// PixFormatMP mirrors the packed struct v4l2_pix_format_mplane (192 bytes).
//
//	struct v4l2_pix_format_mplane {
//	  __u32 width, height, pixelformat, field, colorspace;
//	  struct v4l2_plane_pix_format plane_fmt[VIDEO_MAX_PLANES];
//	  __u8 num_planes, flags, ycbcr_enc, quantization, xfer_func;
//	  __u8 reserved[7];
//	} __attribute__ ((packed));
type PixFormatMP struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [VIDEO_MAX_PLANES]PlanePixFormat
	NumPlanes    uint8
	Flags        uint8
	YcbcrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	Reserved     [7]uint8
}

// Format mirrors struct v4l2_format (208 bytes). The union is 8-byte
// aligned on LP64 because struct v4l2_window carries pointers.
type Format struct {
	Type uint32
	_    uint32
	Fmt  [200]byte
}

// RequestBuffers mirrors struct v4l2_requestbuffers (20 bytes).
type RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

// Timeval mirrors struct timeval on LP64.
type Timeval struct {
	Sec  int64
	Usec int64
}

// Timecode mirrors struct v4l2_timecode (16 bytes).
type Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	UserBits [4]uint8
}

// Buffer mirrors struct v4l2_buffer (88 bytes). For multi-planar types
// M holds a pointer to the plane array and Length the number of planes.
type Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32
	Timestamp Timeval
	Timecode  Timecode
	Sequence  uint32
	Memory    uint32
	M         uint64 // union { offset; userptr; planes; fd }
	Length    uint32
	Reserved2 uint32
	RequestFD int32
	_         uint32
}

// Plane mirrors struct v4l2_plane (64 bytes).
type Plane struct {
	BytesUsed  uint32
	Length     uint32
	M          uint64 // union { mem_offset; userptr; fd }
	DataOffset uint32
	Reserved   [11]uint32
}

// MemOffset reads the mem_offset member of the plane union.
func (p *Plane) MemOffset() uint32 { return uint32(p.M) }

// SetPlanes points a multi-planar buffer at its plane array.
func (b *Buffer) SetPlanes(planes []Plane) {
	if len(planes) == 0 {
		b.M = 0
		b.Length = 0
		return
	}
	b.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	b.Length = uint32(len(planes))
}

// ExportBuffer mirrors struct v4l2_exportbuffer (64 bytes).
type ExportBuffer struct {
	Type     uint32
	Index    uint32
	Plane    uint32
	Flags    uint32
	FD       int32
	Reserved [11]uint32
}

// Compile-time size checks
var _ [SizeofCapability]byte = [unsafe.Sizeof(Capability{})]byte{}
var _ [SizeofPlanePixFormat]byte = [unsafe.Sizeof(PlanePixFormat{})]byte{}
var _ [SizeofPixFormatMP]byte = [unsafe.Sizeof(PixFormatMP{})]byte{}
var _ [SizeofRequestBuffers]byte = [unsafe.Sizeof(RequestBuffers{})]byte{}
var _ [SizeofTimecode]byte = [unsafe.Sizeof(Timecode{})]byte{}
var _ [SizeofPlane]byte = [unsafe.Sizeof(Plane{})]byte{}
var _ [SizeofExportBuffer]byte = [unsafe.Sizeof(ExportBuffer{})]byte{}
var _ [SizeofFormat]byte = [unsafe.Sizeof(Format{})]byte{}
var _ [SizeofBuffer]byte = [unsafe.Sizeof(Buffer{})]byte{}
