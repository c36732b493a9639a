// Package ioctl implements the V4L2 device call layer on top of ioctl(2)
// and mmap(2) for multi-planar video nodes.
package ioctl

import (
	"bytes"
	"time"

	"github.com/ehrlich-b/go-v4l2/internal/interfaces"
	"github.com/ehrlich-b/go-v4l2/internal/uapi"
)

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func capabilityFromUAPI(c *uapi.Capability) interfaces.Capability {
	return interfaces.Capability{
		Driver:  cstring(c.Driver[:]),
		Card:    cstring(c.Card[:]),
		BusInfo: cstring(c.BusInfo[:]),
		Version: c.Version,
		Caps:    c.EffectiveCaps(),
	}
}

func formatToUAPI(t interfaces.BufType, f interfaces.Format) uapi.Format {
	pix := uapi.PixFormatMP{
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: uint32(f.PixelFormat),
		Field:       f.Field,
		Colorspace:  f.Colorspace,
	}
	n := min(len(f.Planes), uapi.VIDEO_MAX_PLANES)
	for i := 0; i < n; i++ {
		pix.PlaneFmt[i].SizeImage = f.Planes[i].SizeImage
		pix.PlaneFmt[i].BytesPerLine = f.Planes[i].BytesPerLine
	}
	pix.NumPlanes = uint8(n)

	out := uapi.Format{Type: uint32(t)}
	out.SetPixFormatMP(&pix)
	return out
}

func formatFromUAPI(raw *uapi.Format) interfaces.Format {
	pix := raw.PixFormatMP()
	f := interfaces.Format{
		Width:       pix.Width,
		Height:      pix.Height,
		PixelFormat: interfaces.PixelFormat(pix.PixelFormat),
		Field:       pix.Field,
		Colorspace:  pix.Colorspace,
	}
	n := min(int(pix.NumPlanes), uapi.VIDEO_MAX_PLANES)
	f.Planes = make([]interfaces.PlaneFormat, n)
	for i := range f.Planes {
		f.Planes[i] = interfaces.PlaneFormat{
			SizeImage:    pix.PlaneFmt[i].SizeImage,
			BytesPerLine: pix.PlaneFmt[i].BytesPerLine,
		}
	}
	return f
}

func durationToTimeval(d time.Duration) uapi.Timeval {
	return uapi.Timeval{
		Sec:  int64(d / time.Second),
		Usec: int64(d%time.Second) / int64(time.Microsecond),
	}
}

func timevalToDuration(tv uapi.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// newBuffer prepares a v4l2_buffer and its plane array. The caller must
// keep planes alive for the duration of the ioctl.
func newBuffer(t interfaces.BufType, mem interfaces.MemoryType, index, numPlanes int) (*uapi.Buffer, []uapi.Plane) {
	planes := make([]uapi.Plane, numPlanes)
	buf := &uapi.Buffer{
		Index:  uint32(index),
		Type:   uint32(t),
		Memory: uint32(mem),
	}
	buf.SetPlanes(planes)
	return buf, planes
}

func queueRequestToUAPI(req *interfaces.QueueRequest) (*uapi.Buffer, []uapi.Plane) {
	buf, planes := newBuffer(req.Type, req.Memory, req.Index, len(req.Planes))
	buf.Field = uapi.V4L2_FIELD_NONE
	buf.Timestamp = durationToTimeval(req.Timestamp)
	for i, p := range req.Planes {
		planes[i].BytesUsed = p.BytesUsed
		planes[i].Length = p.Length
		planes[i].DataOffset = p.DataOffset
		switch req.Memory {
		case uapi.V4L2_MEMORY_MMAP:
			planes[i].M = uint64(p.MemOffset)
		case uapi.V4L2_MEMORY_USERPTR:
			planes[i].M = uint64(p.UserPtr)
		case uapi.V4L2_MEMORY_DMABUF:
			planes[i].M = uint64(uint32(p.Fd))
		}
	}
	return buf, planes
}

func bufferInfoFromUAPI(buf *uapi.Buffer, planes []uapi.Plane) interfaces.BufferInfo {
	n := min(int(buf.Length), len(planes))
	info := interfaces.BufferInfo{Index: int(buf.Index), Planes: make([]interfaces.PlaneInfo, n)}
	for i := range info.Planes {
		info.Planes[i] = interfaces.PlaneInfo{
			Length:    planes[i].Length,
			MemOffset: planes[i].MemOffset(),
		}
	}
	return info
}

func completionFromUAPI(buf *uapi.Buffer, planes []uapi.Plane) *interfaces.Completion {
	n := min(int(buf.Length), len(planes))
	c := &interfaces.Completion{
		Index:     int(buf.Index),
		Sequence:  buf.Sequence,
		Flags:     buf.Flags,
		Field:     buf.Field,
		Timestamp: timevalToDuration(buf.Timestamp),
		Planes:    make([]interfaces.PlaneResult, n),
	}
	for i := range c.Planes {
		c.Planes[i] = interfaces.PlaneResult{
			BytesUsed:  planes[i].BytesUsed,
			Length:     planes[i].Length,
			DataOffset: planes[i].DataOffset,
		}
	}
	return c
}
