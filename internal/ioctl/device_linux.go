//go:build linux

package ioctl

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-v4l2/internal/constants"
	"github.com/ehrlich-b/go-v4l2/internal/interfaces"
	"github.com/ehrlich-b/go-v4l2/internal/logging"
	"github.com/ehrlich-b/go-v4l2/internal/uapi"
)

// Device is an open V4L2 video node.
type Device struct {
	fd     int
	path   string
	logger *logging.Logger
	closed atomic.Bool
}

// Open opens the video node at path. A busy node is retried a few times,
// since drivers release it asynchronously after the previous user closes.
func Open(path string, nonBlocking bool) (*Device, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if nonBlocking {
		flags |= unix.O_NONBLOCK
	}

	var (
		fd  int
		err error
	)
	for attempt := 0; attempt < constants.DeviceOpenRetries; attempt++ {
		fd, err = unix.Open(path, flags, 0)
		if err != unix.EBUSY {
			break
		}
		time.Sleep(constants.DeviceOpenRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	d := &Device{fd: fd, path: path, logger: logging.Default().WithDevice(path)}
	d.logger.Debug("opened video node", "fd", fd, "nonblocking", nonBlocking)
	return d, nil
}

// SetLogger sets the logger for this device
func (d *Device) SetLogger(logger *logging.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

func (d *Device) Fd() int { return d.fd }

func (d *Device) Path() string { return d.path }

func (d *Device) ioctl(req uint32, arg unsafe.Pointer) error {
	if d.closed.Load() {
		return unix.EBADF
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(req), uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func (d *Device) QueryCapability() (interfaces.Capability, error) {
	var c uapi.Capability
	if err := d.ioctl(uapi.VIDIOC_QUERYCAP, unsafe.Pointer(&c)); err != nil {
		return interfaces.Capability{}, err
	}
	return capabilityFromUAPI(&c), nil
}

func (d *Device) GetFormat(t interfaces.BufType) (interfaces.Format, error) {
	raw := uapi.Format{Type: uint32(t)}
	if err := d.ioctl(uapi.VIDIOC_G_FMT, unsafe.Pointer(&raw)); err != nil {
		return interfaces.Format{}, err
	}
	return formatFromUAPI(&raw), nil
}

func (d *Device) SetFormat(t interfaces.BufType, f interfaces.Format) (interfaces.Format, error) {
	raw := formatToUAPI(t, f)
	if err := d.ioctl(uapi.VIDIOC_S_FMT, unsafe.Pointer(&raw)); err != nil {
		return interfaces.Format{}, err
	}
	return formatFromUAPI(&raw), nil
}

func (d *Device) TryFormat(t interfaces.BufType, f interfaces.Format) (interfaces.Format, error) {
	raw := formatToUAPI(t, f)
	if err := d.ioctl(uapi.VIDIOC_TRY_FMT, unsafe.Pointer(&raw)); err != nil {
		return interfaces.Format{}, err
	}
	return formatFromUAPI(&raw), nil
}

func (d *Device) RequestBuffers(t interfaces.BufType, mem interfaces.MemoryType, count uint32) (uint32, error) {
	req := uapi.RequestBuffers{Count: count, Type: uint32(t), Memory: uint32(mem)}
	if err := d.ioctl(uapi.VIDIOC_REQBUFS, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	d.logger.Debug("REQBUFS", "type", t, "memory", mem, "requested", count, "granted", req.Count)
	return req.Count, nil
}

func (d *Device) QueryBuffer(t interfaces.BufType, mem interfaces.MemoryType, index int) (interfaces.BufferInfo, error) {
	buf, planes := newBuffer(t, mem, index, uapi.VIDEO_MAX_PLANES)
	err := d.ioctl(uapi.VIDIOC_QUERYBUF, unsafe.Pointer(buf))
	runtime.KeepAlive(planes)
	if err != nil {
		return interfaces.BufferInfo{}, err
	}
	return bufferInfoFromUAPI(buf, planes), nil
}

func (d *Device) QueueBuffer(req *interfaces.QueueRequest) error {
	buf, planes := queueRequestToUAPI(req)
	err := d.ioctl(uapi.VIDIOC_QBUF, unsafe.Pointer(buf))
	runtime.KeepAlive(planes)
	return err
}

func (d *Device) DequeueBuffer(t interfaces.BufType, mem interfaces.MemoryType, numPlanes int) (*interfaces.Completion, error) {
	buf, planes := newBuffer(t, mem, 0, numPlanes)
	err := d.ioctl(uapi.VIDIOC_DQBUF, unsafe.Pointer(buf))
	runtime.KeepAlive(planes)
	if err != nil {
		return nil, err
	}
	return completionFromUAPI(buf, planes), nil
}

func (d *Device) ExportBuffer(t interfaces.BufType, index, plane int) (int, error) {
	exp := uapi.ExportBuffer{
		Type:  uint32(t),
		Index: uint32(index),
		Plane: uint32(plane),
		Flags: unix.O_CLOEXEC | unix.O_RDWR,
	}
	if err := d.ioctl(uapi.VIDIOC_EXPBUF, unsafe.Pointer(&exp)); err != nil {
		return -1, err
	}
	return int(exp.FD), nil
}

func (d *Device) StreamOn(t interfaces.BufType) error {
	v := uint32(t)
	return d.ioctl(uapi.VIDIOC_STREAMON, unsafe.Pointer(&v))
}

func (d *Device) StreamOff(t interfaces.BufType) error {
	v := uint32(t)
	return d.ioctl(uapi.VIDIOC_STREAMOFF, unsafe.Pointer(&v))
}

func (d *Device) Mmap(offset uint32, length int) ([]byte, error) {
	return unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (d *Device) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.logger.Debug("closing video node")
	return unix.Close(d.fd)
}

var _ interfaces.PollableDevice = (*Device)(nil)
var _ interfaces.NamedDevice = (*Device)(nil)
