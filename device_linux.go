//go:build linux

package v4l2

import "github.com/ehrlich-b/go-v4l2/internal/ioctl"

// Open opens a V4L2 video node such as /dev/video0. With nonBlocking set,
// Dequeue returns ErrNotReady instead of waiting for the device.
func Open(path string, nonBlocking bool) (PollableDevice, error) {
	d, err := ioctl.Open(path, nonBlocking)
	if err != nil {
		return nil, WrapError("OPEN", err)
	}
	return d, nil
}
