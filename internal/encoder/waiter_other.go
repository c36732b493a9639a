//go:build !linux

package encoder

import "github.com/ehrlich-b/go-v4l2"

func newDeviceWaiter(v4l2.Device) (Waiter, error) {
	return NewIntervalWaiter(defaultInterval), nil
}
