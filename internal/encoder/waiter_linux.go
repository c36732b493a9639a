//go:build linux

package encoder

import (
	"time"

	"github.com/ehrlich-b/go-v4l2"
	"github.com/ehrlich-b/go-v4l2/internal/poller"
)

// vb2 reports POLLERR while a queue has nothing queued; back off instead
// of spinning on it.
const errorBackoff = time.Millisecond

type pollWaiter struct {
	p *poller.Poller
}

// newDeviceWaiter waits on the node descriptor when the device has one.
func newDeviceWaiter(dev v4l2.Device) (Waiter, error) {
	pd, ok := dev.(v4l2.PollableDevice)
	if !ok {
		return NewIntervalWaiter(defaultInterval), nil
	}
	p, err := poller.New(pd.Fd(), poller.Readable|poller.Writable|poller.Priority)
	if err != nil {
		return nil, err
	}
	return &pollWaiter{p: p}, nil
}

func (w *pollWaiter) Wait(timeout time.Duration) error {
	ev, err := w.p.WaitTimeout(timeout)
	if err != nil {
		return err
	}
	if ev&poller.Error != 0 && ev&(poller.Readable|poller.Writable) == 0 {
		time.Sleep(errorBackoff)
	}
	return nil
}

func (w *pollWaiter) Wake() { w.p.Wake() }

func (w *pollWaiter) Close() error { return w.p.Close() }
