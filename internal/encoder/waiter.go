package encoder

import (
	"time"
)

// Waiter blocks the encoder loop until the device may have buffers ready.
// Spurious returns are fine; the loop polls both queues after each one.
type Waiter interface {
	// Wait returns after at most timeout, earlier on readiness or Wake.
	Wait(timeout time.Duration) error

	// Wake interrupts a pending or the next Wait.
	Wake()

	Close() error
}

// IntervalWaiter wakes the loop on a fixed interval. It serves devices
// without a pollable descriptor, such as v4l2.MockDevice.
type IntervalWaiter struct {
	interval time.Duration
	wake     chan struct{}
}

// NewIntervalWaiter returns a waiter that returns every interval.
func NewIntervalWaiter(interval time.Duration) *IntervalWaiter {
	return &IntervalWaiter{interval: interval, wake: make(chan struct{}, 1)}
}

func (w *IntervalWaiter) Wait(timeout time.Duration) error {
	d := min(timeout, w.interval)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.wake:
	}
	return nil
}

func (w *IntervalWaiter) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *IntervalWaiter) Close() error { return nil }

var _ Waiter = (*IntervalWaiter)(nil)
