//go:build linux

// Package poller waits for video node readiness with io_uring POLL_ADD.
package poller

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// Events is a poll(2) event mask.
type Events uint32

const (
	Readable Events = unix.POLLIN
	Priority Events = unix.POLLPRI
	Writable Events = unix.POLLOUT
	Error    Events = unix.POLLERR
	Hangup   Events = unix.POLLHUP
)

const (
	ringEntries = 8

	tagDevice uint64 = 1
	tagWake   uint64 = 2
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("poller closed")

// Poller waits on one descriptor plus an eventfd used to interrupt the
// wait. Polls are one-shot and re-armed on the next Wait. Wait must be
// called from a single goroutine; Wake may be called from any.
type Poller struct {
	ring   *giouring.Ring
	fd     int
	mask   Events
	wakeFd int

	mu        sync.Mutex
	armedDev  bool
	armedWake bool
	closed    bool
}

// New creates a poller for fd reporting the events in mask.
func New(fd int, mask Events) (*Poller, error) {
	ring, err := giouring.CreateRing(ringEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create io_uring: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &Poller{ring: ring, fd: fd, mask: mask, wakeFd: wakeFd}, nil
}

// arm must be called with p.mu held.
func (p *Poller) arm() error {
	pending := 0
	if !p.armedDev {
		sqe := p.ring.GetSQE()
		if sqe == nil {
			return syscall.EBUSY
		}
		sqe.PreparePollAdd(p.fd, uint32(p.mask))
		sqe.UserData = tagDevice
		p.armedDev = true
		pending++
	}
	if !p.armedWake {
		sqe := p.ring.GetSQE()
		if sqe == nil {
			return syscall.EBUSY
		}
		sqe.PreparePollAdd(p.wakeFd, unix.POLLIN)
		sqe.UserData = tagWake
		p.armedWake = true
		pending++
	}
	if pending == 0 {
		return nil
	}
	_, err := p.ring.Submit()
	return err
}

// Wait blocks until the descriptor reports an event or Wake is called. It
// returns the events seen, which are empty after a wake.
func (p *Poller) Wait() (Events, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if err := p.arm(); err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("failed to arm poll: %w", err)
	}
	p.mu.Unlock()

	cqe, err := p.ring.WaitCQE()
	for errors.Is(err, syscall.EINTR) {
		cqe, err = p.ring.WaitCQE()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to wait for completion: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var events Events
	var pollErr error
	for cqe != nil {
		switch cqe.UserData {
		case tagDevice:
			p.armedDev = false
			if cqe.Res < 0 {
				pollErr = syscall.Errno(-cqe.Res)
			} else {
				events |= Events(cqe.Res)
			}
		case tagWake:
			p.armedWake = false
			p.drainWake()
		}
		p.ring.CQESeen(cqe)

		cqe, err = p.ring.PeekCQE()
		if err != nil {
			break
		}
	}
	return events, pollErr
}

// WaitTimeout is Wait bounded by d.
func (p *Poller) WaitTimeout(d time.Duration) (Events, error) {
	t := time.AfterFunc(d, p.Wake)
	defer t.Stop()
	return p.Wait()
}

// Wake interrupts a pending or the next Wait.
func (p *Poller) Wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(p.wakeFd, one[:])
}

func (p *Poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakeFd, buf[:])
}

// Close releases the ring and the eventfd. The polled descriptor is not
// closed.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.ring.QueueExit()
	return unix.Close(p.wakeFd)
}
