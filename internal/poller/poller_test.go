//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipePoller(t *testing.T) (*Poller, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	p, err := New(fds[0], Readable)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, fds[1]
}

func TestPollerReadable(t *testing.T) {
	p, w := newPipePoller(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		unix.Write(w, []byte{1})
	}()

	events, err := p.WaitTimeout(2 * time.Second)
	require.NoError(t, err)
	require.NotZero(t, events&Readable)
}

func TestPollerWake(t *testing.T) {
	p, _ := newPipePoller(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Wake()
	}()

	start := time.Now()
	events, err := p.Wait()
	require.NoError(t, err)
	require.Zero(t, events)
	require.Less(t, time.Since(start), time.Second)

	// the device poll stays armed across a wake
	require.True(t, p.armedDev)
	require.False(t, p.armedWake)
}

func TestPollerTimeout(t *testing.T) {
	p, _ := newPipePoller(t)

	events, err := p.WaitTimeout(20 * time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, events)
}

func TestPollerClosed(t *testing.T) {
	p, _ := newPipePoller(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Wait()
	require.ErrorIs(t, err, ErrClosed)
}
