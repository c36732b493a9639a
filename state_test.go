package v4l2

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-v4l2/internal/logging"
)

func newTestRegistry(n int, observer Observer) *registry {
	infos := make([]BufferInfo, n)
	for i := range infos {
		infos[i] = BufferInfo{Index: i, Planes: []PlaneInfo{{Length: 4096}}}
	}
	return newRegistry(infos, "capture", logging.Nop(), observer)
}

func TestBufferStateString(t *testing.T) {
	require.Equal(t, "free", BufferStateFree.String())
	require.Equal(t, "prequeue", BufferStatePreQueue.String())
	require.Equal(t, "queued", BufferStateQueued.String())
	require.Equal(t, "dequeued", BufferStateDequeued.String())
	require.Equal(t, "BufferState(9)", BufferState(9).String())
}

func TestRegistryTransitions(t *testing.T) {
	r := newTestRegistry(3, NoOpObserver{})

	s, ok := r.claimFree()
	require.True(t, ok)
	require.Equal(t, 0, s.features.Index)
	require.Equal(t, BufferStatePreQueue, s.State())
	require.Equal(t, 2, r.numFree())

	// wrong source state leaves the slot alone
	_, ok = r.transition(s, BufferStateQueued, BufferStateDequeued, nil)
	require.False(t, ok)
	require.Equal(t, BufferStatePreQueue, s.State())

	handles := PlaneHandles[MMAPHandle]{{}}
	_, ok = r.transition(s, BufferStatePreQueue, BufferStateQueued, handles)
	require.True(t, ok)
	require.EqualValues(t, 1, r.queued.Load())

	prev, ok := r.transition(s, BufferStateQueued, BufferStateDequeued, nil)
	require.True(t, ok)
	require.Equal(t, 1, prev.Len())
	require.EqualValues(t, 0, r.queued.Load())

	next, ok := r.claimFree()
	require.True(t, ok)
	require.Equal(t, 1, next.features.Index)
}

func TestRegistryGet(t *testing.T) {
	r := newTestRegistry(2, NoOpObserver{})

	require.NotNil(t, r.get(1))
	require.Nil(t, r.get(2))
	require.Nil(t, r.get(-1))

	r.release()
	require.Nil(t, r.get(0))
	_, ok := r.claimFree()
	require.False(t, ok)
}

func TestRegistryBusy(t *testing.T) {
	r := newTestRegistry(2, NoOpObserver{})
	require.Empty(t, r.busy())

	s, _ := r.claimFree()
	f := newStateFuse(r, s.features.Index)
	require.Contains(t, r.busy(), "1 buffers still held")

	f.disarm()
	require.Contains(t, r.busy(), "buffer 0 is prequeue")

	r.update(s, BufferStateFree, nil)
	require.Empty(t, r.busy())
}

func TestRegistryConcurrentClaims(t *testing.T) {
	r := newTestRegistry(4, NoOpObserver{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[int]int)
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s, ok := r.claimFree(); ok {
				mu.Lock()
				claimed[s.features.Index]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 4)
	for index, n := range claimed {
		require.Equal(t, 1, n, "slot %d claimed more than once", index)
	}
	require.Equal(t, 0, r.numFree())
}

func TestStateFuseFire(t *testing.T) {
	m := NewMetrics()
	r := newTestRegistry(2, NewMetricsObserver(m))

	s, _ := r.claimFree()
	f := newStateFuse(r, s.features.Index)
	require.True(t, f.isArmed())
	require.EqualValues(t, 1, r.live.Load())

	require.True(t, f.fire())
	require.Equal(t, BufferStateFree, s.State())
	require.False(t, f.isArmed())
	require.EqualValues(t, 0, r.live.Load())

	// second fire is a no-op
	require.False(t, f.fire())
	require.False(t, f.disarm())
	require.EqualValues(t, 0, r.live.Load())
	require.EqualValues(t, 1, m.Snapshot().FusesFired)
}

func TestStateFuseDisarm(t *testing.T) {
	r := newTestRegistry(1, NoOpObserver{})

	s, _ := r.claimFree()
	f := newStateFuse(r, 0)
	r.transition(s, BufferStatePreQueue, BufferStateQueued, PlaneHandles[MMAPHandle]{{}})

	require.True(t, f.disarm())
	require.False(t, f.fire())
	require.Equal(t, BufferStateQueued, s.State())
	require.EqualValues(t, 0, r.live.Load())
}

func TestStateFuseAfterRelease(t *testing.T) {
	r := newTestRegistry(1, NoOpObserver{})

	s, _ := r.claimFree()
	f := newStateFuse(r, 0)
	r.release()

	require.NotPanics(t, func() { f.fire() })
	// a released registry is never written to
	require.Equal(t, BufferStatePreQueue, s.State())
}
