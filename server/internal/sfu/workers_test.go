package sfu

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-sfu/server/internal/engine"
	"classroom-sfu/server/internal/engine/enginetest"
	"classroom-sfu/server/internal/logger"
)

func TestSplitPorts(t *testing.T) {
	got := splitPorts(3, 40000, 40011)
	require.Len(t, got, 3)
	assert.Equal(t, engine.WorkerSettings{Index: 0, RTCMinPort: 40000, RTCMaxPort: 40003}, got[0])
	assert.Equal(t, engine.WorkerSettings{Index: 1, RTCMinPort: 40004, RTCMaxPort: 40007}, got[1])
	assert.Equal(t, engine.WorkerSettings{Index: 2, RTCMinPort: 40008, RTCMaxPort: 40011}, got[2])

	// The last worker absorbs the remainder.
	got = splitPorts(2, 100, 104)
	assert.Equal(t, uint16(101), got[0].RTCMaxPort)
	assert.Equal(t, uint16(102), got[1].RTCMinPort)
	assert.Equal(t, uint16(104), got[1].RTCMaxPort)

	for _, s := range splitPorts(4, 0, 0) {
		assert.Zero(t, s.RTCMinPort)
		assert.Zero(t, s.RTCMaxPort)
	}
}

func newTestPool(t *testing.T, eng *enginetest.Engine, n, maxLoad int) *WorkerPool {
	t.Helper()
	p, err := newWorkerPool(context.Background(), eng, Config{
		NumWorkers:        n,
		MaxRoomsPerWorker: maxLoad,
		RestartDelay:      10 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestWorkerPoolAcquireLeastLoaded(t *testing.T) {
	eng := enginetest.New()
	p := newTestPool(t, eng, 3, 0)

	var leases []lease
	for i := 0; i < 6; i++ {
		l, err := p.acquire()
		require.NoError(t, err)
		leases = append(leases, l)
	}
	// Ties go to the first slot, so assignment is round robin.
	for i, l := range leases {
		assert.Equal(t, i%3, l.slot.index, "lease %d", i)
	}
	for _, wl := range p.Loads() {
		assert.Equal(t, 2, wl.Load)
	}

	p.release(leases[4])
	l, err := p.acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, l.slot.index)
}

func TestWorkerPoolExhaustion(t *testing.T) {
	p := newTestPool(t, enginetest.New(), 2, 1)

	_, err := p.acquire()
	require.NoError(t, err)
	l, err := p.acquire()
	require.NoError(t, err)

	_, err = p.acquire()
	assert.ErrorIs(t, err, ErrResourceExhausted)

	p.release(l)
	_, err = p.acquire()
	assert.NoError(t, err)
}

func TestWorkerPoolStartFailure(t *testing.T) {
	eng := enginetest.New()
	eng.FailNextWorkers(1)
	_, err := newWorkerPool(context.Background(), eng, Config{NumWorkers: 2}, logger.NewNop())
	require.Error(t, err)

	// The worker that did start is not leaked.
	for _, w := range eng.Workers() {
		assert.False(t, w.Alive())
	}

	_, err = newWorkerPool(context.Background(), eng, Config{NumWorkers: 0}, logger.NewNop())
	assert.Error(t, err)
}

func TestWorkerPoolRestartsDeadWorker(t *testing.T) {
	eng := enginetest.New()
	p := newTestPool(t, eng, 2, 0)

	deaths := make(chan string, 1)
	p.setDeathHandler(func(id string) { deaths <- id })

	old, err := p.acquire()
	require.NoError(t, err)
	dead := old.worker.(*enginetest.Worker)
	eng.FailNextWorkers(2)
	dead.Kill()

	select {
	case id := <-deaths:
		assert.Equal(t, dead.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("death not reported")
	}

	require.Eventually(t, func() bool { return p.Alive() == 2 }, 2*time.Second, 5*time.Millisecond)
	loads := p.Loads()
	assert.Equal(t, 1, loads[old.slot.index].Restarts)
	assert.NotEqual(t, dead.ID(), loads[old.slot.index].WorkerID)
	assert.Zero(t, loads[old.slot.index].Load)

	// A lease on the replaced worker no longer counts.
	assert.False(t, p.leaseAlive(old))
	p.release(old)
	assert.Zero(t, p.Loads()[old.slot.index].Load)
}

func TestWorkerPoolCloseDoesNotReportDeaths(t *testing.T) {
	eng := enginetest.New()
	p, err := newWorkerPool(context.Background(), eng, Config{NumWorkers: 2}, logger.NewNop())
	require.NoError(t, err)

	reported := make(chan string, 2)
	p.setDeathHandler(func(id string) { reported <- id })
	p.Close()

	assert.Empty(t, reported)
	assert.Zero(t, p.Alive())
	for _, w := range eng.Workers() {
		assert.False(t, w.Alive(), fmt.Sprintf("worker %s", w.ID()))
	}
}
