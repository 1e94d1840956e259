package coordinator

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// dispatcher runs tasks one at a time per room, in submission order. Rooms
// do not block each other. A task must not wait on another task of its own
// room.
type dispatcher struct {
	mu     sync.Mutex
	queues map[string]*roomQueue
	wg     sync.WaitGroup
}

type roomQueue struct {
	tasks []func()
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[string]*roomQueue)}
}

// Go queues fn behind the room's pending tasks.
func (d *dispatcher) Go(roomID string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, running := d.queues[roomID]
	if !running {
		q = &roomQueue{}
		d.queues[roomID] = q
		d.wg.Add(1)
		go d.drain(roomID, q)
	}
	q.tasks = append(q.tasks, fn)
}

// Do queues fn and waits until it ran or ctx ends. A task abandoned by ctx
// still runs.
func (d *dispatcher) Do(ctx context.Context, roomID string, fn func()) error {
	done := make(chan struct{})
	d.Go(roomID, func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Try queues fn and returns its error. If ctx ends before fn starts, fn is
// skipped and ctx's error returned. Once fn has started Try waits for it.
func (d *dispatcher) Try(ctx context.Context, roomID string, fn func() error) error {
	var claimed atomic.Bool
	res := make(chan error, 1)
	d.Go(roomID, func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		res <- fn()
	})
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		return <-res
	}
}

func (d *dispatcher) drain(roomID string, q *roomQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.tasks) == 0 {
			delete(d.queues, roomID)
			d.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		d.mu.Unlock()
		fn()
	}
}

// Wait blocks until every queued task ran.
func (d *dispatcher) Wait() { d.wg.Wait() }
