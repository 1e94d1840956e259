package sfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"classroom-sfu/server/internal/engine"
	"classroom-sfu/server/internal/logger"
)

// WorkerLoad is a point-in-time view of one worker slot.
type WorkerLoad struct {
	Index    int    `json:"index"`
	WorkerID string `json:"workerId"`
	Load     int    `json:"load"`
	Alive    bool   `json:"alive"`
	Restarts int    `json:"restarts"`
}

type workerSlot struct {
	index      int
	settings   engine.WorkerSettings
	worker     engine.Worker
	generation uint64
	load       int
	alive      bool
	restarts   int
}

// lease binds a routing context to one generation of a worker slot, so that
// releasing it after the worker was replaced does not touch the new worker.
type lease struct {
	slot       *workerSlot
	generation uint64
	worker     engine.Worker
}

// WorkerPool keeps a fixed number of workers alive and assigns routing
// contexts to the least-loaded one.
type WorkerPool struct {
	eng          engine.Engine
	log          *logger.Logger
	maxLoad      int
	restartDelay time.Duration

	mu      sync.Mutex
	slots   []*workerSlot
	onDeath func(workerID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// splitPorts divides [min, max] into n contiguous ranges. A zero range lets
// the engine choose ports.
func splitPorts(n int, min, max uint16) []engine.WorkerSettings {
	out := make([]engine.WorkerSettings, n)
	if min == 0 && max == 0 {
		for i := range out {
			out[i] = engine.WorkerSettings{Index: i}
		}
		return out
	}
	span := (int(max) - int(min) + 1) / n
	for i := range out {
		lo := int(min) + i*span
		hi := lo + span - 1
		if i == n-1 {
			hi = int(max)
		}
		out[i] = engine.WorkerSettings{Index: i, RTCMinPort: uint16(lo), RTCMaxPort: uint16(hi)}
	}
	return out
}

func newWorkerPool(ctx context.Context, eng engine.Engine, cfg Config, log *logger.Logger) (*WorkerPool, error) {
	if cfg.NumWorkers < 1 {
		return nil, fmt.Errorf("worker pool needs at least one worker, got %d", cfg.NumWorkers)
	}
	settings := splitPorts(cfg.NumWorkers, cfg.RTCMinPort, cfg.RTCMaxPort)
	slots := make([]*workerSlot, cfg.NumWorkers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range slots {
		i := i
		g.Go(func() error {
			w, err := eng.NewWorker(gctx, settings[i])
			if err != nil {
				return errors.Wrapf(err, "start worker %d", i)
			}
			slots[i] = &workerSlot{index: i, settings: settings[i], worker: w, alive: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range slots {
			if s != nil {
				_ = s.worker.Close()
			}
		}
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		eng:          eng,
		log:          log,
		maxLoad:      cfg.MaxRoomsPerWorker,
		restartDelay: cfg.RestartDelay,
		slots:        slots,
		ctx:          pctx,
		cancel:       cancel,
	}
	for _, s := range slots {
		log.Info("WORKER", "Worker started", map[string]interface{}{
			"index":    s.index,
			"workerId": s.worker.ID(),
			"minPort":  s.settings.RTCMinPort,
			"maxPort":  s.settings.RTCMaxPort,
		})
		p.wg.Add(1)
		go p.watch(s, s.worker, s.generation)
	}
	return p, nil
}

func (p *WorkerPool) setDeathHandler(fn func(workerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDeath = fn
}

// acquire picks the live worker with the lowest load, first found on ties,
// and increments its load.
func (p *WorkerPool) acquire() (lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *workerSlot
	for _, s := range p.slots {
		if !s.alive {
			continue
		}
		if p.maxLoad > 0 && s.load >= p.maxLoad {
			continue
		}
		if best == nil || s.load < best.load {
			best = s
		}
	}
	if best == nil {
		return lease{}, errors.Wrap(ErrResourceExhausted, "no worker available")
	}
	best.load++
	return lease{slot: best, generation: best.generation, worker: best.worker}, nil
}

// release undoes one acquire. Leases from a replaced worker are ignored.
func (p *WorkerPool) release(l lease) {
	if l.slot == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.slot.generation == l.generation && l.slot.load > 0 {
		l.slot.load--
	}
}

func (p *WorkerPool) leaseAlive(l lease) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return l.slot != nil && l.slot.alive && l.slot.generation == l.generation
}

func (p *WorkerPool) watch(s *workerSlot, w engine.Worker, generation uint64) {
	defer p.wg.Done()

	select {
	case <-p.ctx.Done():
		return
	case <-w.Done():
	}
	if p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	if s.generation != generation {
		p.mu.Unlock()
		return
	}
	s.alive = false
	s.load = 0
	onDeath := p.onDeath
	p.mu.Unlock()

	p.log.Error("WORKER", "Worker died, restarting", nil, map[string]interface{}{
		"index":    s.index,
		"workerId": w.ID(),
	})
	if onDeath != nil {
		onDeath(w.ID())
	}
	p.restart(s)
}

func (p *WorkerPool) restart(s *workerSlot) {
	for attempt := 1; ; attempt++ {
		w, err := p.eng.NewWorker(p.ctx, s.settings)
		if err == nil {
			if p.ctx.Err() != nil {
				_ = w.Close()
				return
			}
			p.mu.Lock()
			s.worker = w
			s.generation++
			s.alive = true
			s.restarts++
			generation := s.generation
			p.mu.Unlock()

			p.log.Info("WORKER", "Worker replaced", map[string]interface{}{
				"index":    s.index,
				"workerId": w.ID(),
				"attempt":  attempt,
			})
			p.wg.Add(1)
			go p.watch(s, w, generation)
			return
		}

		p.log.Warn("WORKER", "Worker restart attempt failed, retrying", map[string]interface{}{
			"index":      s.index,
			"attempt":    attempt,
			"error":      err.Error(),
			"retryDelay": p.restartDelay.String(),
		})
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.restartDelay):
		}
	}
}

// Loads returns the state of every worker slot.
func (p *WorkerPool) Loads() []WorkerLoad {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerLoad, len(p.slots))
	for i, s := range p.slots {
		out[i] = WorkerLoad{Index: s.index, WorkerID: s.worker.ID(), Load: s.load, Alive: s.alive, Restarts: s.restarts}
	}
	return out
}

// Alive counts live workers.
func (p *WorkerPool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.alive {
			n++
		}
	}
	return n
}

// Close stops every worker. Deaths caused by Close are not reported.
func (p *WorkerPool) Close() {
	p.cancel()
	p.mu.Lock()
	workers := make([]engine.Worker, 0, len(p.slots))
	for _, s := range p.slots {
		workers = append(workers, s.worker)
		s.alive = false
	}
	p.mu.Unlock()
	for _, w := range workers {
		_ = w.Close()
	}
	p.wg.Wait()
}
