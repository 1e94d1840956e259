// Package enginetest provides an in-memory engine.Engine for tests. Workers
// can be killed, connects can be made to hang, and RTP packets can be pushed
// into producers and observed on consumers.
package enginetest

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"classroom-sfu/server/internal/engine"
)

// Engine is an in-memory engine.
type Engine struct {
	caps engine.Capabilities

	blockConnect atomic.Bool
	blockCreate  atomic.Bool
	failWorkers  atomic.Int32

	mu         sync.Mutex
	workers    []*Worker
	transports map[string]*Transport
}

// New returns an engine advertising the default capabilities.
func New() *Engine {
	return &Engine{
		caps:       engine.DefaultCapabilities(),
		transports: make(map[string]*Transport),
	}
}

func (e *Engine) Capabilities() engine.Capabilities { return e.caps }

// BlockConnect makes Connect hang until its context ends.
func (e *Engine) BlockConnect(block bool) { e.blockConnect.Store(block) }

// BlockCreateTransport makes CreateTransport hang until its context ends.
func (e *Engine) BlockCreateTransport(block bool) { e.blockCreate.Store(block) }

// FailNextWorkers makes the next n NewWorker calls fail.
func (e *Engine) FailNextWorkers(n int) { e.failWorkers.Store(int32(n)) }

func (e *Engine) NewWorker(_ context.Context, s engine.WorkerSettings) (engine.Worker, error) {
	if e.failWorkers.Load() > 0 {
		e.failWorkers.Dec()
		return nil, io.ErrUnexpectedEOF
	}
	w := &Worker{
		id:       uuid.New().String(),
		engine:   e,
		Settings: s,
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// Workers returns every worker ever created, in creation order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

// Transport looks up a transport by id.
func (e *Engine) Transport(id string) *Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[id]
}

// Worker is an in-memory worker.
type Worker struct {
	id       string
	engine   *Engine
	Settings engine.WorkerSettings

	closed atomic.Bool
	done   chan struct{}

	mu         sync.Mutex
	transports []*Transport
}

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Done() <-chan struct{} { return w.done }

// Alive reports whether the worker has not been killed or closed.
func (w *Worker) Alive() bool { return !w.closed.Load() }

// Kill simulates the worker process dying.
func (w *Worker) Kill() { _ = w.Close() }

func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	transports := append([]*Transport(nil), w.transports...)
	w.mu.Unlock()
	for _, t := range transports {
		_ = t.Close()
	}
	close(w.done)
	return nil
}

func (w *Worker) CreateTransport(ctx context.Context) (engine.Transport, error) {
	if w.closed.Load() {
		return nil, engine.ErrClosed
	}
	if w.engine.blockCreate.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	t := &Transport{
		id:     uuid.New().String(),
		worker: w,
		done:   make(chan struct{}),
	}
	t.params = engine.TransportParameters{
		ICEParameters: webrtc.ICEParameters{UsernameFragment: t.id[:8], Password: t.id},
		DTLSParameters: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleAuto,
			Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
	w.mu.Lock()
	w.transports = append(w.transports, t)
	w.mu.Unlock()

	w.engine.mu.Lock()
	w.engine.transports[t.id] = t
	w.engine.mu.Unlock()
	return t, nil
}

// Transport is an in-memory transport.
type Transport struct {
	id     string
	worker *Worker
	params engine.TransportParameters

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	mu      sync.Mutex
	sources []*Source
	sinks   []*Sink
}

func (t *Transport) ID() string                             { return t.id }
func (t *Transport) Parameters() engine.TransportParameters { return t.params }
func (t *Transport) Done() <-chan struct{}                  { return t.done }

// Connected reports whether Connect completed.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Closed reports whether the transport was closed.
func (t *Transport) Closed() bool { return t.closed.Load() }

// Fail simulates a transport failure.
func (t *Transport) Fail() { _ = t.Close() }

func (t *Transport) Connect(ctx context.Context, _ engine.ConnectParameters) error {
	if t.closed.Load() {
		return engine.ErrClosed
	}
	if t.worker.engine.blockConnect.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return engine.ErrClosed
		}
	}
	t.connected.Store(true)
	return nil
}

func (t *Transport) Receive(_ context.Context, p engine.RTPParameters) (engine.RTPSource, error) {
	if t.closed.Load() {
		return nil, engine.ErrClosed
	}
	s := &Source{Params: p, packets: make(chan *rtp.Packet, 256), done: make(chan struct{})}
	t.mu.Lock()
	t.sources = append(t.sources, s)
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) Send(_ context.Context, codec engine.Codec) (engine.RTPSink, error) {
	if t.closed.Load() {
		return nil, engine.ErrClosed
	}
	t.mu.Lock()
	s := &Sink{params: engine.RTPParameters{Codec: codec, SSRC: uint32(len(t.sinks) + 1000)}}
	t.sinks = append(t.sinks, s)
	t.mu.Unlock()
	return s, nil
}

// Sources returns the incoming streams created on t.
func (t *Transport) Sources() []*Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Source(nil), t.sources...)
}

// Sinks returns the outgoing streams created on t.
func (t *Transport) Sinks() []*Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Sink(nil), t.sinks...)
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range t.Sources() {
		_ = s.Close()
	}
	close(t.done)
	return nil
}

// Source is an incoming stream fed by Push.
type Source struct {
	Params  engine.RTPParameters
	packets chan *rtp.Packet
	closed  atomic.Bool
	done    chan struct{}
}

// Push delivers pkt to the reader of s.
func (s *Source) Push(pkt *rtp.Packet) {
	select {
	case s.packets <- pkt:
	case <-s.done:
	}
}

func (s *Source) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-s.packets:
		return pkt, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *Source) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return nil
}

// Sink records every written packet.
type Sink struct {
	params engine.RTPParameters
	closed atomic.Bool

	mu      sync.Mutex
	packets []*rtp.Packet
}

func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	if s.closed.Load() {
		return engine.ErrClosed
	}
	s.mu.Lock()
	s.packets = append(s.packets, pkt)
	s.mu.Unlock()
	return nil
}

func (s *Sink) Parameters() engine.RTPParameters { return s.params }

func (s *Sink) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether the sink was closed.
func (s *Sink) Closed() bool { return s.closed.Load() }

// Packets returns a copy of the packets written so far.
func (s *Sink) Packets() []*rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*rtp.Packet(nil), s.packets...)
}

// NewSink returns a standalone recording sink, e.g. for passive consumers.
func NewSink(codec engine.Codec) *Sink {
	return &Sink{params: engine.RTPParameters{Codec: codec}}
}
