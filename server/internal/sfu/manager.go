// Package sfu is the selective-forwarding resource manager: it maps rooms to
// routing contexts on a pool of workers and manages the transports,
// producers and consumers of every participant.
package sfu

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"classroom-sfu/server/internal/engine"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

// Config configures a Manager.
type Config struct {
	NumWorkers        int
	RTCMinPort        uint16
	RTCMaxPort        uint16
	MaxRoomsPerWorker int
	EngineTimeout     time.Duration
	RestartDelay      time.Duration
	EventBuffer       int
}

// JoinResult is returned by JoinRoom.
type JoinResult struct {
	RoomID       string
	RouterID     string
	Capabilities engine.Capabilities
	Producers    []protocol.ProducerInfo
	Headcount    protocol.Headcount
	Rejoined     bool
}

// LeaveResult is returned by LeaveRoom.
type LeaveResult struct {
	Left       bool
	RoomClosed bool
}

// Stats summarizes the resources held by a Manager.
type Stats struct {
	Rooms        int          `json:"rooms"`
	Participants int          `json:"participants"`
	Transports   int          `json:"transports"`
	Producers    int          `json:"producers"`
	Consumers    int          `json:"consumers"`
	Workers      []WorkerLoad `json:"workers"`
}

// Manager owns every routing context and media resource of this instance.
type Manager struct {
	cfg  Config
	caps engine.Capabilities
	pool *WorkerPool
	log  *logger.Logger
	sf   singleflight.Group

	mu         sync.Mutex
	rooms      map[string]*Room
	routers    map[string]*Router
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager starts the worker pool and returns a ready Manager.
func NewManager(ctx context.Context, eng engine.Engine, cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	pool, err := newWorkerPool(ctx, eng, cfg, log)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:        cfg,
		caps:       eng.Capabilities(),
		pool:       pool,
		log:        log,
		rooms:      make(map[string]*Room),
		routers:    make(map[string]*Router),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
	}
	pool.setDeathHandler(m.handleWorkerDeath)
	return m, nil
}

// Events is the outbound event stream. It must be drained.
func (m *Manager) Events() <-chan Event { return m.events }

// Done is closed by Close.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Capabilities are the router RTP capabilities shared by every room.
func (m *Manager) Capabilities() engine.Capabilities { return m.caps }

// CreateOrGetRoutingContext returns the room's router, creating it on the
// least-loaded worker if needed. Concurrent first calls share one creation.
func (m *Manager) CreateOrGetRoutingContext(ctx context.Context, roomID string) (*Router, error) {
	if roomID == "" {
		return nil, errors.Wrap(ErrInvalidState, "empty room id")
	}
	if r := m.router(roomID); r != nil {
		return r, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &timeoutError{op: "create routing context", cause: err}
	}

	v, err, _ := m.sf.Do(roomID, func() (interface{}, error) {
		if r := m.router(roomID); r != nil {
			return r, nil
		}
		for {
			l, err := m.pool.acquire()
			if err != nil {
				m.log.Error("SFU", "Cannot allocate routing context", err, map[string]interface{}{"roomId": roomID})
				return nil, errors.Wrapf(err, "room %s", roomID)
			}
			r := &Router{
				ID:         uuid.New().String(),
				RoomID:     roomID,
				CreatedAt:  time.Now(),
				caps:       m.caps,
				lease:      l,
				transports: make(map[string]*Transport),
				producers:  make(map[string]*Producer),
				consumers:  make(map[string]*Consumer),
			}
			m.mu.Lock()
			if !m.pool.leaseAlive(l) {
				m.mu.Unlock()
				m.pool.release(l)
				continue
			}
			m.routers[roomID] = r
			m.mu.Unlock()

			m.log.Info("SFU", "Routing context created", map[string]interface{}{
				"roomId":   roomID,
				"routerId": r.ID,
				"workerId": l.worker.ID(),
			})
			return r, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Router), nil
}

func (m *Manager) router(roomID string) *Router {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routers[roomID]
}

// JoinRoom registers or overwrites a participant. A participant already in
// the room has its previous resources torn down first.
func (m *Manager) JoinRoom(ctx context.Context, roomID, participantID string, role protocol.Role) (*JoinResult, error) {
	if participantID == "" {
		return nil, errors.Wrap(ErrInvalidState, "empty participant id")
	}
	for attempt := 0; attempt < 3; attempt++ {
		router, err := m.CreateOrGetRoutingContext(ctx, roomID)
		if err != nil {
			return nil, err
		}

		td := &teardown{}
		m.mu.Lock()
		if router.closed || m.routers[roomID] != router {
			m.mu.Unlock()
			continue
		}
		room := m.rooms[roomID]
		if room == nil {
			room = newRoom(roomID, router)
			m.rooms[roomID] = room
		}
		rejoined := false
		if old := room.participants[participantID]; old != nil {
			for _, t := range old.transports {
				m.detachTransportLocked(t, td)
			}
			room.remove(participantID)
			rejoined = true
		}

		p := newParticipant(participantID, role)
		room.add(p)
		for _, t := range router.transports {
			if t.ParticipantID == participantID {
				m.attachTransportLocked(p, t)
			}
		}

		res := &JoinResult{
			RoomID:       roomID,
			RouterID:     router.ID,
			Capabilities: router.caps,
			Headcount:    room.headcount(),
			Rejoined:     rejoined,
		}
		for _, prod := range router.producers {
			if prod.ParticipantID != participantID {
				res.Producers = append(res.Producers, prod.info())
			}
		}
		sortProducers(res.Producers)
		m.mu.Unlock()
		m.finish(td)

		m.log.Info("SFU", "Participant joined room", map[string]interface{}{
			"roomId":        roomID,
			"participantId": participantID,
			"role":          role,
			"liveProducers": len(res.Producers),
			"rejoined":      rejoined,
		})
		return res, nil
	}
	return nil, errors.Wrapf(ErrInvalidState, "room %s closed repeatedly during join", roomID)
}

func (m *Manager) attachTransportLocked(p *Participant, t *Transport) {
	if t.closed {
		return
	}
	p.transports[t.ID] = t
	for _, prod := range t.producers {
		p.producers[prod.Kind] = prod
	}
	for _, c := range t.consumers {
		p.consumers[c.ID] = c
	}
}

func (m *Manager) participantLocked(roomID, participantID string) *Participant {
	if room := m.rooms[roomID]; room != nil {
		return room.participants[participantID]
	}
	return nil
}

// LeaveRoom closes every transport of the participant (cascading to its
// producers and consumers), removes it from the room, and closes the room's
// routing context when the room becomes empty. Leaving twice is a no-op.
func (m *Manager) LeaveRoom(roomID, participantID string) (LeaveResult, error) {
	td := &teardown{}
	var res LeaveResult

	m.mu.Lock()
	room := m.rooms[roomID]
	router := m.routers[roomID]
	var owned []*Transport
	if router != nil {
		for _, t := range router.transports {
			if t.ParticipantID == participantID {
				owned = append(owned, t)
			}
		}
	}
	var part *Participant
	if room != nil {
		part = room.participants[participantID]
	}
	if part == nil && len(owned) == 0 {
		m.mu.Unlock()
		return res, nil
	}

	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })
	for _, t := range owned {
		m.detachTransportLocked(t, td)
	}
	if part != nil {
		room.remove(participantID)
		res.Left = true
	}
	if router != nil && (room == nil || len(room.participants) == 0) {
		m.detachRouterLocked(router, td)
		res.RoomClosed = true
	}
	m.mu.Unlock()
	m.finish(td)

	m.log.Info("SFU", "Participant left room", map[string]interface{}{
		"roomId":        roomID,
		"participantId": participantID,
		"transports":    len(owned),
		"roomClosed":    res.RoomClosed,
	})
	return res, nil
}

// CreateTransport allocates a transport for a participant that has joined
// the room. It never creates a routing context: a participant that already
// left gets ErrNotFound.
func (m *Manager) CreateTransport(ctx context.Context, roomID, participantID string, dir Direction) (*Transport, error) {
	if dir != DirectionSend && dir != DirectionRecv {
		return nil, errors.Wrapf(ErrInvalidState, "direction %q", dir)
	}
	m.mu.Lock()
	var router *Router
	owner := m.participantLocked(roomID, participantID)
	if owner != nil {
		router = m.rooms[roomID].router
	}
	m.mu.Unlock()
	if router == nil {
		return nil, errors.Wrapf(ErrNotFound, "participant %s in room %s", participantID, roomID)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
	defer cancel()
	conn, err := router.lease.worker.CreateTransport(cctx)
	if err != nil {
		if isContextErr(err) {
			return nil, &timeoutError{op: "create transport", cause: err}
		}
		return nil, errors.Wrap(err, "create transport")
	}

	m.mu.Lock()
	// A rejoin in the meantime replaced the record and tore down its resources.
	if router.closed || m.participantLocked(roomID, participantID) != owner {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, errors.Wrapf(ErrNotFound, "participant %s left room %s", participantID, roomID)
	}
	t := &Transport{
		ID:            conn.ID(),
		RoomID:        roomID,
		ParticipantID: participantID,
		Direction:     dir,
		CreatedAt:     time.Now(),
		conn:          conn,
		router:        router,
		producers:     make(map[string]*Producer),
		consumers:     make(map[string]*Consumer),
	}
	m.transports[t.ID] = t
	router.transports[t.ID] = t
	owner.transports[t.ID] = t
	m.mu.Unlock()

	go m.watchTransport(t)

	m.log.Debug("SFU", "Transport created", map[string]interface{}{
		"roomId":        roomID,
		"participantId": participantID,
		"transportId":   t.ID,
		"direction":     dir,
	})
	return t, nil
}

func (m *Manager) watchTransport(t *Transport) {
	<-t.conn.Done()
	if err := m.CloseTransport(t.ID); err == nil {
		m.log.Warn("SFU", "Transport failed and was torn down", map[string]interface{}{
			"transportId":   t.ID,
			"participantId": t.ParticipantID,
			"roomId":        t.RoomID,
		})
	}
}

// ConnectTransport completes the ICE/DTLS handshake. A handshake that does
// not finish within the engine timeout tears the transport down.
func (m *Manager) ConnectTransport(ctx context.Context, transportID string, params engine.ConnectParameters) error {
	m.mu.Lock()
	t := m.transports[transportID]
	if t == nil {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "transport %s", transportID)
	}
	if t.connected || t.connecting {
		m.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "transport %s already connected", transportID)
	}
	t.connecting = true
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
	defer cancel()
	err := t.conn.Connect(cctx, params)

	m.mu.Lock()
	t.connecting = false
	closed := t.closed
	if err == nil && !closed {
		t.connected = true
	}
	m.mu.Unlock()

	switch {
	case err != nil && isContextErr(err):
		_ = m.CloseTransport(transportID)
		m.log.Warn("SFU", "Transport connect timed out, torn down", map[string]interface{}{"transportId": transportID})
		return &timeoutError{op: "connect transport", cause: err}
	case closed:
		return errors.Wrapf(ErrNotFound, "transport %s", transportID)
	case err != nil:
		return errors.Wrapf(err, "connect transport %s", transportID)
	}
	return nil
}

// Produce creates a producer on a send transport. A previous producer of the
// same kind for the participant is closed.
func (m *Manager) Produce(ctx context.Context, transportID, kind string, params engine.RTPParameters) (*Producer, error) {
	if kind != "audio" && kind != "video" {
		return nil, errors.Wrapf(ErrUnsupported, "media kind %q", kind)
	}
	if params.Codec.Kind == "" {
		params.Codec.Kind = kind
	}

	m.mu.Lock()
	t := m.transports[transportID]
	if t == nil {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "transport %s", transportID)
	}
	if t.Direction != DirectionSend {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "transport %s is receive-only", transportID)
	}
	if params.Codec.Kind != kind {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrUnsupported, "codec kind %s for %s track", params.Codec.Kind, kind)
	}
	if _, ok := t.router.caps.Match(params.Codec); !ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrUnsupported, "codec %s", params.Codec.MimeType)
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
	defer cancel()
	source, err := t.conn.Receive(cctx, params)
	if err != nil {
		if isContextErr(err) {
			return nil, &timeoutError{op: "produce", cause: err}
		}
		return nil, errors.Wrap(err, "produce")
	}

	td := &teardown{}
	m.mu.Lock()
	if t.closed {
		m.mu.Unlock()
		_ = source.Close()
		return nil, errors.Wrapf(ErrNotFound, "transport %s", transportID)
	}
	p := &Producer{
		ID:            uuid.New().String(),
		RoomID:        t.RoomID,
		ParticipantID: t.ParticipantID,
		Kind:          kind,
		Params:        params,
		transport:     t,
		source:        source,
	}
	m.producers[p.ID] = p
	t.router.producers[p.ID] = p
	t.producers[p.ID] = p
	if part := m.participantLocked(t.RoomID, t.ParticipantID); part != nil {
		if prev := part.producers[kind]; prev != nil {
			m.detachProducerLocked(prev, td)
		}
		part.producers[kind] = p
	}
	td.emit(Event{
		Type:          EventNewProducer,
		RoomID:        p.RoomID,
		ParticipantID: p.ParticipantID,
		ProducerID:    p.ID,
		Kind:          kind,
	})
	m.mu.Unlock()
	m.finish(td)

	go m.forward(p)

	m.log.Info("SFU", "Producer created", map[string]interface{}{
		"roomId":        p.RoomID,
		"participantId": p.ParticipantID,
		"producerId":    p.ID,
		"kind":          kind,
	})
	return p, nil
}

func (m *Manager) forward(p *Producer) {
	for {
		pkt, err := p.source.ReadRTP()
		if err != nil {
			if !p.closed.Load() {
				m.log.Warn("SFU", "Producer source ended", map[string]interface{}{
					"producerId": p.ID,
					"error":      err.Error(),
					"forwarded":  p.forwarded.Load(),
				})
				_ = m.CloseProducer(p.ID)
			}
			return
		}
		p.forwarded.Inc()
		for _, c := range p.snapshot() {
			c.deliver(pkt)
		}
	}
}

// Consume creates a paused consumer of producerID on a receive transport.
func (m *Manager) Consume(ctx context.Context, transportID, producerID string, caps engine.Capabilities) (*Consumer, error) {
	m.mu.Lock()
	t := m.transports[transportID]
	if t == nil {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "transport %s", transportID)
	}
	if t.Direction != DirectionRecv {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "transport %s is send-only", transportID)
	}
	p := m.producers[producerID]
	if p == nil || p.RoomID != t.RoomID {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "producer %s", producerID)
	}
	codec, ok := t.router.caps.CanConsume(p.Params.Codec, caps)
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "cannot consume %s", p.Params.Codec.MimeType)
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
	defer cancel()
	sink, err := t.conn.Send(cctx, codec)
	if err != nil {
		if isContextErr(err) {
			return nil, &timeoutError{op: "consume", cause: err}
		}
		return nil, errors.Wrap(err, "consume")
	}

	m.mu.Lock()
	if t.closed || p.closed.Load() {
		m.mu.Unlock()
		_ = sink.Close()
		return nil, errors.Wrapf(ErrNotFound, "producer %s or transport %s", producerID, transportID)
	}
	c := m.newConsumerLocked(p, t, t.ParticipantID, sink)
	t.consumers[c.ID] = c
	m.mu.Unlock()

	m.log.Debug("SFU", "Consumer created", map[string]interface{}{
		"consumerId":    c.ID,
		"producerId":    producerID,
		"participantId": c.ParticipantID,
	})
	return c, nil
}

// ConsumeDirect attaches sink to a live producer without a transport, for
// recording or export. The consumer starts paused like any other.
func (m *Manager) ConsumeDirect(roomID, producerID string, sink engine.RTPSink) (*Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.producers[producerID]
	if p == nil || p.RoomID != roomID || p.closed.Load() {
		return nil, errors.Wrapf(ErrNotFound, "producer %s", producerID)
	}
	return m.newConsumerLocked(p, nil, "", sink), nil
}

func (m *Manager) newConsumerLocked(p *Producer, t *Transport, participantID string, sink engine.RTPSink) *Consumer {
	c := &Consumer{
		ID:            uuid.New().String(),
		RoomID:        p.RoomID,
		ParticipantID: participantID,
		ProducerID:    p.ID,
		Kind:          p.Kind,
		producer:      p,
		transport:     t,
		sink:          sink,
	}
	c.paused.Store(true)
	m.consumers[c.ID] = c
	p.transport.router.consumers[c.ID] = c
	if part := m.participantLocked(p.RoomID, participantID); part != nil {
		part.consumers[c.ID] = c
	}
	p.addConsumer(c)
	return c
}

// ResumeConsumer starts delivery.
func (m *Manager) ResumeConsumer(consumerID string) error {
	return m.setPaused(consumerID, false)
}

// PauseConsumer suspends delivery.
func (m *Manager) PauseConsumer(consumerID string) error {
	return m.setPaused(consumerID, true)
}

func (m *Manager) setPaused(consumerID string, paused bool) error {
	m.mu.Lock()
	c := m.consumers[consumerID]
	m.mu.Unlock()
	if c == nil {
		return errors.Wrapf(ErrNotFound, "consumer %s", consumerID)
	}
	c.paused.Store(paused)
	return nil
}

// CloseProducer tears down a producer and its consumers.
func (m *Manager) CloseProducer(producerID string) error {
	td := &teardown{}
	m.mu.Lock()
	p := m.producers[producerID]
	if p == nil {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "producer %s", producerID)
	}
	m.detachProducerLocked(p, td)
	m.mu.Unlock()
	m.finish(td)
	return nil
}

// CloseConsumer tears down one consumer.
func (m *Manager) CloseConsumer(consumerID string) error {
	td := &teardown{}
	m.mu.Lock()
	c := m.consumers[consumerID]
	if c == nil {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "consumer %s", consumerID)
	}
	m.detachConsumerLocked(c, td)
	m.mu.Unlock()
	m.finish(td)
	return nil
}

// CloseTransport tears down a transport with its producers and consumers.
func (m *Manager) CloseTransport(transportID string) error {
	td := &teardown{}
	m.mu.Lock()
	t := m.transports[transportID]
	if t == nil {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "transport %s", transportID)
	}
	m.detachTransportLocked(t, td)
	m.mu.Unlock()
	m.finish(td)
	return nil
}

func (m *Manager) detachTransportLocked(t *Transport, td *teardown) {
	if t.closed {
		return
	}
	t.closed = true
	for _, p := range t.producers {
		m.detachProducerLocked(p, td)
	}
	for _, c := range t.consumers {
		m.detachConsumerLocked(c, td)
	}
	delete(m.transports, t.ID)
	delete(t.router.transports, t.ID)
	if part := m.participantLocked(t.RoomID, t.ParticipantID); part != nil {
		delete(part.transports, t.ID)
	}
	td.close(t.conn.Close)
}

func (m *Manager) detachProducerLocked(p *Producer, td *teardown) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range p.snapshot() {
		m.detachConsumerLocked(c, td)
	}
	delete(m.producers, p.ID)
	delete(p.transport.router.producers, p.ID)
	delete(p.transport.producers, p.ID)
	if part := m.participantLocked(p.RoomID, p.ParticipantID); part != nil && part.producers[p.Kind] == p {
		delete(part.producers, p.Kind)
	}
	td.close(p.source.Close)
	td.emit(Event{
		Type:          EventProducerClosed,
		RoomID:        p.RoomID,
		ParticipantID: p.ParticipantID,
		ProducerID:    p.ID,
		Kind:          p.Kind,
	})
}

func (m *Manager) detachConsumerLocked(c *Consumer, td *teardown) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.producer.removeConsumer(c)
	delete(m.consumers, c.ID)
	delete(c.producer.transport.router.consumers, c.ID)
	if c.transport != nil {
		delete(c.transport.consumers, c.ID)
	}
	if part := m.participantLocked(c.RoomID, c.ParticipantID); part != nil {
		delete(part.consumers, c.ID)
	}
	td.close(c.sink.Close)
	td.emit(Event{
		Type:          EventConsumerClosed,
		RoomID:        c.RoomID,
		ParticipantID: c.ParticipantID,
		ProducerID:    c.ProducerID,
		ConsumerID:    c.ID,
		Kind:          c.Kind,
	})
}

// detachRouterLocked removes the router and its room. The worker load is
// released exactly once, when the teardown runs.
func (m *Manager) detachRouterLocked(r *Router, td *teardown) {
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.transports {
		m.detachTransportLocked(t, td)
	}
	for _, p := range r.producers {
		m.detachProducerLocked(p, td)
	}
	for _, c := range r.consumers {
		m.detachConsumerLocked(c, td)
	}
	if m.routers[r.RoomID] == r {
		delete(m.routers, r.RoomID)
	}
	if room := m.rooms[r.RoomID]; room != nil && room.router == r {
		delete(m.rooms, r.RoomID)
	}
	l := r.lease
	td.close(func() error {
		m.pool.release(l)
		return nil
	})
	td.emit(Event{Type: EventRoomClosed, RoomID: r.RoomID})
	m.log.Info("SFU", "Routing context closed", map[string]interface{}{
		"roomId":   r.RoomID,
		"routerId": r.ID,
		"workerId": l.worker.ID(),
	})
}

// handleWorkerDeath drops every room bound to the dead worker. Participants
// of those rooms are reported so they can be told to rejoin.
func (m *Manager) handleWorkerDeath(workerID string) {
	td := &teardown{}
	var failed []Event

	m.mu.Lock()
	for roomID, r := range m.routers {
		if r.lease.worker.ID() != workerID {
			continue
		}
		ev := Event{Type: EventRouterFailed, RoomID: roomID}
		if room := m.rooms[roomID]; room != nil {
			for id := range room.participants {
				ev.ParticipantIDs = append(ev.ParticipantIDs, id)
			}
			sort.Strings(ev.ParticipantIDs)
		}
		failed = append(failed, ev)
		m.detachRouterLocked(r, td)
	}
	m.mu.Unlock()
	m.finish(td)

	for _, ev := range failed {
		m.log.Error("SFU", "Room lost with its worker", nil, map[string]interface{}{
			"roomId":       ev.RoomID,
			"workerId":     workerID,
			"participants": len(ev.ParticipantIDs),
		})
		m.emit(ev)
	}
}

// Room returns a snapshot of a room.
func (m *Manager) Room(roomID string) (RoomInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomID]
	if room == nil {
		return RoomInfo{}, false
	}
	info := RoomInfo{
		ID:        room.ID,
		RouterID:  room.router.ID,
		WorkerID:  room.router.WorkerID(),
		Headcount: room.headcount(),
		CreatedAt: room.CreatedAt,
	}
	for id := range room.participants {
		info.Participants = append(info.Participants, id)
	}
	sort.Strings(info.Participants)
	for _, p := range room.router.producers {
		info.Producers = append(info.Producers, p.info())
	}
	sortProducers(info.Producers)
	return info, true
}

// HasRoutingContext reports whether the room currently has a router.
func (m *Manager) HasRoutingContext(roomID string) bool {
	return m.router(roomID) != nil
}

// TransportOwner returns the room and participant a transport belongs to.
func (m *Manager) TransportOwner(transportID string) (roomID, participantID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.transports[transportID]; t != nil {
		return t.RoomID, t.ParticipantID, true
	}
	return "", "", false
}

// ConsumerOwner returns the room and participant a consumer belongs to.
func (m *Manager) ConsumerOwner(consumerID string) (roomID, participantID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.consumers[consumerID]; c != nil {
		return c.RoomID, c.ParticipantID, true
	}
	return "", "", false
}

// ProducerOwner returns the room and participant a producer belongs to.
func (m *Manager) ProducerOwner(producerID string) (roomID, participantID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.producers[producerID]; p != nil {
		return p.RoomID, p.ParticipantID, true
	}
	return "", "", false
}

// Stats counts live resources.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Rooms:      len(m.rooms),
		Transports: len(m.transports),
		Producers:  len(m.producers),
		Consumers:  len(m.consumers),
	}
	for _, r := range m.rooms {
		s.Participants += len(r.participants)
	}
	m.mu.Unlock()
	s.Workers = m.pool.Loads()
	return s
}

// Healthy reports whether at least one worker is alive.
func (m *Manager) Healthy() bool { return m.pool.Alive() > 0 }

// Close tears down every room and stops the workers.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		td := &teardown{}
		m.mu.Lock()
		for _, r := range m.routers {
			m.detachRouterLocked(r, td)
		}
		m.mu.Unlock()
		close(m.done)
		m.finish(td)
		m.pool.Close()
	})
}
