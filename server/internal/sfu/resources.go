package sfu

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"classroom-sfu/server/internal/engine"
	"classroom-sfu/server/internal/protocol"
)

// Direction of a transport, seen from the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// ParseDirection accepts "send", "recv" and "receive".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "send":
		return DirectionSend, nil
	case "recv", "receive":
		return DirectionRecv, nil
	}
	return "", fmt.Errorf("unknown transport direction %q: %w", s, ErrInvalidState)
}

// Router is the routing context of one room. It owns every transport,
// producer and consumer created for the room. Fields below the mutex line
// are guarded by Manager.mu.
type Router struct {
	ID        string
	RoomID    string
	CreatedAt time.Time
	caps      engine.Capabilities
	lease     lease

	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

// WorkerID is the id of the worker the router was bound to at creation.
func (r *Router) WorkerID() string { return r.lease.worker.ID() }

// Capabilities are the codecs clients must negotiate against.
func (r *Router) Capabilities() engine.Capabilities { return r.caps }

// Transport is a participant's send or receive endpoint.
type Transport struct {
	ID            string
	RoomID        string
	ParticipantID string
	Direction     Direction
	CreatedAt     time.Time

	conn   engine.Transport
	router *Router

	connecting bool
	connected  bool
	closed     bool
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

// Parameters are the local ICE/DTLS credentials to relay to the client.
func (t *Transport) Parameters() engine.TransportParameters { return t.conn.Parameters() }

// Producer is one incoming media track.
type Producer struct {
	ID            string
	RoomID        string
	ParticipantID string
	Kind          string
	Params        engine.RTPParameters

	transport *Transport
	source    engine.RTPSource
	closed    atomic.Bool
	forwarded atomic.Uint64

	mu        sync.RWMutex
	consumers []*Consumer
}

// Closed reports whether the producer was torn down.
func (p *Producer) Closed() bool { return p.closed.Load() }

// Forwarded counts packets read from the source.
func (p *Producer) Forwarded() uint64 { return p.forwarded.Load() }

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

func (p *Producer) removeConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.consumers[:0:0]
	for _, other := range p.consumers {
		if other != c {
			out = append(out, other)
		}
	}
	p.consumers = out
}

func (p *Producer) snapshot() []*Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consumers
}

func (p *Producer) info() protocol.ProducerInfo {
	return protocol.ProducerInfo{ProducerID: p.ID, ParticipantID: p.ParticipantID, Kind: p.Kind}
}

// Consumer is one outgoing copy of a producer's track. It starts paused.
type Consumer struct {
	ID            string
	RoomID        string
	ParticipantID string
	ProducerID    string
	Kind          string

	producer  *Producer
	transport *Transport
	sink      engine.RTPSink
	paused    atomic.Bool
	closed    atomic.Bool
	delivered atomic.Uint64
}

// Paused reports whether delivery is suspended.
func (c *Consumer) Paused() bool { return c.paused.Load() }

// Closed reports whether the consumer was torn down.
func (c *Consumer) Closed() bool { return c.closed.Load() }

// Delivered counts packets written to the sink.
func (c *Consumer) Delivered() uint64 { return c.delivered.Load() }

// RTPParameters describe the outgoing stream.
func (c *Consumer) RTPParameters() engine.RTPParameters { return c.sink.Parameters() }

func (c *Consumer) deliver(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	if err := c.sink.WriteRTP(pkt); err != nil {
		return
	}
	c.delivered.Inc()
}

// Room is the registry entry of a class on this instance.
type Room struct {
	ID        string
	CreatedAt time.Time

	router       *Router
	participants map[string]*Participant
	teacherIDs   map[string]struct{}
	studentIDs   map[string]struct{}
}

func newRoom(id string, r *Router) *Room {
	return &Room{
		ID:           id,
		CreatedAt:    time.Now(),
		router:       r,
		participants: make(map[string]*Participant),
		teacherIDs:   make(map[string]struct{}),
		studentIDs:   make(map[string]struct{}),
	}
}

func (r *Room) add(p *Participant) {
	r.participants[p.ID] = p
	if p.Role == protocol.RoleTeacher {
		r.teacherIDs[p.ID] = struct{}{}
	} else {
		r.studentIDs[p.ID] = struct{}{}
	}
}

func (r *Room) remove(id string) {
	delete(r.participants, id)
	delete(r.teacherIDs, id)
	delete(r.studentIDs, id)
}

func (r *Room) headcount() protocol.Headcount {
	return protocol.Headcount{Teachers: len(r.teacherIDs), Students: len(r.studentIDs)}
}

// Participant holds references into the router's resource pool.
type Participant struct {
	ID       string
	Role     protocol.Role
	JoinedAt time.Time

	producers  map[string]*Producer
	consumers  map[string]*Consumer
	transports map[string]*Transport
}

func newParticipant(id string, role protocol.Role) *Participant {
	return &Participant{
		ID:         id,
		Role:       role,
		JoinedAt:   time.Now(),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		transports: make(map[string]*Transport),
	}
}

// RoomInfo is a read-only view of a room.
type RoomInfo struct {
	ID           string
	RouterID     string
	WorkerID     string
	Participants []string
	Headcount    protocol.Headcount
	Producers    []protocol.ProducerInfo
	CreatedAt    time.Time
}

func sortProducers(ps []protocol.ProducerInfo) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].ParticipantID != ps[j].ParticipantID {
			return ps[i].ParticipantID < ps[j].ParticipantID
		}
		return ps[i].Kind < ps[j].Kind
	})
}
