package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

// MemoryHub is an in-process stand-in for the shared store and pub/sub.
// Several MemoryBus instances on one hub behave like coordinator instances
// sharing one Redis.
type MemoryHub struct {
	mu         sync.Mutex
	subs       map[string]map[*MemoryBus]struct{}
	members    map[string]map[string]MemberRecord
	settings   map[string]map[string]string
	instances  map[string]struct{}
	heartbeats map[string]map[string]interface{}
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:       make(map[string]map[*MemoryBus]struct{}),
		members:    make(map[string]map[string]MemberRecord),
		settings:   make(map[string]map[string]string),
		instances:  make(map[string]struct{}),
		heartbeats: make(map[string]map[string]interface{}),
	}
}

// Instances lists registered instance ids.
func (h *MemoryHub) Instances() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.instances))
	for id := range h.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LastHeartbeat returns the last metrics written by instanceID.
func (h *MemoryHub) LastHeartbeat(instanceID string) (map[string]interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.heartbeats[instanceID]
	return m, ok
}

// MemoryBus is one instance's view of a MemoryHub.
type MemoryBus struct {
	hub        *MemoryHub
	instanceID string
	out        chan Envelope
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemoryBus attaches an instance to hub.
func NewMemoryBus(hub *MemoryHub, instanceID string) *MemoryBus {
	return &MemoryBus{
		hub:        hub,
		instanceID: instanceID,
		out:        make(chan Envelope, 1024),
		done:       make(chan struct{}),
	}
}

func (b *MemoryBus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	if b.closed() {
		return ErrClosed
	}
	if env.ID == "" {
		env.ID = NewEnvelopeID()
	}
	env.Origin = b.instanceID

	b.hub.mu.Lock()
	targets := make([]*MemoryBus, 0, len(b.hub.subs[env.RoomID]))
	for sub := range b.hub.subs[env.RoomID] {
		if sub != b {
			targets = append(targets, sub)
		}
	}
	b.hub.mu.Unlock()

	for _, t := range targets {
		select {
		case t.out <- env:
		case <-t.done:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, roomID string) error {
	if b.closed() {
		return ErrClosed
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.subs[roomID] == nil {
		b.hub.subs[roomID] = make(map[*MemoryBus]struct{})
	}
	b.hub.subs[roomID][b] = struct{}{}
	return nil
}

func (b *MemoryBus) Unsubscribe(_ context.Context, roomID string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	delete(b.hub.subs[roomID], b)
	if len(b.hub.subs[roomID]) == 0 {
		delete(b.hub.subs, roomID)
	}
	return nil
}

func (b *MemoryBus) Messages() <-chan Envelope { return b.out }

func (b *MemoryBus) PutMember(_ context.Context, roomID string, rec MemberRecord) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.members[roomID] == nil {
		b.hub.members[roomID] = make(map[string]MemberRecord)
	}
	b.hub.members[roomID][rec.ParticipantID] = rec
	return nil
}

func (b *MemoryBus) DeleteMember(_ context.Context, roomID, participantID string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	delete(b.hub.members[roomID], participantID)
	if len(b.hub.members[roomID]) == 0 {
		delete(b.hub.members, roomID)
		delete(b.hub.settings, roomID)
	}
	return nil
}

func (b *MemoryBus) Members(_ context.Context, roomID string) ([]MemberRecord, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	out := make([]MemberRecord, 0, len(b.hub.members[roomID]))
	for _, rec := range b.hub.members[roomID] {
		out = append(out, rec)
	}
	sortMembers(out)
	return out, nil
}

func (b *MemoryBus) SetSettings(_ context.Context, roomID string, settings map[string]string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.settings[roomID] == nil {
		b.hub.settings[roomID] = make(map[string]string)
	}
	for k, v := range settings {
		b.hub.settings[roomID][k] = v
	}
	return nil
}

func (b *MemoryBus) Settings(_ context.Context, roomID string) (map[string]string, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	out := make(map[string]string, len(b.hub.settings[roomID]))
	for k, v := range b.hub.settings[roomID] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBus) Register(context.Context) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.instances[b.instanceID] = struct{}{}
	return nil
}

func (b *MemoryBus) Heartbeat(_ context.Context, metrics map[string]interface{}) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.heartbeats[b.instanceID] = metrics
	return nil
}

func (b *MemoryBus) Ping(context.Context) error {
	if b.closed() {
		return ErrClosed
	}
	return nil
}

// Close detaches the bus from every room.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.hub.mu.Lock()
		for roomID, subs := range b.hub.subs {
			delete(subs, b)
			if len(subs) == 0 {
				delete(b.hub.subs, roomID)
			}
		}
		delete(b.hub.instances, b.instanceID)
		b.hub.mu.Unlock()
	})
	return nil
}

func sortMembers(recs []MemberRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ParticipantID < recs[j].ParticipantID })
}
