package coordinator

import (
	"context"
	"sort"
	"sync"

	"classroom-sfu/server/internal/bus"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

// Registry tracks the sessions of this instance by room and mirrors the
// room roster onto the bus, so every instance sees the same membership.
// Bus failures are logged; local delivery keeps working without the bus.
type Registry struct {
	bus        bus.Bus
	instanceID string
	log        *logger.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

func NewRegistry(b bus.Bus, instanceID string, log *logger.Logger) *Registry {
	return &Registry{
		bus:        b,
		instanceID: instanceID,
		log:        log,
		rooms:      make(map[string]map[string]*Session),
	}
}

// Add puts s into roomID. The bus room is subscribed when the first local
// member arrives.
func (r *Registry) Add(ctx context.Context, roomID string, s *Session) {
	r.mu.Lock()
	members := r.rooms[roomID]
	first := members == nil
	if first {
		members = make(map[string]*Session)
		r.rooms[roomID] = members
	}
	members[s.ID()] = s
	r.mu.Unlock()
	s.setRoom(roomID)

	if first {
		if err := r.bus.Subscribe(ctx, roomID); err != nil {
			r.log.Warn("REDIS", "Could not subscribe to room channel", map[string]interface{}{
				"roomId": roomID,
				"error":  err.Error(),
			})
		}
	}
	r.put(ctx, roomID, s, false)
}

// Remove takes s out of its room. It reports false when s is not the
// current session of its participant, so a leave runs at most once.
func (r *Registry) Remove(ctx context.Context, s *Session) (roomID string, ok bool) {
	roomID = s.Room()
	if roomID == "" {
		return "", false
	}
	r.mu.Lock()
	members := r.rooms[roomID]
	if members[s.ID()] != s {
		r.mu.Unlock()
		return roomID, false
	}
	delete(members, s.ID())
	last := len(members) == 0
	if last {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	s.setRoom("")

	if err := r.bus.DeleteMember(ctx, roomID, s.ID()); err != nil {
		r.log.Warn("REDIS", "Could not delete member record", map[string]interface{}{
			"roomId":        roomID,
			"participantId": s.ID(),
			"error":         err.Error(),
		})
	}
	if last {
		if err := r.bus.Unsubscribe(ctx, roomID); err != nil {
			r.log.Warn("REDIS", "Could not unsubscribe from room channel", map[string]interface{}{
				"roomId": roomID,
				"error":  err.Error(),
			})
		}
	}
	return roomID, true
}

// Replace hands old's room slot to s without touching the roster.
func (r *Registry) Replace(old, s *Session) {
	roomID := old.Room()
	if roomID == "" {
		return
	}
	r.mu.Lock()
	if members := r.rooms[roomID]; members[old.ID()] == old {
		members[s.ID()] = s
	}
	r.mu.Unlock()
	s.setRoom(roomID)
}

// Get returns the local session of a participant in a room.
func (r *Registry) Get(roomID, participantID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID][participantID]
}

// Local lists the local sessions of a room ordered by participant id.
func (r *Registry) Local(roomID string) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.rooms[roomID]))
	for _, s := range r.rooms[roomID] {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Rooms lists the rooms with local members.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count is the number of local members across rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}

// Roster returns every member of the room across instances. When the bus
// is unavailable it falls back to the local members.
func (r *Registry) Roster(ctx context.Context, roomID string) []protocol.Member {
	recs, err := r.bus.Members(ctx, roomID)
	if err != nil {
		r.log.Warn("REDIS", "Could not read room roster, using local members", map[string]interface{}{
			"roomId": roomID,
			"error":  err.Error(),
		})
		var out []protocol.Member
		for _, s := range r.Local(roomID) {
			out = append(out, s.Member(false))
		}
		return out
	}
	out := make([]protocol.Member, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Member)
	}
	return out
}

// SetHand updates the hand state in the roster.
func (r *Registry) SetHand(ctx context.Context, roomID string, s *Session, raised bool) {
	r.put(ctx, roomID, s, raised)
}

// Settings returns the stored room settings.
func (r *Registry) Settings(ctx context.Context, roomID string) map[string]string {
	settings, err := r.bus.Settings(ctx, roomID)
	if err != nil {
		r.log.Warn("REDIS", "Could not read room settings", map[string]interface{}{
			"roomId": roomID,
			"error":  err.Error(),
		})
		return nil
	}
	return settings
}

// UpdateSettings merges settings into the stored room settings.
func (r *Registry) UpdateSettings(ctx context.Context, roomID string, settings map[string]string) error {
	return r.bus.SetSettings(ctx, roomID, settings)
}

func (r *Registry) put(ctx context.Context, roomID string, s *Session, raised bool) {
	m := s.Member(raised)
	rec := bus.MemberRecord{Member: m, InstanceID: r.instanceID, JoinedAt: s.ConnectedAt.UTC()}
	if err := r.bus.PutMember(ctx, roomID, rec); err != nil {
		r.log.Warn("REDIS", "Could not write member record", map[string]interface{}{
			"roomId":        roomID,
			"participantId": m.ParticipantID,
			"error":         err.Error(),
		})
	}
}

// Headcount partitions a roster by role.
func Headcount(members []protocol.Member) protocol.Headcount {
	var h protocol.Headcount
	for _, m := range members {
		if m.Role == protocol.RoleTeacher {
			h.Teachers++
		} else {
			h.Students++
		}
	}
	return h
}
