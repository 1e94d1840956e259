package coordinator

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"classroom-sfu/server/internal/protocol"
)

// Conn is the signaling connection of one participant. Send must not block
// on the network; the gateway queues frames for its write pump.
type Conn interface {
	Send(msg protocol.Message) error
	Close() error
}

// Session is one authenticated signaling connection.
type Session struct {
	Identity
	ConnectedAt time.Time

	conn     Conn
	limiter  *rate.Limiter
	lastSeen atomic.Int64
	replaced atomic.Bool
	gone     sync.Once

	mu     sync.Mutex
	roomID string
}

func newSession(id Identity, conn Conn, limiter *rate.Limiter) *Session {
	s := &Session{
		Identity:    id,
		ConnectedAt: time.Now(),
		conn:        conn,
		limiter:     limiter,
	}
	s.Touch()
	return s
}

// ID is the participant id.
func (s *Session) ID() string { return s.ParticipantID }

// Touch records activity on the connection.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is the time of the last recorded activity.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Replaced reports whether a newer connection took over this participant.
func (s *Session) Replaced() bool { return s.replaced.Load() }

// Room is the id of the room the session is in, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

// Send writes msg to the connection.
func (s *Session) Send(msg protocol.Message) error { return s.conn.Send(msg) }

// Close closes the connection.
func (s *Session) Close() error { return s.conn.Close() }

// Member is the roster entry of the session.
func (s *Session) Member(handRaised bool) protocol.Member {
	return protocol.Member{
		ParticipantID: s.ParticipantID,
		DisplayName:   s.DisplayName,
		Role:          s.Role,
		HandRaised:    handRaised,
	}
}
