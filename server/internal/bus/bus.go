// Package bus replicates room membership and relays room events between
// coordinator instances.
package bus

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"classroom-sfu/server/internal/protocol"
)

// Redis key layout.
const (
	InstancesKey      = "classroom:instances"
	HeartbeatsChannel = "classroom_heartbeats"
)

func roomChannel(roomID string) string  { return fmt.Sprintf("classroom:room:%s:events", roomID) }
func membersKey(roomID string) string   { return fmt.Sprintf("classroom:room:%s:members", roomID) }
func settingsKey(roomID string) string  { return fmt.Sprintf("classroom:room:%s:settings", roomID) }
func metricsKey(instance string) string { return fmt.Sprintf("classroom:instance:%s:metrics", instance) }

// Envelope carries one signaling message to the members of a room on other
// instances. An empty TargetID addresses every member except ExcludeID.
type Envelope struct {
	ID        string           `json:"id"`
	Origin    string           `json:"origin"`
	RoomID    string           `json:"roomId"`
	TargetID  string           `json:"targetId,omitempty"`
	ExcludeID string           `json:"excludeId,omitempty"`
	Message   protocol.Message `json:"message"`
}

// MemberRecord is the replicated registry entry of one participant.
type MemberRecord struct {
	protocol.Member
	InstanceID string    `json:"instanceId"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Bus is the cross-instance state bus. Delivery is at least once; envelopes
// published by this instance are not delivered back to it.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, roomID string) error
	Unsubscribe(ctx context.Context, roomID string) error
	Messages() <-chan Envelope

	PutMember(ctx context.Context, roomID string, rec MemberRecord) error
	DeleteMember(ctx context.Context, roomID, participantID string) error
	Members(ctx context.Context, roomID string) ([]MemberRecord, error)
	SetSettings(ctx context.Context, roomID string, settings map[string]string) error
	Settings(ctx context.Context, roomID string) (map[string]string, error)

	Register(ctx context.Context) error
	Heartbeat(ctx context.Context, metrics map[string]interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

// NewEnvelopeID returns a sortable unique id.
func NewEnvelopeID() string { return ulid.Make().String() }

// dedupe remembers recently delivered envelope ids.
type dedupe struct {
	seen *lru.Cache[string, struct{}]
}

func newDedupe(size int) *dedupe {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err)
	}
	return &dedupe{seen: c}
}

// first reports whether id has not been seen before, and records it.
func (d *dedupe) first(id string) bool {
	if ok, _ := d.seen.ContainsOrAdd(id, struct{}{}); ok {
		return false
	}
	return true
}
