package signaling

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

// MeshConfig identifies the local participant.
type MeshConfig struct {
	RoomID    string
	LocalID   string
	LocalRole protocol.Role
	Delay     time.Duration
}

// Mesh keeps one PeerLink per remote member of the room.
type Mesh struct {
	cfg      MeshConfig
	newConn  ConnFactory
	signaler Signaler
	log      *logger.Logger

	mu    sync.Mutex
	links map[string]*PeerLink
	media map[string]webrtc.TrackLocal
}

// NewMesh returns an empty mesh.
func NewMesh(cfg MeshConfig, newConn ConnFactory, signaler Signaler, log *logger.Logger) *Mesh {
	return &Mesh{
		cfg:      cfg,
		newConn:  newConn,
		signaler: signaler,
		log:      log,
		links:    make(map[string]*PeerLink),
		media:    make(map[string]webrtc.TrackLocal),
	}
}

// Link returns the link to remoteID, if any.
func (m *Mesh) Link(remoteID string) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remoteID]
	return l, ok
}

// Peers lists the remote participants with a link, sorted.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ensure returns the link to remoteID, creating it if needed. A link created
// because of membership asks for a first negotiation. A link created by an
// inbound offer or candidate waits for the remote side. A known role replaces
// the one an existing link assumed.
func (m *Mesh) ensure(remoteID string, role protocol.Role, negotiate bool) (*PeerLink, error) {
	m.mu.Lock()
	if l, ok := m.links[remoteID]; ok {
		m.mu.Unlock()
		if l.setRemoteRole(role) && negotiate {
			l.RequestRenegotiation()
		}
		return l, nil
	}
	if role == "" {
		role = protocol.RoleStudent
	}
	l, err := NewPeerLink(LinkConfig{
		RoomID:     m.cfg.RoomID,
		LocalID:    m.cfg.LocalID,
		LocalRole:  m.cfg.LocalRole,
		RemoteID:   remoteID,
		RemoteRole: role,
		Delay:      m.cfg.Delay,
	}, m.newConn, m.signaler, m.log)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.links[remoteID] = l
	media := make(map[string]webrtc.TrackLocal, len(m.media))
	for k, v := range m.media {
		media[k] = v
	}
	m.mu.Unlock()

	m.log.Info("SIGNALING", "Peer link created", map[string]interface{}{
		"remoteId": remoteID,
		"offerer":  l.Offerer(),
	})
	if err := l.setTracks(media, false); err != nil {
		return l, err
	}
	if negotiate {
		l.RequestRenegotiation()
	}
	return l, nil
}

func (m *Mesh) remove(remoteID string) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	delete(m.links, remoteID)
	m.mu.Unlock()
	if ok {
		_ = l.Close()
		m.log.Info("SIGNALING", "Peer link closed", map[string]interface{}{"remoteId": remoteID})
	}
}

// HandleMessage routes one inbound signaling message.
func (m *Mesh) HandleMessage(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeJoinedClass:
		var p protocol.JoinedClassPayload
		if err := msg.Decode(&p); err != nil {
			return errors.Wrap(err, "decode joinedClass")
		}
		for _, member := range p.Members {
			if member.ParticipantID == m.cfg.LocalID {
				continue
			}
			if _, err := m.ensure(member.ParticipantID, member.Role, true); err != nil {
				return err
			}
		}
	case protocol.TypeUserJoined:
		var p protocol.UserPayload
		if err := msg.Decode(&p); err != nil {
			return errors.Wrap(err, "decode userJoined")
		}
		if p.ParticipantID != m.cfg.LocalID {
			_, err := m.ensure(p.ParticipantID, p.Role, true)
			return err
		}
	case protocol.TypeUserLeft:
		var p protocol.UserPayload
		if err := msg.Decode(&p); err != nil {
			return errors.Wrap(err, "decode userLeft")
		}
		m.remove(p.ParticipantID)
	case protocol.TypeOffer:
		var p protocol.SDPPayload
		if err := msg.Decode(&p); err != nil {
			return errors.Wrap(err, "decode offer")
		}
		l, err := m.ensure(msg.SenderID, msg.SenderRole, false)
		if err != nil {
			return err
		}
		if err := l.HandleOffer(p.SDP); err != nil {
			m.log.Error("SIGNALING", "Offer failed, dropping peer link", err, map[string]interface{}{"remoteId": msg.SenderID})
			m.remove(msg.SenderID)
			return err
		}
	case protocol.TypeAnswer:
		var p protocol.SDPPayload
		if err := msg.Decode(&p); err != nil {
			return errors.Wrap(err, "decode answer")
		}
		if l, ok := m.Link(msg.SenderID); ok {
			l.setRemoteRole(msg.SenderRole)
			return l.HandleAnswer(p.SDP)
		}
		m.log.Warn("SIGNALING", "Answer from unknown peer", map[string]interface{}{"senderId": msg.SenderID})
	case protocol.TypeICECandidate:
		var p protocol.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			return errors.Wrap(err, "decode ice-candidate")
		}
		l, err := m.ensure(msg.SenderID, msg.SenderRole, false)
		if err != nil {
			return err
		}
		return l.HandleCandidate(p.Candidate)
	}
	return nil
}

// SetLocalMedia replaces the local tracks on every link.
func (m *Mesh) SetLocalMedia(media map[string]webrtc.TrackLocal) error {
	m.mu.Lock()
	m.media = make(map[string]webrtc.TrackLocal, len(media))
	for k, v := range media {
		m.media[k] = v
	}
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	var firstErr error
	for _, l := range links {
		if err := l.SetTracks(media); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "update link to %s", l.RemoteID())
		}
	}
	return firstErr
}

// Close closes every link.
func (m *Mesh) Close() {
	for _, id := range m.Peers() {
		m.remove(id)
	}
}
