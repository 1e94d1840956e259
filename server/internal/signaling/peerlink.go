package signaling

import (
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

// DefaultRenegotiationDelay collapses bursts of local media changes into one
// offer.
const DefaultRenegotiationDelay = 100 * time.Millisecond

// ErrClosed is returned by operations on a closed PeerLink.
var ErrClosed = errors.New("peer link closed")

// IsOfferer reports whether the local side initiates offers towards remote.
// A teacher always offers to a non-teacher. Otherwise the lexicographically
// greater participant id offers.
func IsOfferer(localID string, localRole protocol.Role, remoteID string, remoteRole protocol.Role) bool {
	localTeacher := localRole == protocol.RoleTeacher
	remoteTeacher := remoteRole == protocol.RoleTeacher
	if localTeacher != remoteTeacher {
		return localTeacher
	}
	return localID > remoteID
}

// LinkConfig identifies both ends of a PeerLink.
type LinkConfig struct {
	RoomID     string
	LocalID    string
	LocalRole  protocol.Role
	RemoteID   string
	RemoteRole protocol.Role
	Delay      time.Duration
}

// PeerLink negotiates one peer connection with one remote participant.
type PeerLink struct {
	cfg      LinkConfig
	offerer  bool
	newConn  ConnFactory
	signaler Signaler
	log      *logger.Logger

	debounced func(func())
	offers    atomic.Int64
	recreated atomic.Int64

	mu         sync.Mutex
	conn       Conn
	senders    map[string]Sender
	tracks     map[string]webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	pending    bool
	closed     bool
}

// NewPeerLink opens the first connection of a link.
func NewPeerLink(cfg LinkConfig, newConn ConnFactory, signaler Signaler, log *logger.Logger) (*PeerLink, error) {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultRenegotiationDelay
	}
	l := &PeerLink{
		cfg:       cfg,
		offerer:   IsOfferer(cfg.LocalID, cfg.LocalRole, cfg.RemoteID, cfg.RemoteRole),
		newConn:   newConn,
		signaler:  signaler,
		log:       log,
		debounced: debounce.New(cfg.Delay),
		senders:   make(map[string]Sender),
		tracks:    make(map[string]webrtc.TrackLocal),
	}
	conn, err := l.open()
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return l, nil
}

func (l *PeerLink) open() (Conn, error) {
	conn, err := l.newConn()
	if err != nil {
		return nil, errors.Wrapf(err, "open peer connection to %s", l.cfg.RemoteID)
	}
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.send(protocol.TypeICECandidate, protocol.CandidatePayload{Candidate: c.ToJSON()})
	})
	return conn, nil
}

// RemoteID is the participant at the other end.
func (l *PeerLink) RemoteID() string { return l.cfg.RemoteID }

// Offerer reports whether this side initiates offers.
func (l *PeerLink) Offerer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offerer
}

// RemoteRole is the role the link currently assumes for the remote side.
func (l *PeerLink) RemoteRole() protocol.Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.RemoteRole
}

// setRemoteRole corrects the remote role and recomputes which side offers.
// It reports whether this side became the offerer.
func (l *PeerLink) setRemoteRole(role protocol.Role) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if role == "" || role == l.cfg.RemoteRole {
		return false
	}
	was := l.offerer
	l.cfg.RemoteRole = role
	l.offerer = IsOfferer(l.cfg.LocalID, l.cfg.LocalRole, l.cfg.RemoteID, role)
	l.log.Info("SIGNALING", "Peer role updated", map[string]interface{}{
		"remoteId": l.cfg.RemoteID,
		"role":     role,
		"offerer":  l.offerer,
	})
	return l.offerer && !was
}

// Offers counts offers sent.
func (l *PeerLink) Offers() int64 { return l.offers.Load() }

// Recreated counts connections replaced after a corrupted negotiation.
func (l *PeerLink) Recreated() int64 { return l.recreated.Load() }

// State is the signaling state of the current connection.
func (l *PeerLink) State() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.SignalingState()
}

// RequestRenegotiation schedules an offer. Requests within the debounce
// window collapse into the last one.
func (l *PeerLink) RequestRenegotiation() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = true
	l.mu.Unlock()
	l.debounced(l.negotiate)
}

func (l *PeerLink) negotiate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.pending {
		return
	}
	l.pending = false

	if !l.offerer {
		l.log.Debug("SIGNALING", "Renegotiation dropped, remote side offers", map[string]interface{}{"remoteId": l.cfg.RemoteID})
		return
	}
	if state := l.conn.SignalingState(); state != webrtc.SignalingStateStable {
		l.log.Debug("SIGNALING", "Renegotiation dropped, negotiation in progress", map[string]interface{}{
			"remoteId": l.cfg.RemoteID,
			"state":    state.String(),
		})
		return
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		l.log.Error("SIGNALING", "Error creating offer", err, map[string]interface{}{"remoteId": l.cfg.RemoteID})
		return
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		l.log.Error("SIGNALING", "Error setting local description", err, map[string]interface{}{"remoteId": l.cfg.RemoteID})
		return
	}
	l.offers.Inc()
	l.send(protocol.TypeOffer, protocol.SDPPayload{SDP: offer.SDP})
	l.log.Info("SIGNALING", "Sent offer", map[string]interface{}{
		"remoteId":  l.cfg.RemoteID,
		"sdpLength": len(offer.SDP),
	})
}

// HandleOffer applies a remote offer and answers it. A link whose state
// cannot accept the offer is replaced by a fresh connection first.
func (l *PeerLink) HandleOffer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	state := l.conn.SignalingState()
	if state != webrtc.SignalingStateStable && state != webrtc.SignalingStateHaveLocalOffer {
		if err := l.recreate(state.String()); err != nil {
			return err
		}
	}
	if err := l.conn.SetRemoteDescription(offer); err != nil {
		l.log.Warn("SIGNALING", "Remote offer rejected, recreating connection", map[string]interface{}{
			"remoteId": l.cfg.RemoteID,
			"error":    err.Error(),
		})
		if err := l.recreate("rejected offer"); err != nil {
			return err
		}
		if err := l.conn.SetRemoteDescription(offer); err != nil {
			return errors.Wrapf(err, "apply offer from %s", l.cfg.RemoteID)
		}
	}
	l.flushCandidates()

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return errors.Wrapf(err, "create answer for %s", l.cfg.RemoteID)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return errors.Wrapf(err, "set local answer for %s", l.cfg.RemoteID)
	}
	l.send(protocol.TypeAnswer, protocol.SDPPayload{SDP: answer.SDP})
	l.log.Info("SIGNALING", "Sent answer", map[string]interface{}{
		"remoteId":        l.cfg.RemoteID,
		"answerSDPLength": len(answer.SDP),
	})
	return nil
}

// HandleAnswer applies a remote answer. Outside have-local-offer it is
// ignored.
func (l *PeerLink) HandleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if state := l.conn.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		l.log.Warn("SIGNALING", "Ignoring answer outside have-local-offer", map[string]interface{}{
			"remoteId": l.cfg.RemoteID,
			"state":    state.String(),
		})
		return nil
	}
	if err := l.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return errors.Wrapf(err, "apply answer from %s", l.cfg.RemoteID)
	}
	l.flushCandidates()
	return nil
}

// HandleCandidate applies a remote ICE candidate, or buffers it until the
// remote description is known.
func (l *PeerLink) HandleCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.conn.RemoteDescription() == nil {
		l.candidates = append(l.candidates, c)
		l.log.Debug("SIGNALING", "Buffered ICE candidate", map[string]interface{}{
			"remoteId": l.cfg.RemoteID,
			"buffered": len(l.candidates),
		})
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		l.log.Warn("SIGNALING", "Error adding ICE candidate", map[string]interface{}{
			"remoteId":  l.cfg.RemoteID,
			"candidate": c.Candidate,
			"error":     err.Error(),
		})
	}
	return nil
}

// Buffered is the number of candidates waiting for a remote description.
func (l *PeerLink) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.candidates)
}

func (l *PeerLink) flushCandidates() {
	if len(l.candidates) == 0 {
		return
	}
	for _, c := range l.candidates {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.log.Warn("SIGNALING", "Error adding buffered ICE candidate", map[string]interface{}{
				"remoteId":  l.cfg.RemoteID,
				"candidate": c.Candidate,
				"error":     err.Error(),
			})
		}
	}
	l.log.Debug("SIGNALING", "Flushed buffered ICE candidates", map[string]interface{}{
		"remoteId": l.cfg.RemoteID,
		"count":    len(l.candidates),
	})
	l.candidates = nil
}

// recreate replaces the connection and re-attaches the current tracks.
// Buffered candidates are kept.
func (l *PeerLink) recreate(reason string) error {
	conn, err := l.open()
	if err != nil {
		return err
	}
	_ = l.conn.Close()
	l.conn = conn
	l.senders = make(map[string]Sender)
	for _, kind := range sortedKinds(l.tracks) {
		track := l.tracks[kind]
		if track == nil {
			continue
		}
		sender, err := conn.AddTrack(track)
		if err != nil {
			return errors.Wrapf(err, "re-add %s track for %s", kind, l.cfg.RemoteID)
		}
		l.senders[kind] = sender
	}
	l.recreated.Inc()
	l.log.Warn("SIGNALING", "Peer connection recreated", map[string]interface{}{
		"remoteId": l.cfg.RemoteID,
		"reason":   reason,
	})
	return nil
}

// SetTracks brings the outgoing tracks in line with media, keyed by kind.
// Existing senders get their track replaced, missing kinds get a new sender,
// and kinds no longer present are muted with a nil track.
func (l *PeerLink) SetTracks(media map[string]webrtc.TrackLocal) error {
	return l.setTracks(media, true)
}

func (l *PeerLink) setTracks(media map[string]webrtc.TrackLocal, renegotiate bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	changed := false
	for _, kind := range sortedKinds(media) {
		track := media[kind]
		if l.tracks[kind] == track {
			continue
		}
		if sender, ok := l.senders[kind]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				l.mu.Unlock()
				return errors.Wrapf(err, "replace %s track", kind)
			}
		} else if track != nil {
			sender, err := l.conn.AddTrack(track)
			if err != nil {
				l.mu.Unlock()
				return errors.Wrapf(err, "add %s track", kind)
			}
			l.senders[kind] = sender
		}
		l.tracks[kind] = track
		changed = true
	}
	for _, kind := range sortedKinds(l.tracks) {
		if _, ok := media[kind]; ok || l.tracks[kind] == nil {
			continue
		}
		if sender, ok := l.senders[kind]; ok {
			if err := sender.ReplaceTrack(nil); err != nil {
				l.mu.Unlock()
				return errors.Wrapf(err, "mute %s track", kind)
			}
		}
		l.tracks[kind] = nil
		changed = true
	}
	l.mu.Unlock()

	if changed && renegotiate {
		l.RequestRenegotiation()
	}
	return nil
}

// Close tears the link down and cancels any scheduled offer.
func (l *PeerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = false
	conn := l.conn
	l.mu.Unlock()

	l.debounced(func() {})
	return conn.Close()
}

func (l *PeerLink) send(typ string, payload interface{}) {
	msg := protocol.MustMessage(typ, payload)
	msg.RoomID = l.cfg.RoomID
	msg.SenderID = l.cfg.LocalID
	msg.TargetID = l.cfg.RemoteID
	if err := l.signaler.Send(msg); err != nil {
		l.log.Error("SIGNALING", "Error sending signal", err, map[string]interface{}{
			"type":     typ,
			"remoteId": l.cfg.RemoteID,
		})
	}
}

func sortedKinds(m map[string]webrtc.TrackLocal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
