package signaling

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *fakeSender) last() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[len(s.tracks)-1]
}

// fakeConn models the offer/answer state transitions of a peer connection.
type fakeConn struct {
	mu         sync.Mutex
	id         int
	state      webrtc.SignalingState
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    []*fakeSender
	added      []webrtc.TrackLocal
	offers     int
	closed     bool
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", c.id, c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("answer in %s", c.state)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.id)}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("local %s in %s", d.Type, c.state)
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("remote %s in %s", d.Type, c.state)
	}
	c.remote = &d
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return fmt.Errorf("no remote description")
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSender{tracks: []webrtc.TrackLocal{t}}
	c.senders = append(c.senders, s)
	c.added = append(c.added, t)
	return s, nil
}

func (c *fakeConn) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *connFactory) open() (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{id: len(f.conns), state: webrtc.SignalingStateStable}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *connFactory) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Send(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) ofType(typ string) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

const testDelay = 20 * time.Millisecond

func newTestLink(t *testing.T, local string, localRole protocol.Role, remote string, remoteRole protocol.Role) (*PeerLink, *connFactory, *recorder) {
	t.Helper()
	f := &connFactory{}
	rec := &recorder{}
	l, err := NewPeerLink(LinkConfig{
		RoomID:     "cs101",
		LocalID:    local,
		LocalRole:  localRole,
		RemoteID:   remote,
		RemoteRole: remoteRole,
		Delay:      testDelay,
	}, f.open, rec, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, f, rec
}

func newTrack(t *testing.T, kind string) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == "video" {
		mime = webrtc.MimeTypeVP8
	}
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind, "local")
	require.NoError(t, err)
	return tr
}

func TestIsOfferer(t *testing.T) {
	cases := []struct {
		local      string
		localRole  protocol.Role
		remote     string
		remoteRole protocol.Role
		want       bool
	}{
		{"a", protocol.RoleTeacher, "z", protocol.RoleStudent, true},
		{"z", protocol.RoleStudent, "a", protocol.RoleTeacher, false},
		{"b", protocol.RoleStudent, "a", protocol.RoleStudent, true},
		{"a", protocol.RoleStudent, "b", protocol.RoleStudent, false},
		{"t2", protocol.RoleTeacher, "t1", protocol.RoleTeacher, true},
	}
	for _, c := range cases {
		got := IsOfferer(c.local, c.localRole, c.remote, c.remoteRole)
		assert.Equal(t, c.want, got, "%s(%s) vs %s(%s)", c.local, c.localRole, c.remote, c.remoteRole)
		// Exactly one side of every pair offers.
		assert.NotEqual(t, got, IsOfferer(c.remote, c.remoteRole, c.local, c.localRole))
	}
}

// pipe connects two links through their signaling channels.
type pipe struct {
	mu   sync.Mutex
	peer *PeerLink
	sent []protocol.Message
	errs []error
}

func (p *pipe) Send(msg protocol.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	peer := p.peer
	p.mu.Unlock()
	go func() {
		var err error
		switch msg.Type {
		case protocol.TypeOffer, protocol.TypeAnswer:
			var sdp protocol.SDPPayload
			_ = msg.Decode(&sdp)
			if msg.Type == protocol.TypeOffer {
				err = peer.HandleOffer(sdp.SDP)
			} else {
				err = peer.HandleAnswer(sdp.SDP)
			}
		}
		if err != nil {
			p.mu.Lock()
			p.errs = append(p.errs, err)
			p.mu.Unlock()
		}
	}()
	return nil
}

func (p *pipe) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestGlareFreeOffering(t *testing.T) {
	fa, fb := &connFactory{}, &connFactory{}
	toB, toA := &pipe{}, &pipe{}
	teacher, err := NewPeerLink(LinkConfig{RoomID: "cs101", LocalID: "zed", LocalRole: protocol.RoleTeacher, RemoteID: "amy", RemoteRole: protocol.RoleStudent, Delay: testDelay}, fa.open, toB, logger.NewNop())
	require.NoError(t, err)
	student, err := NewPeerLink(LinkConfig{RoomID: "cs101", LocalID: "amy", LocalRole: protocol.RoleStudent, RemoteID: "zed", RemoteRole: protocol.RoleTeacher, Delay: testDelay}, fb.open, toA, logger.NewNop())
	require.NoError(t, err)
	defer teacher.Close()
	defer student.Close()
	toB.peer, toA.peer = student, teacher

	// Both sides change media at the same time.
	require.NoError(t, teacher.SetTracks(map[string]webrtc.TrackLocal{"video": newTrack(t, "video")}))
	require.NoError(t, student.SetTracks(map[string]webrtc.TrackLocal{"audio": newTrack(t, "audio")}))

	require.Eventually(t, func() bool {
		return teacher.State() == webrtc.SignalingStateStable && toA.count(protocol.TypeAnswer) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testDelay)

	assert.Equal(t, 1, toB.count(protocol.TypeOffer))
	assert.Zero(t, toA.count(protocol.TypeOffer))
	assert.Equal(t, int64(1), teacher.Offers())
	assert.Zero(t, student.Offers())
	assert.Equal(t, webrtc.SignalingStateStable, student.State())
	assert.Empty(t, toA.errs)
	assert.Empty(t, toB.errs)
}

func TestRenegotiationIsDebounced(t *testing.T) {
	l, _, rec := newTestLink(t, "teacher", protocol.RoleTeacher, "s1", protocol.RoleStudent)
	for i := 0; i < 5; i++ {
		l.RequestRenegotiation()
		time.Sleep(testDelay / 4)
	}
	require.Eventually(t, func() bool { return len(rec.ofType(protocol.TypeOffer)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testDelay)
	offers := rec.ofType(protocol.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "s1", offers[0].TargetID)
	assert.Equal(t, "teacher", offers[0].SenderID)
	assert.Equal(t, "cs101", offers[0].RoomID)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, l.State())

	// A request while an offer is outstanding is dropped.
	l.RequestRenegotiation()
	time.Sleep(3 * testDelay)
	assert.Len(t, rec.ofType(protocol.TypeOffer), 1)
}

func TestNonOffererDropsRenegotiation(t *testing.T) {
	l, _, rec := newTestLink(t, "amy", protocol.RoleStudent, "bob", protocol.RoleStudent)
	assert.False(t, l.Offerer())
	l.RequestRenegotiation()
	time.Sleep(3 * testDelay)
	assert.Empty(t, rec.ofType(protocol.TypeOffer))
	assert.Equal(t, webrtc.SignalingStateStable, l.State())
}

func TestCloseCancelsScheduledOffer(t *testing.T) {
	l, f, rec := newTestLink(t, "teacher", protocol.RoleTeacher, "s1", protocol.RoleStudent)
	l.RequestRenegotiation()
	require.NoError(t, l.Close())
	time.Sleep(3 * testDelay)
	assert.Empty(t, rec.ofType(protocol.TypeOffer))
	assert.True(t, f.all()[0].closed)
	assert.ErrorIs(t, l.HandleOffer("x"), ErrClosed)
}

func TestHandleOfferAnswers(t *testing.T) {
	l, f, rec := newTestLink(t, "s1", protocol.RoleStudent, "teacher", protocol.RoleTeacher)
	require.NoError(t, l.HandleOffer("remote-offer"))

	answers := rec.ofType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "teacher", answers[0].TargetID)
	assert.Equal(t, webrtc.SignalingStateStable, l.State())
	assert.Zero(t, l.Recreated())
	assert.Len(t, f.all(), 1)
}

func TestCorruptedLinkIsRecreated(t *testing.T) {
	l, f, rec := newTestLink(t, "s1", protocol.RoleStudent, "teacher", protocol.RoleTeacher)
	audio := newTrack(t, "audio")
	require.NoError(t, l.SetTracks(map[string]webrtc.TrackLocal{"audio": audio}))

	first := f.all()[0]
	first.mu.Lock()
	first.state = webrtc.SignalingStateHaveRemotePranswer
	first.mu.Unlock()

	require.NoError(t, l.HandleOffer("remote-offer"))
	assert.Equal(t, int64(1), l.Recreated())
	conns := f.all()
	require.Len(t, conns, 2)
	assert.True(t, first.closed)
	assert.Equal(t, []webrtc.TrackLocal{audio}, conns[1].added)
	assert.Len(t, rec.ofType(protocol.TypeAnswer), 1)
	assert.Equal(t, webrtc.SignalingStateStable, l.State())
}

func TestGlareOfferRecreatesLink(t *testing.T) {
	l, f, rec := newTestLink(t, "teacher", protocol.RoleTeacher, "t0", protocol.RoleTeacher)
	l.RequestRenegotiation()
	require.Eventually(t, func() bool { return l.State() == webrtc.SignalingStateHaveLocalOffer }, time.Second, 5*time.Millisecond)

	// The fake rejects a remote offer in have-local-offer, like a browser
	// without rollback.
	require.NoError(t, l.HandleOffer("competing-offer"))
	assert.Equal(t, int64(1), l.Recreated())
	assert.Len(t, f.all(), 2)
	assert.Len(t, rec.ofType(protocol.TypeAnswer), 1)
}

func TestAnswerOutsideHaveLocalOfferIsIgnored(t *testing.T) {
	l, f, _ := newTestLink(t, "teacher", protocol.RoleTeacher, "s1", protocol.RoleStudent)
	require.NoError(t, l.HandleAnswer("late-answer"))
	assert.Nil(t, f.all()[0].RemoteDescription())
	assert.Equal(t, webrtc.SignalingStateStable, l.State())

	l.RequestRenegotiation()
	require.Eventually(t, func() bool { return l.State() == webrtc.SignalingStateHaveLocalOffer }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.HandleAnswer("answer"))
	assert.Equal(t, webrtc.SignalingStateStable, l.State())

	// Duplicate answer.
	require.NoError(t, l.HandleAnswer("answer"))
	assert.Equal(t, webrtc.SignalingStateStable, l.State())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	l, f, _ := newTestLink(t, "s1", protocol.RoleStudent, "teacher", protocol.RoleTeacher)
	c1 := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host"}
	c2 := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 2122260223 10.0.0.2 50001 typ host"}
	c3 := webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 2122260223 10.0.0.3 50002 typ host"}

	require.NoError(t, l.HandleCandidate(c1))
	require.NoError(t, l.HandleCandidate(c2))
	assert.Equal(t, 2, l.Buffered())
	assert.Empty(t, f.all()[0].candidates)

	require.NoError(t, l.HandleOffer("remote-offer"))
	assert.Zero(t, l.Buffered())
	require.NoError(t, l.HandleCandidate(c3))
	assert.Equal(t, []webrtc.ICECandidateInit{c1, c2, c3}, f.all()[0].candidates)
}

func TestSetTracksReplacesAddsAndMutes(t *testing.T) {
	l, f, _ := newTestLink(t, "teacher", protocol.RoleTeacher, "s1", protocol.RoleStudent)
	conn := f.all()[0]
	cam1, cam2, mic := newTrack(t, "video"), newTrack(t, "video"), newTrack(t, "audio")

	require.NoError(t, l.SetTracks(map[string]webrtc.TrackLocal{"video": cam1}))
	require.Len(t, conn.senders, 1)

	require.NoError(t, l.SetTracks(map[string]webrtc.TrackLocal{"video": cam2, "audio": mic}))
	require.Len(t, conn.senders, 2)
	assert.Same(t, cam2, conn.senders[0].last())

	// Dropping video keeps its sender with an empty track.
	require.NoError(t, l.SetTracks(map[string]webrtc.TrackLocal{"audio": mic}))
	require.Len(t, conn.senders, 2)
	assert.Nil(t, conn.senders[0].last())
	assert.Same(t, mic, conn.senders[1].last())

	// Bringing video back reuses the sender.
	require.NoError(t, l.SetTracks(map[string]webrtc.TrackLocal{"audio": mic, "video": cam1}))
	require.Len(t, conn.senders, 2)
	assert.Same(t, cam1, conn.senders[0].last())
}
