package signaling

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

func newTestMesh(t *testing.T, local string, role protocol.Role) (*Mesh, *connFactory, *recorder) {
	t.Helper()
	f := &connFactory{}
	rec := &recorder{}
	m := NewMesh(MeshConfig{RoomID: "cs101", LocalID: local, LocalRole: role, Delay: testDelay}, f.open, rec, logger.NewNop())
	t.Cleanup(m.Close)
	return m, f, rec
}

func TestMeshFollowsMembership(t *testing.T) {
	m, _, rec := newTestMesh(t, "teacher", protocol.RoleTeacher)
	require.NoError(t, m.SetLocalMedia(map[string]webrtc.TrackLocal{"video": newTrack(t, "video")}))

	joined := protocol.MustMessage(protocol.TypeJoinedClass, protocol.JoinedClassPayload{
		RoomID: "cs101",
		Members: []protocol.Member{
			{ParticipantID: "teacher", Role: protocol.RoleTeacher},
			{ParticipantID: "s1", Role: protocol.RoleStudent},
		},
	})
	require.NoError(t, m.HandleMessage(joined))
	require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeUserJoined, protocol.UserPayload{ParticipantID: "s2", Role: protocol.RoleStudent})))
	assert.Equal(t, []string{"s1", "s2"}, m.Peers())

	// The teacher offers to every student once the window passes.
	require.Eventually(t, func() bool { return len(rec.ofType(protocol.TypeOffer)) == 2 }, time.Second, 5*time.Millisecond)

	l, ok := m.Link("s2")
	require.True(t, ok)
	require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeUserLeft, protocol.UserPayload{ParticipantID: "s2"})))
	assert.Equal(t, []string{"s1"}, m.Peers())
	assert.ErrorIs(t, l.HandleAnswer("x"), ErrClosed)
}

func TestMeshAnswersOfferFromUnknownPeer(t *testing.T) {
	m, f, rec := newTestMesh(t, "s1", protocol.RoleStudent)

	cand := protocol.MustMessage(protocol.TypeICECandidate, protocol.CandidatePayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host"},
	})
	cand.SenderID = "teacher"
	require.NoError(t, m.HandleMessage(cand))

	offer := protocol.MustMessage(protocol.TypeOffer, protocol.SDPPayload{SDP: "remote-offer"})
	offer.SenderID = "teacher"
	require.NoError(t, m.HandleMessage(offer))

	answers := rec.ofType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "teacher", answers[0].TargetID)
	assert.Len(t, f.all()[0].candidates, 1)

	time.Sleep(3 * testDelay)
	assert.Empty(t, rec.ofType(protocol.TypeOffer))
}

func TestMeshLocalMediaReachesEveryLink(t *testing.T) {
	m, f, _ := newTestMesh(t, "teacher", protocol.RoleTeacher)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeUserJoined, protocol.UserPayload{ParticipantID: id, Role: protocol.RoleStudent})))
	}
	mic := newTrack(t, "audio")
	require.NoError(t, m.SetLocalMedia(map[string]webrtc.TrackLocal{"audio": mic}))
	for _, c := range f.all() {
		assert.Equal(t, []webrtc.TrackLocal{mic}, c.added)
	}

	// Links created later start with the current media.
	require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeUserJoined, protocol.UserPayload{ParticipantID: "d", Role: protocol.RoleStudent})))
	conns := f.all()
	assert.Equal(t, []webrtc.TrackLocal{mic}, conns[len(conns)-1].added)

	// The answer from a peer nobody knows is ignored.
	ans := protocol.MustMessage(protocol.TypeAnswer, protocol.SDPPayload{SDP: "x"})
	ans.SenderID = "ghost"
	assert.NoError(t, m.HandleMessage(ans))
}

func TestMeshStudentNeverOffersToTeacher(t *testing.T) {
	// "zoe" sorts above "alice-teacher", so only the role keeps her from offering.
	offerFrom := func(role protocol.Role) protocol.Message {
		offer := protocol.MustMessage(protocol.TypeOffer, protocol.SDPPayload{SDP: "remote-offer"})
		offer.SenderID = "alice-teacher"
		offer.SenderRole = role
		return offer
	}

	t.Run("stamped offer", func(t *testing.T) {
		m, _, rec := newTestMesh(t, "zoe", protocol.RoleStudent)
		require.NoError(t, m.HandleMessage(offerFrom(protocol.RoleTeacher)))
		l, ok := m.Link("alice-teacher")
		require.True(t, ok)
		assert.False(t, l.Offerer())
		assert.Equal(t, protocol.RoleTeacher, l.RemoteRole())

		require.NoError(t, m.SetLocalMedia(map[string]webrtc.TrackLocal{"audio": newTrack(t, "audio")}))
		time.Sleep(3 * testDelay)
		assert.Empty(t, rec.ofType(protocol.TypeOffer))
		assert.Zero(t, l.Offers())
	})

	t.Run("role learned from userJoined", func(t *testing.T) {
		m, _, rec := newTestMesh(t, "zoe", protocol.RoleStudent)
		require.NoError(t, m.HandleMessage(offerFrom("")))
		l, ok := m.Link("alice-teacher")
		require.True(t, ok)
		assert.True(t, l.Offerer(), "unknown role is assumed to be a student")

		require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeUserJoined, protocol.UserPayload{
			ParticipantID: "alice-teacher",
			Role:          protocol.RoleTeacher,
		})))
		same, _ := m.Link("alice-teacher")
		assert.Same(t, l, same)
		assert.False(t, l.Offerer())

		require.NoError(t, m.SetLocalMedia(map[string]webrtc.TrackLocal{"audio": newTrack(t, "audio")}))
		time.Sleep(3 * testDelay)
		assert.Empty(t, rec.ofType(protocol.TypeOffer))
		assert.Zero(t, l.Offers())
	})

	t.Run("role learned from joinedClass", func(t *testing.T) {
		m, _, _ := newTestMesh(t, "zoe", protocol.RoleStudent)
		cand := protocol.MustMessage(protocol.TypeICECandidate, protocol.CandidatePayload{
			Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host"},
		})
		cand.SenderID = "alice-teacher"
		require.NoError(t, m.HandleMessage(cand))

		require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeJoinedClass, protocol.JoinedClassPayload{
			RoomID: "cs101",
			Members: []protocol.Member{
				{ParticipantID: "alice-teacher", Role: protocol.RoleTeacher},
				{ParticipantID: "zoe", Role: protocol.RoleStudent},
			},
		})))
		l, ok := m.Link("alice-teacher")
		require.True(t, ok)
		assert.False(t, l.Offerer())
	})
}

func TestMeshCorrectedRoleStartsOffering(t *testing.T) {
	m, _, rec := newTestMesh(t, "alice-teacher", protocol.RoleTeacher)
	offer := protocol.MustMessage(protocol.TypeOffer, protocol.SDPPayload{SDP: "remote-offer"})
	offer.SenderID = "bob"
	offer.SenderRole = protocol.RoleTeacher
	require.NoError(t, m.HandleMessage(offer))
	l, ok := m.Link("bob")
	require.True(t, ok)
	assert.False(t, l.Offerer())

	// bob turns out to be a student, so the teacher side takes over offering.
	require.NoError(t, m.HandleMessage(protocol.MustMessage(protocol.TypeUserJoined, protocol.UserPayload{
		ParticipantID: "bob",
		Role:          protocol.RoleStudent,
	})))
	assert.True(t, l.Offerer())
	require.Eventually(t, func() bool { return len(rec.ofType(protocol.TypeOffer)) == 1 }, time.Second, 5*time.Millisecond)
}
