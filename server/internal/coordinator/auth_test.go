package coordinator

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-sfu/server/internal/protocol"
)

func TestIssueAndVerify(t *testing.T) {
	auth := NewAuthenticator("s3cret", "classroom")
	want := Identity{ParticipantID: "t-1", DisplayName: "Ada", Role: protocol.RoleTeacher}

	token, err := auth.Issue(want, time.Minute)
	require.NoError(t, err)
	got, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerifyRejects(t *testing.T) {
	auth := NewAuthenticator("s3cret", "classroom")
	student := Identity{ParticipantID: "s-1", Role: protocol.RoleStudent}

	expired, err := auth.Issue(student, -time.Minute)
	require.NoError(t, err)
	otherKey, err := NewAuthenticator("other", "classroom").Issue(student, time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewAuthenticator("s3cret", "lms").Issue(student, time.Minute)
	require.NoError(t, err)
	badRole, err := auth.Issue(Identity{ParticipantID: "x", Role: "janitor"}, time.Minute)
	require.NoError(t, err)
	noSubject, err := auth.Issue(Identity{Role: protocol.RoleStudent}, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "student"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"other key":    otherKey,
		"other issuer": otherIssuer,
		"bad role":     badRole,
		"no subject":   noSubject,
		"alg none":     none,
	} {
		_, err := auth.Verify(token)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestVerifyWithoutIssuer(t *testing.T) {
	token, err := NewAuthenticator("k", "anyone").Issue(Identity{ParticipantID: "s", Role: protocol.RoleStudent}, time.Minute)
	require.NoError(t, err)
	_, err = NewAuthenticator("k", "").Verify(token)
	assert.NoError(t, err)
}
