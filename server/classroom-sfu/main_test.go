package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-sfu/server/internal/bus"
	"classroom-sfu/server/internal/config"
	"classroom-sfu/server/internal/coordinator"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_ISSUER", "classroom")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--env-file", "", "--sub", "t1", "--name", "Ada", "--role", "teacher", "--ttl", "5m"})
	require.NoError(t, cmd.Execute())

	id, err := coordinator.NewAuthenticator("s3cret", "classroom").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, coordinator.Identity{ParticipantID: "t1", DisplayName: "Ada", Role: protocol.RoleTeacher}, id)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"token", "--env-file", "", "--sub", "t1"})
	assert.Error(t, cmd.Execute())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"token", "--env-file", "", "--jwt-secret", "from-flag", "--sub", "s1"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	_, err := coordinator.NewAuthenticator("from-flag", "").Verify(strings.TrimSpace(out.String()))
	assert.NoError(t, err)
}

func TestIssueTokenValidates(t *testing.T) {
	cfg := config.Config{JWTSecret: "k"}
	_, err := issueToken(cfg, coordinator.Identity{ParticipantID: "x", Role: "janitor"}, time.Minute)
	assert.Error(t, err)
	_, err = issueToken(cfg, coordinator.Identity{ParticipantID: "x", Role: protocol.RoleStudent}, 0)
	assert.Error(t, err)
}

type flakyBus struct {
	bus.Bus
	failures int
	calls    int
}

func (f *flakyBus) Register(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return assert.AnError
	}
	return nil
}

func TestRegisterRetries(t *testing.T) {
	b := &flakyBus{failures: 1}
	require.NoError(t, register(context.Background(), b, "coord-a", logger.NewNop()))
	assert.Equal(t, 2, b.calls)

	b = &flakyBus{failures: registerAttempts}
	assert.Error(t, register(context.Background(), b, "coord-a", logger.NewNop()))
	assert.Equal(t, registerAttempts, b.calls)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	assert.ErrorIs(t, ignoreCanceled(assert.AnError), assert.AnError)
}
