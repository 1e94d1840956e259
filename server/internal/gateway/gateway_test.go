package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"classroom-sfu/server/internal/bus"
	"classroom-sfu/server/internal/coordinator"
	"classroom-sfu/server/internal/engine/enginetest"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
	"classroom-sfu/server/internal/sfu"
)

type harness struct {
	gw    *Gateway
	auth  *coordinator.Authenticator
	state *State
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr, err := sfu.NewManager(context.Background(), enginetest.New(), sfu.Config{
		NumWorkers:    1,
		EngineTimeout: 200 * time.Millisecond,
		RestartDelay:  10 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)
	b := bus.NewMemoryBus(bus.NewMemoryHub(), "coord-test")
	coord := coordinator.New(coordinator.Config{
		InstanceID:       "coord-test",
		LivenessInterval: time.Hour,
	}, mgr, b, nil, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = coord.Run(ctx)
		close(done)
	}()

	auth := coordinator.NewAuthenticator("s3cret", "classroom")
	state := NewState("coord-test")
	state.UpdateStatus(StatusRunning)
	gw := New(Config{PingInterval: time.Second}, coord, auth, mgr, state, logger.NewNop())
	srv := httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		mgr.Close()
		_ = b.Close()
	})
	return &harness{gw: gw, auth: auth, state: state, srv: srv}
}

func (h *harness) token(t *testing.T, pid string, role protocol.Role) string {
	t.Helper()
	token, err := h.auth.Issue(coordinator.Identity{ParticipantID: pid, DisplayName: pid, Role: role}, time.Minute)
	require.NoError(t, err)
	return token
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T, pid string, role protocol.Role) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + h.token(t, pid, role)}}
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readType reads until a message of type typ arrives.
func readType(t *testing.T, ws *websocket.Conn, typ string) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg protocol.Message
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func TestRejectsMissingOrInvalidToken(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.wsURL()+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, int64(2), h.state.Snapshot()["rejectedConnections"])
}

func TestJoinAndDisconnectOverWebsocket(t *testing.T) {
	h := newHarness(t)

	teacher := h.dial(t, "t1", protocol.RoleTeacher)
	join := protocol.MustMessage(protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: "cs101"})
	join.RequestID = "r1"
	send(t, teacher, join)
	joined := readType(t, teacher, protocol.TypeJoinedClass)
	assert.Equal(t, "r1", joined.RequestID)
	var jc protocol.JoinedClassPayload
	require.NoError(t, joined.Decode(&jc))
	assert.Equal(t, "cs101", jc.RoomID)
	assert.True(t, jc.Permissions.CanControl)

	// query-string token
	student, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"?token="+h.token(t, "s1", protocol.RoleStudent), nil)
	require.NoError(t, err)
	join.RequestID = "r2"
	send(t, student, join)
	readType(t, student, protocol.TypeJoinedClass)

	var user protocol.UserPayload
	require.NoError(t, readType(t, teacher, protocol.TypeUserJoined).Decode(&user))
	assert.Equal(t, "s1", user.ParticipantID)

	require.Eventually(t, func() bool {
		return h.state.Snapshot()["activeConnections"] == int64(2)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, student.Close())
	require.NoError(t, readType(t, teacher, protocol.TypeUserLeft).Decode(&user))
	assert.Equal(t, "s1", user.ParticipantID)

	require.Eventually(t, func() bool {
		return h.state.Snapshot()["activeConnections"] == int64(1)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), h.state.Snapshot()["totalConnections"])
}

func TestMalformedFrameAnsweredWithError(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "s1", protocol.RoleStudent)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	msg := readType(t, ws, protocol.TypeError)
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.CodeBadRequest, msg.Error.Code)

	// the connection survives
	leave := protocol.Message{Type: protocol.TypeLeaveRoom, RequestID: "r1"}
	send(t, ws, leave)
	reply := readType(t, ws, protocol.TypeError)
	assert.Equal(t, "r1", reply.RequestID)
	assert.Equal(t, protocol.CodeInvalidState, reply.Error.Code)
}

func TestHealthzReportsDependencies(t *testing.T) {
	h := newHarness(t)
	h.gw.AddCheck("redis", func(context.Context) error { return nil })

	get := func() (int, map[string]interface{}) {
		resp, err := http.Get(h.srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusRunning, body["status"])
	assert.Equal(t, map[string]interface{}{"media": "ok", "redis": "ok"}, body["checks"])
	assert.Equal(t, map[string]interface{}{"media": true, "redis": true}, body["connections"])

	h.gw.AddCheck("kafka", func(context.Context) error { return errors.New("out of brokers") })
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDegraded, body["status"])
	assert.Equal(t, "out of brokers", body["checks"].(map[string]interface{})["kafka"])

	h.gw.AddCheck("kafka", func(context.Context) error { return nil })
	code, body = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusRunning, body["status"])

	h.state.UpdateStatus(StatusStopping)
	code, _ = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.gw.AddStats("kafka", func() map[string]int64 { return map[string]int64{"sent": 3} })
	h.dial(t, "s1", protocol.RoleStudent)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	for _, key := range []string{"coordinator", "sfu", "logger", "state", "kafka"} {
		assert.Contains(t, body, key)
	}
	assert.Equal(t, float64(3), body["kafka"]["sent"])
	assert.Equal(t, "coord-test", body["state"]["instanceId"])
	assert.Len(t, body["sfu"]["workers"], 1)
}

func TestGRPCHealthFollowsChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.gw.HealthServer().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.True(t, h.gw.UpdateHealth(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(HealthService))

	h.gw.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	assert.False(t, h.gw.UpdateHealth(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(HealthService))
}

func TestSendQueueOverflowClosesConn(t *testing.T) {
	c := newWSConn(nil, Config{SendQueue: 1})
	require.NoError(t, c.Send(protocol.Message{Type: protocol.TypeUserJoined}))
	assert.ErrorIs(t, c.Send(protocol.Message{Type: protocol.TypeUserJoined}), errSlowClient)
	assert.ErrorIs(t, c.Send(protocol.Message{Type: protocol.TypeUserLeft}), errConnClosed)
	assert.NoError(t, c.Close())
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", bearerToken(r))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", bearerToken(r))
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "q", bearerToken(r))
}

func TestCheckOrigin(t *testing.T) {
	g := &Gateway{cfg: Config{AllowedOrigins: []string{"https://school.example"}}}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://school.example")
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, g.checkOrigin(r))

	g.cfg.AllowedOrigins = nil
	assert.True(t, g.checkOrigin(r))
}
