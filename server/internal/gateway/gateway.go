// Package gateway exposes the coordinator over websockets and serves the
// operational endpoints of an instance.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"classroom-sfu/server/internal/coordinator"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
	"classroom-sfu/server/internal/sfu"
)

// HealthService is the gRPC health service name of an instance.
const HealthService = "classroom.sfu"

// Config tunes the listeners and websocket timing.
type Config struct {
	ListenAddr     string
	GRPCAddr       string
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendQueue      int
	MaxMessageSize int64
	CheckInterval  time.Duration
	CheckTimeout   time.Duration
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 3 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}
}

// Media is the part of the media plane the gateway reports on.
type Media interface {
	Healthy() bool
	Stats() sfu.Stats
}

// Check probes one external dependency.
type Check func(ctx context.Context) error

// Gateway serves /ws, /healthz and /metrics, plus a gRPC health service.
type Gateway struct {
	cfg    Config
	coord  *coordinator.Coordinator
	auth   *coordinator.Authenticator
	media  Media
	log    *logger.Logger
	state  *State
	health *health.Server

	mu     sync.RWMutex
	checks map[string]Check
	stats  map[string]func() map[string]int64

	upgrader websocket.Upgrader
	router   *mux.Router
}

// New builds a gateway. The router is ready to serve once New returns.
func New(cfg Config, coord *coordinator.Coordinator, auth *coordinator.Authenticator, media Media, state *State, log *logger.Logger) *Gateway {
	cfg.setDefaults()
	g := &Gateway{
		cfg:    cfg,
		coord:  coord,
		auth:   auth,
		media:  media,
		log:    log,
		state:  state,
		health: health.NewServer(),
		checks: map[string]Check{},
		stats:  map[string]func() map[string]int64{},
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", g.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", g.serveHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", g.serveMetrics).Methods(http.MethodGet)
	g.router = r
	return g
}

// AddCheck registers a dependency probe reported by /healthz.
func (g *Gateway) AddCheck(name string, check Check) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks[name] = check
}

// AddStats registers counters reported by /metrics under name.
func (g *Gateway) AddStats(name string, stats func() map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats[name] = stats
}

// Handler returns the HTTP router.
func (g *Gateway) Handler() http.Handler { return g.router }

// HealthServer returns the gRPC health service.
func (g *Gateway) HealthServer() *health.Server { return g.health }

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	id, err := g.auth.Verify(bearerToken(r))
	if err != nil {
		g.state.connRejected()
		g.log.Warn("WEBSOCKET", "Rejected unauthenticated connection", map[string]interface{}{
			"remoteAddr": r.RemoteAddr,
			"error":      err.Error(),
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.state.errored()
		g.log.Error("WEBSOCKET", "Failed to upgrade connection", err, map[string]interface{}{
			"participantId": id.ParticipantID,
			"remoteAddr":    r.RemoteAddr,
		})
		return
	}

	conn := newWSConn(ws, g.cfg)
	go conn.writePump()
	g.state.connOpened()
	defer g.state.connClosed()

	s := g.coord.Connect(id, conn)
	g.log.Info("WEBSOCKET", "Client connected", map[string]interface{}{
		"participantId": id.ParticipantID,
		"role":          id.Role,
		"remoteAddr":    r.RemoteAddr,
	})

	// the request context ends with the handler, so the session gets its own
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count int64
	err = conn.readPump(func(msg protocol.Message) {
		count++
		g.log.Debug("WEBSOCKET", "Received client message", map[string]interface{}{
			"participantId": id.ParticipantID,
			"messageType":   msg.Type,
			"messageCount":  count,
		})
		g.coord.Handle(ctx, s, msg)
	}, s.Touch)

	fields := map[string]interface{}{
		"participantId": id.ParticipantID,
		"messageCount":  count,
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		g.state.errored()
		fields["error"] = err.Error()
		g.log.Warn("WEBSOCKET", "Client connection lost", fields)
	} else {
		g.log.Info("WEBSOCKET", "Client disconnected", fields)
	}
	_ = conn.Close()
	g.coord.Disconnect(s)
}

// runChecks probes every dependency and records the outcome.
func (g *Gateway) runChecks(ctx context.Context) (map[string]string, bool) {
	g.mu.RLock()
	checks := make(map[string]Check, len(g.checks))
	for k, v := range g.checks {
		checks[k] = v
	}
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()

	results := make(map[string]string, len(checks)+1)
	deps := make(map[string]bool, len(checks)+1)
	healthy := g.media.Healthy()
	deps["media"] = healthy
	results["media"] = "ok"
	if !healthy {
		results["media"] = "no live workers"
	}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			deps[name] = false
			healthy = false
			continue
		}
		results[name] = "ok"
		deps[name] = true
	}
	g.state.UpdateDependencies(deps)

	switch status := g.state.Status(); {
	case status == StatusStopping || status == StatusInitializing:
	case healthy:
		g.state.UpdateStatus(StatusRunning)
	default:
		g.state.UpdateStatus(StatusDegraded)
	}
	return results, healthy
}

// UpdateHealth refreshes the gRPC serving status from the dependency checks.
func (g *Gateway) UpdateHealth(ctx context.Context) bool {
	_, healthy := g.runChecks(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy || g.state.Status() == StatusStopping {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
	return healthy
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	results, healthy := g.runChecks(r.Context())
	body := g.state.Snapshot()
	body["checks"] = results

	code := http.StatusOK
	if !healthy || g.state.Status() == StatusStopping {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (g *Gateway) serveMetrics(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"coordinator": g.coord.Metrics(),
		"sfu":         g.media.Stats(),
		"logger":      g.log.GetStats(),
		"state":       g.state.Snapshot(),
	}
	g.mu.RLock()
	names := make([]string, 0, len(g.stats))
	for name := range g.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body[name] = g.stats[name]()
	}
	g.mu.RUnlock()
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Serve runs the HTTP listener, the gRPC health listener when configured,
// and the periodic health refresh until ctx ends.
func (g *Gateway) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.log.Info("WEBSOCKET", "HTTP server listening", map[string]interface{}{"addr": g.cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if g.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", g.cfg.GRPCAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", g.cfg.GRPCAddr)
		}
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, g.health)
		reflection.Register(gs)
		eg.Go(func() error {
			g.log.Info("GRPC", "gRPC health server listening", map[string]interface{}{"addr": g.cfg.GRPCAddr})
			return gs.Serve(lis)
		})
		eg.Go(func() error {
			<-ctx.Done()
			g.health.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	eg.Go(func() error {
		g.UpdateHealth(ctx)
		ticker := time.NewTicker(g.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				g.UpdateHealth(ctx)
			}
		}
	})
	return eg.Wait()
}
