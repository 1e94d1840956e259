// Package relay runs the optional embedded TURN server advertised to
// classroom clients behind restrictive NATs.
package relay

import (
	"net"

	"github.com/pion/turn/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"classroom-sfu/server/internal/logger"
)

// Config configures the TURN relay.
type Config struct {
	ListenAddr string
	// PublicIP is the address written into relayed candidates.
	PublicIP string
	// RelayBindAddr is the local address relay sockets bind to.
	RelayBindAddr string
	Realm         string
	Users         map[string]string
}

// Server is a UDP TURN relay with static long-term credentials.
type Server struct {
	turn *turn.Server
	conn net.PacketConn
	log  *logger.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// Start listens on cfg.ListenAddr and serves TURN until Close.
func Start(cfg Config, log *logger.Logger) (*Server, error) {
	ip := net.ParseIP(cfg.PublicIP)
	if ip == nil {
		return nil, errors.Errorf("invalid TURN public ip %q", cfg.PublicIP)
	}
	if len(cfg.Users) == 0 {
		return nil, errors.New("TURN relay needs at least one user")
	}
	if cfg.RelayBindAddr == "" {
		cfg.RelayBindAddr = "0.0.0.0"
	}

	keys := make(map[string][]byte, len(cfg.Users))
	for user, pass := range cfg.Users {
		keys[user] = turn.GenerateAuthKey(user, cfg.Realm, pass)
	}

	conn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen TURN on %s", cfg.ListenAddr)
	}

	s := &Server{conn: conn, log: log}
	ts, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, src net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				s.rejected.Inc()
				log.Warn("TURN", "Rejected TURN credentials", map[string]interface{}{
					"username": username,
					"srcAddr":  src.String(),
				})
				return nil, false
			}
			s.accepted.Inc()
			return key, true
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: ip,
				Address:      cfg.RelayBindAddr,
			},
		}},
	})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "start TURN server")
	}
	s.turn = ts

	log.Info("TURN", "TURN relay listening", map[string]interface{}{
		"addr":     conn.LocalAddr().String(),
		"publicIp": cfg.PublicIP,
		"realm":    cfg.Realm,
		"users":    len(cfg.Users),
	})
	return s, nil
}

// Addr is the UDP address the relay listens on.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// AllocationCount is the number of live allocations.
func (s *Server) AllocationCount() int { return s.turn.AllocationCount() }

// Stats reports authentication counters and live allocations.
func (s *Server) Stats() map[string]int64 {
	return map[string]int64{
		"authAccepted": s.accepted.Load(),
		"authRejected": s.rejected.Load(),
		"allocations":  int64(s.turn.AllocationCount()),
	}
}

// Close stops the relay and its listener.
func (s *Server) Close() error {
	return s.turn.Close()
}
