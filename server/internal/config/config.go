package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"

	"classroom-sfu/server/internal/logger"
)

// InstanceIDPrefix prefixes generated coordinator instance ids.
const InstanceIDPrefix = "coord-"

// Bus modes
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config holds the configuration of one classroom-sfu instance.
type Config struct {
	InstanceID     string
	LogLevel       logger.Level
	ListenAddr     string
	GRPCHealthAddr string

	BusMode              string
	RedisClusterNodes    []string
	RedisPoolSize        int
	RedisMinIdleConns    int
	RedisMaxRetries      int
	RedisConnectAttempts int
	RedisReconnectDelay  time.Duration

	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaCommandsTopic string
	KafkaRetryMax      int
	KafkaMaxRetries    int

	STUNServers []string
	NAT1To1IPs  []string
	RTCMinPort  uint16
	RTCMaxPort  uint16

	NumWorkers        int
	MaxWorkers        int
	MaxRoomsPerWorker int
	EngineTimeout     time.Duration

	HeartbeatInterval  time.Duration
	InstanceTTL        time.Duration
	LivenessInterval   time.Duration
	LivenessTimeout    time.Duration
	RenegotiationDelay time.Duration

	JWTSecret          string
	JWTIssuer          string
	StudentsCanProduce bool
	ControlRate        float64
	ControlBurst       int

	TURNEnabled    bool
	TURNListenAddr string
	TURNPublicIP   string
	TURNRealm      string
	TURNUsers      map[string]string
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("grpc_health_addr", ":50051")

	v.SetDefault("bus_mode", BusMemory)
	v.SetDefault("redis_cluster_nodes", "localhost:6379")
	v.SetDefault("redis_pool_size", 10)
	v.SetDefault("redis_min_idle_conns", 5)
	v.SetDefault("redis_max_retries", 3)
	v.SetDefault("redis_connect_attempts", 5)
	v.SetDefault("redis_reconnect_delay", "2s")

	v.SetDefault("kafka_enabled", false)
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_events_topic", "classroom_events")
	v.SetDefault("kafka_commands_topic", "classroom_commands")
	v.SetDefault("kafka_retry_max", 5)
	v.SetDefault("kafka_max_retries", 5)

	v.SetDefault("stun_servers", "stun:stun.l.google.com:19302")
	v.SetDefault("nat_1to1_ips", "")
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 49999)

	v.SetDefault("num_workers", 0)
	v.SetDefault("max_workers", 8)
	v.SetDefault("max_rooms_per_worker", 0)
	v.SetDefault("engine_timeout", "10s")

	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("instance_ttl", "20s")
	v.SetDefault("liveness_interval", "10s")
	v.SetDefault("liveness_timeout", "30s")
	v.SetDefault("renegotiation_delay", "100ms")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "")
	v.SetDefault("students_can_produce", false)
	v.SetDefault("control_rate", 5.0)
	v.SetDefault("control_burst", 10)

	v.SetDefault("turn_enabled", false)
	v.SetDefault("turn_listen_addr", "0.0.0.0:3478")
	v.SetDefault("turn_public_ip", "127.0.0.1")
	v.SetDefault("turn_realm", "classroom")
	v.SetDefault("turn_users", "")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from v. Environment variables named after the
// upper-cased keys override defaults and the config file.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	level, ok := logger.ParseLevel(v.GetString("log_level"))
	if !ok {
		return Config{}, fmt.Errorf("invalid log level %q", v.GetString("log_level"))
	}

	c := Config{
		InstanceID:     v.GetString("instance_id"),
		LogLevel:       level,
		ListenAddr:     v.GetString("listen_addr"),
		GRPCHealthAddr: v.GetString("grpc_health_addr"),

		BusMode:              strings.ToLower(v.GetString("bus_mode")),
		RedisClusterNodes:    getList(v, "redis_cluster_nodes"),
		RedisPoolSize:        v.GetInt("redis_pool_size"),
		RedisMinIdleConns:    v.GetInt("redis_min_idle_conns"),
		RedisMaxRetries:      v.GetInt("redis_max_retries"),
		RedisConnectAttempts: v.GetInt("redis_connect_attempts"),
		RedisReconnectDelay:  v.GetDuration("redis_reconnect_delay"),

		KafkaEnabled:       v.GetBool("kafka_enabled"),
		KafkaBrokers:       getList(v, "kafka_brokers"),
		KafkaEventsTopic:   v.GetString("kafka_events_topic"),
		KafkaCommandsTopic: v.GetString("kafka_commands_topic"),
		KafkaRetryMax:      v.GetInt("kafka_retry_max"),
		KafkaMaxRetries:    v.GetInt("kafka_max_retries"),

		STUNServers: getList(v, "stun_servers"),
		NAT1To1IPs:  getList(v, "nat_1to1_ips"),
		RTCMinPort:  uint16(v.GetUint("rtc_min_port")),
		RTCMaxPort:  uint16(v.GetUint("rtc_max_port")),

		NumWorkers:        v.GetInt("num_workers"),
		MaxWorkers:        v.GetInt("max_workers"),
		MaxRoomsPerWorker: v.GetInt("max_rooms_per_worker"),
		EngineTimeout:     v.GetDuration("engine_timeout"),

		HeartbeatInterval:  v.GetDuration("heartbeat_interval"),
		InstanceTTL:        v.GetDuration("instance_ttl"),
		LivenessInterval:   v.GetDuration("liveness_interval"),
		LivenessTimeout:    v.GetDuration("liveness_timeout"),
		RenegotiationDelay: v.GetDuration("renegotiation_delay"),

		JWTSecret:          v.GetString("jwt_secret"),
		JWTIssuer:          v.GetString("jwt_issuer"),
		StudentsCanProduce: v.GetBool("students_can_produce"),
		ControlRate:        v.GetFloat64("control_rate"),
		ControlBurst:       v.GetInt("control_burst"),

		TURNEnabled:    v.GetBool("turn_enabled"),
		TURNListenAddr: v.GetString("turn_listen_addr"),
		TURNPublicIP:   v.GetString("turn_public_ip"),
		TURNRealm:      v.GetString("turn_realm"),
		TURNUsers:      parseUsers(getList(v, "turn_users")),
	}
	if c.InstanceID == "" {
		c.InstanceID = InstanceIDPrefix + uuid.New().String()[:8]
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.BusMode != BusMemory && c.BusMode != BusRedis {
		return fmt.Errorf("unknown bus_mode %q", c.BusMode)
	}
	if c.BusMode == BusRedis && len(c.RedisClusterNodes) == 0 {
		return errors.New("redis_cluster_nodes is required for the redis bus")
	}
	if c.RTCMaxPort < c.RTCMinPort {
		return fmt.Errorf("rtc port range %d-%d is empty", c.RTCMinPort, c.RTCMaxPort)
	}
	if span := int(c.RTCMaxPort-c.RTCMinPort) + 1; span < c.WorkerCount() {
		return fmt.Errorf("rtc port range of %d ports cannot be split across %d workers", span, c.WorkerCount())
	}
	for name, d := range map[string]time.Duration{
		"engine_timeout":      c.EngineTimeout,
		"heartbeat_interval":  c.HeartbeatInterval,
		"instance_ttl":        c.InstanceTTL,
		"liveness_interval":   c.LivenessInterval,
		"liveness_timeout":    c.LivenessTimeout,
		"renegotiation_delay": c.RenegotiationDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.InstanceTTL <= c.HeartbeatInterval {
		return fmt.Errorf("instance_ttl %s must exceed heartbeat_interval %s", c.InstanceTTL, c.HeartbeatInterval)
	}
	if c.TURNEnabled {
		if net.ParseIP(c.TURNPublicIP) == nil {
			return fmt.Errorf("turn_public_ip %q is not an IP", c.TURNPublicIP)
		}
		if len(c.TURNUsers) == 0 {
			return errors.New("turn_users is required when turn is enabled")
		}
	}
	return nil
}

// WorkerCount is the configured worker count, or min(CPU cores, MaxWorkers).
func (c Config) WorkerCount() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	n := runtime.NumCPU()
	if c.MaxWorkers > 0 && n > c.MaxWorkers {
		n = c.MaxWorkers
	}
	return n
}

// ICEServers lists the STUN servers plus the embedded TURN relay when enabled.
func (c Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if c.TURNEnabled {
		_, port, err := net.SplitHostPort(c.TURNListenAddr)
		if err != nil {
			port = "3478"
		}
		for user, pass := range c.TURNUsers {
			servers = append(servers, webrtc.ICEServer{
				URLs:       []string{fmt.Sprintf("turn:%s:%s?transport=udp", c.TURNPublicIP, port)},
				Username:   user,
				Credential: pass,
			})
			break
		}
	}
	return servers
}

// getList accepts either a YAML list or a comma-separated string.
func getList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case []string:
		raw = val
	case []interface{}:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(v.GetString(key), ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseUsers(pairs []string) map[string]string {
	users := make(map[string]string, len(pairs))
	for _, p := range pairs {
		user, pass, ok := strings.Cut(p, "=")
		if ok && user != "" {
			users[user] = pass
		}
	}
	return users
}
