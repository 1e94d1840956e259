package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"classroom-sfu/server/internal/logger"
)

// RedisConfig configures the connection to a Redis cluster or single node.
type RedisConfig struct {
	Addrs           []string
	PoolSize        int
	MinIdleConns    int
	MaxRetries      int
	ConnectAttempts int
	ReconnectDelay  time.Duration
	// InstanceTTL bounds how long an instance stays live without a heartbeat.
	InstanceTTL time.Duration
}

// DefaultInstanceTTL applies when RedisConfig.InstanceTTL is unset.
const DefaultInstanceTTL = 20 * time.Second

// RedisBus implements Bus on Redis pub/sub and hashes.
type RedisBus struct {
	client     redis.UniversalClient
	ownClient  bool
	instanceID string
	ttl        time.Duration
	log        *logger.Logger
	ps         *redis.PubSub
	seen       *dedupe
	out        chan Envelope
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// DialRedis connects to Redis, retrying the initial ping, and returns a bus
// that owns the client.
func DialRedis(ctx context.Context, cfg RedisConfig, instanceID string, log *logger.Logger) (*RedisBus, error) {
	log.Info("REDIS", "Configuring Redis", map[string]interface{}{
		"redisAddrs":   cfg.Addrs,
		"poolSize":     cfg.PoolSize,
		"minIdleConns": cfg.MinIdleConns,
		"maxRetries":   cfg.MaxRetries,
	})
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			log.Info("REDIS", "Connected to Redis", map[string]interface{}{"attempt": attempt})
			break
		}
		if attempt == attempts || ctx.Err() != nil {
			_ = client.Close()
			log.Error("REDIS", "Could not connect to Redis after maximum attempts", err, map[string]interface{}{"maxRetries": attempts})
			return nil, errors.Wrapf(err, "connect to redis after %d attempts", attempt)
		}
		log.Warn("REDIS", "Redis connection attempt failed, retrying", map[string]interface{}{
			"attempt":    attempt,
			"error":      err.Error(),
			"retryDelay": cfg.ReconnectDelay.String(),
		})
		select {
		case <-ctx.Done():
		case <-time.After(cfg.ReconnectDelay):
		}
	}

	b := NewRedisBus(ctx, client, instanceID, log)
	b.ownClient = true
	if cfg.InstanceTTL > 0 {
		b.ttl = cfg.InstanceTTL
	}
	return b, nil
}

// NewRedisBus wraps an existing client.
func NewRedisBus(ctx context.Context, client redis.UniversalClient, instanceID string, log *logger.Logger) *RedisBus {
	b := &RedisBus{
		client:     client,
		instanceID: instanceID,
		ttl:        DefaultInstanceTTL,
		log:        log,
		ps:         client.Subscribe(ctx),
		seen:       newDedupe(4096),
		out:        make(chan Envelope, 1024),
		done:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.receive()
	return b
}

func (b *RedisBus) receive() {
	defer b.wg.Done()
	for msg := range b.ps.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Warn("REDIS", "Dropping undecodable envelope", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
			continue
		}
		if env.Origin == b.instanceID || !b.seen.first(env.ID) {
			continue
		}
		select {
		case b.out <- env:
		case <-b.done:
			return
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = NewEnvelopeID()
	}
	env.Origin = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return errors.Wrapf(b.client.Publish(ctx, roomChannel(env.RoomID), data).Err(), "publish to room %s", env.RoomID)
}

func (b *RedisBus) Subscribe(ctx context.Context, roomID string) error {
	return errors.Wrapf(b.ps.Subscribe(ctx, roomChannel(roomID)), "subscribe to room %s", roomID)
}

func (b *RedisBus) Unsubscribe(ctx context.Context, roomID string) error {
	return errors.Wrapf(b.ps.Unsubscribe(ctx, roomChannel(roomID)), "unsubscribe from room %s", roomID)
}

func (b *RedisBus) Messages() <-chan Envelope { return b.out }

func (b *RedisBus) PutMember(ctx context.Context, roomID string, rec MemberRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode member")
	}
	return errors.Wrapf(b.client.HSet(ctx, membersKey(roomID), rec.ParticipantID, data).Err(), "put member %s", rec.ParticipantID)
}

func (b *RedisBus) DeleteMember(ctx context.Context, roomID, participantID string) error {
	if err := b.client.HDel(ctx, membersKey(roomID), participantID).Err(); err != nil {
		return errors.Wrapf(err, "delete member %s", participantID)
	}
	n, err := b.client.HLen(ctx, membersKey(roomID)).Result()
	if err != nil {
		return errors.Wrap(err, "count members")
	}
	if n == 0 {
		return errors.Wrap(b.client.Del(ctx, settingsKey(roomID)).Err(), "drop room settings")
	}
	return nil
}

// Members lists the room's members. Records owned by an instance whose
// heartbeat has expired are dropped from the hash and not returned.
func (b *RedisBus) Members(ctx context.Context, roomID string) ([]MemberRecord, error) {
	raw, err := b.client.HGetAll(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list members of %s", roomID)
	}
	out := make([]MemberRecord, 0, len(raw))
	for pid, v := range raw {
		var rec MemberRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			b.log.Warn("REDIS", "Skipping undecodable member record", map[string]interface{}{
				"roomId":        roomID,
				"participantId": pid,
			})
			continue
		}
		out = append(out, rec)
	}

	live, err := b.liveInstances(ctx, out)
	if err != nil {
		return nil, err
	}
	kept := out[:0]
	var ghosts []string
	for _, rec := range out {
		if live[rec.InstanceID] {
			kept = append(kept, rec)
			continue
		}
		ghosts = append(ghosts, rec.ParticipantID)
		// A rejoin through a live instance may have replaced the record since.
		err := deleteIfUnchanged.Run(ctx, b.client, []string{membersKey(roomID)}, rec.ParticipantID, raw[rec.ParticipantID]).Err()
		if err != nil {
			b.log.Warn("REDIS", "Could not sweep expired member", map[string]interface{}{
				"roomId":        roomID,
				"participantId": rec.ParticipantID,
				"error":         err.Error(),
			})
		}
	}
	if len(ghosts) > 0 {
		b.log.Warn("REDIS", "Swept members of expired instances", map[string]interface{}{
			"roomId":       roomID,
			"participants": ghosts,
		})
	}
	sortMembers(kept)
	return kept, nil
}

var deleteIfUnchanged = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// liveInstances reports which owners of recs still hold a heartbeat key.
// This instance is always live.
func (b *RedisBus) liveInstances(ctx context.Context, recs []MemberRecord) (map[string]bool, error) {
	live := map[string]bool{b.instanceID: true}
	var ids []string
	for _, rec := range recs {
		if _, ok := live[rec.InstanceID]; !ok {
			live[rec.InstanceID] = false
			ids = append(ids, rec.InstanceID)
		}
	}
	if len(ids) == 0 {
		return live, nil
	}
	cmds := make([]*redis.IntCmd, len(ids))
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.Exists(ctx, metricsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "check instance liveness")
	}
	for i, id := range ids {
		live[id] = cmds[i].Val() > 0
	}
	return live, nil
}

func (b *RedisBus) SetSettings(ctx context.Context, roomID string, settings map[string]string) error {
	if len(settings) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2*len(settings))
	for k, v := range settings {
		args = append(args, k, v)
	}
	return errors.Wrapf(b.client.HSet(ctx, settingsKey(roomID), args...).Err(), "set settings of %s", roomID)
}

func (b *RedisBus) Settings(ctx context.Context, roomID string) (map[string]string, error) {
	out, err := b.client.HGetAll(ctx, settingsKey(roomID)).Result()
	return out, errors.Wrapf(err, "get settings of %s", roomID)
}

// Register adds the instance to the instance set and marks it live until
// the first heartbeat.
func (b *RedisBus) Register(ctx context.Context) error {
	if err := b.client.SAdd(ctx, InstancesKey, b.instanceID).Err(); err != nil {
		return errors.Wrap(err, "register instance")
	}
	return errors.Wrap(b.touch(ctx, "registeredAt", time.Now().UnixMilli()), "register instance")
}

// touch writes fields to the metrics hash and renews its expiry.
func (b *RedisBus) touch(ctx context.Context, fields ...interface{}) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, metricsKey(b.instanceID), fields...)
		p.Expire(ctx, metricsKey(b.instanceID), b.ttl)
		return nil
	})
	return err
}

// Heartbeat writes the instance metrics hash, renews its expiry and
// announces it on the heartbeat channel. Non-scalar values are stored as
// JSON.
func (b *RedisBus) Heartbeat(ctx context.Context, metrics map[string]interface{}) error {
	args := make([]interface{}, 0, 2*len(metrics)+2)
	args = append(args, "lastHeartbeat", time.Now().UnixMilli())
	for k, v := range metrics {
		switch v.(type) {
		case string, int, int64, uint64, float64, bool:
			args = append(args, k, v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return errors.Wrapf(err, "encode metric %s", k)
			}
			args = append(args, k, string(data))
		}
	}
	if err := b.touch(ctx, args...); err != nil {
		return errors.Wrap(err, "write heartbeat metrics")
	}

	msg, err := json.Marshal(map[string]interface{}{
		"type":       "instanceHeartbeat",
		"instanceId": b.instanceID,
		"metrics":    metrics,
	})
	if err != nil {
		return errors.Wrap(err, "encode heartbeat")
	}
	return errors.Wrap(b.client.Publish(ctx, HeartbeatsChannel, msg).Err(), "publish heartbeat")
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops delivery and removes the instance from the instance set and
// its heartbeat key.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, rerr := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.SRem(ctx, InstancesKey, b.instanceID)
			p.Del(ctx, metricsKey(b.instanceID))
			return nil
		})
		if rerr != nil {
			b.log.Warn("REDIS", "Could not deregister instance", map[string]interface{}{"error": rerr.Error()})
		}
		err = b.ps.Close()
		b.wg.Wait()
		if b.ownClient {
			if cerr := b.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
