package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"classroom-sfu/server/internal/bus"
	"classroom-sfu/server/internal/config"
	"classroom-sfu/server/internal/coordinator"
	"classroom-sfu/server/internal/engine"
	"classroom-sfu/server/internal/events"
	"classroom-sfu/server/internal/gateway"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/relay"
	"classroom-sfu/server/internal/sfu"
)

const (
	registerAttempts = 3
	shutdownTimeout  = 10 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling gateway, session coordinator and media workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	flags := cmd.Flags()
	flags.String("listen-addr", ":8080", "HTTP address for /ws, /healthz and /metrics")
	flags.String("grpc-health-addr", ":50051", "gRPC health address, empty to disable")
	flags.String("bus-mode", config.BusMemory, "memory or redis")
	flags.Bool("kafka-enabled", false, "publish room events and consume admin commands")
	flags.Bool("turn-enabled", false, "run the embedded TURN relay")
	for key, flag := range map[string]string{
		"listen_addr":      "listen-addr",
		"grpc_health_addr": "grpc-health-addr",
		"bus_mode":         "bus-mode",
		"kafka_enabled":    "kafka-enabled",
		"turn_enabled":     "turn-enabled",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	log.Info("INIT", "Instance initialization started", map[string]interface{}{
		"instanceId": cfg.InstanceID,
		"goVersion":  runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"busMode":    cfg.BusMode,
		"workers":    cfg.WorkerCount(),
	})
	state := gateway.NewState(cfg.InstanceID)

	log.Info("INIT", "Starting media workers", nil)
	eng := engine.NewPionEngine(engine.DefaultCapabilities(), cfg.ICEServers(), cfg.NAT1To1IPs)
	mgr, err := sfu.NewManager(ctx, eng, sfu.Config{
		NumWorkers:        cfg.WorkerCount(),
		RTCMinPort:        cfg.RTCMinPort,
		RTCMaxPort:        cfg.RTCMaxPort,
		MaxRoomsPerWorker: cfg.MaxRoomsPerWorker,
		EngineTimeout:     cfg.EngineTimeout,
	}, log)
	if err != nil {
		return errors.Wrap(err, "start media workers")
	}
	defer mgr.Close()

	log.Info("INIT", "Initializing bus", map[string]interface{}{"mode": cfg.BusMode})
	b, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := register(ctx, b, cfg.InstanceID, log); err != nil {
		return err
	}

	var (
		sink     events.Sink = events.NopSink{}
		kafka    *events.KafkaSink
		commands *events.CommandListener
	)
	if cfg.KafkaEnabled {
		log.Info("INIT", "Initializing Kafka connection", nil)
		kafka, err = events.NewKafkaSink(events.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaEventsTopic,
			RetryMax: cfg.KafkaRetryMax,
		}, cfg.InstanceID, log)
		if err != nil {
			return err
		}
		sink = kafka
		commands, err = events.DialCommandListener(ctx, events.ListenerConfig{
			Brokers:    cfg.KafkaBrokers,
			Topic:      cfg.KafkaCommandsTopic,
			MaxRetries: cfg.KafkaMaxRetries,
			RetryDelay: 2 * time.Second,
		}, log)
		if err != nil {
			_ = kafka.Close()
			return err
		}
		defer commands.Close()
	}
	// closed after the coordinator stops emitting
	defer sink.Close()

	coord := coordinator.New(coordinator.Config{
		InstanceID:         cfg.InstanceID,
		StudentsCanProduce: cfg.StudentsCanProduce,
		ControlRate:        cfg.ControlRate,
		ControlBurst:       cfg.ControlBurst,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		LivenessInterval:   cfg.LivenessInterval,
		LivenessTimeout:    cfg.LivenessTimeout,
	}, mgr, b, sink, log)

	gw := gateway.New(gateway.Config{
		ListenAddr:   cfg.ListenAddr,
		GRPCAddr:     cfg.GRPCHealthAddr,
		PingInterval: cfg.LivenessInterval,
		PongWait:     cfg.LivenessTimeout,
	}, coord, coordinator.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer), mgr, state, log)
	gw.AddCheck("bus", b.Ping)
	if kafka != nil {
		gw.AddCheck("kafka", kafka.Ping)
		gw.AddStats("kafka", kafka.Stats)
	}

	if cfg.TURNEnabled {
		log.Info("INIT", "Starting TURN relay", nil)
		ts, err := relay.Start(relay.Config{
			ListenAddr: cfg.TURNListenAddr,
			PublicIP:   cfg.TURNPublicIP,
			Realm:      cfg.TURNRealm,
			Users:      cfg.TURNUsers,
		}, log)
		if err != nil {
			return err
		}
		defer ts.Close()
		gw.AddStats("turn", ts.Stats)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, gctx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return ignoreCanceled(coord.Run(gctx)) })
	eg.Go(func() error { return gw.Serve(gctx) })
	if commands != nil {
		eg.Go(func() error { return ignoreCanceled(commands.Run(gctx, coord.HandleCommand)) })
	}

	state.UpdateStatus(gateway.StatusRunning)
	log.Info("MAIN", "Instance is running and ready to host classes", state.Snapshot())

	select {
	case <-ctx.Done():
		log.Info("MAIN", "Shutdown requested", nil)
	case <-gctx.Done():
		log.Warn("MAIN", "A component stopped, shutting down", nil)
	}
	state.UpdateStatus(gateway.StatusStopping)
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	coord.Shutdown(sctx)
	cancel()

	err = eg.Wait()
	log.Info("MAIN", "Instance stopped", state.Snapshot())
	return err
}

func openBus(ctx context.Context, cfg config.Config, log *logger.Logger) (bus.Bus, error) {
	if cfg.BusMode == config.BusMemory {
		return bus.NewMemoryBus(bus.NewMemoryHub(), cfg.InstanceID), nil
	}
	return bus.DialRedis(ctx, bus.RedisConfig{
		Addrs:           cfg.RedisClusterNodes,
		PoolSize:        cfg.RedisPoolSize,
		MinIdleConns:    cfg.RedisMinIdleConns,
		MaxRetries:      cfg.RedisMaxRetries,
		ConnectAttempts: cfg.RedisConnectAttempts,
		ReconnectDelay:  cfg.RedisReconnectDelay,
		InstanceTTL:     cfg.InstanceTTL,
	}, cfg.InstanceID, log)
}

// register announces the instance on the bus, retrying a few times.
func register(ctx context.Context, b bus.Bus, instanceID string, log *logger.Logger) error {
	for attempt := 1; ; attempt++ {
		log.Info("MAIN", "Attempting instance registration", map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": registerAttempts,
			"instanceId":  instanceID,
		})
		err := b.Register(ctx)
		if err == nil {
			log.Info("MAIN", "Registered instance", map[string]interface{}{"instanceId": instanceID, "attempt": attempt})
			return nil
		}
		if attempt == registerAttempts || ctx.Err() != nil {
			log.Error("MAIN", "Failed to register instance after maximum attempts", err, map[string]interface{}{
				"maxAttempts": registerAttempts,
			})
			return errors.Wrapf(err, "register instance after %d attempts", attempt)
		}
		log.Warn("MAIN", "Instance registration failed, retrying", map[string]interface{}{
			"attempt":    attempt,
			"error":      err.Error(),
			"retryDelay": "1s",
		})
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
