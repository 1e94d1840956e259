package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"

	"classroom-sfu/server/internal/logger"
)

// Admin command types.
const (
	CommandEndClass = "endClass"
	CommandKick     = "kick"
)

// Command is one administrative instruction. Every instance applies it to
// its own members.
type Command struct {
	Type          string `json:"type"`
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// CommandHandler applies a command.
type CommandHandler func(ctx context.Context, cmd Command)

// ListenerConfig configures the command consumer.
type ListenerConfig struct {
	Brokers    []string
	Topic      string
	MaxRetries int
	RetryDelay time.Duration
}

// CommandListener consumes every partition of the commands topic.
type CommandListener struct {
	consumer sarama.Consumer
	topic    string
	log      *logger.Logger
}

// DialCommandListener connects to Kafka, retrying up to cfg.MaxRetries times.
func DialCommandListener(ctx context.Context, cfg ListenerConfig, log *logger.Logger) (*CommandListener, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		log.Info("KAFKA", "Attempting Kafka connection", map[string]interface{}{
			"attempt":    attempt,
			"maxRetries": attempts,
			"brokers":    cfg.Brokers,
		})
		consumer, err := sarama.NewConsumer(cfg.Brokers, config)
		if err == nil {
			log.Info("KAFKA", "Successfully connected to Kafka", map[string]interface{}{"attempt": attempt})
			return NewCommandListener(consumer, cfg.Topic, log), nil
		}
		if attempt == attempts || ctx.Err() != nil {
			log.Error("KAFKA", "Could not connect to Kafka after maximum attempts", err, map[string]interface{}{"maxRetries": attempts})
			return nil, errors.Wrapf(err, "connect to kafka after %d attempts", attempt)
		}
		log.Warn("KAFKA", "Kafka connection attempt failed, retrying", map[string]interface{}{
			"attempt":    attempt,
			"error":      err.Error(),
			"retryDelay": cfg.RetryDelay.String(),
		})
		select {
		case <-ctx.Done():
		case <-time.After(cfg.RetryDelay):
		}
	}
}

// NewCommandListener wraps an existing consumer.
func NewCommandListener(consumer sarama.Consumer, topic string, log *logger.Logger) *CommandListener {
	return &CommandListener{consumer: consumer, topic: topic, log: log}
}

// Run consumes new commands from every partition and hands them to handle
// until ctx ends. Commands published before Run starts are not replayed.
func (l *CommandListener) Run(ctx context.Context, handle CommandHandler) error {
	partitions, err := l.consumer.Partitions(l.topic)
	if err != nil {
		return errors.Wrapf(err, "list partitions of %s", l.topic)
	}

	var pcs []sarama.PartitionConsumer
	defer func() {
		for _, pc := range pcs {
			pc.AsyncClose()
		}
	}()
	for _, p := range partitions {
		pc, err := l.consumer.ConsumePartition(l.topic, p, sarama.OffsetNewest)
		if err != nil {
			return errors.Wrapf(err, "consume %s/%d", l.topic, p)
		}
		pcs = append(pcs, pc)
	}
	l.log.Info("KAFKA", "Subscribed to command topic", map[string]interface{}{
		"topic":          l.topic,
		"partitionCount": len(pcs),
	})

	msgs := make(chan *sarama.ConsumerMessage, 100)
	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			errs := pc.Errors()
			for {
				select {
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					select {
					case msgs <- msg:
					case <-ctx.Done():
						return
					}
				case perr, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					l.log.Warn("KAFKA", "Partition consumer error", map[string]interface{}{"error": perr.Error()})
				case <-ctx.Done():
					return
				}
			}
		}(pc)
	}
	defer wg.Wait()

	var count int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			count++
			var cmd Command
			if err := json.Unmarshal(msg.Value, &cmd); err != nil {
				l.log.Error("KAFKA", "Error unmarshalling Kafka command", err, map[string]interface{}{
					"messageCount": count,
					"rawValue":     string(msg.Value),
				})
				continue
			}
			if cmd.RoomID == "" {
				l.log.Warn("KAFKA", "Command without roomId ignored", map[string]interface{}{"type": cmd.Type})
				continue
			}
			l.log.Info("KAFKA", "Processing admin command", map[string]interface{}{
				"type":          cmd.Type,
				"roomId":        cmd.RoomID,
				"participantId": cmd.ParticipantID,
				"partition":     msg.Partition,
				"offset":        msg.Offset,
			})
			handle(ctx, cmd)
		}
	}
}

// Close closes the underlying consumer.
func (l *CommandListener) Close() error { return l.consumer.Close() }
