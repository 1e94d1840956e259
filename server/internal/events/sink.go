// Package events publishes room lifecycle events to Kafka and listens for
// administrative commands.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"classroom-sfu/server/internal/logger"
)

// Event types published on the events topic.
const (
	UserJoined     = "userJoined"
	UserLeft       = "userLeft"
	NewProducer    = "newProducer"
	ProducerClosed = "producerClosed"
	RoomClosed     = "roomClosed"
	RoomFailed     = "roomFailed"
	ClassEnded     = "classEnded"
)

// Event is one room lifecycle record.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId,omitempty"`
	Role          string    `json:"role,omitempty"`
	ProducerID    string    `json:"producerId,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	InstanceID    string    `json:"instanceId"`
	Time          time.Time `json:"time"`
}

// Sink receives room events. Emit must not block on the network.
type Sink interface {
	Emit(ev Event)
	Close() error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event)   {}
func (NopSink) Close() error { return nil }

// KafkaConfig configures the producer side.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	RetryMax int
}

// KafkaSink publishes events keyed by room id, so the events of one room
// stay ordered within a partition.
type KafkaSink struct {
	producer   sarama.SyncProducer
	topic      string
	instanceID string
	log        *logger.Logger

	queue   chan Event
	wg      sync.WaitGroup
	closing sync.Once
	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewKafkaSink connects a synchronous producer to cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig, instanceID string, log *logger.Logger) (*KafkaSink, error) {
	log.Info("KAFKA", "Initializing Kafka producer", map[string]interface{}{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	})
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = cfg.RetryMax
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		log.Error("KAFKA", "Failed to create Kafka producer", err, map[string]interface{}{"brokers": cfg.Brokers})
		return nil, errors.Wrap(err, "create kafka producer")
	}
	log.Info("KAFKA", "Kafka producer initialized successfully", nil)
	return NewKafkaSinkWithProducer(producer, cfg.Topic, instanceID, log), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic, instanceID string, log *logger.Logger) *KafkaSink {
	s := &KafkaSink{
		producer:   producer,
		topic:      topic,
		instanceID: instanceID,
		log:        log,
		queue:      make(chan Event, 1024),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit queues ev. When the queue is full the event is dropped.
func (s *KafkaSink) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.InstanceID = s.instanceID
	select {
	case s.queue <- ev:
	default:
		s.dropped.Inc()
		s.log.Warn("KAFKA", "Event queue full, dropping event", map[string]interface{}{
			"type":   ev.Type,
			"roomId": ev.RoomID,
		})
	}
}

func (s *KafkaSink) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		value, err := json.Marshal(ev)
		if err != nil {
			s.failed.Inc()
			continue
		}
		partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(ev.RoomID),
			Value: sarama.ByteEncoder(value),
		})
		if err != nil {
			s.failed.Inc()
			s.log.Error("KAFKA", "Error publishing room event", err, map[string]interface{}{
				"type":   ev.Type,
				"roomId": ev.RoomID,
			})
			continue
		}
		s.sent.Inc()
		s.log.Debug("KAFKA", "Room event published", map[string]interface{}{
			"type":      ev.Type,
			"roomId":    ev.RoomID,
			"partition": partition,
			"offset":    offset,
		})
	}
}

// Stats reports delivery counters.
func (s *KafkaSink) Stats() map[string]int64 {
	return map[string]int64{
		"sent":    s.sent.Load(),
		"dropped": s.dropped.Load(),
		"failed":  s.failed.Load(),
	}
}

// Close flushes queued events and closes the producer. Emit must not be
// called after Close.
func (s *KafkaSink) Close() error {
	var err error
	s.closing.Do(func() {
		close(s.queue)
		s.wg.Wait()
		err = s.producer.Close()
	})
	return err
}

// Ping is a cheap liveness check used by health endpoints.
func (s *KafkaSink) Ping(context.Context) error {
	if s.failed.Load() > 0 && s.sent.Load() == 0 {
		return errors.New("no event delivered yet")
	}
	return nil
}
