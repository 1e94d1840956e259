package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-sfu/server/internal/logger"
)

func TestKafkaSinkPublishesKeyedByRoom(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "cs101" {
			return fmt.Errorf("key %q", key)
		}
		if msg.Topic != "classroom_events" {
			return fmt.Errorf("topic %q", msg.Topic)
		}
		raw, _ := msg.Value.Encode()
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Type != UserJoined || ev.ParticipantID != "s1" || ev.InstanceID != "coord-a" || ev.ID == "" || ev.Time.IsZero() {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewKafkaSinkWithProducer(sp, "classroom_events", "coord-a", logger.NewNop())
	s.Emit(Event{Type: UserJoined, RoomID: "cs101", ParticipantID: "s1", Role: "student"})
	s.Emit(Event{Type: UserLeft, RoomID: "cs101", ParticipantID: "s1"})
	require.NoError(t, s.Close())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats["sent"])
	assert.Equal(t, int64(1), stats["failed"])
	assert.Zero(t, stats["dropped"])
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Emit(Event{Type: RoomClosed})
	assert.NoError(t, s.Close())
}

func TestCommandListenerDispatchesCommands(t *testing.T) {
	c := mocks.NewConsumer(t, nil)
	c.SetTopicMetadata(map[string][]int32{"classroom_commands": {0, 1}})
	pc0 := c.ExpectConsumePartition("classroom_commands", 0, sarama.OffsetNewest)
	pc1 := c.ExpectConsumePartition("classroom_commands", 1, sarama.OffsetNewest)

	end, _ := json.Marshal(Command{Type: CommandEndClass, RoomID: "cs101"})
	kick, _ := json.Marshal(Command{Type: CommandKick, RoomID: "cs102", ParticipantID: "s9"})
	noRoom, _ := json.Marshal(Command{Type: CommandKick})
	pc0.YieldMessage(&sarama.ConsumerMessage{Value: end})
	pc1.YieldMessage(&sarama.ConsumerMessage{Value: []byte("{not json")})
	pc1.YieldMessage(&sarama.ConsumerMessage{Value: noRoom})
	pc1.YieldMessage(&sarama.ConsumerMessage{Value: kick})

	var mu sync.Mutex
	var got []Command
	l := NewCommandListener(c, "classroom_commands", logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(_ context.Context, cmd Command) {
			mu.Lock()
			got = append(got, cmd)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Command{
		{Type: CommandEndClass, RoomID: "cs101"},
		{Type: CommandKick, RoomID: "cs102", ParticipantID: "s9"},
	}, got)
	assert.NoError(t, l.Close())
}

func TestCommandListenerUnknownTopic(t *testing.T) {
	c := mocks.NewConsumer(t, nil)
	c.SetTopicMetadata(map[string][]int32{"other": {0}})
	l := NewCommandListener(c, "classroom_commands", logger.NewNop())
	assert.Error(t, l.Run(context.Background(), func(context.Context, Command) {}))
}
