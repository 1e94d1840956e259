package sfu

// EventType names an outbound resource-manager event.
type EventType string

const (
	EventNewProducer    EventType = "newProducer"
	EventProducerClosed EventType = "producerClosed"
	EventConsumerClosed EventType = "consumerClosed"
	EventRoomClosed     EventType = "roomClosed"
	EventRouterFailed   EventType = "routerFailed"
)

// Event is published on Manager.Events.
//
// For consumerClosed, ParticipantID is the consumer's owner. For
// routerFailed, ParticipantIDs lists every participant of the lost room.
type Event struct {
	Type           EventType
	RoomID         string
	ParticipantID  string
	ProducerID     string
	ConsumerID     string
	Kind           string
	ParticipantIDs []string
}

// teardown collects engine closes and events while Manager.mu is held, to be
// run after it is released.
type teardown struct {
	closers []func() error
	events  []Event
}

func (td *teardown) close(fn func() error) { td.closers = append(td.closers, fn) }
func (td *teardown) emit(ev Event)         { td.events = append(td.events, ev) }

func (m *Manager) finish(td *teardown) {
	for _, fn := range td.closers {
		if err := fn(); err != nil {
			m.log.Debug("SFU", "Engine close returned an error", map[string]interface{}{"error": err.Error()})
		}
	}
	for _, ev := range td.events {
		m.emit(ev)
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
