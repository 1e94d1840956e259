// Package protocol defines the signaling vocabulary exchanged between
// classroom clients and the session coordinator.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"

	"classroom-sfu/server/internal/engine"
)

// Role of a participant in a class.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Client requests.
const (
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	TypeGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	TypeCreateTransport          = "createTransport"
	TypeConnectTransport         = "connectTransport"
	TypeProduce                  = "produce"
	TypeCloseProducer            = "closeProducer"
	TypeConsume                  = "consume"
	TypeResumeConsumer           = "resumeConsumer"
	TypePauseConsumer            = "pauseConsumer"

	TypeRaiseHand    = "raise-hand"
	TypeLowerHand    = "lower-hand"
	TypeMuteRequest  = "mute-request"
	TypeRoomSettings = "room-settings"
	TypeEndClass     = "end-class"
)

// Server responses and room events.
const (
	TypeResponse = "response"
	TypeError    = "error"

	TypeJoinedClass         = "joinedClass"
	TypeUserJoined          = "userJoined"
	TypeUserLeft            = "userLeft"
	TypeNewProducer         = "newProducer"
	TypeProducerClosed      = "producerClosed"
	TypeConsumerClosed      = "consumerClosed"
	TypeHandRaised          = "handRaised"
	TypeHandLowered         = "handLowered"
	TypeMuteRequested       = "muteRequested"
	TypeRoomSettingsChanged = "roomSettings"
	TypeRoomFailed          = "roomFailed"
	TypeClassEnded          = "classEnded"
	TypeKicked              = "kicked"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeInvalidState     = "invalid_state"
	CodeUnsupported      = "unsupported"
	CodeClassUnavailable = "class_unavailable"
	CodeTimeout          = "timeout"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Message is the envelope of every signaling frame.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`

	// SenderRole is set by the coordinator on relayed mesh signaling.
	SenderRole Role `json:"senderRole,omitempty"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewMessage marshals payload into a message of type typ.
func NewMessage(typ string, payload interface{}) (Message, error) {
	m := Message{Type: typ}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	m.Payload = raw
	return m, nil
}

// MustMessage is NewMessage for payloads that always marshal.
func MustMessage(typ string, payload interface{}) Message {
	m, err := NewMessage(typ, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CreateTransportPayload struct {
	Direction string `json:"direction"`
}

type ConnectTransportPayload struct {
	TransportID string                   `json:"transportId"`
	Parameters  engine.ConnectParameters `json:"parameters"`
}

type ProducePayload struct {
	TransportID   string               `json:"transportId"`
	Kind          string               `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

type ProducerPayload struct {
	ProducerID string `json:"producerId"`
}

type ConsumePayload struct {
	TransportID     string              `json:"transportId"`
	ProducerID      string              `json:"producerId"`
	RTPCapabilities engine.Capabilities `json:"rtpCapabilities"`
}

type ConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

// TransportInfo is returned by createTransport and must be relayed to the
// client unmodified.
type TransportInfo struct {
	TransportID string                     `json:"transportId"`
	Direction   string                     `json:"direction"`
	Parameters  engine.TransportParameters `json:"parameters"`
}

type ConsumerInfo struct {
	ConsumerID    string               `json:"consumerId"`
	ProducerID    string               `json:"producerId"`
	Kind          string               `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

type ProducerInfo struct {
	ProducerID    string `json:"producerId"`
	ParticipantID string `json:"participantId"`
	Kind          string `json:"kind"`
}

type Headcount struct {
	Teachers int `json:"teachers"`
	Students int `json:"students"`
}

type Permissions struct {
	CanProduce bool `json:"canProduce"`
	CanControl bool `json:"canControl"`
}

// Member is one roster entry.
type Member struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Role          Role   `json:"role"`
	HandRaised    bool   `json:"handRaised"`
}

type JoinedClassPayload struct {
	RoomID                string              `json:"roomId"`
	RouterRtpCapabilities engine.Capabilities `json:"routerRtpCapabilities"`
	Producers             []ProducerInfo      `json:"producers"`
	Headcount             Headcount           `json:"headcount"`
	Members               []Member            `json:"members"`
	Permissions           Permissions         `json:"permissions"`
	Settings              map[string]string   `json:"settings,omitempty"`
}

type UserPayload struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
	Role          Role   `json:"role,omitempty"`
}

type NewProducerPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	ProducerID    string `json:"producerId"`
	Kind          string `json:"kind"`
}

type ProducerClosedPayload struct {
	ParticipantID string `json:"participantId"`
	ProducerID    string `json:"producerId"`
}

type ConsumerClosedPayload struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

type MuteRequestPayload struct {
	TargetID string `json:"targetId"`
	Kind     string `json:"kind"`
}

type RoomSettingsPayload struct {
	Settings map[string]string `json:"settings"`
}

type RoomFailedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}
