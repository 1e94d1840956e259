// Package signaling negotiates direct peer connections between classroom
// participants in mesh mode. One PeerLink per remote participant runs the
// offer/answer state machine over a Signaler, and a Mesh keeps the set of
// links in step with room membership and local media.
package signaling

import (
	"github.com/pion/webrtc/v3"

	"classroom-sfu/server/internal/protocol"
)

// Conn is the subset of a peer connection a PeerLink drives.
type Conn interface {
	SignalingState() webrtc.SignalingState
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (Sender, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	Close() error
}

// Sender is the outgoing side of one transceiver. A nil track sends nothing
// while keeping the transceiver negotiated.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// ConnFactory opens a fresh peer connection.
type ConnFactory func() (Conn, error)

// Signaler delivers a message to the signaling channel. Implementations must
// not call back into the PeerLink synchronously.
type Signaler interface {
	Send(msg protocol.Message) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(protocol.Message) error

func (f SignalerFunc) Send(msg protocol.Message) error { return f(msg) }

type pionConn struct {
	*webrtc.PeerConnection
}

// NewPionConnFactory opens pion peer connections with cfg.
func NewPionConnFactory(cfg webrtc.Configuration) ConnFactory {
	return func() (Conn, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionConn{PeerConnection: pc}, nil
	}
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.PeerConnection.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.PeerConnection.CreateAnswer(nil)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}
