// Package engine is the binding to the media-transport engine that the SFU
// resource manager drives: worker processes, ICE/DTLS transports and RTP
// streams. Packet forwarding between streams is done by the caller.
package engine

import (
	"context"
	"errors"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// ErrClosed is returned when operating on a closed worker, transport or stream.
var ErrClosed = errors.New("engine: closed")

// Engine creates workers.
type Engine interface {
	NewWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
	Capabilities() Capabilities
}

// WorkerSettings configures one worker.
type WorkerSettings struct {
	Index      int
	RTCMinPort uint16
	RTCMaxPort uint16
}

// Worker is an isolated media-processing unit. Done is closed when the worker
// dies or is closed.
type Worker interface {
	ID() string
	CreateTransport(ctx context.Context) (Transport, error)
	Done() <-chan struct{}
	Close() error
}

// Transport is one ICE+DTLS endpoint. Done is closed when the transport fails
// or is closed.
type Transport interface {
	ID() string
	Parameters() TransportParameters
	Connect(ctx context.Context, remote ConnectParameters) error
	Receive(ctx context.Context, params RTPParameters) (RTPSource, error)
	Send(ctx context.Context, codec Codec) (RTPSink, error)
	Done() <-chan struct{}
	Close() error
}

// RTPSource yields packets of one incoming track.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// RTPSink accepts packets of one outgoing track.
type RTPSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Parameters() RTPParameters
	Close() error
}

// TransportParameters are the local ICE/DTLS credentials of a transport.
type TransportParameters struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters are the remote side's ICE/DTLS credentials.
type ConnectParameters struct {
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates,omitempty"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// RTPParameters describe a single RTP stream.
type RTPParameters struct {
	Codec Codec  `json:"codec"`
	SSRC  uint32 `json:"ssrc"`
}

// runWithContext runs fn and waits for it or for ctx. When ctx ends first,
// abort is called so that fn unblocks, and ctx.Err() is returned.
func runWithContext(ctx context.Context, fn func() error, abort func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if abort != nil {
			_ = abort()
		}
		return ctx.Err()
	}
}
