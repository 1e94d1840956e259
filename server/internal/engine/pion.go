package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// PionEngine runs workers in-process on top of the pion ORTC API. Every
// worker owns its own API instance bound to a slice of the RTC port range.
type PionEngine struct {
	caps       Capabilities
	iceServers []webrtc.ICEServer
	nat1to1    []string
}

// NewPionEngine returns an engine advertising caps.
func NewPionEngine(caps Capabilities, iceServers []webrtc.ICEServer, nat1to1 []string) *PionEngine {
	return &PionEngine{caps: caps, iceServers: iceServers, nat1to1: nat1to1}
}

func (e *PionEngine) Capabilities() Capabilities { return e.caps }

func (e *PionEngine) NewWorker(_ context.Context, s WorkerSettings) (Worker, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range e.caps.Codecs {
		if err := m.RegisterCodec(c.Parameters(), c.Type()); err != nil {
			return nil, errors.Wrapf(err, "register codec %s", c.MimeType)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	se := webrtc.SettingEngine{}
	if s.RTCMinPort != 0 || s.RTCMaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(s.RTCMinPort, s.RTCMaxPort); err != nil {
			return nil, errors.Wrapf(err, "port range %d-%d", s.RTCMinPort, s.RTCMaxPort)
		}
	}
	if len(e.nat1to1) > 0 {
		se.SetNAT1To1IPs(e.nat1to1, webrtc.ICECandidateTypeHost)
	}

	return &pionWorker{
		id:         uuid.New().String(),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se), webrtc.WithInterceptorRegistry(ir)),
		iceServers: e.iceServers,
		transports: make(map[string]*pionTransport),
		done:       make(chan struct{}),
	}, nil
}

type pionWorker struct {
	id         string
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	mu         sync.Mutex
	transports map[string]*pionTransport
	closed     atomic.Bool
	done       chan struct{}
}

func (w *pionWorker) ID() string            { return w.id }
func (w *pionWorker) Done() <-chan struct{} { return w.done }

func (w *pionWorker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	transports := make([]*pionTransport, 0, len(w.transports))
	for _, t := range w.transports {
		transports = append(transports, t)
	}
	w.transports = map[string]*pionTransport{}
	w.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	close(w.done)
	return nil
}

func (w *pionWorker) CreateTransport(ctx context.Context) (Transport, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	gatherer, err := w.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: w.iceServers})
	if err != nil {
		return nil, errors.Wrap(err, "ice gatherer")
	}
	ice := w.api.NewICETransport(gatherer)
	dtls, err := w.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, errors.Wrap(err, "dtls transport")
	}

	t := &pionTransport{
		id:       uuid.New().String(),
		worker:   w,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		done:     make(chan struct{}),
	}

	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = t.Close()
		return nil, errors.Wrap(err, "gather")
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = t.Close()
		return nil, errors.Wrap(err, "ice parameters")
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = t.Close()
		return nil, errors.Wrap(err, "ice candidates")
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = t.Close()
		return nil, errors.Wrap(err, "dtls parameters")
	}
	t.params = TransportParameters{ICEParameters: iceParams, ICECandidates: candidates, DTLSParameters: dtlsParams}

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		if s == webrtc.DTLSTransportStateFailed || s == webrtc.DTLSTransportStateClosed {
			go t.Close()
		}
	})

	w.mu.Lock()
	w.transports[t.id] = t
	w.mu.Unlock()
	return t, nil
}

type pionTransport struct {
	id       string
	worker   *pionWorker
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   TransportParameters

	closed atomic.Bool
	done   chan struct{}
}

func (t *pionTransport) ID() string                      { return t.id }
func (t *pionTransport) Parameters() TransportParameters { return t.params }
func (t *pionTransport) Done() <-chan struct{}           { return t.done }

func (t *pionTransport) Connect(ctx context.Context, remote ConnectParameters) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return runWithContext(ctx, func() error {
		if err := t.ice.SetRemoteCandidates(remote.ICECandidates); err != nil {
			return errors.Wrap(err, "remote candidates")
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remote.ICEParameters, &role); err != nil {
			return errors.Wrap(err, "ice start")
		}
		return errors.Wrap(t.dtls.Start(remote.DTLSParameters), "dtls start")
	}, t.Close)
}

func (t *pionTransport) Receive(ctx context.Context, p RTPParameters) (RTPSource, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	recv, err := t.worker.api.NewRTPReceiver(p.Codec.Type(), t.dtls)
	if err != nil {
		return nil, errors.Wrap(err, "rtp receiver")
	}
	params := webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(p.SSRC),
			PayloadType: webrtc.PayloadType(p.Codec.PayloadType),
		},
	}}}
	if err := runWithContext(ctx, func() error { return recv.Receive(params) }, recv.Stop); err != nil {
		return nil, errors.Wrap(err, "receive")
	}
	return &pionSource{recv: recv, track: recv.Track()}, nil
}

func (t *pionTransport) Send(ctx context.Context, codec Codec) (RTPSink, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec.Parameters().RTPCodecCapability, uuid.New().String(), "sfu-"+t.id)
	if err != nil {
		return nil, errors.Wrap(err, "local track")
	}
	sender, err := t.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, errors.Wrap(err, "rtp sender")
	}
	if err := runWithContext(ctx, func() error { return sender.Send(sender.GetParameters()) }, sender.Stop); err != nil {
		return nil, errors.Wrap(err, "send")
	}
	params := RTPParameters{Codec: codec}
	if enc := sender.GetParameters().Encodings; len(enc) > 0 {
		params.SSRC = uint32(enc[0].SSRC)
	}
	return &pionSink{sender: sender, track: track, params: params}, nil
}

func (t *pionTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()

	t.worker.mu.Lock()
	delete(t.worker.transports, t.id)
	t.worker.mu.Unlock()

	close(t.done)
	return nil
}

type pionSource struct {
	recv  *webrtc.RTPReceiver
	track *webrtc.TrackRemote
}

func (s *pionSource) ReadRTP() (*rtp.Packet, error) {
	if s.track == nil {
		return nil, ErrClosed
	}
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

func (s *pionSource) Close() error { return s.recv.Stop() }

type pionSink struct {
	sender *webrtc.RTPSender
	track  *webrtc.TrackLocalStaticRTP
	params RTPParameters
}

func (s *pionSink) WriteRTP(pkt *rtp.Packet) error { return s.track.WriteRTP(pkt) }
func (s *pionSink) Parameters() RTPParameters      { return s.params }
func (s *pionSink) Close() error                   { return s.sender.Stop() }
