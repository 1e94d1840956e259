// Package coordinator admits authenticated signaling connections to rooms,
// relays their requests to the SFU resource manager and fans room events out
// to every member, on this instance and, through the bus, on the others.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"classroom-sfu/server/internal/bus"
	"classroom-sfu/server/internal/events"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
	"classroom-sfu/server/internal/sfu"
)

// Config configures a Coordinator.
type Config struct {
	InstanceID         string
	StudentsCanProduce bool
	ControlRate        float64
	ControlBurst       int
	HeartbeatInterval  time.Duration
	LivenessInterval   time.Duration
	LivenessTimeout    time.Duration
	RequestTimeout     time.Duration
}

// Coordinator is the session coordinator of one instance.
type Coordinator struct {
	cfg      Config
	sfu      *sfu.Manager
	bus      bus.Bus
	sink     events.Sink
	log      *logger.Logger
	registry *Registry
	dispatch *dispatcher

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg Config, mgr *sfu.Manager, b bus.Bus, sink events.Sink, log *logger.Logger) *Coordinator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 5 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 3 * cfg.LivenessInterval
	}
	if cfg.ControlBurst <= 0 {
		cfg.ControlBurst = 10
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Coordinator{
		cfg:      cfg,
		sfu:      mgr,
		bus:      b,
		sink:     sink,
		log:      log,
		registry: NewRegistry(b, cfg.InstanceID, log),
		dispatch: newDispatcher(),
		sessions: make(map[string]*Session),
	}
}

// Registry exposes the room registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Permissions returns what a role may do. Teachers produce and control the
// room; students produce only when configured to.
func (c *Coordinator) Permissions(role protocol.Role) protocol.Permissions {
	if role == protocol.RoleTeacher {
		return protocol.Permissions{CanProduce: true, CanControl: true}
	}
	return protocol.Permissions{CanProduce: c.cfg.StudentsCanProduce}
}

func (c *Coordinator) newLimiter() *rate.Limiter {
	limit := rate.Inf
	if c.cfg.ControlRate > 0 {
		limit = rate.Limit(c.cfg.ControlRate)
	}
	return rate.NewLimiter(limit, c.cfg.ControlBurst)
}

// Connect registers a new connection for id. An existing connection of the
// same participant is taken over: it is closed and its room membership
// moves to the new session without a leave.
func (c *Coordinator) Connect(id Identity, conn Conn) *Session {
	s := newSession(id, conn, c.newLimiter())
	c.mu.Lock()
	old := c.sessions[id.ParticipantID]
	c.sessions[id.ParticipantID] = s
	c.mu.Unlock()

	if old != nil {
		old.replaced.Store(true)
		c.registry.Replace(old, s)
		_ = old.Close()
		c.log.Info("SESSION", "Connection taken over by a newer one", map[string]interface{}{
			"participantId": id.ParticipantID,
			"roomId":        s.Room(),
		})
	}
	c.log.Info("SESSION", "Participant connected", map[string]interface{}{
		"participantId": id.ParticipantID,
		"role":          id.Role,
	})
	return s
}

// Disconnect ends a session. Its participant leaves the room at most once,
// however many times Disconnect is called, and not at all when a newer
// connection took it over.
func (c *Coordinator) Disconnect(s *Session) {
	s.gone.Do(func() {
		c.mu.Lock()
		if c.sessions[s.ID()] == s {
			delete(c.sessions, s.ID())
		}
		c.mu.Unlock()

		if s.Replaced() {
			return
		}
		roomID := s.Room()
		if roomID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		err := c.dispatch.Do(ctx, roomID, func() {
			tctx, tcancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer tcancel()
			c.leave(tctx, s, "disconnect")
		})
		if err != nil {
			c.log.Warn("SESSION", "Leave on disconnect still pending", map[string]interface{}{
				"participantId": s.ID(),
				"roomId":        roomID,
			})
		}
	})
}

// Sessions lists the connected sessions of this instance.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Handle processes one request of s. Replies and errors are written to the
// session; requests of one session must be handled in order.
func (c *Coordinator) Handle(ctx context.Context, s *Session, msg protocol.Message) {
	s.Touch()
	if s.Replaced() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	reply, err := c.handle(ctx, s, msg)
	if err != nil {
		payload := errorPayload(err)
		data := map[string]interface{}{
			"participantId": s.ID(),
			"type":          msg.Type,
			"code":          payload.Code,
			"error":         err.Error(),
		}
		if payload.Code == protocol.CodeInternal {
			c.log.Error("SESSION", "Request failed", err, data)
		} else {
			c.log.Debug("SESSION", "Request rejected", data)
		}
		c.send(s, protocol.Message{Type: protocol.TypeError, RequestID: msg.RequestID, RoomID: s.Room(), Error: payload})
		return
	}
	if reply != nil {
		reply.RequestID = msg.RequestID
		c.send(s, *reply)
	}
}

func (c *Coordinator) handle(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	switch msg.Type {
	case protocol.TypeJoinRoom:
		return nil, c.join(ctx, s, msg)
	case protocol.TypeLeaveRoom:
		return ok(), c.leaveRequest(ctx, s)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		return nil, c.relay(ctx, s, msg)

	case protocol.TypeGetRouterRtpCapabilities:
		if _, err := c.joined(s); err != nil {
			return nil, err
		}
		return respond(c.sfu.Capabilities())
	case protocol.TypeCreateTransport:
		return c.createTransport(ctx, s, msg)
	case protocol.TypeConnectTransport:
		return c.connectTransport(ctx, s, msg)
	case protocol.TypeProduce:
		return c.produce(ctx, s, msg)
	case protocol.TypeCloseProducer:
		return c.closeProducer(s, msg)
	case protocol.TypeConsume:
		return c.consume(ctx, s, msg)
	case protocol.TypeResumeConsumer, protocol.TypePauseConsumer:
		return c.toggleConsumer(s, msg)

	case protocol.TypeRaiseHand, protocol.TypeLowerHand:
		return c.hand(ctx, s, msg.Type == protocol.TypeRaiseHand)
	case protocol.TypeMuteRequest:
		return c.muteRequest(ctx, s, msg)
	case protocol.TypeRoomSettings:
		return c.roomSettings(ctx, s, msg)
	case protocol.TypeEndClass:
		return c.endClass(ctx, s)
	}
	return nil, errors.Wrapf(ErrBadRequest, "unknown message type %q", msg.Type)
}

func ok() *protocol.Message { return &protocol.Message{Type: protocol.TypeResponse} }

func respond(payload interface{}) (*protocol.Message, error) {
	m, err := protocol.NewMessage(protocol.TypeResponse, payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	return &m, nil
}

func decode(msg protocol.Message, v interface{}) error {
	if err := msg.Decode(v); err != nil {
		return errors.Wrapf(ErrBadRequest, "%s payload: %v", msg.Type, err)
	}
	return nil
}

func (c *Coordinator) joined(s *Session) (string, error) {
	roomID := s.Room()
	if roomID == "" {
		return "", ErrNotJoined
	}
	return roomID, nil
}

func (c *Coordinator) allow(s *Session) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

func (c *Coordinator) send(s *Session, msg protocol.Message) {
	if err := s.Send(msg); err != nil {
		c.log.Debug("SESSION", "Dropping message to closed connection", map[string]interface{}{
			"participantId": s.ID(),
			"type":          msg.Type,
		})
	}
}

// join admits s to a room. A session already in another room leaves it
// first.
func (c *Coordinator) join(ctx context.Context, s *Session, msg protocol.Message) error {
	var p protocol.JoinRoomPayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	roomID := p.RoomID
	if roomID == "" {
		roomID = msg.RoomID
	}
	if roomID == "" {
		return errors.Wrap(ErrBadRequest, "roomId required")
	}

	if prev := s.Room(); prev != "" && prev != roomID {
		if err := c.dispatch.Do(ctx, prev, func() { c.leave(ctx, s, "switch room") }); err != nil {
			return err
		}
	}
	return c.dispatch.Try(ctx, roomID, func() error { return c.admit(ctx, s, roomID, msg.RequestID) })
}

func (c *Coordinator) admit(ctx context.Context, s *Session, roomID, requestID string) error {
	res, err := c.sfu.JoinRoom(ctx, roomID, s.ID(), s.Role)
	if err != nil {
		return err
	}
	rejoined := res.Rejoined || s.Room() == roomID
	c.registry.Add(ctx, roomID, s)

	roster := c.registry.Roster(ctx, roomID)
	joined := protocol.JoinedClassPayload{
		RoomID:                roomID,
		RouterRtpCapabilities: res.Capabilities,
		Producers:             res.Producers,
		Headcount:             Headcount(roster),
		Members:               roster,
		Permissions:           c.Permissions(s.Role),
		Settings:              c.registry.Settings(ctx, roomID),
	}
	if joined.Producers == nil {
		joined.Producers = []protocol.ProducerInfo{}
	}
	reply := protocol.MustMessage(protocol.TypeJoinedClass, joined)
	reply.RequestID = requestID
	reply.RoomID = roomID
	c.send(s, reply)

	// Late joiners get the live producers as events too.
	for _, p := range res.Producers {
		c.send(s, newProducerMessage(roomID, p.ParticipantID, p.ProducerID, p.Kind))
	}

	if !rejoined {
		c.broadcast(ctx, roomID, protocol.MustMessage(protocol.TypeUserJoined, protocol.UserPayload{
			ParticipantID: s.ID(),
			DisplayName:   s.DisplayName,
			Role:          s.Role,
		}), s.ID())
		c.sink.Emit(events.Event{Type: events.UserJoined, RoomID: roomID, ParticipantID: s.ID(), Role: string(s.Role)})
	}
	c.log.Info("SESSION", "Participant joined class", map[string]interface{}{
		"participantId": s.ID(),
		"roomId":        roomID,
		"role":          s.Role,
		"members":       len(roster),
		"liveProducers": len(res.Producers),
		"rejoined":      rejoined,
	})
	return nil
}

func (c *Coordinator) leaveRequest(ctx context.Context, s *Session) error {
	roomID, err := c.joined(s)
	if err != nil {
		return err
	}
	return c.dispatch.Do(ctx, roomID, func() { c.leave(ctx, s, "leave") })
}

// leave removes s from its room and tells the others. It must run on the
// room's dispatcher. It reports false when s had already left.
func (c *Coordinator) leave(ctx context.Context, s *Session, reason string) bool {
	roomID, removed := c.registry.Remove(ctx, s)
	if !removed {
		return false
	}
	res, err := c.sfu.LeaveRoom(roomID, s.ID())
	if err != nil {
		c.log.Debug("SESSION", "SFU leave returned an error", map[string]interface{}{
			"participantId": s.ID(),
			"roomId":        roomID,
			"error":         err.Error(),
		})
	}
	c.broadcast(ctx, roomID, protocol.MustMessage(protocol.TypeUserLeft, protocol.UserPayload{
		ParticipantID: s.ID(),
		DisplayName:   s.DisplayName,
		Role:          s.Role,
	}), s.ID())
	c.sink.Emit(events.Event{Type: events.UserLeft, RoomID: roomID, ParticipantID: s.ID(), Role: string(s.Role), Reason: reason})
	c.log.Info("SESSION", "Participant left class", map[string]interface{}{
		"participantId": s.ID(),
		"roomId":        roomID,
		"reason":        reason,
		"roomClosed":    res.RoomClosed,
	})
	return true
}

// relay forwards mesh signaling to the target member of the sender's room,
// stamped with the sender's identity and role.
func (c *Coordinator) relay(ctx context.Context, s *Session, msg protocol.Message) error {
	roomID, err := c.joined(s)
	if err != nil {
		return err
	}
	if msg.TargetID == "" || msg.TargetID == s.ID() {
		return errors.Wrapf(ErrBadRequest, "%s needs another member as targetId", msg.Type)
	}
	out := msg
	out.RequestID = ""
	out.RoomID = roomID
	out.SenderID = s.ID()
	out.SenderRole = s.Role
	if target := c.registry.Get(roomID, msg.TargetID); target != nil {
		c.send(target, out)
		return nil
	}
	return errors.Wrap(c.bus.Publish(ctx, bus.Envelope{RoomID: roomID, TargetID: msg.TargetID, Message: out}), "relay signaling")
}

func (c *Coordinator) createTransport(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	var p protocol.CreateTransportPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	dir, err := sfu.ParseDirection(p.Direction)
	if err != nil {
		return nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	if dir == sfu.DirectionSend && !c.Permissions(s.Role).CanProduce {
		return nil, errors.Wrap(ErrForbidden, "role may not send media")
	}
	t, err := c.sfu.CreateTransport(ctx, roomID, s.ID(), dir)
	if err != nil {
		return nil, err
	}
	return respond(protocol.TransportInfo{
		TransportID: t.ID,
		Direction:   string(t.Direction),
		Parameters:  t.Parameters(),
	})
}

type ownerFunc func(id string) (roomID, participantID string, ok bool)

// owns checks that resource id exists in the session's room and belongs to
// the session's participant.
func (c *Coordinator) owns(s *Session, roomID, what, id string, owner ownerFunc) error {
	if id == "" {
		return errors.Wrapf(ErrBadRequest, "%s id required", what)
	}
	r, pid, found := owner(id)
	if !found {
		return errors.Wrapf(sfu.ErrNotFound, "%s %s", what, id)
	}
	if r != roomID || pid != s.ID() {
		return errors.Wrapf(ErrForbidden, "%s %s belongs to another participant", what, id)
	}
	return nil
}

func (c *Coordinator) connectTransport(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	var p protocol.ConnectTransportPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := c.owns(s, roomID, "transport", p.TransportID, c.sfu.TransportOwner); err != nil {
		return nil, err
	}
	if err := c.sfu.ConnectTransport(ctx, p.TransportID, p.Parameters); err != nil {
		return nil, err
	}
	return ok(), nil
}

func (c *Coordinator) produce(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	if !c.Permissions(s.Role).CanProduce {
		return nil, errors.Wrap(ErrForbidden, "role may not send media")
	}
	var p protocol.ProducePayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := c.owns(s, roomID, "transport", p.TransportID, c.sfu.TransportOwner); err != nil {
		return nil, err
	}
	prod, err := c.sfu.Produce(ctx, p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		return nil, err
	}
	return respond(protocol.ProducerPayload{ProducerID: prod.ID})
}

func (c *Coordinator) closeProducer(s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	var p protocol.ProducerPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := c.owns(s, roomID, "producer", p.ProducerID, c.sfu.ProducerOwner); err != nil {
		return nil, err
	}
	if err := c.sfu.CloseProducer(p.ProducerID); err != nil && !errors.Is(err, sfu.ErrNotFound) {
		return nil, err
	}
	return ok(), nil
}

func (c *Coordinator) consume(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	var p protocol.ConsumePayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := c.owns(s, roomID, "transport", p.TransportID, c.sfu.TransportOwner); err != nil {
		return nil, err
	}
	cons, err := c.sfu.Consume(ctx, p.TransportID, p.ProducerID, p.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	return respond(protocol.ConsumerInfo{
		ConsumerID:    cons.ID,
		ProducerID:    cons.ProducerID,
		Kind:          cons.Kind,
		RTPParameters: cons.RTPParameters(),
		Paused:        cons.Paused(),
	})
}

func (c *Coordinator) toggleConsumer(s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	var p protocol.ConsumerPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := c.owns(s, roomID, "consumer", p.ConsumerID, c.sfu.ConsumerOwner); err != nil {
		return nil, err
	}
	if msg.Type == protocol.TypeResumeConsumer {
		err = c.sfu.ResumeConsumer(p.ConsumerID)
	} else {
		err = c.sfu.PauseConsumer(p.ConsumerID)
	}
	if err != nil {
		return nil, err
	}
	return ok(), nil
}

func (c *Coordinator) hand(ctx context.Context, s *Session, raised bool) (*protocol.Message, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return nil, err
	}
	if err := c.allow(s); err != nil {
		return nil, err
	}
	typ := protocol.TypeHandLowered
	if raised {
		typ = protocol.TypeHandRaised
	}
	err = c.dispatch.Do(ctx, roomID, func() {
		c.registry.SetHand(ctx, roomID, s, raised)
		msg := protocol.MustMessage(typ, protocol.UserPayload{ParticipantID: s.ID(), DisplayName: s.DisplayName, Role: s.Role})
		msg.SenderID = s.ID()
		c.broadcast(ctx, roomID, msg, s.ID())
	})
	if err != nil {
		return nil, err
	}
	return ok(), nil
}

func (c *Coordinator) control(s *Session) (string, error) {
	roomID, err := c.joined(s)
	if err != nil {
		return "", err
	}
	if !c.Permissions(s.Role).CanControl {
		return "", errors.Wrap(ErrForbidden, "role may not control the room")
	}
	return roomID, c.allow(s)
}

func (c *Coordinator) muteRequest(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.control(s)
	if err != nil {
		return nil, err
	}
	var p protocol.MuteRequestPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if p.TargetID == "" {
		p.TargetID = msg.TargetID
	}
	if p.TargetID == "" {
		return nil, errors.Wrap(ErrBadRequest, "targetId required")
	}
	err = c.dispatch.Do(ctx, roomID, func() {
		out := protocol.MustMessage(protocol.TypeMuteRequested, p)
		out.SenderID = s.ID()
		out.TargetID = p.TargetID
		c.broadcast(ctx, roomID, out, s.ID())
	})
	if err != nil {
		return nil, err
	}
	return ok(), nil
}

func (c *Coordinator) roomSettings(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error) {
	roomID, err := c.control(s)
	if err != nil {
		return nil, err
	}
	var p protocol.RoomSettingsPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if len(p.Settings) == 0 {
		return nil, errors.Wrap(ErrBadRequest, "settings required")
	}
	var merged map[string]string
	var uerr error
	err = c.dispatch.Do(ctx, roomID, func() {
		if uerr = c.registry.UpdateSettings(ctx, roomID, p.Settings); uerr != nil {
			return
		}
		merged = c.registry.Settings(ctx, roomID)
		out := protocol.MustMessage(protocol.TypeRoomSettingsChanged, protocol.RoomSettingsPayload{Settings: merged})
		out.SenderID = s.ID()
		c.broadcast(ctx, roomID, out, s.ID())
	})
	if err != nil {
		return nil, err
	}
	if uerr != nil {
		return nil, errors.Wrap(uerr, "store room settings")
	}
	return respond(protocol.RoomSettingsPayload{Settings: merged})
}

func (c *Coordinator) endClass(ctx context.Context, s *Session) (*protocol.Message, error) {
	roomID, err := c.control(s)
	if err != nil {
		return nil, err
	}
	reason := "ended by " + s.ID()
	err = c.dispatch.Do(ctx, roomID, func() {
		msg := protocol.MustMessage(protocol.TypeClassEnded, protocol.RoomFailedPayload{RoomID: roomID, Reason: reason})
		msg.RoomID = roomID
		msg.SenderID = s.ID()
		if perr := c.bus.Publish(ctx, bus.Envelope{RoomID: roomID, Message: msg}); perr != nil {
			c.log.Warn("SESSION", "Could not relay class end to other instances", map[string]interface{}{
				"roomId": roomID,
				"error":  perr.Error(),
			})
		}
		c.endClassLocal(ctx, roomID, msg)
		c.sink.Emit(events.Event{Type: events.ClassEnded, RoomID: roomID, ParticipantID: s.ID(), Reason: reason})
	})
	if err != nil {
		return nil, err
	}
	return ok(), nil
}

// endClassLocal sends msg to every local member of the room and removes
// them without userLeft broadcasts.
func (c *Coordinator) endClassLocal(ctx context.Context, roomID string, msg protocol.Message) {
	members := c.registry.Local(roomID)
	for _, s := range members {
		c.send(s, msg)
		if _, removed := c.registry.Remove(ctx, s); removed {
			if _, err := c.sfu.LeaveRoom(roomID, s.ID()); err != nil {
				c.log.Debug("SESSION", "SFU leave returned an error", map[string]interface{}{
					"participantId": s.ID(),
					"error":         err.Error(),
				})
			}
		}
	}
	c.log.Info("SESSION", "Class ended", map[string]interface{}{
		"roomId":       roomID,
		"localMembers": len(members),
	})
}

// broadcast delivers msg to every member of the room except excludeID, here
// and on the other instances.
func (c *Coordinator) broadcast(ctx context.Context, roomID string, msg protocol.Message, excludeID string) {
	msg.RoomID = roomID
	c.deliverLocal(roomID, msg, excludeID)
	if err := c.bus.Publish(ctx, bus.Envelope{RoomID: roomID, ExcludeID: excludeID, Message: msg}); err != nil {
		c.log.Warn("SESSION", "Could not relay room event to other instances", map[string]interface{}{
			"roomId": roomID,
			"type":   msg.Type,
			"error":  err.Error(),
		})
	}
}

func (c *Coordinator) deliverLocal(roomID string, msg protocol.Message, excludeID string) {
	for _, s := range c.registry.Local(roomID) {
		if s.ID() != excludeID {
			c.send(s, msg)
		}
	}
}

func newProducerMessage(roomID, participantID, producerID, kind string) protocol.Message {
	msg := protocol.MustMessage(protocol.TypeNewProducer, protocol.NewProducerPayload{
		RoomID:        roomID,
		ParticipantID: participantID,
		ProducerID:    producerID,
		Kind:          kind,
	})
	msg.RoomID = roomID
	return msg
}

// Run drives the coordinator until ctx ends: resource manager events, bus
// deliveries, the liveness reaper and heartbeats.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runSFUEvents(ctx) })
	g.Go(func() error { return c.runBus(ctx) })
	g.Go(func() error { return c.runReaper(ctx) })
	if c.cfg.HeartbeatInterval > 0 {
		g.Go(func() error { return c.runHeartbeats(ctx) })
	}
	err := g.Wait()
	c.dispatch.Wait()
	return err
}

func (c *Coordinator) runSFUEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.sfu.Done():
			return nil
		case ev := <-c.sfu.Events():
			c.handleSFUEvent(ev)
		}
	}
}

func (c *Coordinator) handleSFUEvent(ev sfu.Event) {
	roomID := ev.RoomID
	switch ev.Type {
	case sfu.EventNewProducer:
		c.dispatch.Go(roomID, func() {
			c.deliverLocal(roomID, newProducerMessage(roomID, ev.ParticipantID, ev.ProducerID, ev.Kind), ev.ParticipantID)
		})
		c.sink.Emit(events.Event{Type: events.NewProducer, RoomID: roomID, ParticipantID: ev.ParticipantID, ProducerID: ev.ProducerID, Kind: ev.Kind})

	case sfu.EventProducerClosed:
		c.dispatch.Go(roomID, func() {
			msg := protocol.MustMessage(protocol.TypeProducerClosed, protocol.ProducerClosedPayload{
				ParticipantID: ev.ParticipantID,
				ProducerID:    ev.ProducerID,
			})
			msg.RoomID = roomID
			c.deliverLocal(roomID, msg, ev.ParticipantID)
		})
		c.sink.Emit(events.Event{Type: events.ProducerClosed, RoomID: roomID, ParticipantID: ev.ParticipantID, ProducerID: ev.ProducerID, Kind: ev.Kind})

	case sfu.EventConsumerClosed:
		if ev.ParticipantID == "" {
			return
		}
		c.dispatch.Go(roomID, func() {
			if s := c.registry.Get(roomID, ev.ParticipantID); s != nil {
				msg := protocol.MustMessage(protocol.TypeConsumerClosed, protocol.ConsumerClosedPayload{
					ConsumerID: ev.ConsumerID,
					ProducerID: ev.ProducerID,
				})
				msg.RoomID = roomID
				c.send(s, msg)
			}
		})

	case sfu.EventRoomClosed:
		c.sink.Emit(events.Event{Type: events.RoomClosed, RoomID: roomID})

	case sfu.EventRouterFailed:
		c.dispatch.Go(roomID, func() { c.failRoom(roomID, ev.ParticipantIDs) })
		c.sink.Emit(events.Event{Type: events.RoomFailed, RoomID: roomID, Reason: protocol.CodeClassUnavailable})
	}
}

// failRoom tells the participants of a lost routing context that the class
// is unavailable and removes them; they must join again.
func (c *Coordinator) failRoom(roomID string, participantIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	msg := protocol.MustMessage(protocol.TypeRoomFailed, protocol.RoomFailedPayload{RoomID: roomID, Reason: "worker lost"})
	msg.RoomID = roomID
	msg.Error = &protocol.ErrorPayload{Code: protocol.CodeClassUnavailable, Message: "class unavailable", Retryable: true}
	for _, pid := range participantIDs {
		s := c.registry.Get(roomID, pid)
		if s == nil {
			continue
		}
		c.send(s, msg)
		c.leave(ctx, s, "room failed")
	}
	c.log.Warn("SESSION", "Room lost with its worker", map[string]interface{}{
		"roomId":       roomID,
		"participants": len(participantIDs),
	})
}

func (c *Coordinator) runBus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, open := <-c.bus.Messages():
			if !open {
				return nil
			}
			c.dispatch.Go(env.RoomID, func() { c.deliverEnvelope(env) })
		}
	}
}

// deliverEnvelope applies an event relayed from another instance.
func (c *Coordinator) deliverEnvelope(env bus.Envelope) {
	switch {
	case env.Message.Type == protocol.TypeClassEnded:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		c.endClassLocal(ctx, env.RoomID, env.Message)
	case env.TargetID != "":
		if s := c.registry.Get(env.RoomID, env.TargetID); s != nil {
			c.send(s, env.Message)
		}
	default:
		c.deliverLocal(env.RoomID, env.Message, env.ExcludeID)
	}
}

func (c *Coordinator) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.reap(now)
		}
	}
}

// reap disconnects sessions silent for longer than the liveness timeout.
func (c *Coordinator) reap(now time.Time) {
	for _, s := range c.Sessions() {
		idle := now.Sub(s.LastSeen())
		if idle <= c.cfg.LivenessTimeout {
			continue
		}
		c.log.Warn("SESSION", "Participant missed liveness probes, treating as departed", map[string]interface{}{
			"participantId": s.ID(),
			"roomId":        s.Room(),
			"idle":          idle.String(),
		})
		_ = s.Close()
		c.Disconnect(s)
	}
}

func (c *Coordinator) runHeartbeats(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.bus.Heartbeat(ctx, c.Metrics()); err != nil {
				c.log.Warn("REDIS", "Failed to publish heartbeat", map[string]interface{}{"error": err.Error()})
				continue
			}
			c.log.Debug("REDIS", "Heartbeat published", nil)
		}
	}
}

// HandleCommand applies an admin command to the local members of its room.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd events.Command) {
	switch cmd.Type {
	case events.CommandEndClass:
		reason := cmd.Reason
		if reason == "" {
			reason = "ended by administrator"
		}
		msg := protocol.MustMessage(protocol.TypeClassEnded, protocol.RoomFailedPayload{RoomID: cmd.RoomID, Reason: reason})
		msg.RoomID = cmd.RoomID
		_ = c.dispatch.Do(ctx, cmd.RoomID, func() { c.endClassLocal(ctx, cmd.RoomID, msg) })

	case events.CommandKick:
		_ = c.dispatch.Do(ctx, cmd.RoomID, func() {
			s := c.registry.Get(cmd.RoomID, cmd.ParticipantID)
			if s == nil {
				return
			}
			msg := protocol.MustMessage(protocol.TypeKicked, protocol.RoomFailedPayload{RoomID: cmd.RoomID, Reason: cmd.Reason})
			msg.RoomID = cmd.RoomID
			c.send(s, msg)
			c.leave(ctx, s, "kicked")
			_ = s.Close()
		})

	default:
		c.log.Warn("KAFKA", "Unhandled admin command type", map[string]interface{}{
			"type":   cmd.Type,
			"roomId": cmd.RoomID,
		})
	}
}

// Metrics reports the load of this instance.
func (c *Coordinator) Metrics() map[string]interface{} {
	st := c.sfu.Stats()
	return map[string]interface{}{
		"rooms":        st.Rooms,
		"participants": st.Participants,
		"transports":   st.Transports,
		"producers":    st.Producers,
		"consumers":    st.Consumers,
		"workers":      st.Workers,
		"sessions":     len(c.Sessions()),
		"localRooms":   len(c.registry.Rooms()),
		"timestamp":    time.Now().Unix(),
	}
}

// Shutdown removes every local member from its room, so the shared roster
// does not keep members of a stopped instance.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, s := range c.Sessions() {
		msg := protocol.Message{
			Type:  protocol.TypeError,
			Error: &protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "connection failed, retrying", Retryable: true},
		}
		c.send(s, msg)
		c.Disconnect(s)
		_ = s.Close()
		if ctx.Err() != nil {
			return
		}
	}
}
