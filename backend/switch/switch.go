package _switch

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/huddle/backend/identity"
	"github.com/adwski/huddle/backend/metrics"
	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/signaling"
	"github.com/adwski/huddle/backend/storage/memory"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var (
	ErrStopped          = errors.New("switch is stopped")
	ErrAlreadyConnected = errors.New("connection is already registered")
	ErrNotBound         = errors.New("identity is not bound")
)

// MessageSink receives every relayed chat message. Accept must not block.
type MessageSink interface {
	Accept(model.Message) bool
}

type (
	Config struct {
		Logger   *zerolog.Logger
		Verifier identity.Verifier
		Sink     MessageSink
	}

	Stats struct {
		Connections int `json:"connections"`
		Users       int `json:"users"`
		Rooms       int `json:"rooms"`
		Calls       int `json:"calls"`
	}

	// Switch is the single event loop of the signaling server. It owns the
	// room registry, the call sessions and the outbound side of every wire;
	// all of them are touched only from Run, one handler at a time.
	Switch struct {
		logger   zerolog.Logger
		verifier identity.Verifier
		sink     MessageSink
		inbox    chan func()
		done     chan struct{}
		now      func() time.Time

		registry *memory.Registry
		calls    *signaling.Machine
		wires    map[model.ConnID]model.Wire
	}
)

func NewSwitch(cfg Config) *Switch {
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = identity.Trusting{}
	}
	registry := memory.NewRegistry()
	return &Switch{
		logger:   cfg.Logger.With().Str("component", "switch").Logger(),
		verifier: verifier,
		sink:     cfg.Sink,
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		now:      time.Now,
		registry: registry,
		calls:    signaling.NewMachine(registry),
		wires:    make(map[model.ConnID]model.Wire),
	}
}

// Run processes handlers until ctx is done. Every live wire's TX side is
// closed on exit.
func (sw *Switch) Run(ctx context.Context) {
	defer func() {
		for connID, wire := range sw.wires {
			close(wire.TX)
			delete(sw.wires, connID)
		}
		close(sw.done)
		sw.logger.Debug().Msg("switch stopped")
	}()
	sw.logger.Debug().Msg("switch started")

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-sw.inbox:
			fn()
		}
	}
}

// submit hands fn to the loop without waiting for it to run.
func (sw *Switch) submit(ctx context.Context, fn func()) error {
	select {
	case sw.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sw.done:
		return ErrStopped
	}
}

// do runs fn inside the loop and waits for it to complete.
func (sw *Switch) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := sw.submit(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sw.done:
		return ErrStopped
	}
}

// Connect registers the wire of a new transport session and starts reading
// its inbound events. ctx bounds the lifetime of the reader.
func (sw *Switch) Connect(ctx context.Context, connID model.ConnID, wire model.Wire) error {
	var err error
	if doErr := sw.do(ctx, func() {
		if _, ok := sw.wires[connID]; ok {
			err = ErrAlreadyConnected
			return
		}
		sw.wires[connID] = wire
		metrics.Connections.Inc()
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	sw.logger.Debug().Str("connID", string(connID)).Msg("endpoint connected")
	go sw.forwardEvents(ctx, connID, wire.RX)
	return nil
}

// Disconnect tears the connection down: it leaves every room, ends its calls
// and closes its TX side. When Disconnect returns no relay targets the
// connection any more.
func (sw *Switch) Disconnect(ctx context.Context, connID model.ConnID) error {
	err := sw.do(ctx, func() {
		sw.disconnect(connID)
	})
	if err == nil {
		sw.logger.Debug().Str("connID", string(connID)).Msg("endpoint disconnected")
	}
	return err
}

// forwardEvents moves inbound events of one connection into the loop in the
// order they were received. Identity verification happens here so the loop
// never waits on the identity provider.
func (sw *Switch) forwardEvents(ctx context.Context, connID model.ConnID, rx <-chan model.Incoming) {
	logger := sw.logger.With().Str("connID", string(connID)).Logger()
fwdLoop:
	for {
		var in model.Incoming
		select {
		case <-ctx.Done():
			break fwdLoop
		case in = <-rx:
		}

		var fn func()
		switch ev := in.Event.(type) {
		case nil:
			err := in.Err
			if err == nil {
				err = model.ErrMalformed
			}
			fn = func() { sw.reject(connID, "", err) }
		case model.BindIdentity:
			id, err := sw.verifier.Verify(ctx, ev)
			if err != nil {
				logger.Warn().Err(err).Str("userID", ev.UserID).Msg("identity rejected")
				fn = func() { sw.reject(connID, ev.EventName(), errors.Join(errIdentityRejected, err)) }
			} else {
				fn = func() { sw.bind(connID, id) }
			}
		default:
			fn = func() { sw.handle(connID, ev) }
		}
		if err := sw.submit(ctx, fn); err != nil {
			break fwdLoop
		}
	}
	logger.Trace().Msg("event forwarding stopped")
}

// Stats reports current registry and call counters.
func (sw *Switch) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := sw.do(ctx, func() {
		st = Stats{
			Connections: len(sw.wires),
			Users:       sw.registry.Users(),
			Rooms:       sw.registry.Rooms(),
			Calls:       sw.calls.Len(),
		}
	})
	return st, err
}

// Room returns a snapshot of the room's members.
func (sw *Switch) Room(ctx context.Context, roomID string) (model.Room, bool, error) {
	var (
		room model.Room
		ok   bool
	)
	err := sw.do(ctx, func() {
		room, ok = sw.registry.Snapshot(roomID)
	})
	return room, ok, err
}

// Call returns the live call session of the room.
func (sw *Switch) Call(ctx context.Context, roomID string) (signaling.Session, bool, error) {
	var (
		s  signaling.Session
		ok bool
	)
	err := sw.do(ctx, func() {
		s, ok = sw.calls.Session(roomID)
	})
	return s, ok, err
}

func (sw *Switch) handle(connID model.ConnID, ev model.Inbound) {
	if _, ok := sw.wires[connID]; !ok {
		return
	}
	id, bound := sw.registry.Identity(connID)
	if !bound {
		sw.reject(connID, ev.EventName(), ErrNotBound)
		return
	}

	switch e := ev.(type) {
	case model.JoinRoom:
		sw.join(connID, id, e.RoomID)
	case model.LeaveRoom:
		sw.leave(connID, id, e.RoomID)
	case model.SendMessage:
		sw.sendMessage(connID, id, e)
	case model.Signal:
		sw.relay(e.RoomID, connID, model.SignalDelivery{From: id.UserID, RoomID: e.RoomID, Data: e.Data})
	case model.InviteCall:
		out, err := sw.calls.Invite(id, connID, e)
		sw.applyCall(connID, ev, out, err)
	case model.CallResponse:
		out, err := sw.calls.Respond(id, connID, e)
		sw.applyCall(connID, ev, out, err)
	case model.CancelCall:
		out, err := sw.calls.Cancel(id, e.RoomID)
		sw.applyCall(connID, ev, out, err)
	case model.HangupCall:
		out, err := sw.calls.Hangup(id, e.RoomID)
		sw.applyCall(connID, ev, out, err)
	case model.CallConnected:
		out, err := sw.calls.Connected(id, e.RoomID)
		sw.applyCall(connID, ev, out, err)
	case model.BindIdentity:
		// verified in forwardEvents and bound through bind
	default:
		sw.reject(connID, ev.EventName(), model.ErrUnknownEvent)
	}
}

func (sw *Switch) bind(connID model.ConnID, id model.Identity) {
	if _, ok := sw.wires[connID]; !ok {
		return
	}
	prev, rebound := sw.registry.Bind(connID, id)
	logger := sw.logger.With().
		Str("connID", string(connID)).
		Str("userID", id.UserID).
		Logger()
	if rebound {
		logger.Warn().Str("previousUserID", prev.UserID).Msg("identity rebound on connection")
		if prev.UserID != id.UserID {
			// the previous user is gone from this connection
			for _, out := range sw.calls.Disconnect(connID, prev.UserID) {
				sw.execute(out)
			}
		}
		return
	}
	logger.Debug().Msg("identity bound")
}

func (sw *Switch) join(connID model.ConnID, id model.Identity, roomID string) {
	if !sw.registry.Join(roomID, connID) {
		return
	}
	metrics.Rooms.Set(float64(sw.registry.Rooms()))
	sw.logger.Debug().
		Str("connID", string(connID)).
		Str("userID", id.UserID).
		Str("roomID", roomID).
		Msg("joined room")
	sw.relay(roomID, connID, model.UserConnected{UserID: id.UserID, RoomID: roomID})
}

func (sw *Switch) leave(connID model.ConnID, id model.Identity, roomID string) {
	if !sw.registry.Leave(roomID, connID) {
		return
	}
	metrics.Rooms.Set(float64(sw.registry.Rooms()))
	sw.logger.Debug().
		Str("connID", string(connID)).
		Str("userID", id.UserID).
		Str("roomID", roomID).
		Msg("left room")
	sw.relay(roomID, connID, model.UserDisconnected{UserID: id.UserID, RoomID: roomID})
}

func (sw *Switch) disconnect(connID model.ConnID) {
	wire, ok := sw.wires[connID]
	if !ok {
		return
	}
	id, bound := sw.registry.Identity(connID)
	rooms := sw.registry.LeaveAll(connID)
	delete(sw.wires, connID)
	close(wire.TX)
	metrics.Connections.Dec()
	metrics.Rooms.Set(float64(sw.registry.Rooms()))

	if !bound {
		return
	}
	for _, roomID := range rooms {
		sw.relay(roomID, connID, model.UserDisconnected{UserID: id.UserID, RoomID: roomID})
	}
	for _, out := range sw.calls.Disconnect(connID, id.UserID) {
		sw.execute(out)
	}
}

func (sw *Switch) sendMessage(connID model.ConnID, id model.Identity, e model.SendMessage) {
	now := sw.now().UTC()
	// message ids sort by arrival time
	msg := model.Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		RoomID:    e.RoomID,
		SenderID:  id.UserID,
		Content:   e.Message.Content,
		Type:      e.Message.Type.OrDefault(),
		Timestamp: now,
	}
	sw.relay(e.RoomID, connID, msg)
	if sw.sink != nil && !sw.sink.Accept(msg) {
		sw.logger.Warn().Str("roomID", e.RoomID).Str("messageID", msg.ID).Msg("message sink is full, message not archived")
	}
}

// relay delivers ev to every member of the room except the sender. A room
// without members is not an error: it may just have emptied.
func (sw *Switch) relay(roomID string, sender model.ConnID, ev model.Outbound) int {
	var sent int
	for _, connID := range sw.registry.Members(roomID) {
		if connID == sender {
			continue
		}
		if sw.deliver(connID, ev) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Trace().
			Str("roomID", roomID).
			Str("event", ev.EventName()).
			Msg("relay did not reach anyone")
	}
	return sent
}

// deliver queues ev on the connection's TX side without blocking the loop.
func (sw *Switch) deliver(connID model.ConnID, ev model.Outbound) bool {
	wire, ok := sw.wires[connID]
	if !ok {
		return false
	}
	select {
	case wire.TX <- ev:
		metrics.RelayedEvents.WithLabelValues(ev.EventName()).Inc()
		return true
	default:
		metrics.DroppedEvents.WithLabelValues(ev.EventName()).Inc()
		sw.logger.Warn().
			Str("connID", string(connID)).
			Str("event", ev.EventName()).
			Msg("outbound buffer is full, event dropped")
		return false
	}
}

func (sw *Switch) applyCall(connID model.ConnID, ev model.Inbound, out signaling.Outcome, err error) {
	if err != nil {
		sw.reject(connID, ev.EventName(), err)
		return
	}
	if out.Ignored {
		sw.logger.Debug().
			Str("connID", string(connID)).
			Str("event", ev.EventName()).
			Str("roomID", out.Session.RoomID).
			Msg("call event ignored")
		return
	}
	sw.execute(out)
}

func (sw *Switch) execute(out signaling.Outcome) {
	for _, d := range out.Deliveries {
		sw.deliver(d.To, d.Event)
	}
	for _, connID := range out.Joins {
		if id, ok := sw.registry.Identity(connID); ok {
			sw.join(connID, id, out.Session.RoomID)
		}
	}
	s := out.Session
	if s.State.Terminal() {
		metrics.CallsEnded.WithLabelValues(string(s.EndReason)).Inc()
	}
	sw.logger.Debug().
		Str("roomID", s.RoomID).
		Str("callerID", s.CallerID).
		Str("calleeID", s.CalleeID).
		Stringer("state", s.State).
		Str("reason", string(s.EndReason)).
		Msg("call state changed")
}

var errIdentityRejected = errors.New("identity rejected")

func (sw *Switch) reject(connID model.ConnID, event string, err error) {
	code := errorCode(err)
	metrics.RejectedEvents.WithLabelValues(code).Inc()
	sw.logger.Debug().
		Err(err).
		Str("connID", string(connID)).
		Str("event", event).
		Str("code", code).
		Msg("event rejected")
	sw.deliver(connID, model.ErrorNotice{Code: code, Message: err.Error(), Event: event})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrUnknownEvent):
		return model.CodeUnknownEvent
	case errors.Is(err, model.ErrMalformed):
		return model.CodeMalformed
	case errors.Is(err, ErrNotBound):
		return model.CodeNotBound
	case errors.Is(err, errIdentityRejected):
		return model.CodeIdentityRejected
	case errors.Is(err, signaling.ErrSelfCall):
		return model.CodeSelfCall
	case errors.Is(err, signaling.ErrCallExists):
		return model.CodeCallExists
	case errors.Is(err, signaling.ErrCallNotFound):
		return model.CodeCallNotFound
	case errors.Is(err, signaling.ErrNotParticipant):
		return model.CodeNotParticipant
	case errors.Is(err, signaling.ErrIllegalTransition):
		return model.CodeIllegalTransition
	default:
		return model.CodeInternal
	}
}
