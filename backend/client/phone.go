package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/huddle/backend/media"
	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrPhoneStopped = errors.New("phone is stopped")
)

// Signaler is the part of Client the phone drives.
type Signaler interface {
	UserID() string
	Events() <-chan Event
	Invite(toUserID, roomID string) error
	Respond(callerID, roomID string, accepted bool) error
	Cancel(roomID string) error
	Hangup(roomID string) error
	CallConnected(roomID string) error
	Signal(roomID string, data any) error
}

type PhoneConfig struct {
	Signaler Signaler
	Peers    PeerFactory
	// Media is optional; without it calls only receive.
	Media  *media.Controller
	Logger *zerolog.Logger

	// OnIncoming decides on a ringing call. It runs on the phone loop and
	// must not block. A nil OnIncoming rejects every call.
	OnIncoming func(Call) bool
	// OnChange reports every state change of a call, terminal ones included.
	OnChange func(Call)
	// OnTrack hands over remote media. It is called from a pion goroutine.
	OnTrack func(roomID string, track *webrtc.TrackRemote)
	// OnMessage receives every server event the phone does not consume.
	OnMessage func(model.Outbound)
}

type session struct {
	peer      Peer
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// Phone turns call signaling into peer connections. All state is owned by
// the Run loop; pion callbacks are funneled back into it.
type Phone struct {
	cfg     PhoneConfig
	sig     Signaler
	tracker *CallTracker
	logger  zerolog.Logger

	inbox    chan func()
	done     chan struct{}
	sessions map[string]*session
}

func NewPhone(cfg PhoneConfig) *Phone {
	return &Phone{
		cfg:      cfg,
		sig:      cfg.Signaler,
		tracker:  NewCallTracker(),
		logger:   cfg.Logger.With().Str("component", "phone").Logger(),
		inbox:    make(chan func(), 16),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
	}
}

// Run processes signaling events until ctx is done or the event stream ends.
func (p *Phone) Run(ctx context.Context) {
	defer func() {
		p.dropAll()
		close(p.done)
	}()
	events := p.sig.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ev)
		}
	}
}

func (p *Phone) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case p.inbox <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPhoneStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPhoneStopped
	}
}

// post queues fn from a pion goroutine. It is dropped once the phone stopped.
func (p *Phone) post(fn func()) {
	select {
	case p.inbox <- fn:
	case <-p.done:
	}
}

// Call invites the user into a new call room and returns the room id.
func (p *Phone) Call(ctx context.Context, calleeID string) (string, error) {
	roomID := model.NewCallRoomID()
	var err error
	if doErr := p.do(ctx, func() {
		var c Call
		if c, err = p.tracker.Dial(roomID, calleeID); err != nil {
			return
		}
		if err = p.sig.Invite(calleeID, roomID); err != nil {
			_, _, _ = p.tracker.Fire(roomID, signaling.Cancel, model.ReasonCancelled)
			return
		}
		p.changed(c)
	}); doErr != nil {
		return "", doErr
	}
	return roomID, err
}

// Hangup leaves the call: a ringing outgoing call is cancelled, anything
// else is hung up.
func (p *Phone) Hangup(ctx context.Context, roomID string) error {
	var err error
	if doErr := p.do(ctx, func() {
		c, ok := p.tracker.Get(roomID)
		if !ok {
			err = signaling.ErrCallNotFound
			return
		}
		if c.Role == Caller && c.State == signaling.Invited {
			c, _, err = p.tracker.Fire(roomID, signaling.Cancel, model.ReasonCancelled)
			if err == nil {
				err = p.sig.Cancel(roomID)
			}
		} else {
			c, _, err = p.tracker.Fire(roomID, signaling.Hangup, model.ReasonHangup)
			if err == nil {
				err = p.sig.Hangup(roomID)
			}
		}
		p.teardown(roomID)
		p.changed(c)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (p *Phone) Calls(ctx context.Context) ([]Call, error) {
	var calls []Call
	err := p.do(ctx, func() { calls = p.tracker.List() })
	return calls, err
}

func (p *Phone) handle(ev Event) {
	if ev.Server == nil {
		if ev.State == Disconnected {
			p.dropAll()
		}
		return
	}
	switch e := ev.Server.(type) {
	case model.CallNotification:
		p.ring(e)
	case model.CallAccepted:
		if c, ok := p.apply(e); ok && c.Role == Caller {
			p.startCall(c, true)
		}
	case model.CallRejected, model.CallUnreachable, model.CallEnded:
		if c, ok := p.apply(e); ok && c.State.Terminal() {
			p.teardown(c.RoomID)
		}
	case model.SignalDelivery:
		p.signal(e)
	default:
		if p.cfg.OnMessage != nil {
			p.cfg.OnMessage(e)
		}
	}
}

func (p *Phone) apply(ev model.Outbound) (Call, bool) {
	c, ok, err := p.tracker.Apply(ev)
	if err != nil {
		p.logger.Warn().Err(err).Str("event", ev.EventName()).Msg("call event does not fit the call state")
		return c, false
	}
	if ok {
		p.changed(c)
	}
	return c, ok
}

func (p *Phone) ring(n model.CallNotification) {
	c, err := p.tracker.Ring(n)
	if err != nil {
		p.logger.Warn().Err(err).Str("roomID", n.RoomID).Msg("duplicate invitation")
		return
	}
	p.changed(c)

	accept := p.cfg.OnIncoming != nil && p.cfg.OnIncoming(c)
	if !accept {
		if c, _, err = p.tracker.Fire(c.RoomID, signaling.Reject, model.ReasonRejected); err == nil {
			p.changed(c)
		}
		p.report(p.sig.Respond(c.PeerID, c.RoomID, false), "reject")
		return
	}
	if c, _, err = p.tracker.Fire(c.RoomID, signaling.Accept, ""); err != nil {
		return
	}
	p.changed(c)
	p.report(p.sig.Respond(c.PeerID, c.RoomID, true), "accept")
	p.startCall(c, false)
}

// startCall builds the peer connection. The caller makes the offer; the
// callee waits for it.
func (p *Phone) startCall(c Call, offer bool) {
	var local LocalTracks
	if p.cfg.Media != nil {
		if t := p.cfg.Media.AudioTrack(); t != nil {
			local.Audio = t
		}
		if t := p.cfg.Media.VideoTrack(); t != nil {
			local.Video = t
		}
	}
	roomID := c.RoomID
	peer, err := p.cfg.Peers.NewPeer(local, PeerEvents{
		OnCandidate: func(ci webrtc.ICECandidateInit) {
			p.post(func() {
				if _, ok := p.sessions[roomID]; ok {
					p.report(p.sig.Signal(roomID, SignalData{Type: SignalCandidate, Candidate: &ci}), "send candidate")
				}
			})
		},
		OnConnected: func() { p.post(func() { p.connected(roomID) }) },
		OnFailed: func() {
			p.post(func() {
				if _, ok := p.sessions[roomID]; ok {
					p.logger.Warn().Str("roomID", roomID).Msg("peer connection failed, hanging up")
					p.hangupLocal(roomID)
				}
			})
		},
		OnTrack: func(tr *webrtc.TrackRemote) {
			if p.cfg.OnTrack != nil {
				p.cfg.OnTrack(roomID, tr)
			}
		},
	})
	if err != nil {
		p.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to create peer connection")
		p.hangupLocal(roomID)
		return
	}
	p.sessions[roomID] = &session{peer: peer}
	if p.cfg.Media != nil {
		p.cfg.Media.Attach(peer.AudioSender(), peer.VideoSender())
	}

	if !offer {
		return
	}
	sdp, err := peer.Offer()
	if err != nil {
		p.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to create offer")
		p.hangupLocal(roomID)
		return
	}
	p.report(p.sig.Signal(roomID, SignalData{Type: SignalOffer, SDP: sdp.SDP}), "send offer")
}

func (p *Phone) signal(d model.SignalDelivery) {
	s, ok := p.sessions[d.RoomID]
	if !ok {
		p.logger.Debug().Str("roomID", d.RoomID).Msg("signal for unknown session")
		return
	}
	var data SignalData
	if err := json.Unmarshal(d.Data, &data); err != nil {
		p.logger.Warn().Err(err).Str("roomID", d.RoomID).Msg("malformed signal data")
		return
	}

	var err error
	switch data.Type {
	case SignalOffer:
		var answer webrtc.SessionDescription
		answer, err = s.peer.Answer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: data.SDP})
		if err == nil {
			s.remoteSet = true
			err = p.sig.Signal(d.RoomID, SignalData{Type: SignalAnswer, SDP: answer.SDP})
		}
	case SignalAnswer:
		if err = s.peer.SetAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: data.SDP}); err == nil {
			s.remoteSet = true
		}
	case SignalCandidate:
		if data.Candidate == nil {
			return
		}
		if !s.remoteSet {
			s.pending = append(s.pending, *data.Candidate)
			return
		}
		err = s.peer.AddICECandidate(*data.Candidate)
	default:
		err = fmt.Errorf("unknown signal type %q", data.Type)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("roomID", d.RoomID).Str("type", data.Type).Msg("failed to apply signal")
		return
	}
	if s.remoteSet && len(s.pending) > 0 {
		for _, ci := range s.pending {
			p.report(s.peer.AddICECandidate(ci), "add candidate")
		}
		s.pending = nil
	}
}

func (p *Phone) connected(roomID string) {
	if _, ok := p.sessions[roomID]; !ok {
		return
	}
	c, ignored, err := p.tracker.Fire(roomID, signaling.Connect, "")
	if err != nil || ignored {
		return
	}
	p.changed(c)
	p.report(p.sig.CallConnected(roomID), "report connected")
}

func (p *Phone) hangupLocal(roomID string) {
	c, _, err := p.tracker.Fire(roomID, signaling.Hangup, model.ReasonHangup)
	if err == nil {
		p.report(p.sig.Hangup(roomID), "hangup")
		p.changed(c)
	}
	p.teardown(roomID)
}

func (p *Phone) teardown(roomID string) {
	s, ok := p.sessions[roomID]
	if !ok {
		return
	}
	delete(p.sessions, roomID)
	if p.cfg.Media != nil {
		p.cfg.Media.Detach()
	}
	if err := s.peer.Close(); err != nil {
		p.logger.Debug().Err(err).Str("roomID", roomID).Msg("failed to close peer connection")
	}
}

func (p *Phone) dropAll() {
	for _, c := range p.tracker.Drop() {
		p.teardown(c.RoomID)
		p.changed(c)
	}
}

func (p *Phone) changed(c Call) {
	p.logger.Debug().
		Str("roomID", c.RoomID).
		Str("peerID", c.PeerID).
		Stringer("role", c.Role).
		Stringer("state", c.State).
		Str("reason", string(c.Reason)).
		Msg("call state changed")
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(c)
	}
}

func (p *Phone) report(err error, what string) {
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to " + what)
	}
}
