package signaling

import (
	"errors"
	"slices"
	"time"

	"github.com/adwski/huddle/backend/model"
)

var (
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrCallExists     = errors.New("call already exists for this room")
	ErrCallNotFound   = errors.New("call not found")
	ErrNotParticipant = errors.New("user is not a participant of this call")
)

// Session is one call attempt between a caller and a callee. CalleeConn is
// set once the callee accepts from one of its connections.
type Session struct {
	RoomID     string
	CallerID   string
	CallerName string
	CalleeID   string
	CallerConn model.ConnID
	CalleeConn model.ConnID
	State      State
	EndReason  model.EndReason
	CreatedAt  time.Time
}

// Fire applies the trigger to the session state.
func (s *Session) Fire(t Trigger) (bool, error) {
	to, ignored, err := Next(s.State, t)
	if err != nil {
		return false, err
	}
	s.State = to
	return ignored, nil
}

func (s *Session) end(t Trigger, reason model.EndReason) error {
	if _, err := s.Fire(t); err != nil {
		return err
	}
	s.EndReason = reason
	return nil
}

// Directory resolves a user to its live connections.
type Directory interface {
	Connections(userID string) []model.ConnID
}

type Delivery struct {
	To    model.ConnID
	Event model.Outbound
}

// Outcome is what the caller of a Machine operation has to carry out:
// deliver each event exactly once and join the listed connections to the
// session room.
type Outcome struct {
	Session    Session
	Deliveries []Delivery
	Joins      []model.ConnID
	Ignored    bool
}

func (o *Outcome) deliver(ev model.Outbound, to ...model.ConnID) {
	for _, c := range to {
		o.Deliveries = append(o.Deliveries, Delivery{To: c, Event: ev})
	}
}

// Machine tracks live call sessions keyed by room id. Sessions are dropped as
// soon as they reach a terminal state. Machine is not safe for concurrent use.
type Machine struct {
	dir      Directory
	now      func() time.Time
	sessions map[string]*Session
}

func NewMachine(dir Directory) *Machine {
	return &Machine{
		dir:      dir,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Session returns a copy of the live session for the room.
func (m *Machine) Session(roomID string) (Session, bool) {
	s, ok := m.sessions[roomID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (m *Machine) Len() int {
	return len(m.sessions)
}

// Invite registers a new session and rings every live connection of the
// callee. A callee without connections ends the session at once and the
// caller is told it is unreachable.
func (m *Machine) Invite(caller model.Identity, callerConn model.ConnID, inv model.InviteCall) (Outcome, error) {
	if inv.ToUserID == caller.UserID {
		return Outcome{}, ErrSelfCall
	}
	if _, ok := m.sessions[inv.RoomID]; ok {
		return Outcome{}, ErrCallExists
	}
	name := inv.CallerName
	if name == "" {
		name = caller.Name
	}
	s := &Session{
		RoomID:     inv.RoomID,
		CallerID:   caller.UserID,
		CallerName: name,
		CalleeID:   inv.ToUserID,
		CallerConn: callerConn,
		State:      Idle,
		CreatedAt:  m.now(),
	}
	if _, err := s.Fire(Invite); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	targets := m.dir.Connections(inv.ToUserID)
	if len(targets) == 0 {
		if err := s.end(Unreachable, model.ReasonUnreachable); err != nil {
			return Outcome{}, err
		}
		out.deliver(model.CallUnreachable{To: inv.ToUserID, RoomID: inv.RoomID}, callerConn)
		out.Session = *s
		return out, nil
	}

	m.sessions[s.RoomID] = s
	out.deliver(model.CallNotification{
		From:       caller.UserID,
		RoomID:     s.RoomID,
		CallerName: name,
	}, targets...)
	out.Session = *s
	return out, nil
}

// Respond applies the callee's answer given on conn.
func (m *Machine) Respond(callee model.Identity, conn model.ConnID, resp model.CallResponse) (Outcome, error) {
	s, ok := m.sessions[resp.RoomID]
	if !ok {
		return Outcome{}, ErrCallNotFound
	}
	if callee.UserID != s.CalleeID || resp.To != s.CallerID {
		return Outcome{}, ErrNotParticipant
	}

	var out Outcome
	others := without(m.dir.Connections(s.CalleeID), conn)
	if resp.Accepted {
		if _, err := s.Fire(Accept); err != nil {
			return Outcome{}, err
		}
		s.CalleeConn = conn
		out.deliver(model.CallAccepted{From: s.CalleeID, RoomID: s.RoomID}, s.CallerConn)
		out.deliver(model.CallEnded{
			From:   s.CalleeID,
			RoomID: s.RoomID,
			Reason: model.ReasonAnsweredElsewhere,
		}, others...)
		out.Joins = []model.ConnID{s.CallerConn, conn}
		out.Session = *s
		return out, nil
	}

	if _, err := s.Fire(Reject); err != nil {
		return Outcome{}, err
	}
	s.EndReason = model.ReasonRejected
	delete(m.sessions, s.RoomID)
	out.deliver(model.CallRejected{From: s.CalleeID, RoomID: s.RoomID}, s.CallerConn)
	out.deliver(model.CallEnded{From: s.CalleeID, RoomID: s.RoomID, Reason: model.ReasonRejected}, others...)
	out.Session = *s
	return out, nil
}

// Cancel withdraws a pending invitation. A cancel for a session that is
// already gone or already accepted is ignored.
func (m *Machine) Cancel(caller model.Identity, roomID string) (Outcome, error) {
	s, ok := m.sessions[roomID]
	if !ok {
		return Outcome{Ignored: true}, nil
	}
	if caller.UserID != s.CallerID {
		return Outcome{}, ErrNotParticipant
	}
	ignored, err := s.Fire(Cancel)
	if err != nil {
		return Outcome{}, err
	}
	if ignored {
		return Outcome{Session: *s, Ignored: true}, nil
	}
	s.EndReason = model.ReasonCancelled
	delete(m.sessions, roomID)

	var out Outcome
	out.deliver(model.CallEnded{From: s.CallerID, RoomID: roomID, Reason: model.ReasonCancelled},
		m.dir.Connections(s.CalleeID)...)
	out.Session = *s
	return out, nil
}

// Hangup ends the session on behalf of either party.
func (m *Machine) Hangup(user model.Identity, roomID string) (Outcome, error) {
	s, ok := m.sessions[roomID]
	if !ok {
		return Outcome{Ignored: true}, nil
	}
	if user.UserID != s.CallerID && user.UserID != s.CalleeID {
		return Outcome{}, ErrNotParticipant
	}
	if err := s.end(Hangup, model.ReasonHangup); err != nil {
		return Outcome{}, err
	}
	delete(m.sessions, roomID)

	var out Outcome
	out.deliver(model.CallEnded{From: user.UserID, RoomID: roomID, Reason: model.ReasonHangup},
		m.counterparts(s, user.UserID == s.CallerID)...)
	out.Session = *s
	return out, nil
}

// Connected records that the peer connection of the session is established.
func (m *Machine) Connected(user model.Identity, roomID string) (Outcome, error) {
	s, ok := m.sessions[roomID]
	if !ok {
		return Outcome{}, ErrCallNotFound
	}
	if user.UserID != s.CallerID && user.UserID != s.CalleeID {
		return Outcome{}, ErrNotParticipant
	}
	ignored, err := s.Fire(Connect)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Session: *s, Ignored: ignored}, nil
}

// Disconnect ends every session the closed connection took part in. It must
// be called after the connection was removed from the directory, so a callee
// still ringing on another connection keeps the invitation alive.
func (m *Machine) Disconnect(conn model.ConnID, userID string) []Outcome {
	var outcomes []Outcome
	for _, roomID := range m.roomIDs() {
		s := m.sessions[roomID]
		asCaller := s.CallerConn == conn
		asCallee := s.CalleeConn == conn ||
			(s.State == Invited && userID == s.CalleeID && len(m.dir.Connections(s.CalleeID)) == 0)
		if !asCaller && !asCallee {
			continue
		}
		if err := s.end(Disconnect, model.ReasonDisconnected); err != nil {
			continue
		}
		delete(m.sessions, roomID)

		var out Outcome
		from := s.CalleeID
		if asCaller {
			from = s.CallerID
		}
		out.deliver(model.CallEnded{From: from, RoomID: roomID, Reason: model.ReasonDisconnected},
			m.counterparts(s, asCaller)...)
		out.Session = *s
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// counterparts returns the connections of the other party: the caller's
// inviting connection, or the callee's answering connection, or every callee
// connection while the call is still ringing.
func (m *Machine) counterparts(s *Session, fromCaller bool) []model.ConnID {
	if !fromCaller {
		return []model.ConnID{s.CallerConn}
	}
	if s.CalleeConn != "" {
		return []model.ConnID{s.CalleeConn}
	}
	return m.dir.Connections(s.CalleeID)
}

func (m *Machine) roomIDs() []string {
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func without(conns []model.ConnID, conn model.ConnID) []model.ConnID {
	return slices.DeleteFunc(conns, func(c model.ConnID) bool { return c == conn })
}
