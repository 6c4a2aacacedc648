package client

import (
	"sort"
	"sync"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/signaling"
)

type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Callee {
		return "callee"
	}
	return "caller"
}

// Call is the local view of a call this client takes part in.
type Call struct {
	RoomID   string
	PeerID   string
	PeerName string
	Role     Role
	State    signaling.State
	Reason   model.EndReason
}

// CallTracker follows the calls of one client through the same transition
// table the server uses. Calls are forgotten once they reach a terminal state.
type CallTracker struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func NewCallTracker() *CallTracker {
	return &CallTracker{calls: make(map[string]*Call)}
}

func (t *CallTracker) Get(roomID string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[roomID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

func (t *CallTracker) List() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Dial records an outgoing invitation.
func (t *CallTracker) Dial(roomID, calleeID string) (Call, error) {
	return t.open(&Call{RoomID: roomID, PeerID: calleeID, Role: Caller})
}

// Ring records an incoming invitation.
func (t *CallTracker) Ring(n model.CallNotification) (Call, error) {
	return t.open(&Call{RoomID: n.RoomID, PeerID: n.From, PeerName: n.CallerName, Role: Callee})
}

func (t *CallTracker) open(c *Call) (Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[c.RoomID]; ok {
		return Call{}, signaling.ErrCallExists
	}
	to, _, err := signaling.Next(signaling.Idle, signaling.Invite)
	if err != nil {
		return Call{}, err
	}
	c.State = to
	t.calls[c.RoomID] = c
	return *c, nil
}

// Fire moves the call along. The returned call carries the new state; a
// terminal call is no longer tracked.
func (t *CallTracker) Fire(roomID string, trig signaling.Trigger, reason model.EndReason) (Call, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[roomID]
	if !ok {
		return Call{}, false, signaling.ErrCallNotFound
	}
	to, ignored, err := signaling.Next(c.State, trig)
	if err != nil {
		return *c, false, err
	}
	c.State = to
	if to.Terminal() {
		c.Reason = reason
		delete(t.calls, roomID)
	}
	return *c, ignored, nil
}

// Apply feeds a server call event into the tracker. ok is false for events
// that are not about a tracked call.
func (t *CallTracker) Apply(ev model.Outbound) (Call, bool, error) {
	var (
		roomID string
		trig   signaling.Trigger
		reason model.EndReason
	)
	switch e := ev.(type) {
	case model.CallAccepted:
		roomID, trig = e.RoomID, signaling.Accept
	case model.CallRejected:
		roomID, trig, reason = e.RoomID, signaling.Reject, model.ReasonRejected
	case model.CallUnreachable:
		roomID, trig, reason = e.RoomID, signaling.Unreachable, model.ReasonUnreachable
	case model.CallEnded:
		roomID, reason = e.RoomID, e.Reason
		trig = endTrigger(e.Reason)
	default:
		return Call{}, false, nil
	}
	if _, ok := t.Get(roomID); !ok {
		return Call{}, false, nil
	}
	c, _, err := t.Fire(roomID, trig, reason)
	return c, err == nil, err
}

func endTrigger(reason model.EndReason) signaling.Trigger {
	switch reason {
	case model.ReasonCancelled, model.ReasonAnsweredElsewhere:
		return signaling.Cancel
	case model.ReasonDisconnected:
		return signaling.Disconnect
	case model.ReasonRejected:
		return signaling.Reject
	default:
		return signaling.Hangup
	}
}

// Drop ends every call after the signaling connection was lost.
func (t *CallTracker) Drop() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for roomID, c := range t.calls {
		if to, _, err := signaling.Next(c.State, signaling.Disconnect); err == nil {
			c.State = to
		} else {
			c.State = signaling.Ended
		}
		c.Reason = model.ReasonDisconnected
		out = append(out, *c)
		delete(t.calls, roomID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
