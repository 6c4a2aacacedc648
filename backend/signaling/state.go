package signaling

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Invited
	Accepted
	Rejected
	Active
	Ended
)

var stateNames = [...]string{
	Idle:     "idle",
	Invited:  "invited",
	Accepted: "accepted",
	Rejected: "rejected",
	Active:   "active",
	Ended:    "ended",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition leaves the state.
func (s State) Terminal() bool {
	return s == Rejected || s == Ended
}

type Trigger int

const (
	Invite Trigger = iota
	Accept
	Reject
	Connect
	Cancel
	Hangup
	Disconnect
	Unreachable
)

var triggerNames = [...]string{
	Invite:      "invite",
	Accept:      "accept",
	Reject:      "reject",
	Connect:     "connect",
	Cancel:      "cancel",
	Hangup:      "hangup",
	Disconnect:  "disconnect",
	Unreachable: "unreachable",
}

func (t Trigger) String() string {
	if t < 0 || int(t) >= len(triggerNames) {
		return fmt.Sprintf("trigger(%d)", int(t))
	}
	return triggerNames[t]
}

var (
	ErrIllegalTransition = errors.New("illegal call state transition")
)

type transition struct {
	to State
	// ignored marks a trigger that is accepted in the state but has no effect.
	ignored bool
}

// transitions is the complete table of legal moves. Anything absent is illegal.
// A cancel that arrives once the callee has accepted is a recorded no-op.
var transitions = map[State]map[Trigger]transition{
	Idle: {
		Invite: {to: Invited},
	},
	Invited: {
		Accept:      {to: Accepted},
		Reject:      {to: Rejected},
		Cancel:      {to: Ended},
		Hangup:      {to: Ended},
		Disconnect:  {to: Ended},
		Unreachable: {to: Ended},
	},
	Accepted: {
		Connect:    {to: Active},
		Cancel:     {to: Accepted, ignored: true},
		Hangup:     {to: Ended},
		Disconnect: {to: Ended},
	},
	Active: {
		Connect:    {to: Active, ignored: true},
		Cancel:     {to: Active, ignored: true},
		Hangup:     {to: Ended},
		Disconnect: {to: Ended},
	},
}

// Next looks the trigger up in the transition table.
func Next(from State, t Trigger) (to State, ignored bool, err error) {
	tr, ok := transitions[from][t]
	if !ok {
		return from, false, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, from)
	}
	return tr.to, tr.ignored, nil
}
