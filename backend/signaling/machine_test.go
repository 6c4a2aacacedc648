package signaling

import (
	"errors"
	"slices"
	"testing"

	"github.com/adwski/huddle/backend/model"
	"github.com/davecgh/go-spew/spew"
)

type directory map[string][]model.ConnID

func (d directory) Connections(userID string) []model.ConnID {
	return slices.Clone(d[userID])
}

var (
	alice = model.Identity{UserID: "A", Name: "Alice"}
	bob   = model.Identity{UserID: "B", Name: "Bob"}
	eve   = model.Identity{UserID: "E"}
)

func deliveredTo(out Outcome, conn model.ConnID) []model.Outbound {
	var evs []model.Outbound
	for _, d := range out.Deliveries {
		if d.To == conn {
			evs = append(evs, d.Event)
		}
	}
	return evs
}

func invite(t *testing.T, m *Machine, roomID string) Outcome {
	t.Helper()
	out, err := m.Invite(alice, "a1", model.InviteCall{ToUserID: bob.UserID, RoomID: roomID})
	if err != nil {
		t.Fatalf("Invite() unexpected error: %v", err)
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		to      State
		ignored bool
		illegal bool
	}{
		{from: Idle, trigger: Invite, to: Invited},
		{from: Invited, trigger: Accept, to: Accepted},
		{from: Invited, trigger: Reject, to: Rejected},
		{from: Invited, trigger: Cancel, to: Ended},
		{from: Invited, trigger: Unreachable, to: Ended},
		{from: Accepted, trigger: Connect, to: Active},
		{from: Accepted, trigger: Cancel, to: Accepted, ignored: true},
		{from: Active, trigger: Cancel, to: Active, ignored: true},
		{from: Active, trigger: Hangup, to: Ended},
		{from: Accepted, trigger: Disconnect, to: Ended},
		{from: Idle, trigger: Accept, illegal: true},
		{from: Invited, trigger: Connect, illegal: true},
		{from: Accepted, trigger: Accept, illegal: true},
		{from: Ended, trigger: Accept, illegal: true},
		{from: Rejected, trigger: Hangup, illegal: true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			to, ignored, err := Next(tt.from, tt.trigger)
			if tt.illegal {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("Next() error = %v, want ErrIllegalTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next() unexpected error: %v", err)
			}
			if to != tt.to || ignored != tt.ignored {
				t.Errorf("Next() = (%s, %v), want (%s, %v)", to, ignored, tt.to, tt.ignored)
			}
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []State{Rejected, Ended} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(transitions[s]) != 0 {
			t.Errorf("terminal state %s has transitions %v", s, transitions[s])
		}
	}
}

func TestMachine_InviteUnreachable(t *testing.T) {
	m := NewMachine(directory{})

	out := invite(t, m, "call-1")
	if out.Session.State != Ended || out.Session.EndReason != model.ReasonUnreachable {
		t.Errorf("session = %s/%s, want ended/unreachable", out.Session.State, out.Session.EndReason)
	}
	evs := deliveredTo(out, "a1")
	if len(evs) != 1 {
		t.Fatalf("caller got %s", spew.Sdump(evs))
	}
	if _, ok := evs[0].(model.CallUnreachable); !ok {
		t.Errorf("caller got %T, want CallUnreachable", evs[0])
	}
	if m.Len() != 0 {
		t.Errorf("unreachable invitation left %d sessions", m.Len())
	}
	if _, err := m.Respond(bob, "b1", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true}); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Respond() after unreachable = %v, want ErrCallNotFound", err)
	}
}

func TestMachine_InviteRingsAllCalleeConnections(t *testing.T) {
	m := NewMachine(directory{"B": {"b1", "b2"}})

	out := invite(t, m, "call-1")
	if out.Session.State != Invited {
		t.Fatalf("state = %s, want invited", out.Session.State)
	}
	for _, c := range []model.ConnID{"b1", "b2"} {
		evs := deliveredTo(out, c)
		if len(evs) != 1 {
			t.Fatalf("%s got %s", c, spew.Sdump(evs))
		}
		n, ok := evs[0].(model.CallNotification)
		if !ok || n.From != "A" || n.RoomID != "call-1" || n.CallerName != "Alice" {
			t.Errorf("%s got %#v", c, evs[0])
		}
	}
	if len(deliveredTo(out, "a1")) != 0 {
		t.Error("caller should not be notified of its own invitation")
	}
}

func TestMachine_InviteErrors(t *testing.T) {
	m := NewMachine(directory{"B": {"b1"}, "A": {"a1"}})
	invite(t, m, "call-1")

	if _, err := m.Invite(alice, "a1", model.InviteCall{ToUserID: "A", RoomID: "call-2"}); !errors.Is(err, ErrSelfCall) {
		t.Errorf("self call error = %v", err)
	}
	if _, err := m.Invite(eve, "e1", model.InviteCall{ToUserID: "B", RoomID: "call-1"}); !errors.Is(err, ErrCallExists) {
		t.Errorf("duplicate room error = %v", err)
	}
}

func TestMachine_Accept(t *testing.T) {
	m := NewMachine(directory{"B": {"b1", "b2"}})
	invite(t, m, "call-1")

	if _, err := m.Respond(eve, "e1", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Respond() by stranger = %v, want ErrNotParticipant", err)
	}

	out, err := m.Respond(bob, "b2", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true})
	if err != nil {
		t.Fatalf("Respond() unexpected error: %v", err)
	}
	if out.Session.State != Accepted || out.Session.CalleeConn != "b2" {
		t.Errorf("session = %+v", out.Session)
	}
	if evs := deliveredTo(out, "a1"); len(evs) != 1 {
		t.Errorf("caller got %s", spew.Sdump(evs))
	} else if _, ok := evs[0].(model.CallAccepted); !ok {
		t.Errorf("caller got %T, want CallAccepted", evs[0])
	}
	if evs := deliveredTo(out, "b1"); len(evs) != 1 || evs[0].(model.CallEnded).Reason != model.ReasonAnsweredElsewhere {
		t.Errorf("other callee connection got %s", spew.Sdump(evs))
	}
	if !slices.Equal(out.Joins, []model.ConnID{"a1", "b2"}) {
		t.Errorf("Joins = %v, want [a1 b2]", out.Joins)
	}

	if _, err = m.Respond(bob, "b1", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second accept = %v, want ErrIllegalTransition", err)
	}
}

func TestMachine_Reject(t *testing.T) {
	m := NewMachine(directory{"B": {"b1"}})
	invite(t, m, "call-1")

	out, err := m.Respond(bob, "b1", model.CallResponse{To: "A", RoomID: "call-1"})
	if err != nil {
		t.Fatalf("Respond() unexpected error: %v", err)
	}
	if out.Session.State != Rejected {
		t.Errorf("state = %s, want rejected", out.Session.State)
	}
	if evs := deliveredTo(out, "a1"); len(evs) != 1 {
		t.Errorf("caller got %s", spew.Sdump(evs))
	} else if _, ok := evs[0].(model.CallRejected); !ok {
		t.Errorf("caller got %T, want CallRejected", evs[0])
	}
	if m.Len() != 0 {
		t.Error("rejected session should be discarded")
	}
}

func TestMachine_CancelRace(t *testing.T) {
	t.Run("before accept ends and notifies callee", func(t *testing.T) {
		m := NewMachine(directory{"B": {"b1"}})
		invite(t, m, "call-1")

		out, err := m.Cancel(alice, "call-1")
		if err != nil {
			t.Fatalf("Cancel() unexpected error: %v", err)
		}
		if out.Ignored || out.Session.State != Ended || out.Session.EndReason != model.ReasonCancelled {
			t.Errorf("outcome = %+v", out)
		}
		if evs := deliveredTo(out, "b1"); len(evs) != 1 {
			t.Errorf("callee got %s", spew.Sdump(evs))
		}
		again, err := m.Cancel(alice, "call-1")
		if err != nil || !again.Ignored || len(again.Deliveries) != 0 {
			t.Errorf("repeated Cancel() = %+v, %v", again, err)
		}
	})

	t.Run("after accept is a no-op", func(t *testing.T) {
		m := NewMachine(directory{"B": {"b1"}})
		invite(t, m, "call-1")
		if _, err := m.Respond(bob, "b1", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true}); err != nil {
			t.Fatalf("Respond() unexpected error: %v", err)
		}

		out, err := m.Cancel(alice, "call-1")
		if err != nil {
			t.Fatalf("Cancel() unexpected error: %v", err)
		}
		if !out.Ignored || len(out.Deliveries) != 0 {
			t.Errorf("Cancel() after accept = %+v", out)
		}
		s, ok := m.Session("call-1")
		if !ok || s.State != Accepted {
			t.Errorf("session after ignored cancel = %+v, %v", s, ok)
		}
	})

	t.Run("only the caller cancels", func(t *testing.T) {
		m := NewMachine(directory{"B": {"b1"}})
		invite(t, m, "call-1")
		if _, err := m.Cancel(bob, "call-1"); !errors.Is(err, ErrNotParticipant) {
			t.Errorf("Cancel() by callee = %v", err)
		}
	})
}

func TestMachine_ConnectedAndHangup(t *testing.T) {
	m := NewMachine(directory{"B": {"b1"}})
	invite(t, m, "call-1")

	if _, err := m.Connected(alice, "call-1"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Connected() before accept = %v", err)
	}
	if _, err := m.Respond(bob, "b1", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true}); err != nil {
		t.Fatal(err)
	}
	out, err := m.Connected(bob, "call-1")
	if err != nil || out.Session.State != Active {
		t.Fatalf("Connected() = %+v, %v", out, err)
	}
	if out, err = m.Connected(alice, "call-1"); err != nil || !out.Ignored {
		t.Errorf("second Connected() = %+v, %v", out, err)
	}

	out, err = m.Hangup(bob, "call-1")
	if err != nil {
		t.Fatalf("Hangup() unexpected error: %v", err)
	}
	evs := deliveredTo(out, "a1")
	if len(evs) != 1 || evs[0].(model.CallEnded).Reason != model.ReasonHangup {
		t.Errorf("caller got %s", spew.Sdump(evs))
	}
	if len(out.Deliveries) != 1 {
		t.Errorf("hangup delivered %d events, want 1", len(out.Deliveries))
	}
	if m.Len() != 0 {
		t.Error("ended session should be discarded")
	}
}

func TestMachine_Disconnect(t *testing.T) {
	t.Run("active call notifies the other party once", func(t *testing.T) {
		dir := directory{"B": {"b1"}}
		m := NewMachine(dir)
		invite(t, m, "call-1")
		_, _ = m.Respond(bob, "b1", model.CallResponse{To: "A", RoomID: "call-1", Accepted: true})
		_, _ = m.Connected(alice, "call-1")

		outs := m.Disconnect("a1", "A")
		if len(outs) != 1 {
			t.Fatalf("Disconnect() ended %d sessions, want 1", len(outs))
		}
		evs := deliveredTo(outs[0], "b1")
		if len(evs) != 1 || evs[0].(model.CallEnded).Reason != model.ReasonDisconnected {
			t.Errorf("callee got %s", spew.Sdump(evs))
		}
		if again := m.Disconnect("a1", "A"); len(again) != 0 {
			t.Errorf("second Disconnect() ended %d sessions", len(again))
		}
	})

	t.Run("ringing callee with another connection keeps the invite", func(t *testing.T) {
		dir := directory{"B": {"b1", "b2"}}
		m := NewMachine(dir)
		invite(t, m, "call-1")

		dir["B"] = []model.ConnID{"b2"}
		if outs := m.Disconnect("b1", "B"); len(outs) != 0 {
			t.Errorf("Disconnect() of one callee device ended %d sessions", len(outs))
		}
		dir["B"] = nil
		outs := m.Disconnect("b2", "B")
		if len(outs) != 1 {
			t.Fatalf("Disconnect() of last callee device ended %d sessions", len(outs))
		}
		if evs := deliveredTo(outs[0], "a1"); len(evs) != 1 {
			t.Errorf("caller got %s", spew.Sdump(evs))
		}
	})

	t.Run("unrelated connection ends nothing", func(t *testing.T) {
		m := NewMachine(directory{"B": {"b1"}})
		invite(t, m, "call-1")
		if outs := m.Disconnect("e1", "E"); len(outs) != 0 {
			t.Errorf("Disconnect() of stranger ended %d sessions", len(outs))
		}
	})
}
