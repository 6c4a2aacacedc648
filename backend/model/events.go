package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server event names.
const (
	EventBindIdentity  = "bind-identity"
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventSendMessage   = "send-message"
	EventInviteCall    = "invite-call"
	EventCallResponse  = "call-response"
	EventCancelCall    = "cancel-call"
	EventHangupCall    = "hangup-call"
	EventCallConnected = "call-connected"
	EventSignal        = "signal"
)

// Server to client event names. EventSignal is used in both directions.
const (
	EventNewMessage       = "new-message"
	EventCallNotification = "call-notification"
	EventCallAccepted     = "call-accepted"
	EventCallRejected     = "call-rejected"
	EventCallUnreachable  = "call-unreachable"
	EventCallEnded        = "call-ended"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventError            = "error"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the JSON frame exchanged over the transport.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is a client to server event. The set of implementations is closed.
type Inbound interface {
	EventName() string
	validate() error
}

// Outbound is a server to client event. The set of implementations is closed.
type Outbound interface {
	EventName() string
	outbound()
}

type (
	BindIdentity struct {
		UserID string `json:"userId"`
		Name   string `json:"name,omitempty"`
		Email  string `json:"email,omitempty"`
		Token  string `json:"token,omitempty"`
	}

	JoinRoom struct {
		RoomID string `json:"roomId"`
	}

	LeaveRoom struct {
		RoomID string `json:"roomId"`
	}

	MessageBody struct {
		Content string      `json:"content"`
		Type    MessageType `json:"type,omitempty"`
	}

	SendMessage struct {
		RoomID  string      `json:"roomId"`
		Message MessageBody `json:"message"`
	}

	InviteCall struct {
		ToUserID   string `json:"toUserId"`
		RoomID     string `json:"roomId"`
		CallerName string `json:"callerName,omitempty"`
	}

	CallResponse struct {
		To       string `json:"to"`
		RoomID   string `json:"roomId"`
		Accepted bool   `json:"accepted"`
	}

	CancelCall struct {
		RoomID string `json:"roomId"`
	}

	HangupCall struct {
		RoomID string `json:"roomId"`
	}

	CallConnected struct {
		RoomID string `json:"roomId"`
	}

	// Signal carries opaque peer negotiation data (offer, answer, ICE candidates).
	Signal struct {
		RoomID string          `json:"roomId"`
		Data   json.RawMessage `json:"data"`
	}
)

func (BindIdentity) EventName() string  { return EventBindIdentity }
func (JoinRoom) EventName() string      { return EventJoinRoom }
func (LeaveRoom) EventName() string     { return EventLeaveRoom }
func (SendMessage) EventName() string   { return EventSendMessage }
func (InviteCall) EventName() string    { return EventInviteCall }
func (CallResponse) EventName() string  { return EventCallResponse }
func (CancelCall) EventName() string    { return EventCancelCall }
func (HangupCall) EventName() string    { return EventHangupCall }
func (CallConnected) EventName() string { return EventCallConnected }
func (Signal) EventName() string        { return EventSignal }

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	return nil
}

func (e BindIdentity) validate() error { return required("userId", e.UserID) }
func (e JoinRoom) validate() error     { return required("roomId", e.RoomID) }
func (e LeaveRoom) validate() error    { return required("roomId", e.RoomID) }

func (e SendMessage) validate() error {
	if err := required("roomId", e.RoomID); err != nil {
		return err
	}
	if err := required("message.content", e.Message.Content); err != nil {
		return err
	}
	if !e.Message.Type.valid() {
		return fmt.Errorf("%w: message.type %q", ErrMalformed, e.Message.Type)
	}
	return nil
}

func (e InviteCall) validate() error {
	return errors.Join(required("toUserId", e.ToUserID), required("roomId", e.RoomID))
}

func (e CallResponse) validate() error {
	return errors.Join(required("to", e.To), required("roomId", e.RoomID))
}

func (e CancelCall) validate() error    { return required("roomId", e.RoomID) }
func (e HangupCall) validate() error    { return required("roomId", e.RoomID) }
func (e CallConnected) validate() error { return required("roomId", e.RoomID) }

func (e Signal) validate() error {
	if err := required("roomId", e.RoomID); err != nil {
		return err
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("%w: data is required", ErrMalformed)
	}
	return nil
}

type (
	CallNotification struct {
		From       string `json:"from"`
		RoomID     string `json:"roomId"`
		CallerName string `json:"callerName,omitempty"`
	}

	CallAccepted struct {
		From   string `json:"from"`
		RoomID string `json:"roomId"`
	}

	CallRejected struct {
		From   string `json:"from"`
		RoomID string `json:"roomId"`
	}

	CallUnreachable struct {
		To     string `json:"to"`
		RoomID string `json:"roomId"`
	}

	CallEnded struct {
		From   string    `json:"from,omitempty"`
		RoomID string    `json:"roomId"`
		Reason EndReason `json:"reason"`
	}

	UserConnected struct {
		UserID string `json:"userId"`
		RoomID string `json:"roomId"`
	}

	UserDisconnected struct {
		UserID string `json:"userId"`
		RoomID string `json:"roomId"`
	}

	SignalDelivery struct {
		From   string          `json:"from"`
		RoomID string          `json:"roomId"`
		Data   json.RawMessage `json:"data"`
	}

	ErrorNotice struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Event   string `json:"event,omitempty"`
	}
)

func (Message) EventName() string          { return EventNewMessage }
func (CallNotification) EventName() string { return EventCallNotification }
func (CallAccepted) EventName() string     { return EventCallAccepted }
func (CallRejected) EventName() string     { return EventCallRejected }
func (CallUnreachable) EventName() string  { return EventCallUnreachable }
func (CallEnded) EventName() string        { return EventCallEnded }
func (UserConnected) EventName() string    { return EventUserConnected }
func (UserDisconnected) EventName() string { return EventUserDisconnected }
func (SignalDelivery) EventName() string   { return EventSignal }
func (ErrorNotice) EventName() string      { return EventError }

func (Message) outbound()          {}
func (CallNotification) outbound() {}
func (CallAccepted) outbound()     {}
func (CallRejected) outbound()     {}
func (CallUnreachable) outbound()  {}
func (CallEnded) outbound()        {}
func (UserConnected) outbound()    {}
func (UserDisconnected) outbound() {}
func (SignalDelivery) outbound()   {}
func (ErrorNotice) outbound()      {}

type named interface {
	EventName() string
}

// Encode wraps any event into an envelope.
func Encode(ev named) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Event: ev.EventName(), Payload: payload})
}

// Decode parses a client to server frame. Unknown event names and payloads
// that miss required fields are rejected here, so the switch only ever sees
// well-formed events.
func Decode(b []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	switch env.Event {
	case EventBindIdentity:
		return decodeInbound[BindIdentity](env.Payload)
	case EventJoinRoom:
		return decodeInbound[JoinRoom](env.Payload)
	case EventLeaveRoom:
		return decodeInbound[LeaveRoom](env.Payload)
	case EventSendMessage:
		return decodeInbound[SendMessage](env.Payload)
	case EventInviteCall:
		return decodeInbound[InviteCall](env.Payload)
	case EventCallResponse:
		return decodeInbound[CallResponse](env.Payload)
	case EventCancelCall:
		return decodeInbound[CancelCall](env.Payload)
	case EventHangupCall:
		return decodeInbound[HangupCall](env.Payload)
	case EventCallConnected:
		return decodeInbound[CallConnected](env.Payload)
	case EventSignal:
		return decodeInbound[Signal](env.Payload)
	case "":
		return nil, fmt.Errorf("%w: event name is missing", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeInbound[T Inbound](raw json.RawMessage) (Inbound, error) {
	var ev T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s payload is missing", ErrMalformed, ev.EventName())
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeOutbound parses a server to client frame. It is used by clients.
func DecodeOutbound(b []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	switch env.Event {
	case EventNewMessage:
		return decodeOutbound[Message](env.Payload)
	case EventCallNotification:
		return decodeOutbound[CallNotification](env.Payload)
	case EventCallAccepted:
		return decodeOutbound[CallAccepted](env.Payload)
	case EventCallRejected:
		return decodeOutbound[CallRejected](env.Payload)
	case EventCallUnreachable:
		return decodeOutbound[CallUnreachable](env.Payload)
	case EventCallEnded:
		return decodeOutbound[CallEnded](env.Payload)
	case EventUserConnected:
		return decodeOutbound[UserConnected](env.Payload)
	case EventUserDisconnected:
		return decodeOutbound[UserDisconnected](env.Payload)
	case EventSignal:
		return decodeOutbound[SignalDelivery](env.Payload)
	case EventError:
		return decodeOutbound[ErrorNotice](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeOutbound[T Outbound](raw json.RawMessage) (Outbound, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return ev, nil
}
