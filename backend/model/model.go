package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConnID identifies one live transport session. It is assigned by the server
// and never reused for the lifetime of the process.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// Identity is a verified user bound to a connection.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) valid() bool {
	switch t {
	case "", MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// OrDefault returns text for an empty type.
func (t MessageType) OrDefault() MessageType {
	if t == "" {
		return MessageText
	}
	return t
}

// EndReason tells the remaining party why a call ended.
type EndReason string

const (
	ReasonUnreachable       EndReason = "unreachable"
	ReasonRejected          EndReason = "rejected"
	ReasonCancelled         EndReason = "cancelled"
	ReasonHangup            EndReason = "hangup"
	ReasonDisconnected      EndReason = "disconnected"
	ReasonAnsweredElsewhere EndReason = "answered-elsewhere"
)

// Error codes carried by ErrorNotice.
const (
	CodeMalformed         = "malformed"
	CodeUnknownEvent      = "unknown-event"
	CodeNotBound          = "not-bound"
	CodeIdentityRejected  = "identity-rejected"
	CodeCallExists        = "call-exists"
	CodeCallNotFound      = "call-not-found"
	CodeIllegalTransition = "illegal-transition"
	CodeNotParticipant    = "not-participant"
	CodeSelfCall          = "self-call"
	CodeInternal          = "internal"
)

const (
	directRoomPrefix = "chat-"
	callRoomPrefix   = "call-"
)

// DirectRoomID derives the room of a direct chat from the sorted pair of user ids,
// so both participants arrive at the same id independently.
func DirectRoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return directRoomPrefix + pair[0] + "-" + pair[1]
}

func NewCallRoomID() string {
	return callRoomPrefix + uuid.NewString()
}

// Incoming is what a transport session hands to the switch: either a decoded
// client event or the reason it could not be decoded.
type Incoming struct {
	Event Inbound
	Err   error
}

type Wire struct {
	RX chan Incoming
	TX chan Outbound
}

// NewWire creates a wire whose TX side buffers up to txBuffer outbound events.
// The switch never blocks on TX; a full buffer drops the event.
func NewWire(txBuffer int) Wire {
	return Wire{
		RX: make(chan Incoming),
		TX: make(chan Outbound, txBuffer),
	}
}

// Message is a chat message as relayed to room members.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"roomId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Room is a read-only view of a room for inspection.
type Room struct {
	ID           string        `json:"room_id"`
	Participants []Participant `json:"participants"`
}

type Participant struct {
	ConnID ConnID `json:"conn_id"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}
