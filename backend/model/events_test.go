package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Inbound
		wantErr error
	}{
		{
			name:  "bind identity",
			frame: `{"event":"bind-identity","payload":{"userId":"u1","name":"Ann","email":"ann@example.com"}}`,
			want:  BindIdentity{UserID: "u1", Name: "Ann", Email: "ann@example.com"},
		},
		{
			name:  "join room",
			frame: `{"event":"join-room","payload":{"roomId":"chat-a-b"}}`,
			want:  JoinRoom{RoomID: "chat-a-b"},
		},
		{
			name:  "call response",
			frame: `{"event":"call-response","payload":{"to":"a","roomId":"call-1","accepted":true}}`,
			want:  CallResponse{To: "a", RoomID: "call-1", Accepted: true},
		},
		{
			name:    "not json",
			frame:   `{"event":`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing event name",
			frame:   `{"payload":{"roomId":"r"}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown event",
			frame:   `{"event":"teleport","payload":{}}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "server event sent by client",
			frame:   `{"event":"new-message","payload":{}}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "missing payload",
			frame:   `{"event":"join-room"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing room id",
			frame:   `{"event":"join-room","payload":{}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "payload of wrong shape",
			frame:   `{"event":"join-room","payload":{"roomId":42}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "invite without callee",
			frame:   `{"event":"invite-call","payload":{"roomId":"call-1"}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "message with bad type",
			frame:   `{"event":"send-message","payload":{"roomId":"r","message":{"content":"x","type":"video"}}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "signal with null data",
			frame:   `{"event":"signal","payload":{"roomId":"r","data":null}}`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeSendMessage(t *testing.T) {
	got, err := Decode([]byte(`{"event":"send-message","payload":{"roomId":"r","message":{"content":"hi"}}}`))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	msg, ok := got.(SendMessage)
	if !ok {
		t.Fatalf("Decode() returned %T, want SendMessage", got)
	}
	if msg.Message.Type.OrDefault() != MessageText {
		t.Errorf("default message type = %q, want %q", msg.Message.Type.OrDefault(), MessageText)
	}
}

func TestEncodeOutbound(t *testing.T) {
	b, err := Encode(CallEnded{From: "a", RoomID: "call-1", Reason: ReasonHangup})
	if err != nil {
		t.Fatalf("Encode() unexpected error: %v", err)
	}
	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("encoded frame is not json: %v", err)
	}
	if env.Event != EventCallEnded {
		t.Errorf("event = %q, want %q", env.Event, EventCallEnded)
	}
	if env.Payload["reason"] != "hangup" || env.Payload["roomId"] != "call-1" {
		t.Errorf("unexpected payload %v", env.Payload)
	}

	back, err := DecodeOutbound(b)
	if err != nil {
		t.Fatalf("DecodeOutbound() unexpected error: %v", err)
	}
	if ended, ok := back.(CallEnded); !ok || ended.Reason != ReasonHangup {
		t.Errorf("DecodeOutbound() = %#v", back)
	}
}

func TestSignalDataIsOpaque(t *testing.T) {
	in, err := Decode([]byte(`{"event":"signal","payload":{"roomId":"r","data":{"type":"offer","sdp":"v=0"}}}`))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	sig := in.(Signal)
	if string(sig.Data) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("signal data = %s", sig.Data)
	}
}

func TestDirectRoomID(t *testing.T) {
	if DirectRoomID("B", "A") != "chat-A-B" {
		t.Errorf("DirectRoomID(B, A) = %q, want chat-A-B", DirectRoomID("B", "A"))
	}
	if DirectRoomID("A", "B") != DirectRoomID("B", "A") {
		t.Error("DirectRoomID must not depend on argument order")
	}
	if a, b := NewCallRoomID(), NewCallRoomID(); a == b {
		t.Error("NewCallRoomID returned the same id twice")
	}
}
