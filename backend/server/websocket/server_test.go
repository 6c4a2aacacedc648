package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/service"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, origins []string) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	signaling := sw.NewSwitch(sw.Config{Logger: &logger})
	go signaling.Run(ctx)

	svc := service.NewService(service.Config{Switch: signaling, Logger: &logger})
	srv := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
		AllowedOrigins:   origins,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(ev model.Inbound) {
	c.t.Helper()
	b, err := model.Encode(ev)
	if err != nil {
		c.t.Fatal(err)
	}
	if err = c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("WriteMessage() unexpected error: %v", err)
	}
}

func (c *testClient) sendRaw(b string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(b)); err != nil {
		c.t.Fatalf("WriteMessage() unexpected error: %v", err)
	}
}

func (c *testClient) next() model.Outbound {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("ReadMessage() unexpected error: %v", err)
	}
	ev, err := model.DecodeOutbound(b)
	if err != nil {
		c.t.Fatalf("DecodeOutbound(%s) unexpected error: %v", b, err)
	}
	return ev
}

// expect skips presence events and returns the next event of type T.
func expect[T model.Outbound](c *testClient) T {
	c.t.Helper()
	for {
		ev := c.next()
		if v, ok := ev.(T); ok {
			return v
		}
		switch ev.(type) {
		case model.UserConnected, model.UserDisconnected:
			continue
		}
		var want T
		c.t.Fatalf("got %s event %+v, want %s", ev.EventName(), ev, want.EventName())
	}
}

// barrier makes sure everything the client sent so far was processed.
func (c *testClient) barrier() {
	c.t.Helper()
	c.sendRaw(`{"event":"barrier"}`)
	n := expect[model.ErrorNotice](c)
	if n.Code != model.CodeUnknownEvent {
		c.t.Fatalf("barrier answered with %+v", n)
	}
}

func TestServer_ChatRelay(t *testing.T) {
	ts := newTestServer(t, nil)
	a := dial(t, ts)
	b := dial(t, ts)

	a.send(model.BindIdentity{UserID: "A"})
	a.send(model.JoinRoom{RoomID: model.DirectRoomID("A", "B")})
	a.barrier()
	b.send(model.BindIdentity{UserID: "B"})
	b.send(model.JoinRoom{RoomID: model.DirectRoomID("B", "A")})
	b.barrier()

	joined := expect[model.UserConnected](a)
	if joined.UserID != "B" || joined.RoomID != "chat-A-B" {
		t.Errorf("A got %+v", joined)
	}

	a.send(model.SendMessage{RoomID: "chat-A-B", Message: model.MessageBody{Content: "hi"}})
	msg := expect[model.Message](b)
	if msg.Content != "hi" || msg.SenderID != "A" || msg.Type != model.MessageText {
		t.Errorf("B got %+v", msg)
	}
	// the next thing A sees is the barrier answer, not its own message
	a.barrier()
}

func TestServer_MalformedFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)

	c.sendRaw(`not json`)
	if n := expect[model.ErrorNotice](c); n.Code != model.CodeMalformed {
		t.Errorf("garbage frame answered with %+v", n)
	}
	c.sendRaw(`{"event":"join-room","payload":{}}`)
	if n := expect[model.ErrorNotice](c); n.Code != model.CodeMalformed {
		t.Errorf("join without room answered with %+v", n)
	}
	c.send(model.JoinRoom{RoomID: "r"})
	if n := expect[model.ErrorNotice](c); n.Code != model.CodeNotBound {
		t.Errorf("unbound join answered with %+v", n)
	}
}

func TestServer_DisconnectEndsCall(t *testing.T) {
	ts := newTestServer(t, nil)
	a := dial(t, ts)
	b := dial(t, ts)
	a.send(model.BindIdentity{UserID: "A"})
	a.barrier()
	b.send(model.BindIdentity{UserID: "B"})
	b.barrier()

	a.send(model.InviteCall{ToUserID: "B", RoomID: "call-1", CallerName: "Alice"})
	note := expect[model.CallNotification](b)
	if note.From != "A" || note.CallerName != "Alice" {
		t.Fatalf("B got %+v", note)
	}
	b.send(model.CallResponse{To: "A", RoomID: "call-1", Accepted: true})
	if acc := expect[model.CallAccepted](a); acc.From != "B" {
		t.Fatalf("A got %+v", acc)
	}

	_ = a.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = a.conn.Close()

	ended := expect[model.CallEnded](b)
	if ended.Reason != model.ReasonDisconnected || ended.RoomID != "call-1" {
		t.Errorf("B got %+v", ended)
	}
}

func TestServer_OfflineCallee(t *testing.T) {
	ts := newTestServer(t, nil)
	a := dial(t, ts)
	a.send(model.BindIdentity{UserID: "A"})
	a.send(model.InviteCall{ToUserID: "nobody", RoomID: "call-2"})
	if u := expect[model.CallUnreachable](a); u.To != "nobody" {
		t.Errorf("A got %+v", u)
	}
}

func TestServer_Origins(t *testing.T) {
	ts := newTestServer(t, []string{"app.example.com"})

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "allowed", origin: "https://app.example.com", ok: true},
		{name: "no origin", origin: "", ok: true},
		{name: "foreign", origin: "https://evil.example.com", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.origin != "" {
				h.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), h)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if tt.ok {
				if err != nil {
					t.Fatalf("Dial() unexpected error: %v", err)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatal("Dial() from a foreign origin should fail")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Dial() response = %v, want 403", resp)
			}
		})
	}
}

func TestServer_CloseSessionsBeforeSwitchStops(t *testing.T) {
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	signaling := sw.NewSwitch(sw.Config{Logger: &logger})
	go signaling.Run(ctx)
	svc := service.NewService(service.Config{Switch: signaling, Logger: &logger})
	srv := NewServer(Config{Logger: &logger, SignalingService: svc})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	a := dial(t, ts)
	b := dial(t, ts)
	a.send(model.BindIdentity{UserID: "A"})
	a.barrier()
	b.send(model.BindIdentity{UserID: "B"})
	b.barrier()
	a.send(model.InviteCall{ToUserID: "B", RoomID: "call-1"})
	expect[model.CallNotification](b)

	shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shCancel()
	if err := srv.closeSessions(shCtx); err != nil {
		t.Fatalf("closeSessions() unexpected error: %v", err)
	}

	st, err := signaling.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() unexpected error: %v", err)
	}
	if st.Connections != 0 || st.Calls != 0 {
		t.Errorf("Stats() after closing sessions = %+v", st)
	}
	for _, c := range []*testClient{a, b} {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var err error
		for err == nil {
			_, _, err = c.conn.ReadMessage()
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("client read ended with %v, want a normal close", err)
		}
	}
}

func TestServer_SignalRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "plain get reaches the upgrader", method: http.MethodGet, path: "/signal", want: http.StatusBadRequest},
		{name: "post is not allowed", method: http.MethodPost, path: "/signal", want: http.StatusMethodNotAllowed},
		{name: "unknown path", method: http.MethodGet, path: "/other", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("Do() unexpected error: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}
