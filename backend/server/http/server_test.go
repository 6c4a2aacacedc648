package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/service"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/rs/zerolog"
)

type fakeRoomService struct {
	rooms     map[string]model.Room
	history   map[string][]model.Message
	lastLimit int
}

func (f *fakeRoomService) Room(_ context.Context, roomID string) (*model.Room, error) {
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, service.ErrRoomNotFound
	}
	return &room, nil
}

func (f *fakeRoomService) Stats(context.Context) (sw.Stats, error) {
	return sw.Stats{Connections: 3, Users: 2, Rooms: len(f.rooms), Calls: 1}, nil
}

func (f *fakeRoomService) History(_ context.Context, roomID string, limit int) ([]model.Message, error) {
	f.lastLimit = limit
	if roomID == "broken" {
		return nil, errors.New("store is down")
	}
	return f.history[roomID], nil
}

func (f *fakeRoomService) DirectRoom(userIDs []string) (string, error) {
	if len(userIDs) != 2 || userIDs[0] == userIDs[1] {
		return "", service.ErrDirectRoom
	}
	return model.DirectRoomID(userIDs[0], userIDs[1]), nil
}

func newTestServer(svc RoomService) *Server {
	logger := zerolog.Nop()
	return NewServer(Config{Logger: &logger, RoomService: svc, AllowedOrigins: []string{"https://app.example.com"}})
}

func serve(srv *Server, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Endpoints(t *testing.T) {
	svc := &fakeRoomService{
		rooms: map[string]model.Room{
			"chat-A-B": {ID: "chat-A-B", Participants: []model.Participant{
				{ConnID: "c1", UserID: "A"}, {ConnID: "c2", UserID: "B"},
			}},
		},
		history: map[string][]model.Message{
			"chat-A-B": {{ID: "m1", RoomID: "chat-A-B", SenderID: "A", Content: "hi", Type: model.MessageText}},
		},
	}
	srv := newTestServer(svc)

	tests := []struct {
		name, method, target, body string
		wantCode                   int
		wantBody                   string
	}{
		{name: "health", method: http.MethodGet, target: "/api/health", wantCode: http.StatusOK, wantBody: `"message":"OK"`},
		{name: "stats", method: http.MethodGet, target: "/api/stats", wantCode: http.StatusOK, wantBody: `"connections":3`},
		{name: "room", method: http.MethodGet, target: "/api/rooms/chat-A-B", wantCode: http.StatusOK, wantBody: `"conn_id":"c2"`},
		{name: "missing room", method: http.MethodGet, target: "/api/rooms/nope", wantCode: http.StatusNotFound, wantBody: `"error"`},
		{name: "history", method: http.MethodGet, target: "/api/rooms/chat-A-B/messages?limit=5", wantCode: http.StatusOK, wantBody: `"content":"hi"`},
		{name: "bad limit", method: http.MethodGet, target: "/api/rooms/chat-A-B/messages?limit=x", wantCode: http.StatusBadRequest},
		{name: "history failure", method: http.MethodGet, target: "/api/rooms/broken/messages", wantCode: http.StatusServiceUnavailable},
		{name: "direct room", method: http.MethodPost, target: "/api/rooms/direct", body: `{"user_ids":["B","A"]}`, wantCode: http.StatusOK, wantBody: `{"room_id":"chat-A-B"}`},
		{name: "direct room same user", method: http.MethodPost, target: "/api/rooms/direct", body: `{"user_ids":["A","A"]}`, wantCode: http.StatusBadRequest},
		{name: "direct room garbage", method: http.MethodPost, target: "/api/rooms/direct", body: `{`, wantCode: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodPost, target: "/api/health", wantCode: http.StatusMethodNotAllowed},
		{name: "metrics", method: http.MethodGet, target: "/metrics", wantCode: http.StatusOK, wantBody: "huddle_http_requests_total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(srv, tt.method, tt.target, tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("%s %s = %d, want %d; body %s", tt.method, tt.target, rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("%s %s body = %s, want it to contain %s", tt.method, tt.target, rec.Body, tt.wantBody)
			}
		})
	}
	if svc.lastLimit != 0 {
		t.Errorf("history without limit passed %d to the service, want 0", svc.lastLimit)
	}
}

func TestServer_HistoryPayload(t *testing.T) {
	svc := &fakeRoomService{history: map[string][]model.Message{
		"r": {{ID: "1", Content: "a"}, {ID: "2", Content: "b"}},
	}}
	rec := serve(newTestServer(svc), http.MethodGet, "/api/rooms/r/messages?limit=2", "", nil)

	var resp struct {
		Data []model.Message `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	if want := []string{"1", "2"}; !slices.Equal(ids, want) {
		t.Errorf("history order = %v, want %v", ids, want)
	}
	if svc.lastLimit != 2 {
		t.Errorf("limit = %d, want 2", svc.lastLimit)
	}
}

func TestServer_CORS(t *testing.T) {
	srv := newTestServer(&fakeRoomService{})

	rec := serve(srv, http.MethodOptions, "/api/rooms/direct", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if rec.Code >= 300 {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	rec = serve(srv, http.MethodGet, "/api/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin got Access-Control-Allow-Origin = %q", got)
	}
}
