// Package client is a Go client of the signaling server: a reconnecting
// websocket session, a call tracker and a phone that turns accepted calls
// into WebRTC peer connections.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultMinBackoff   = 250 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
	defaultSendBuffer   = 64
	defaultEventBuffer  = 64
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
	controlWriteTimeout = time.Second
)

var (
	ErrSendBufferFull = errors.New("send buffer is full")
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event is either a server event or a change of the connection state, in
// the order they happened.
type Event struct {
	Server model.Outbound
	State  ConnState
}

type Config struct {
	// URL of the signaling endpoint, e.g. ws://localhost:8888/signal.
	URL      string
	Identity model.BindIdentity
	Header   http.Header
	Dialer   *websocket.Dialer
	Logger   *zerolog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps one signaling session alive. The server forgets everything
// about a connection when it drops, so every (re)connect binds the identity
// again and re-joins the rooms the client is in.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	events chan Event
	out    chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
	state ConnState
}

func New(cfg Config) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		logger: cfg.Logger.With().
			Str("component", "client").
			Str("userID", cfg.Identity.UserID).
			Logger(),
		events: make(chan Event, defaultEventBuffer),
		out:    make(chan []byte, defaultSendBuffer),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) UserID() string { return c.cfg.Identity.UserID }

// Events is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the rooms re-joined on reconnect.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) {
	defer close(c.events)

	backoff := c.cfg.MinBackoff
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			backoff = c.cfg.MinBackoff
			err = c.session(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("signaling connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	sCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// bind first: everything else is rejected on an unbound connection
	greeting := []model.Inbound{c.cfg.Identity}
	for _, roomID := range c.Rooms() {
		greeting = append(greeting, model.JoinRoom{RoomID: roomID})
	}
	for _, ev := range greeting {
		if err := c.write(conn, ev); err != nil {
			_ = conn.Close()
			return err
		}
	}

	c.setState(sCtx, Connected)
	c.logger.Info().Msg("signaling session established")

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr <- c.readLoop(sCtx, conn)
	}()

	err := c.writeLoop(sCtx, conn, readErr)

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(controlWriteTimeout))
	_ = conn.Close()
	<-readDone

	c.setState(ctx, Disconnected)
	return err
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case b := <-c.out:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	}
	conn.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := extend(); err != nil {
		return err
	}

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err = extend(); err != nil {
			return err
		}
		ev, err := model.DecodeOutbound(b)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to decode server event")
			continue
		}
		c.logger.Trace().Str("event", ev.EventName()).Msg("event received")
		select {
		case c.events <- Event{Server: ev}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) write(conn *websocket.Conn, ev model.Inbound) error {
	b, err := model.Encode(ev)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) setState(ctx context.Context, s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	select {
	case c.events <- Event{State: s}:
	case <-ctx.Done():
	}
}

// send queues ev for the current or next session.
func (c *Client) send(ev model.Inbound) error {
	b, err := model.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	return c.send(model.JoinRoom{RoomID: roomID})
}

func (c *Client) Leave(roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	return c.send(model.LeaveRoom{RoomID: roomID})
}

func (c *Client) SendMessage(roomID, content string, typ model.MessageType) error {
	return c.send(model.SendMessage{
		RoomID:  roomID,
		Message: model.MessageBody{Content: content, Type: typ},
	})
}

func (c *Client) Invite(toUserID, roomID string) error {
	return c.send(model.InviteCall{
		ToUserID:   toUserID,
		RoomID:     roomID,
		CallerName: c.cfg.Identity.Name,
	})
}

func (c *Client) Respond(callerID, roomID string, accepted bool) error {
	return c.send(model.CallResponse{To: callerID, RoomID: roomID, Accepted: accepted})
}

func (c *Client) Cancel(roomID string) error {
	return c.send(model.CancelCall{RoomID: roomID})
}

func (c *Client) Hangup(roomID string) error {
	return c.send(model.HangupCall{RoomID: roomID})
}

func (c *Client) CallConnected(roomID string) error {
	return c.send(model.CallConnected{RoomID: roomID})
}

// Signal relays data to the other members of the room.
func (c *Client) Signal(roomID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.send(model.Signal{RoomID: roomID, Data: raw})
}
