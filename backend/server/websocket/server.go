package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 16384
	defaultWebsocketWriteBufferSize    = 16384
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultTXBuffer = 64

	// defaultPongWait - defaultPingInterval is how long the client has to answer a ping
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(context.Context, model.ConnID, model.Wire) error
		DeleteSignalingSession(context.Context, model.ConnID) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		// AllowedOrigins lists accepted Origin hosts. Empty or "*" accepts any.
		AllowedOrigins []string
		TXBuffer       int
	}

	Server struct {
		svc      SignalingService
		ws       *websocket.Upgrader
		txBuffer int
		*http.Server

		// sessions are derived from base and tracked until deleted
		base     context.Context
		stop     context.CancelFunc
		sessions sync.WaitGroup
		sessMu   sync.Mutex
		closing  bool

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	txBuffer := cfg.TXBuffer
	if txBuffer <= 0 {
		txBuffer = defaultTXBuffer
	}
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.SignalingService,
		txBuffer: txBuffer,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}

	srv.base, srv.stop = context.WithCancel(context.Background())
	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

// Handler returns the signaling endpoint mux.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal", srv.signal)
	return mux
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(a, u.Host) || strings.EqualFold(a, origin)
		})
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := srv.closeSessions(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("signaling sessions did not close in time")
		}
	}
}

// closeSessions ends every live websocket session and waits until each one
// is deleted from the signaling service. Hijacked connections are not
// covered by http.Server.Shutdown.
func (srv *Server) closeSessions(ctx context.Context) error {
	srv.sessMu.Lock()
	srv.closing = true
	srv.sessMu.Unlock()
	srv.stop()
	done := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !srv.trackSession() {
		srv.logger.Debug().Msg("server is closing, websocket dropped")
		webSocketCloser(conn, &srv.logger)
		return
	}

	connID := model.NewConnID()
	wire := model.NewWire(srv.txBuffer)

	ctx, cancel := context.WithCancel(srv.base) // long-living wire context

	logger := srv.logger.With().
		Str("connID", string(connID)).
		Str("remoteAddr", r.RemoteAddr).
		Logger()

	if err = srv.svc.CreateSignalingSession(ctx, connID, wire); err != nil {
		logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		webSocketCloser(conn, &logger)
		srv.sessions.Done()
		return
	}
	logger.Debug().Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, connID, wire, &logger)
}

// trackSession registers a new session unless closeSessions already started
// waiting for them.
func (srv *Server) trackSession() bool {
	srv.sessMu.Lock()
	defer srv.sessMu.Unlock()
	if srv.closing {
		return false
	}
	srv.sessions.Add(1)
	return true
}

func (srv *Server) destroySession(connID model.ConnID, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSignalingSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSignalingSession(ctx, connID); err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

// handleWSConn pumps the wire in both directions until either side stops.
// The socket is closed as soon as the sender stops, which also unblocks the
// receiver. The session is deleted afterwards, which closes TX.
func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID model.ConnID,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	defer srv.sessions.Done()
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, wire.RX, logger)
		cancel()
	}()
	senderDone := make(chan struct{})
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, logger)
		cancel()
		close(senderDone)
	}()

	<-senderDone
	webSocketCloser(conn, logger)
	wg.Wait()
	srv.destroySession(connID, logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Outbound,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case ev, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := model.Encode(ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("event", ev.EventName()).Msg("failed to encode outgoing event")
				continue
			}

			if wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			if _, wsErr = wsW.Write(b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing event")
				break SendLoop
			}
			if wsErr = wsW.Close(); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
			logger.Trace().Str("event", ev.EventName()).Msg("event sent")
		}
	}
}

// webSocketReceiver decodes frames and hands them to the switch. Frames that
// fail to decode are passed on as errors so the client gets an error event.
func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- model.Incoming,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			msgType, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if ctx.Err() != nil || websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if msgType != websocket.TextMessage {
				logger.Trace().Int("type", msgType).Msg("non-text frame ignored")
				continue
			}

			var in model.Incoming
			in.Event, in.Err = model.Decode(msg)
			if in.Err != nil {
				logger.Debug().Err(in.Err).Msg("failed to decode incoming event")
			}
			select {
			case rx <- in:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
