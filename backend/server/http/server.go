package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/service"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultRequestTimeout   = 5 * time.Second
	maxRequestBody          = 8 * 1024
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	Room(ctx context.Context, roomID string) (*model.Room, error)
	Stats(ctx context.Context) (sw.Stats, error)
	History(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	DirectRoom(userIDs []string) (string, error)
}

type DirectRoomRequest struct {
	UserIDs []string `json:"user_ids"`
}

type DirectRoomResponse struct {
	RoomID string `json:"room_id"`
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	RoomService    RoomService
	ListenAddr     string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}
	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.router(cfg.AllowedOrigins),
		ReadHeaderTimeout: defaultRequestTimeout,
	}
	return srv
}

func (srv *Server) router(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(requestLogger(srv.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", srv.health)
		r.Get("/stats", srv.stats)
		r.Post("/rooms/direct", srv.directRoom)
		r.Get("/rooms/{roomID}", srv.room)
		r.Get("/rooms/{roomID}/messages", srv.messages)
	})
	return r
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := srv.svc.Stats(r.Context())
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to collect stats")
		writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: st})
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	room, err := srv.svc.Room(r.Context(), chi.URLParam(r, "roomID"))
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
	case err != nil:
		srv.logger.Error().Err(err).Msg("failed to get room")
		writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, &GenericResponse{Data: room})
	}
}

func (srv *Server) messages(w http.ResponseWriter, r *http.Request) {
	var limit int
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	msgs, err := srv.svc.History(r.Context(), chi.URLParam(r, "roomID"), limit)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to read history")
		writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: msgs})
}

func (srv *Server) directRoom(w http.ResponseWriter, r *http.Request) {
	var req DirectRoomRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid request body"})
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got direct room request")

	roomID, err := srv.svc.DirectRoom(req.UserIDs)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &DirectRoomResponse{RoomID: roomID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
