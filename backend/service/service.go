package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adwski/huddle/backend/model"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/rs/zerolog"
)

const maxHistoryLimit = 500

var (
	ErrConnect      = errors.New("unable to connect")
	ErrDisconnect   = errors.New("unable to disconnect")
	ErrGet          = errors.New("unable to get room")
	ErrRoomNotFound = errors.New("room not found")
	ErrHistory      = errors.New("unable to read room history")
	ErrDirectRoom   = errors.New("direct room needs two distinct user ids")
)

type (
	Switch interface {
		Connect(ctx context.Context, connID model.ConnID, wire model.Wire) error
		Disconnect(ctx context.Context, connID model.ConnID) error
		Room(ctx context.Context, roomID string) (model.Room, bool, error)
		Stats(ctx context.Context) (sw.Stats, error)
	}

	HistoryStore interface {
		Append(ctx context.Context, msg model.Message) error
		History(ctx context.Context, roomID string, limit int) ([]model.Message, error)
		Close() error
	}

	Service struct {
		sw      Switch
		history HistoryStore
		logger  zerolog.Logger
	}

	Config struct {
		Switch  Switch
		History HistoryStore
		Logger  *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sw:      cfg.Switch,
		history: cfg.History,
		logger:  cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) CreateSignalingSession(ctx context.Context, connID model.ConnID, wire model.Wire) error {
	if err := svc.sw.Connect(ctx, connID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("connID", string(connID)).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(ctx context.Context, connID model.ConnID) error {
	if err := svc.sw.Disconnect(ctx, connID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("connID", string(connID)).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) Room(ctx context.Context, roomID string) (*model.Room, error) {
	room, ok, err := svc.sw.Room(ctx, roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (svc *Service) Stats(ctx context.Context) (sw.Stats, error) {
	return svc.sw.Stats(ctx)
}

// History returns up to limit archived messages of the room, oldest first.
// Rooms never written to yield an empty slice.
func (svc *Service) History(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if svc.history == nil {
		return []model.Message{}, nil
	}
	msgs, err := svc.history.History(ctx, roomID, limit)
	if err != nil {
		return nil, errors.Join(ErrHistory, err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// DirectRoom returns the deterministic one-to-one room id of two users.
func (svc *Service) DirectRoom(userIDs []string) (string, error) {
	if len(userIDs) != 2 {
		return "", fmt.Errorf("%w: got %d", ErrDirectRoom, len(userIDs))
	}
	a, b := strings.TrimSpace(userIDs[0]), strings.TrimSpace(userIDs[1])
	if a == "" || b == "" || a == b {
		return "", ErrDirectRoom
	}
	return model.DirectRoomID(a, b), nil
}
