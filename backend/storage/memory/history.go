package memory

import (
	"context"
	"sync"

	"github.com/adwski/huddle/backend/model"
)

const (
	defaultHistoryLimit = 100
)

// HistoryStore keeps the last messages of every room in process memory.
type HistoryStore struct {
	mx    *sync.RWMutex
	db    map[string][]model.Message
	limit int
}

// NewHistoryStore creates a store retaining up to limit messages per room.
func NewHistoryStore(limit int) *HistoryStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &HistoryStore{
		mx:    &sync.RWMutex{},
		db:    make(map[string][]model.Message),
		limit: limit,
	}
}

func (hs *HistoryStore) Append(_ context.Context, msg model.Message) error {
	hs.mx.Lock()
	defer hs.mx.Unlock()

	msgs := append(hs.db[msg.RoomID], msg)
	if len(msgs) > hs.limit {
		msgs = append([]model.Message(nil), msgs[len(msgs)-hs.limit:]...)
	}
	hs.db[msg.RoomID] = msgs
	return nil
}

// History returns up to limit most recent messages of the room, oldest first.
func (hs *HistoryStore) History(_ context.Context, roomID string, limit int) ([]model.Message, error) {
	hs.mx.RLock()
	defer hs.mx.RUnlock()

	msgs := hs.db[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (hs *HistoryStore) Close() error {
	return nil
}
