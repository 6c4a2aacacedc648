// Package redis keeps chat history in Redis sorted sets, one per room,
// scored by message timestamp.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultHistoryLimit = 100
	historyTTL          = 24 * time.Hour
)

var (
	ErrConnect = errors.New("unable to connect to redis")
)

type HistoryStore struct {
	client *goredis.Client
	limit  int
}

// NewHistoryStore connects to redisURL and retains up to limit messages per room.
func NewHistoryStore(ctx context.Context, redisURL string, limit int) (*HistoryStore, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	client := goredis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnect, err)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &HistoryStore{client: client, limit: limit}, nil
}

func roomHistoryKey(roomID string) string {
	return fmt.Sprintf("room:%s:history", roomID)
}

func (hs *HistoryStore) Append(ctx context.Context, msg model.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	key := roomHistoryKey(msg.RoomID)
	_, err = hs.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, key, goredis.Z{
			Score:  float64(msg.Timestamp.UnixMilli()),
			Member: string(data),
		})
		// keep only the newest hs.limit entries
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-hs.limit-1))
		pipe.Expire(ctx, key, historyTTL)
		return nil
	})
	return err
}

// History returns up to limit most recent messages of the room, oldest first.
func (hs *HistoryStore) History(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > hs.limit {
		limit = hs.limit
	}
	results, err := hs.client.ZRevRange(ctx, roomHistoryKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		var msg model.Message
		if err = json.Unmarshal([]byte(results[i]), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (hs *HistoryStore) Close() error {
	return hs.client.Close()
}
