package service

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/metrics"
	"github.com/adwski/huddle/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultArchiveQueue   = 1024
	defaultArchiveTimeout = 2 * time.Second
)

// Archiver moves relayed chat messages into the history store off the relay
// path. Accept never blocks; messages that do not fit the queue are dropped.
type Archiver struct {
	store   HistoryStore
	queue   chan model.Message
	timeout time.Duration
	logger  zerolog.Logger
}

func NewArchiver(store HistoryStore, queueSize int, logger *zerolog.Logger) *Archiver {
	if queueSize <= 0 {
		queueSize = defaultArchiveQueue
	}
	return &Archiver{
		store:   store,
		queue:   make(chan model.Message, queueSize),
		timeout: defaultArchiveTimeout,
		logger:  logger.With().Str("component", "archiver").Logger(),
	}
}

func (a *Archiver) Accept(msg model.Message) bool {
	select {
	case a.queue <- msg:
		return true
	default:
		metrics.ArchivedMessages.WithLabelValues("dropped").Inc()
		return false
	}
}

// Run writes queued messages until ctx is done, then flushes what is left
// with a fresh deadline.
func (a *Archiver) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		a.logger.Debug().Msg("archiver stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case msg := <-a.queue:
			a.archive(ctx, msg)
		}
	}
}

func (a *Archiver) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	for {
		select {
		case msg := <-a.queue:
			a.archive(ctx, msg)
		default:
			return
		}
	}
}

func (a *Archiver) archive(ctx context.Context, msg model.Message) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.Append(ctx, msg); err != nil {
		metrics.ArchivedMessages.WithLabelValues("failed").Inc()
		a.logger.Error().Err(err).
			Str("roomID", msg.RoomID).
			Str("messageID", msg.ID).
			Msg("failed to archive message")
		return
	}
	metrics.ArchivedMessages.WithLabelValues("stored").Inc()
}
