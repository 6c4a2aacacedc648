package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/huddle/backend/config"
	"github.com/adwski/huddle/backend/identity"
	httpServer "github.com/adwski/huddle/backend/server/http"
	websocketServer "github.com/adwski/huddle/backend/server/websocket"
	"github.com/adwski/huddle/backend/service"
	"github.com/adwski/huddle/backend/storage/memory"
	"github.com/adwski/huddle/backend/storage/redis"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/rs/zerolog"
)

const redisConnectTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	logger = logger.Level(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	history := newHistoryStore(ctx, cfg, &logger)
	defer func() {
		if err := history.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close history store")
		}
	}()

	var verifier identity.Verifier = identity.Trusting{}
	if cfg.JWTSecret != "" {
		verifier = identity.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		logger.Warn().Msg("no jwt secret configured, bind requests are trusted as is")
	}

	archiver := service.NewArchiver(history, 0, &logger)
	signaling := sw.NewSwitch(sw.Config{
		Logger:   &logger,
		Verifier: verifier,
		Sink:     archiver,
	})
	svc := service.NewService(service.Config{
		Switch:  signaling,
		History: history,
		Logger:  &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RoomService:    svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		AllowedOrigins:   cfg.AllowedOrigins,
		TXBuffer:         cfg.TXBuffer,
	})

	// shutdown order: servers, then the switch, then the archiver
	switchCtx, switchCancel := context.WithCancel(context.Background())
	defer switchCancel()
	archiverCtx, archiverCancel := context.WithCancel(context.Background())
	defer archiverCancel()

	archiverWG := &sync.WaitGroup{}
	archiverWG.Add(1)
	go archiver.Run(archiverCtx, archiverWG)
	switchDone := make(chan struct{})
	go func() {
		defer close(switchDone)
		signaling.Run(switchCtx)
	}()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	switchCancel()
	<-switchDone
	archiverCancel()
	archiverWG.Wait()
}

func newHistoryStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) service.HistoryStore {
	if cfg.RedisURL == "" {
		logger.Info().Int("limit", cfg.HistoryLimit).Msg("keeping message history in memory")
		return memory.NewHistoryStore(cfg.HistoryLimit)
	}
	rCtx, rCancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer rCancel()
	store, err := redis.NewHistoryStore(rCtx, cfg.RedisURL, cfg.HistoryLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up redis history store")
	}
	logger.Info().Int("limit", cfg.HistoryLimit).Msg("keeping message history in redis")
	return store
}
