package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botbridge/internal/api"
	"botbridge/internal/auth"
	"botbridge/internal/bridge"
	"botbridge/internal/config"
	"botbridge/internal/db"
	"botbridge/internal/directive"
	"botbridge/internal/guard"
	"botbridge/internal/jobs"
	"botbridge/internal/pubsub"
	"botbridge/internal/resolver"
	"botbridge/internal/schema"
	"botbridge/internal/service"
	"botbridge/internal/session"
	"botbridge/internal/storage"
	"botbridge/internal/store"
	"botbridge/internal/typebot"
	"botbridge/internal/whatsapp"
	"botbridge/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	dbPool, err := db.NewPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbPool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Realtime events
	bus := pubsub.New(rdb, logger)
	hub := ws.NewHub(logger)
	hub.SetStreamsProvider(&wsStreamsAdapter{streams: bus.GetStreams()})
	go hub.Run()
	defer hub.Close()
	bus.SetWSHub(hub)

	// Background jobs
	jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, dbPool.Queries, bus, logger)
	if err := jobServer.Start(); err != nil {
		return fmt.Errorf("failed to start job server: %w", err)
	}
	defer jobServer.Stop()

	files, err := storage.NewLocalStorage(cfg.StorageBaseDir, cfg.StorageBaseURL, cfg.JWTSecret)
	if err != nil {
		return err
	}

	// Bot turn pipeline
	turnGuard, err := guard.New(0)
	if err != nil {
		return err
	}
	sessions := store.NewSessionStore(dbPool.Queries)
	directives := directive.NewInterpreter(dbPool.Queries, sessions, logger)
	provider := typebot.NewClient(
		typebot.WithTimeout(cfg.ProviderTimeout),
		typebot.WithBroadcaster(bus),
		typebot.WithLogger(logger),
	)
	relay := whatsapp.NewHTTPRelay(cfg.WhatsAppGatewayURL, cfg.WhatsAppGatewayToken, 0, logger)

	manager := session.NewManager(provider, sessions, directives, relay, turnGuard, logger)
	manager.SetEventPublisher(bus)
	manager.SetExpiryScheduler(jobs.NewAsynqJobClient(jobClient))
	manager.SetStreaming(cfg.StreamReplies)

	turns := bridge.New(turnGuard, manager, sessions, logger)
	turns.SetAttachmentResolver(storage.NewURLResolver(files, 0))
	turns.SetTicketReloader(dbPool.Queries)

	integrations := resolver.New(dbPool.Queries, schema.NewCompilerWithCache(64), logger)
	bots := service.NewBotService(dbPool.Queries, integrations, turns, sessions, turnGuard, bus, logger)

	hub.SetCommandHandler(ws.NewCommandHandler(bots, logger))
	hub.SetChannelAuthorizer(api.TicketChannelAuthorizer(bots))

	jwtConfig := auth.NewJWTConfig(cfg.JWTSecret)
	if jwtConfig.DevMode() {
		logger.Warn("JWT_SECRET not set, running without authentication")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Provider calls and pacing can take a while; websocket upgrades are exempt
	r.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(2*cfg.ProviderTimeout + 30*time.Second)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			timeout.ServeHTTP(w, req)
		})
	})
	r.Mount("/", api.Routes(api.Dependencies{
		Bots:  bots,
		Files: files,
		Hub:   hub,
		Auth:  jwtConfig,
		Log:   logger,
	}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

// wsStreamsAdapter adapts pubsub.Streams to ws.StreamsProvider
type wsStreamsAdapter struct {
	streams *pubsub.Streams
}

func (a *wsStreamsAdapter) GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	return a.streams.GetLastSequence(ctx, channel, connectionID)
}

func (a *wsStreamsAdapter) AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error {
	return a.streams.AcknowledgeSequence(ctx, channel, connectionID, sequence)
}

func (a *wsStreamsAdapter) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]ws.StreamEvent, error) {
	events, err := a.streams.ReplayEvents(ctx, channel, sinceSeq, limit)
	if err != nil {
		return nil, err
	}

	wsEvents := make([]ws.StreamEvent, len(events))
	for i, e := range events {
		wsEvents[i] = ws.StreamEvent{
			Channel:   e.Channel,
			Sequence:  e.Sequence,
			Event:     e.Event,
			Timestamp: e.Timestamp,
		}
	}
	return wsEvents, nil
}
