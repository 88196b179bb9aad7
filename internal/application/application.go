// Package application wires configuration, Redis and the sync components
// into a runnable service.
package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sync-service/internal/broadcast"
	"sync-service/internal/config"
	"sync-service/internal/protocol"
	"sync-service/internal/realtime"
	"sync-service/internal/room"
	"sync-service/internal/store"
)

// App is the HTTP + WebSocket service with its background workers.
type App struct {
	cfg     config.Config
	log     *zap.Logger
	rdb     *redis.Client
	hub     *realtime.Hub
	rooms   *room.Manager
	sweeper *room.Sweeper
	server  *realtime.Server
	srv     *http.Server
}

// New builds the app. It does not touch the network; Run does.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	st := store.NewRedisStore(rdb, cfg.KeyPrefix, cfg.RoomInactivityTTL)
	hub := realtime.NewHub(logger.Named("hub"))
	bus := realtime.NewBus(rdb, cfg.Channel)
	rooms := room.NewManager(st, logger.Named("rooms"))
	auth := broadcast.NewAuthority(st, bus, logger.Named("broadcast"), broadcast.Throttle{
		PlayPause: cfg.ThrottlePlayPause,
		Seek:      cfg.ThrottleSeek,
	})
	server := realtime.NewServer(hub, bus, rooms, auth, logger.Named("realtime"), realtime.Options{
		FrontendBaseURL: cfg.FrontendBaseURL,
		MaxMessageSize:  cfg.WSMaxMessageSize,
		RequestTimeout:  cfg.RequestTimeout,
	})
	sweeper := room.NewSweeper(st, logger.Named("sweeper"), cfg.RoomInactivityTTL, cfg.EmptyRoomGrace, cfg.SweepInterval,
		room.WithRemoveHook(server.AnnounceClosed))

	// HTTP router с базовыми middleware
	r := server.Router(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &App{
		cfg:     cfg,
		log:     logger,
		rdb:     rdb,
		hub:     hub,
		rooms:   rooms,
		sweeper: sweeper,
		server:  server,
		srv:     srv,
	}, nil
}

// Run starts the hub, the Redis subscriber, the sweeper and the HTTP server,
// and blocks until ctx is cancelled; then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	workers, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.hub.Run(workers)
	if err := a.server.StartRedisSubscriber(workers); err != nil {
		return err
	}
	go a.sweeper.Run(workers)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("sync-service listening", zap.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http: %w", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	// WebSocket connections are hijacked, so Shutdown does not wait for them.
	// The hub drops them once workers stop; their leaves must reach Redis
	// before the caller closes it.
	cancel()
	select {
	case <-a.hub.Done():
	case <-shutdownCtx.Done():
		return fmt.Errorf("hub shutdown: %w", shutdownCtx.Err())
	}
	if err := a.server.Wait(shutdownCtx); err != nil {
		return fmt.Errorf("ws shutdown: %w", err)
	}
	a.log.Info("sync-service stopped")
	return nil
}

// Sweep runs one expiry pass.
func (a *App) Sweep(ctx context.Context) (room.Report, error) {
	return a.sweeper.Sweep(ctx)
}

// Room returns the client-facing view of a stored room.
func (a *App) Room(ctx context.Context, code string) (*protocol.Room, error) {
	r, err := a.rooms.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	return r.View(), nil
}

func (a *App) Close() error {
	return a.rdb.Close()
}
