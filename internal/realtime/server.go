// Package realtime is the WebSocket transport: a local hub of connections,
// the request handlers that drive the room manager and broadcast authority,
// and the Redis bus that carries room events between instances.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sync-service/internal/broadcast"
	"sync-service/internal/errs"
	"sync-service/internal/protocol"
	"sync-service/internal/room"
)

// Options tunes a Server. Zero values fall back to defaults.
type Options struct {
	// FrontendBaseURL, when set, is the only Origin allowed to upgrade.
	FrontendBaseURL string
	MaxMessageSize  int64
	RequestTimeout  time.Duration
}

type Server struct {
	hub   *Hub
	bus   *Bus
	rooms *room.Manager
	auth  *broadcast.Authority
	log   *zap.Logger
	opts  Options

	upgrader websocket.Upgrader
	now      func() time.Time

	// Accepted connections whose disconnect handling has not finished.
	conns sync.WaitGroup
}

func NewServer(hub *Hub, bus *Bus, rooms *room.Manager, auth *broadcast.Authority, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	s := &Server{
		hub:   hub,
		bus:   bus,
		rooms: rooms,
		auth:  auth,
		log:   logger,
		opts:  opts,
		now:   time.Now,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Router создаёт chi.Router с нашими маршрутами.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/rooms/{code}", s.handleLookup)
	r.Get("/ws", s.handleWS)

	return r
}

// StartRedisSubscriber subscribes to the bus and feeds the hub until ctx is
// done.
func (s *Server) StartRedisSubscriber(ctx context.Context) error {
	return s.bus.Subscribe(ctx, s.hub, s.log)
}

// Wait blocks until every accepted connection has been closed and its
// leave has been applied, or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AnnounceClosed tells local connections on every instance that code was
// removed by the sweeper and detaches them from it.
func (s *Server) AnnounceClosed(ctx context.Context, code, reason string) {
	s.publish(ctx, code, "", protocol.TypeRoomClosed, protocol.RoomClosed{RoomCode: code, Reason: reason})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.FrontendBaseURL == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	// Non-browser clients send no Origin.
	if origin == "" {
		return true
	}
	return origin == strings.TrimRight(s.opts.FrontendBaseURL, "/")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sync-service",
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	res, err := s.rooms.Lookup(r.Context(), code)
	switch {
	case errors.Is(err, errs.ErrInvalidCode):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "code": errs.CodeInvalidCode})
		return
	case err != nil:
		s.log.Error("room lookup", zap.String("room_code", code), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Counted before the upgrade, while http.Server.Shutdown still tracks
	// the connection.
	s.conns.Add(1)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conns.Done()
		s.log.Debug("ws upgrade", zap.Error(err))
		return
	}

	client := &Client{
		id:             uuid.NewString(),
		hub:            s.hub,
		conn:           conn,
		send:           make(chan []byte, 256),
		maxMessageSize: s.opts.MaxMessageSize,
		onFrame:        s.handleFrame,
		onClose: func(c *Client) {
			defer s.conns.Done()
			s.handleDisconnect(c)
		},
		log: s.log,
	}
	if !s.hub.Register(client) {
		s.conns.Done()
		_ = conn.Close()
		return
	}
	s.log.Debug("ws connected", zap.String("conn_id", client.id))

	welcome, err := protocol.NewFrame("", protocol.TypeWelcome, protocol.Welcome{
		ConnectionID: client.id,
		Now:          s.now().UnixMilli(),
	})
	if err == nil {
		client.sendFrame(welcome)
	}

	// Запускаем две горутины: читаем и пишем.
	go client.writePump()
	go client.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
