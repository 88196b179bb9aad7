// Package client is a Go implementation of the duplex channel's client side:
// requests that wait for an ack, fire-and-forget commands, and a stream of
// room events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
)

const writeWait = 10 * time.Second

// Option configures Dial.
type Option func(*Client)

// WithTimeout bounds each request/ack round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithEventBuffer sets how many undelivered events are kept before new
// ones are dropped.
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.bufSize = n }
}

type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     *zap.Logger
	bufSize int

	id         string
	serverSkew time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Frame

	events chan protocol.Frame
	done   chan struct{}
	once   sync.Once
}

// Dial connects to a sync-service WebSocket endpoint and waits for its
// welcome frame.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout: 5 * time.Second,
		log:     zap.NewNop(),
		bufSize: 64,
		pending: make(map[string]chan protocol.Frame),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan protocol.Frame, c.bufSize)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c.conn = conn

	welcome, err := c.readWelcome(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.id = welcome.ConnectionID
	c.serverSkew = time.Until(time.UnixMilli(welcome.Now))

	go c.readLoop()
	return c, nil
}

func (c *Client) readWelcome(ctx context.Context) (protocol.Welcome, error) {
	var w protocol.Welcome
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	var f protocol.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return w, fmt.Errorf("client: read welcome: %w", err)
	}
	if f.Type != protocol.TypeWelcome {
		return w, fmt.Errorf("client: expected welcome, got %q", f.Type)
	}
	if err := json.Unmarshal(f.Payload, &w); err != nil {
		return w, fmt.Errorf("client: decode welcome: %w", err)
	}
	return w, nil
}

// ID is the connection identity the server assigned.
func (c *Client) ID() string { return c.id }

// ServerSkew is roughly how far the server clock was ahead of ours at
// connect time. It includes one-way latency.
func (c *Client) ServerSkew() time.Duration { return c.serverSkew }

// Events delivers room events. It is closed when the connection ends.
func (c *Client) Events() <-chan protocol.Frame { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readLoop() {
	defer func() {
		c.shutdown()
		close(c.events)
	}()
	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.log.Debug("client: read", zap.Error(err))
			}
			return
		}
		if f.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		select {
		case c.events <- f:
		default:
			c.log.Warn("client: event buffer full, dropping", zap.String("type", f.Type))
		}
	}
}

func (c *Client) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("client: write %s: %w", f.Type, err)
	}
	return nil
}

// request sends a frame with a fresh id and waits for the frame that echoes
// it.
func (c *Client) request(ctx context.Context, typ string, payload any) (protocol.Frame, error) {
	id := uuid.NewString()
	f, err := protocol.NewFrame(id, typ, payload)
	if err != nil {
		return protocol.Frame{}, err
	}

	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return protocol.Frame{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return protocol.Frame{}, errs.ErrChannelTimeout
	case <-c.done:
		return protocol.Frame{}, errs.ErrChannelTimeout
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *Client) roomRequest(ctx context.Context, typ, code string) (*protocol.Room, error) {
	if !protocol.ValidCode(code) {
		return nil, errs.ErrInvalidCode
	}
	reply, err := c.request(ctx, typ, protocol.RoomRequest{RoomCode: code})
	if err != nil {
		return nil, err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return nil, fmt.Errorf("client: decode ack: %w", err)
	}
	if !ack.Success {
		return nil, ackError(ack)
	}
	return ack.Room, nil
}

func ackError(a protocol.Ack) error {
	if err := errs.FromCode(a.Code); err != nil {
		return err
	}
	if a.Error == "" {
		return errors.New("client: request failed")
	}
	return errors.New(a.Error)
}

func (c *Client) CreateRoom(ctx context.Context, code string) (*protocol.Room, error) {
	return c.roomRequest(ctx, protocol.TypeCreateRoom, code)
}

func (c *Client) JoinRoom(ctx context.Context, code string) (*protocol.Room, error) {
	return c.roomRequest(ctx, protocol.TypeJoinRoom, code)
}

// Ping round-trips a ping. It does not count as room activity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, protocol.TypePing, nil)
	return err
}

func (c *Client) send(typ string, payload any) error {
	f, err := protocol.NewFrame("", typ, payload)
	if err != nil {
		return err
	}
	return c.write(f)
}

func (c *Client) LeaveRoom() error {
	return c.send(protocol.TypeLeaveRoom, struct{}{})
}

func (c *Client) Play(videoID string, at float64) error {
	return c.send(protocol.TypeSyncPlay, protocol.SyncRequest{VideoID: videoID, CurrentTime: at})
}

func (c *Client) Pause(videoID string, at float64) error {
	return c.send(protocol.TypeSyncPause, protocol.SyncRequest{VideoID: videoID, CurrentTime: at})
}

func (c *Client) Seek(videoID string, at float64, playing bool) error {
	return c.send(protocol.TypeSyncSeek, protocol.SyncRequest{VideoID: videoID, CurrentTime: at, IsPlaying: playing})
}

func (c *Client) LoadVideo(videoID string) error {
	return c.send(protocol.TypeSyncVideoLoad, protocol.SyncRequest{VideoID: videoID})
}
