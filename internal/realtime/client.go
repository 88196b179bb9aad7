package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sync-service/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. Its id is the connection identity the
// store knows it by.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	maxMessageSize int64
	// onFrame handles each decoded frame on the read goroutine.
	onFrame func(*Client, protocol.Frame)
	// onClose runs once after the read loop ends.
	onClose func(*Client)
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// ID returns the connection identity.
func (c *Client) ID() string { return c.id }

// trySend queues msg without blocking. It reports false if the buffer is
// full or the client is closed.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// sendFrame queues a frame for this client only.
func (c *Client) sendFrame(f protocol.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger().Error("encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	if !c.trySend(b) {
		c.logger().Warn("frame dropped", zap.String("conn_id", c.id), zap.String("type", f.Type))
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *Client) logger() *zap.Logger {
	if c.log == nil {
		return zap.NewNop()
	}
	return c.log
}

// readPump decodes frames until the connection fails, then unregisters the
// client and runs onClose.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	limit := c.maxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger().Debug("ws read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger().Debug("ws bad frame", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		if c.onFrame != nil {
			c.onFrame(c, f)
		}
	}
}

// writePump drains send to the socket and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
