package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"sync-service/internal/protocol"
)

type assignment struct {
	client *Client
	room   string
}

// Hub owns this instance's connections and which room each one is in. It
// only mirrors the store for delivery; membership decisions are made by the
// room manager.
type Hub struct {
	// Registered clients and their current room ("" when none).
	clients map[*Client]string

	// Local members per room.
	rooms map[string]map[*Client]struct{}

	// Envelopes from the Redis bus to deliver to local members.
	deliver chan protocol.Envelope

	register   chan *Client
	unregister chan *Client
	assign     chan assignment

	// Closed when Run returns.
	done chan struct{}

	log *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]string),
		rooms:      make(map[string]map[*Client]struct{}),
		deliver:    make(chan protocol.Envelope),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		assign:     make(chan assignment),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Assign records that c is now in room; an empty room removes it from any.
// Envelopes handed to the hub after Assign returns see the new assignment.
func (h *Hub) Assign(c *Client, room string) {
	select {
	case h.assign <- assignment{client: c, room: room}:
	case <-h.done:
	}
}

// Deliver hands an envelope to the hub for local fan-out.
func (h *Hub) Deliver(env protocol.Envelope) {
	select {
	case h.deliver <- env:
	case <-h.done:
	}
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Done is closed after Run has dropped every client and returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = ""

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case a := <-h.assign:
			cur, ok := h.clients[a.client]
			if !ok {
				continue
			}
			h.leaveLocal(a.client, cur)
			h.clients[a.client] = a.room
			if a.room != "" {
				members := h.rooms[a.room]
				if members == nil {
					members = make(map[*Client]struct{})
					h.rooms[a.room] = members
				}
				members[a.client] = struct{}{}
			}

		case env := <-h.deliver:
			members := h.rooms[env.Room]
			if len(members) == 0 {
				continue
			}
			msg, err := json.Marshal(env.Frame())
			if err != nil {
				h.log.Error("encode envelope", zap.String("room_code", env.Room), zap.Error(err))
				continue
			}
			for c := range members {
				if c.id == env.Exclude {
					continue
				}
				if !c.trySend(msg) {
					h.log.Warn("dropping slow client", zap.String("conn_id", c.id))
					h.drop(c)
				}
			}
			if env.Event == protocol.TypeRoomClosed {
				for c := range h.rooms[env.Room] {
					h.clients[c] = ""
				}
				delete(h.rooms, env.Room)
			}
		}
	}
}

func (h *Hub) leaveLocal(c *Client, room string) {
	if room == "" {
		return
	}
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) drop(c *Client) {
	h.leaveLocal(c, h.clients[c])
	delete(h.clients, c)
	c.close()
}
