package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sync-service/internal/protocol"
)

// Bus fans envelopes out to every instance over Redis Pub/Sub.
type Bus struct {
	rdb     *redis.Client
	channel string
}

func NewBus(rdb *redis.Client, channel string) *Bus {
	if channel == "" {
		channel = "sync:broadcast"
	}
	return &Bus{rdb: rdb, channel: channel}
}

func (b *Bus) Publish(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription before returning, so nothing published
// afterwards is missed. Messages are handed to hub until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, hub *Hub, logger *zap.Logger) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("bus: subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env protocol.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.Warn("bus: bad envelope", zap.Error(err))
					continue
				}
				hub.Deliver(env)
			}
		}
	}()
	return nil
}
