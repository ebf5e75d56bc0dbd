package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "rounds:events"
	publishTimeout = 2 * time.Second
)

// RedisPublisher publishes events to a Redis channel so that every node's
// Relay delivers them to its local subscribers.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		observability.IncrementBroadcastDrop("encode")
		zap.L().Error("failed to encode broadcast", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(pubCtx, p.channel, payload).Err(); err != nil {
		observability.IncrementBroadcastDrop("publish")
		zap.L().Warn("redis broadcast publish failed", zap.String("channel", p.channel), zap.Error(err))
	}
}

// Relay forwards events from the Redis channel into a local publisher.
type Relay struct {
	rdb     *redis.Client
	channel string
	target  Publisher
}

func NewRelay(rdb *redis.Client, channel string, target Publisher) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{rdb: rdb, channel: channel, target: target}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", r.channel, err)
	}
	zap.L().Info("broadcast relay subscribed", zap.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis: subscription %s closed", r.channel)
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				observability.IncrementBroadcastDrop("decode")
				zap.L().Warn("discarding malformed broadcast", zap.Error(err))
				continue
			}
			r.target.Publish(ctx, ev)
		}
	}
}

var _ Publisher = (*RedisPublisher)(nil)
