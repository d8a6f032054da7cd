package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/event"
)

// RedisPublisher is satisfied by *redis.Client
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes events on a Redis pub/sub channel
type RedisNotifier struct {
	client  RedisPublisher
	channel string
}

// NewRedisClient creates a go-redis client for addr
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisNotifier creates a notifier publishing on channel
func NewRedisNotifier(client RedisPublisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "approvals:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel returns the channel name
func (n *RedisNotifier) Channel() string {
	return entity.ChannelRedis
}

// Notify publishes the event as JSON
func (n *RedisNotifier) Notify(ctx context.Context, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", n.channel, err)
	}
	return nil
}
