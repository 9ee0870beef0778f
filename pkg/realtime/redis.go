package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"nodebase/api/pkg/ctxlog"
)

// RedisPublisher publishes events as JSON on Redis pub/sub. Each event goes
// to <prefix><channel>, where channel is the node type's channel name
// (e.g. "openai-execution"), or <prefix>status when the event has none.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a RedisPublisher. An empty prefix defaults to "nodebase:".
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "nodebase:"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// ChannelFor returns the Redis channel an event is published on.
func (r *RedisPublisher) ChannelFor(event StatusEvent) string {
	if event.Channel == "" {
		return r.prefix + "status"
	}
	return r.prefix + event.Channel
}

func (r *RedisPublisher) Publish(ctx context.Context, event StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to encode status event", "nodeId", event.NodeID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.ChannelFor(event), payload).Err(); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to publish status event to redis", "nodeId", event.NodeID, "status", event.Status, "error", err)
	}
}
