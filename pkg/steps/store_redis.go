package steps

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps step results in Redis under
//
//	<prefix>step:<runID>:<step>
//
// with an expiry, so abandoned runs do not accumulate.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. An empty prefix defaults to "nodebase:",
// a non-positive ttl to 24 hours.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "nodebase:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(runID, step string) string {
	return r.prefix + "step:" + runID + ":" + step
}

func (r *RedisStore) Load(ctx context.Context, runID, step string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(runID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisStore) Save(ctx context.Context, runID, step string, data []byte) error {
	return r.client.Set(ctx, r.key(runID, step), data, r.ttl).Err()
}

func (r *RedisStore) Forget(ctx context.Context, runID string) error {
	iter := r.client.Scan(ctx, 0, r.key(runID, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
