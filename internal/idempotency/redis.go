package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCommands is the minimal client surface used by RedisCache.
type RedisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache stores recorded responses in Redis with the retention window as
// key TTL, so eviction needs no sweeper.
type RedisCache struct {
	client    RedisCommands
	keyPrefix string
	retention time.Duration
}

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(client RedisCommands, retention time.Duration) *RedisCache {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &RedisCache{
		client:    client,
		keyPrefix: "idem:",
		retention: retention,
	}
}

// Seen returns the recorded response for the message ID, if any.
func (c *RedisCache) Seen(ctx context.Context, messageID string) ([]byte, bool, error) {
	if messageID == "" {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.keyPrefix+messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return raw, true, nil
}

// Record stores the response under the message ID with the retention TTL.
func (c *RedisCache) Record(ctx context.Context, messageID string, response []byte) error {
	if messageID == "" {
		return nil
	}
	if err := c.client.Set(ctx, c.keyPrefix+messageID, response, c.retention).Err(); err != nil {
		return fmt.Errorf("idempotency record: %w", err)
	}
	return nil
}
