package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a best-effort Redis wrapper for the realtime endpoint. Every
// Redis failure is logged and reported as a miss or absorbed so the API
// keeps serving from the database when Redis is down.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// New builds a Redis client for the given URL without contacting Redis;
// connection problems show up as logged errors on later calls. An empty
// URL disables caching entirely and returns a nil Cache, which all
// methods accept.
func New(redisURL string, ttl time.Duration, log *zap.Logger) (*Cache, error) {
	if redisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	return &Cache{client: redis.NewClient(opts), ttl: ttl, log: log}, nil
}

func realtimeKey(deviceID string) string {
	return "realtime:" + deviceID
}

// GetRealtime returns the cached realtime payload for the device, or false
// on a miss or any Redis error.
func (c *Cache) GetRealtime(ctx context.Context, deviceID string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, realtimeKey(deviceID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("redis get failed", zap.String("device_id", deviceID), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

// SetRealtime stores the realtime payload with the configured TTL.
func (c *Cache) SetRealtime(ctx context.Context, deviceID string, payload []byte) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, realtimeKey(deviceID), payload, c.ttl).Err(); err != nil {
		c.log.Warn("redis set failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// InvalidateRealtime drops the cached payload so the next read reflects a
// freshly ingested sample.
func (c *Cache) InvalidateRealtime(ctx context.Context, deviceID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, realtimeKey(deviceID)).Err(); err != nil {
		c.log.Warn("redis del failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
