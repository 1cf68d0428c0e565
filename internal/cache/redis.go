// Package cache publishes per-group running statistics for readers outside
// the engine process, such as Levey-Jennings dashboards.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
)

const keyPrefix = "labflow_qc"

// CachedStats is the stored form of a group's stats.
type CachedStats struct {
	Stats    domain.RunningStats `json:"stats"`
	CachedAt time.Time           `json:"cached_at"`
}

// StatsKey builds the Redis key for a tenant's group.
func StatsKey(tenantID string, group domain.ControlGroup) string {
	return fmt.Sprintf("%s:%s:stats:%s", keyPrefix, tenantID, group.Key())
}

// RedisCache implements domain.StatsCache on Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

var _ domain.StatsCache = (*RedisCache)(nil)

// NewRedisCache connects to the Redis instance named by config.RedisURL.
func NewRedisCache(ctx context.Context, config domain.CacheConfig, logger *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", opts.Addr).Info("Stats cache connected to Redis")
	return NewRedisCacheFromClient(client, config.DefaultTTL, logger), nil
}

// NewRedisCacheFromClient wraps an existing client. A zero ttl keeps entries
// until overwritten.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: logger}
}

// SetStats stores the stats for a group.
func (c *RedisCache) SetStats(ctx context.Context, tenantID string, group domain.ControlGroup, stats domain.RunningStats) error {
	data, err := json.Marshal(CachedStats{Stats: stats, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	if err := c.client.Set(ctx, StatsKey(tenantID, group), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set stats: %w", err)
	}
	return nil
}

// GetStats reads the stats for a group. A miss returns false with no error.
func (c *RedisCache) GetStats(ctx context.Context, tenantID string, group domain.ControlGroup) (*domain.RunningStats, bool, error) {
	key := StatsKey(tenantID, group)
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get stats: %w", err)
	}

	var cached CachedStats
	if err := json.Unmarshal(val, &cached); err != nil {
		// Corrupted entry; drop it and report a miss.
		c.log.WithError(err).WithField("key", key).Warn("Discarding unreadable stats cache entry")
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &cached.Stats, true, nil
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection for health reporting.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
