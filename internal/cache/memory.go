package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/labflow-qc-server/internal/domain"
)

// MemoryCache implements domain.StatsCache in process with LRU eviction and
// a TTL. It backs lite mode and fronts Redis in TieredCache.
type MemoryCache struct {
	lru *expirable.LRU[string, domain.RunningStats]
}

var _ domain.StatsCache = (*MemoryCache)(nil)

// NewMemoryCache holds up to size groups for ttl each. A zero ttl never expires.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1000
	}
	return &MemoryCache{lru: expirable.NewLRU[string, domain.RunningStats](size, nil, ttl)}
}

// SetStats stores the stats for a group.
func (c *MemoryCache) SetStats(_ context.Context, tenantID string, group domain.ControlGroup, stats domain.RunningStats) error {
	c.lru.Add(StatsKey(tenantID, group), stats)
	return nil
}

// GetStats reads the stats for a group.
func (c *MemoryCache) GetStats(_ context.Context, tenantID string, group domain.ControlGroup) (*domain.RunningStats, bool, error) {
	stats, ok := c.lru.Get(StatsKey(tenantID, group))
	if !ok {
		return nil, false, nil
	}
	return &stats, true, nil
}

// Len returns the number of cached groups.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Close drops every entry.
func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}

// TieredCache reads from a local cache before a shared one and backfills the
// local tier on a shared hit. Writes go to both.
type TieredCache struct {
	local  domain.StatsCache
	shared domain.StatsCache
}

var _ domain.StatsCache = (*TieredCache)(nil)

// NewTieredCache layers local in front of shared.
func NewTieredCache(local, shared domain.StatsCache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

// SetStats writes through both tiers.
func (c *TieredCache) SetStats(ctx context.Context, tenantID string, group domain.ControlGroup, stats domain.RunningStats) error {
	if err := c.local.SetStats(ctx, tenantID, group, stats); err != nil {
		return err
	}
	return c.shared.SetStats(ctx, tenantID, group, stats)
}

// GetStats checks the local tier, then the shared one.
func (c *TieredCache) GetStats(ctx context.Context, tenantID string, group domain.ControlGroup) (*domain.RunningStats, bool, error) {
	if stats, ok, err := c.local.GetStats(ctx, tenantID, group); err == nil && ok {
		return stats, true, nil
	}
	stats, ok, err := c.shared.GetStats(ctx, tenantID, group)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.SetStats(ctx, tenantID, group, *stats)
	return stats, true, nil
}

// Close closes both tiers.
func (c *TieredCache) Close() error {
	localErr := c.local.Close()
	if err := c.shared.Close(); err != nil {
		return err
	}
	return localErr
}
