package forecast

import (
	"context"
	"sync"
	"time"

	"alon/internal/types"
)

// Cache holds the last good suggestion per (region, service). Reads never
// touch the provider; Refresh is driven by the profile tick.
type Cache struct {
	provider Provider
	clock    types.Clock

	mu   sync.RWMutex
	rows map[cacheKey]cached
}

type cacheKey struct {
	region  types.ID
	service string
}

type cached struct {
	suggestion Suggestion
	fetchedAt  time.Time
}

func NewCache(provider Provider, clock types.Clock) *Cache {
	return &Cache{
		provider: provider,
		clock:    clock,
		rows:     make(map[cacheKey]cached),
	}
}

// Refresh asks the provider and replaces the cached suggestion. On provider
// error the previous value stays and is returned alongside the error.
func (c *Cache) Refresh(ctx context.Context, regionID types.ID, serviceKey string) (Suggestion, error) {
	s, err := c.provider.Baseline(ctx, regionID, serviceKey)
	if err != nil {
		return c.Current(regionID, serviceKey), err
	}
	c.mu.Lock()
	c.rows[cacheKey{regionID, serviceKey}] = cached{suggestion: s, fetchedAt: c.clock.Now()}
	c.mu.Unlock()
	return s, nil
}

// Current returns the cached suggestion, or the neutral full-confidence
// baseline for a pair that was never refreshed.
func (c *Cache) Current(regionID types.ID, serviceKey string) Suggestion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if row, ok := c.rows[cacheKey{regionID, serviceKey}]; ok {
		return row.suggestion
	}
	return Suggestion{Multiplier: 1.0, Confidence: 1.0, ModelVersion: "static"}
}
