// Package cache
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"quotefeed/internal/market"
)

// DefaultStalenessThreshold is the process-wide freshness bound shared by
// every read operation; there is no per-entry override.
const DefaultStalenessThreshold = 2000 * time.Millisecond

type entry struct {
	obs        market.Observation
	insertedAt time.Time
}

// Stats summarizes cache occupancy at a point in time.
type Stats struct {
	TotalEntries int `json:"total_entries"`
	FreshEntries int `json:"fresh_entries"`
	StaleEntries int `json:"stale_entries"`
}

// Cache holds the latest observation per (venue, pair) with staleness
// evaluated at read time. A stale entry is reported as absent even though
// it physically remains until Cleanup. All methods are safe for concurrent
// use; each call is atomic with respect to the others but no transaction
// spans multiple calls.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	threshold time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New builds a cache with the given staleness threshold. A non-positive
// threshold falls back to DefaultStalenessThreshold.
func New(threshold time.Duration, logger *zap.Logger) *Cache {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:   make(map[string]entry),
		threshold: threshold,
		now:       time.Now,
		logger:    logger.Named("cache"),
	}
}

func key(venue, pair string) string {
	return venue + ":" + pair
}

// Set upserts the entry for the observation's (venue, pair) key. insertedAt
// is always refreshed to the current wall clock, so it is monotonically
// non-decreasing per key and the last write wins.
func (c *Cache) Set(obs market.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(obs.Venue, obs.Pair)] = entry{obs: obs, insertedAt: c.now()}
}

// Get returns the observation for (venue, pair) if it is fresh.
func (c *Cache) Get(venue, pair string) (market.Observation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(venue, pair)]
	if !ok || c.now().Sub(e.insertedAt) > c.threshold {
		return market.Observation{}, false
	}
	return e.obs, true
}

// GetByPair returns all fresh observations for a pair across venues.
// Order is not significant.
func (c *Cache) GetByPair(pair string) []market.Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var out []market.Observation
	for _, e := range c.entries {
		if e.obs.Pair == pair && now.Sub(e.insertedAt) <= c.threshold {
			out = append(out, e.obs)
		}
	}
	return out
}

// GetByVenue returns all fresh observations for one venue across pairs.
func (c *Cache) GetByVenue(venue string) []market.Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var out []market.Observation
	for _, e := range c.entries {
		if e.obs.Venue == venue && now.Sub(e.insertedAt) <= c.threshold {
			out = append(out, e.obs)
		}
	}
	return out
}

// GetStaleness returns the age of the (venue, pair) entry. It reports false
// only when no entry exists at all; a stale-but-present entry still reports
// its age so callers can distinguish "old data" from "no data".
func (c *Cache) GetStaleness(venue, pair string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(venue, pair)]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.insertedAt), true
}

// Has reports whether a fresh entry exists for (venue, pair).
func (c *Cache) Has(venue, pair string) bool {
	_, ok := c.Get(venue, pair)
	return ok
}

// Pairs returns the distinct pairs that currently have at least one fresh
// entry, across all venues.
func (c *Cache) Pairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	seen := make(map[string]struct{})
	var pairs []string
	for _, e := range c.entries {
		if now.Sub(e.insertedAt) > c.threshold {
			continue
		}
		if _, ok := seen[e.obs.Pair]; !ok {
			seen[e.obs.Pair] = struct{}{}
			pairs = append(pairs, e.obs.Pair)
		}
	}
	return pairs
}

// Cleanup physically removes entries whose age exceeds the threshold and
// returns the number removed. Read-time filtering makes stale entries
// invisible regardless; Cleanup only bounds memory and is intended to run
// periodically.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.threshold {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("removed stale entries", zap.Int("count", removed))
	}
	return removed
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// GetStats returns current occupancy counters.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	s := Stats{TotalEntries: len(c.entries)}
	for _, e := range c.entries {
		if now.Sub(e.insertedAt) <= c.threshold {
			s.FreshEntries++
		} else {
			s.StaleEntries++
		}
	}
	return s
}
