package sentiment

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"golang.org/x/sync/singleflight"
)

// SnapshotCache keeps recently computed snapshots for a short TTL.
// Concurrent loads of the same key share one computation.
type SnapshotCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	snapshot  models.ProjectSentimentSnapshot
	expiresAt time.Time
}

// CacheKey builds the key of a monitor snapshot over timeframe with sampleSize mentions
func CacheKey(monitorID, timeframe string, sampleSize int) string {
	return fmt.Sprintf("%s|%s|%d", monitorID, timeframe, sampleSize)
}

// NewSnapshotCache creates a cache. A non-positive ttl defaults to 5 minutes.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotCache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// SetClock replaces the clock used for expiry
func (c *SnapshotCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached snapshot for key, if still fresh
func (c *SnapshotCache) Get(key string) (models.ProjectSentimentSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return models.ProjectSentimentSnapshot{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return models.ProjectSentimentSnapshot{}, false
	}
	return e.snapshot, true
}

// Set stores a snapshot and drops expired entries
func (c *SnapshotCache) Set(key string, s models.ProjectSentimentSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{snapshot: s, expiresAt: now.Add(c.ttl)}
}

// GetOrLoad returns the cached snapshot or computes it with load.
// Failed loads are not cached.
func (c *SnapshotCache) GetOrLoad(key string, load func() (models.ProjectSentimentSnapshot, error)) (models.ProjectSentimentSnapshot, error) {
	if s, ok := c.Get(key); ok {
		return s, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if s, ok := c.Get(key); ok {
			return s, nil
		}
		s, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, s)
		return s, nil
	})
	if err != nil {
		return models.ProjectSentimentSnapshot{}, err
	}
	return v.(models.ProjectSentimentSnapshot), nil
}

// Invalidate drops every entry of a monitor
func (c *SnapshotCache) Invalidate(monitorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := monitorID + "|"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of stored entries, fresh or not
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
