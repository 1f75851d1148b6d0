package streamer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimestampCache remembers, per metric, the timestamp of the most recent
// sample stored by this pipeline. It is process-local and best-effort: a
// miss is repopulated from the repository.
//
// Garbage collection is deliberately coarse — the whole cache is dropped
// once gcInterval has passed since the last clear. Per-entry TTLs are not
// worth the bookkeeping here; entries are one timestamp each and the
// repository rebuilds any of them on demand.
type TimestampCache struct {
	mu         sync.RWMutex
	entries    map[uuid.UUID]time.Time
	clearedAt  time.Time
	gcInterval time.Duration
}

// NewTimestampCache creates a cache that self-clears after gcInterval.
func NewTimestampCache(gcInterval time.Duration) *TimestampCache {
	return &TimestampCache{
		entries:    make(map[uuid.UUID]time.Time),
		clearedAt:  time.Now(),
		gcInterval: gcInterval,
	}
}

// Get returns the cached last-stored timestamp and true on a hit.
func (c *TimestampCache) Get(metricID uuid.UUID) (time.Time, bool) {
	c.maybeClear()
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.entries[metricID]
	return ts, ok
}

// Set records the newest stored timestamp for a metric.
func (c *TimestampCache) Set(metricID uuid.UUID, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[metricID] = ts
}

// Len returns the number of cached entries. Used by the observable gauge.
func (c *TimestampCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TimestampCache) maybeClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.clearedAt) > c.gcInterval {
		c.entries = make(map[uuid.UUID]time.Time)
		c.clearedAt = time.Now()
	}
}
