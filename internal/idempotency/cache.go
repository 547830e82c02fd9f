package idempotency

import (
	"context"
	"sync"
	"time"
)

// Cache deduplicates requests by message ID. Seen returns the recorded
// response verbatim for a message ID still inside the retention window;
// Record stores the first response for later replay.
type Cache interface {
	Seen(ctx context.Context, messageID string) ([]byte, bool, error)
	Record(ctx context.Context, messageID string, response []byte) error
}

type entry struct {
	response   []byte
	recordedAt time.Time
}

// MemoryCacheConfig configures the in-memory cache.
type MemoryCacheConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// MemoryCache is the default in-process cache with periodic eviction.
type MemoryCache struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]entry

	done     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache constructs a cache with the configured retention window
// (thirty minutes when unset) and starts the eviction sweeper.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	retention := cfg.Retention
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &MemoryCache{
		retention: retention,
		now:       now,
		entries:   make(map[string]entry),
		done:      make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// Seen reports whether the message ID was recorded inside the retention window.
func (c *MemoryCache) Seen(_ context.Context, messageID string) ([]byte, bool, error) {
	if messageID == "" {
		return nil, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID]
	if !ok || c.now().Sub(e.recordedAt) > c.retention {
		return nil, false, nil
	}
	return e.response, true, nil
}

// Record stores the response for the message ID. Empty IDs are not cached.
func (c *MemoryCache) Record(_ context.Context, messageID string, response []byte) error {
	if messageID == "" {
		return nil
	}
	c.mu.Lock()
	c.entries[messageID] = entry{response: response, recordedAt: c.now()}
	c.mu.Unlock()
	return nil
}

// Len returns the number of tracked entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes entries older than the retention window.
func (c *MemoryCache) Sweep() int {
	cutoff := c.now().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if e.recordedAt.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close stops the eviction sweeper.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}
