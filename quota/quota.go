// Package quota enforces per-user message quotas over a fixed window.
package quota

import (
	"context"
	"sync"
	"time"
)

// Counter is the quota backend: an atomic increment with expiry. A backend
// error must be treated as "allow" by callers; quota enforcement never
// outranks the messaging path.
type Counter interface {
	// Incr increments the counter for key within the current window and
	// returns the new value.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter answers whether a keyed operation is within its quota.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

// NewLimiter creates a quota limiter. A limit of 0 disables enforcement.
func NewLimiter(c Counter, limit int, window time.Duration) *Limiter {
	return &Limiter{counter: c, limit: int64(limit), window: window}
}

// Allow reports whether key may perform one more operation. Counter
// failures fail open.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}
	n, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		return true
	}
	return n <= l.limit
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
}

// MemoryCounter is a sharded in-process fixed-window counter.
type MemoryCounter struct {
	shards [shardCount]*shard
}

// NewMemoryCounter creates an in-process counter backend.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{}
	for i := range c.shards {
		c.shards[i] = &shard{
			counts:  make(map[string]int64),
			expires: make(map[string]time.Time),
		}
	}
	return c
}

func (c *MemoryCounter) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%shardCount]
}

// Incr implements Counter. The window resets lazily on the first increment
// past its expiry.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if exp, ok := s.expires[key]; !ok || now.After(exp) {
		s.counts[key] = 0
		s.expires[key] = now.Add(window)
	}
	s.counts[key]++
	return s.counts[key], nil
}

// StartCleanup periodically evicts expired windows so idle keys do not
// accumulate. Runs until ctx is canceled.
func (c *MemoryCounter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				for _, s := range c.shards {
					s.mu.Lock()
					for key, exp := range s.expires {
						if now.After(exp) {
							delete(s.expires, key)
							delete(s.counts, key)
						}
					}
					s.mu.Unlock()
				}
			}
		}
	}()
}
