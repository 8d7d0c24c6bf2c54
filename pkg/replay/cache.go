package replay

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers recently seen message keys so duplicates delivered by the
// transport can be dropped. Entries expire after ttl and the least recently
// seen entry is evicted once capacity is reached.
//
// Callers pass the current time explicitly; the coordinator drives it from
// its event loop and tests drive it with synthetic timestamps. Each entry
// stores its expiry, the zero time meaning never.
type Cache struct {
	mu   sync.Mutex // makes Observe's check-then-add atomic
	data *lru.Cache[string, time.Time]
	ttl  time.Duration
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	data, err := lru.New[string, time.Time](capacity)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &Cache{data: data, ttl: ttl}
}

func live(expireAt, now time.Time) bool {
	return expireAt.IsZero() || now.Before(expireAt)
}

// Observe records key and reports whether it was already present and
// unexpired. A duplicate refreshes neither recency nor expiry, so a replay
// storm cannot keep an entry alive forever.
func (c *Cache) Observe(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.data.Peek(key); ok {
		if live(exp, now) {
			return true
		}
		c.data.Remove(key)
	}

	var exp time.Time
	if c.ttl > 0 {
		exp = now.Add(c.ttl)
	}
	c.data.Add(key, exp)
	return false
}

// Contains reports whether key is present and unexpired at now.
func (c *Cache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.data.Peek(key)
	return ok && live(exp, now)
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Remove(key)
}

// Prune drops every entry expired at now and returns how many were removed.
func (c *Cache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.data.Keys() {
		if exp, ok := c.data.Peek(key); ok && !live(exp, now) {
			c.data.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Purge()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Len()
}
