package enrich

import (
	"sync"
	"time"
)

// failureCache remembers URLs whose extraction failed recently so they are
// not refetched for every run until the cooldown passes.
type failureCache struct {
	mu       sync.Mutex
	cooldown time.Duration
	until    map[string]time.Time
}

func newFailureCache(cooldown time.Duration) *failureCache {
	return &failureCache{cooldown: cooldown, until: make(map[string]time.Time)}
}

func (c *failureCache) blocked(key string, now time.Time) bool {
	if c.cooldown <= 0 || key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[key]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(c.until, key)
		return false
	}
	return true
}

func (c *failureCache) mark(key string, now time.Time) {
	if c.cooldown <= 0 || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.until[key] = now.Add(c.cooldown)
	if len(c.until) > 4096 {
		for k, until := range c.until {
			if !now.Before(until) {
				delete(c.until, k)
			}
		}
	}
}
