package memory

import (
	"context"
	"sync"
	"time"
)

// AlertCache is an in-process port.AlertCache with the same TTL semantics
// as the Redis adapter.
type AlertCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	marked map[string]time.Time
	now    func() time.Time
}

func NewAlertCache(ttl time.Duration) *AlertCache {
	return &AlertCache{ttl: ttl, marked: make(map[string]time.Time), now: time.Now}
}

func (c *AlertCache) MarkLowStock(_ context.Context, ingredientID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.marked[ingredientID]; ok && (c.ttl <= 0 || now.Sub(at) < c.ttl) {
		return false, nil
	}
	c.marked[ingredientID] = now
	return true, nil
}

func (c *AlertCache) ClearLowStock(_ context.Context, ingredientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.marked, ingredientID)
	return nil
}
