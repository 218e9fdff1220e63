package domain

import (
	"sync"
	"time"
)

// Clock hands out logical creation timestamps. Values are seeded from wall-clock
// milliseconds but are strictly increasing within one Clock, so two elements
// created in the same millisecond still get distinct, ordered values.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns max(now_ms, last+1).
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

// Observe advances the clock past a timestamp seen on another element so local
// creations after a resync still sort after what was loaded.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}
