package scheduler

import (
	"sync"
	"time"
)

// logicalClock holds the time of the latest Tick. Until the first Tick it
// reads the fallback clock.
type logicalClock struct {
	mu       sync.Mutex
	now      time.Time
	fallback func() time.Time
}

func (c *logicalClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		return c.fallback()
	}
	return c.now
}

func (c *logicalClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
