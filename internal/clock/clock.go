// Package clock provides the time source of the engine.
//
// Processors never call time.Now directly: every timestamp, deadline and
// timer decision goes through a Clock so tests can pin and advance time and
// replay stays deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Millis returns c.Now() as UTC milliseconds since Unix epoch.
func Millis(c Clock) int64 { return c.Now().UnixMilli() }

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Controlled is a clock that only moves when told to. It is safe for
// concurrent use.
type Controlled struct {
	mu  sync.Mutex
	now time.Time
}

// NewControlled returns a clock pinned at start.
func NewControlled(start time.Time) *Controlled {
	return &Controlled{now: start}
}

// Now returns the pinned time.
func (c *Controlled) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock at t.
func (c *Controlled) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and returns the new time.
func (c *Controlled) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
