// Package testutil provides deterministic helpers shared by tests: a
// stepping clock for reproducible action IDs and fixed node IDs.
package testutil

import (
	"sync"
	"time"

	"github.com/AleksandrSl/client/internal/action"
)

// DeterministicClock is a thread-safe logical clock for tests. Every
// Now() call advances time by a fixed step, so action IDs generated
// from it form a predictable sequence.
//
// Unlike the wall clock it can be reset for test reuse, letting the
// same scenario run twice with identical IDs.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	now   int64
	step  int64
}

// NewDeterministicClock creates a clock starting at start milliseconds,
// advancing by step milliseconds per Now() call.
//
// The first call to Now() returns start + step.
func NewDeterministicClock(start, step int64) *DeterministicClock {
	return &DeterministicClock{start: start, now: start, step: step}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return time.UnixMilli(c.now)
}

// Current returns the current time without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start time.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}

// Generator returns an action ID generator for the given node driven by
// this clock.
func (c *DeterministicClock) Generator(node string) *action.Generator {
	return action.NewGeneratorAt(node, c.Now)
}
