package clock

import "time"

// FakeClock is a manually advanced Clock for tests that exercise the
// time-driven paths: earning hold windows, webhook freshness, and the
// stale-payout sweep.
type FakeClock struct {
	current time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.current
}

// Advance moves the clock forward. Not safe for concurrent use; tests
// drive it from a single goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}
