package timer

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock = clockwork.Clock

// TickInterval is how often a running timer is re-derived locally.
const TickInterval = 100 * time.Millisecond

// NewRealClock returns the wall clock.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}
