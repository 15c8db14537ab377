// Package clock provides an injectable time abstraction.
//
// Components that wait on timers (heartbeat, reconnect backoff, the
// staleness sweep) take a Clock instead of calling the time package
// directly. Production code uses Real(); tests use Fake() and move time
// forward with Advance, so no test ever sleeps.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// After waits for the duration to elapse and then sends the
	// current time on the returned channel.
	After(d time.Duration) <-chan time.Time

	// NewTimer creates a Timer that sends the current time on its
	// channel after at least duration d. The timer can be stopped.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker that delivers ticks every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns false if the timer
// already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }
