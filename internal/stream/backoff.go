package stream

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential reconnect policy with a cap and symmetric
// jitter. Attempts are unlimited.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter is the fraction applied as ±Jitter around the capped delay.
	Jitter float64

	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1 * time.Second,
		Factor: 2,
		Cap:    30 * time.Second,
		Jitter: 0.2,
	}
}

// MaxJitter bounds Jitter so a jittered delay never drops below half
// the ceiling.
const MaxJitter = 0.5

// Normalize returns b with a positive Base and Cap (taken from
// DefaultBackoff when unset), Cap no smaller than Base, Factor at least 1
// and Jitter within [0, MaxJitter].
func (b Backoff) Normalize() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Cap <= 0 {
		b.Cap = def.Cap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if !(b.Factor >= 1) {
		b.Factor = 1
	}
	if !(b.Jitter >= 0) {
		b.Jitter = 0
	}
	if b.Jitter > MaxJitter {
		b.Jitter = MaxJitter
	}
	return b
}

// Ceiling returns the un-jittered delay before attempt (1-based):
// min(Cap, Base * Factor^(attempt-1)).
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Cap > 0 && (delay > float64(b.Cap) || math.IsInf(delay, 1)) {
		return b.Cap
	}
	return time.Duration(delay)
}

// Delay returns the jittered delay before attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if b.Jitter <= 0 {
		return ceiling
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	spread := b.Jitter * (2*random() - 1)
	return time.Duration(float64(ceiling) * (1 + spread))
}
