// Package retry computes backoff schedules and dead-letter thresholds for
// failed queue items. The policy is a pure value type with no side effects.
package retry

import (
	"math/rand"
	"time"
)

// Policy controls how failed transfers are rescheduled.
//
// The delay for attempt n is Base * 2^(n-1) plus a uniform jitter in [0, Base),
// capped at Max. Jitter never exceeds one Base step, so the delay is
// non-decreasing in the attempt count up to the cap.
type Policy struct {
	// Base is the first retry delay.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// MaxRetries is the number of attempts before an item is dead-lettered.
	MaxRetries int

	// Rand supplies jitter in [0.0, 1.0). Nil means math/rand; tests
	// inject a fixed function for deterministic schedules.
	Rand func() float64
}

// Default returns the retry policy used when no configuration is present.
func Default() Policy {
	return Policy{
		Base:       2 * time.Second,
		Max:        5 * time.Minute,
		MaxRetries: 3,
	}
}

// WithMaxRetries returns a copy of the policy with the retry budget replaced.
// The engine uses this to apply the persisted settings at cycle start.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// NextDelay returns the backoff delay before the given attempt is retried.
// attempt is the number of failures so far, starting at 1 for the first
// failure.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 5 * time.Minute
	}

	// Shift with overflow guard: past ~62 doublings the delay is
	// certainly beyond any sane cap.
	exp := attempt - 1
	var delay time.Duration
	if exp >= 62 || base<<uint(exp) < base {
		delay = max
	} else {
		delay = base << uint(exp)
	}
	if delay >= max {
		return max
	}

	delay += p.jitter(base)
	if delay > max {
		delay = max
	}
	return delay
}

// NextAttemptAt returns the wall-clock time at which the given attempt
// becomes eligible for retry.
func (p Policy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(p.NextDelay(attempt))
}

// IsDead reports whether an item with the given attempt count has exhausted
// its retry budget and must be dead-lettered.
func (p Policy) IsDead(attempt int) bool {
	return attempt >= p.MaxRetries
}

func (p Policy) jitter(base time.Duration) time.Duration {
	f := p.Rand
	if f == nil {
		f = rand.Float64
	}
	return time.Duration(f() * float64(base))
}
