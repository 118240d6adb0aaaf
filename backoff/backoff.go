// Package backoff provides pluggable retry delay strategies for job
// re-enqueueing. All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, capped at Max.
// With Jitter set, the delay is a random value in [0, cap] (full jitter),
// which prevents thundering herd when many retries fire simultaneously.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// NewExponential creates an exponential backoff strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

// Delay returns min(Initial * 2^(attempt-1), Max), randomized over
// [0, that value] when Jitter is set.
func (e *Exponential) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(base)
}

// DefaultStrategy returns the default retry backoff used by the runner:
// exponential with full jitter, 5s initial and 2m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(5*time.Second, 2*time.Minute)
}
