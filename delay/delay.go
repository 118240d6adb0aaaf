// Package delay computes wake times for delayed steps and retrying
// jobs. The queue holds a delayed job reference until the wake time;
// nothing in this package sleeps.
package delay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/notify/backoff"
	"github.com/xraph/notify/workflow"
)

// Calculator derives wake times for delay steps and retry attempts.
type Calculator struct {
	retry backoff.Strategy
	now   func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithRetryStrategy sets the retry backoff strategy.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(c *Calculator) { c.retry = s }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// New creates a Calculator with the default exponential retry strategy.
func New(opts ...Option) *Calculator {
	c := &Calculator{
		retry: backoff.DefaultStrategy(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WakeTime computes the absolute wake time for a delay step from its
// configuration and the trigger payload. A malformed payload value is a
// non-retryable configuration error; callers mark the step failed.
func (c *Calculator) WakeTime(cfg *workflow.DelayConfig, payload json.RawMessage) (time.Time, error) {
	if cfg == nil {
		return time.Time{}, fmt.Errorf("delay: step has no delay configuration")
	}

	switch {
	case !cfg.At.IsZero():
		return cfg.At.UTC(), nil
	case cfg.For > 0:
		return c.now().Add(cfg.For), nil
	case cfg.Path != "":
		return c.wakeFromPayload(cfg.Path, payload)
	default:
		return time.Time{}, fmt.Errorf("delay: delay configuration sets none of at/for/path")
	}
}

// wakeFromPayload reads the delay target from a payload field holding
// either an RFC3339 timestamp or a number of seconds.
func (c *Calculator) wakeFromPayload(path string, payload json.RawMessage) (time.Time, error) {
	var fields map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return time.Time{}, fmt.Errorf("delay: parse payload: %w", err)
		}
	}

	value, ok := fields[path]
	if !ok {
		return time.Time{}, fmt.Errorf("delay: payload field %q not present", path)
	}

	switch v := value.(type) {
	case string:
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("delay: payload field %q is not RFC3339: %w", path, err)
		}
		return at.UTC(), nil
	case float64:
		if v < 0 {
			return time.Time{}, fmt.Errorf("delay: payload field %q is negative", path)
		}
		return c.now().Add(time.Duration(v) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("delay: payload field %q has unsupported type %T", path, value)
	}
}

// RetryAt computes the re-enqueue time for retry attempt n (1-indexed).
func (c *Calculator) RetryAt(attempt int) time.Time {
	return c.now().Add(c.retry.Delay(attempt))
}
