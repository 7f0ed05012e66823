// Package retry holds the backoff and jitter helpers shared by the
// reconnect loop, table flushes and document saves.
package retry

import (
	"context"
	"time"
)

// Backoff describes capped exponential backoff. Min is a floor applied to
// every non-first delay; Initial is the delay after the first failure.
type Backoff struct {
	Min     time.Duration
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 2 * time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	return b
}

// Delay returns the wait after the given number of consecutive failures.
// Zero failures means no wait. The result never decreases as failures
// grows and never exceeds max(Min, Max).
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	b = b.withDefaults()
	delay := b.Initial
	for i := 1; i < failures; i++ {
		delay = time.Duration(float64(delay) * b.Factor)
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	if delay < b.Min {
		delay = b.Min
	}
	return delay
}

// Wait sleeps for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx ends.
// It returns the last error from fn.
func Do(ctx context.Context, attempts int, b Backoff, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if waitErr := Wait(ctx, b.Delay(attempt)); waitErr != nil {
			return err
		}
	}
	return err
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by +/- jitterRatio using sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
