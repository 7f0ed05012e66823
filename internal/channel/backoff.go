package channel

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/patchsync/internal/retry"
)

// reconnector spaces connect attempts. Consecutive attempts are at least
// minWait apart, and further apart after failures following backoff.
type reconnector struct {
	minWait time.Duration
	backoff retry.Backoff
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	last     time.Time
	failures int
}

func newReconnector(minWait time.Duration, backoff retry.Backoff) *reconnector {
	return &reconnector{minWait: minWait, backoff: backoff, now: time.Now, sleep: retry.Wait}
}

// gap is the minimum distance from the previous attempt.
func (r *reconnector) gap() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := r.backoff.Delay(r.failures)
	if delay < r.minWait {
		delay = r.minWait
	}
	return delay
}

// Wait blocks until the next attempt may start and records it.
func (r *reconnector) Wait(ctx context.Context) error {
	gap := r.gap()
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if !last.IsZero() {
		if remaining := last.Add(gap).Sub(r.now()); remaining > 0 {
			if err := r.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.last = r.now()
	r.mu.Unlock()
	return nil
}

func (r *reconnector) Failure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

func (r *reconnector) Success() {
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
}
