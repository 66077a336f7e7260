package upload

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retry loop: at most Attempts calls, Interval apart.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Default policies.
var (
	ChunkPolicy = Policy{Attempts: 10, Interval: 2 * time.Second}
	JobPolicy   = Policy{Attempts: 5, Interval: time.Second}
)

// Validate reports an unusable policy.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", p.Attempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("retry interval must not be negative, got %s", p.Interval)
	}
	return nil
}

// Outcome is the result of a retry loop.
type Outcome struct {
	Attempts int   // calls made
	Err      error // last error, nil on success
}

// OK reports success.
func (o Outcome) OK() bool { return o.Err == nil }

// Retry calls attempt until it succeeds or the policy is exhausted, waiting a
// constant interval between calls. n is the 1-based attempt number. A
// cancelled context ends the loop with the context error.
func Retry(ctx context.Context, p Policy, attempt func(ctx context.Context, n int) error) Outcome {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var out Outcome
	for n := 1; n <= p.Attempts; n++ {
		if n > 1 {
			timer := time.NewTimer(p.Interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				out.Err = ctx.Err()
				return out
			}
		}

		out.Attempts = n
		out.Err = attempt(ctx, n)
		if out.Err == nil {
			return out
		}
	}
	return out
}
