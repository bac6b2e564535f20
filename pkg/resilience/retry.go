package resilience

import (
	"context"
	"time"
)

// RetryPolicy runs an operation a bounded number of times with a fixed delay
// between failed attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewRetryPolicy(maxAttempts int, backoff time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff < 0 {
		backoff = 0
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
}

// Do calls fn until it succeeds or MaxAttempts is reached. attempt starts at 1.
// The last error is returned when every attempt fails.
func (r RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return err
		}
		err = fn(i)
		if err == nil {
			return nil
		}
		if i == attempts {
			return err
		}
		if serr := sleep(ctx, r.Backoff); serr != nil {
			return err
		}
	}
	return err
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
