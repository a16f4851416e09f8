package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls the exponential backoff loop in Do.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SleepFn is overridable in tests; defaults to a context-aware sleep.
	SleepFn func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors the bookkeeping-write policy: 4 attempts,
// 200ms initial backoff doubling to a 3s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     3 * time.Second,
	}
}

// Do runs fn with exponential backoff. Terminal errors abort immediately;
// transient errors retry until MaxAttempts, then the last error is returned
// wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	sleep := p.SleepFn
	if sleep == nil {
		sleep = sleepCtx
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Classify(lastErr).IsTransient() {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
