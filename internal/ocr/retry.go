package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// RetryPolicy bounds recognition-service retries. Only transient service-side
// errors are retried; malformed input and download failures are not.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Deadline       time.Duration
}

// DefaultRetryPolicy mirrors the service quota guidance: up to 5 attempts,
// exponential backoff from 1s capped at 60s, 300s overall deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Deadline:       300 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the policy
// is exhausted (attempts or deadline, whichever triggers first).
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !pipeline.IsTransientRecognition(err) {
			return err
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry deadline exceeded: %w", lastErr)
		case <-timer.C:
		}
		backoff *= 2
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
