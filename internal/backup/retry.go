package backup

import (
	"context"
	"time"
)

// RetryPolicy is the retry envelope for transient engine failures
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Do runs op, retrying on retryable errors with exponential backoff.
// Permanent errors and context cancellation surface immediately.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	var err error
	delay := p.Delay
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !IsRetryable(err) || IsPermanent(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return NewTimeoutError("retry interrupted by cancellation", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}
