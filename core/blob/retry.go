package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RetryPolicy struct {
	Retries int
	Timeout time.Duration
	Backoff time.Duration
}

// PutWithRetry streams the content from open with a per-attempt timeout,
// retrying with linear backoff. Each attempt reopens the content. Cancellation
// of ctx stops further attempts and ErrExists is returned at once.
func PutWithRetry(ctx context.Context, s Store, key string, open Opener, size int64, contentType string, p RetryPolicy) (int, error) {
	attempts := p.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return i, errors.Join(ctx.Err(), lastErr)
			case <-time.After(time.Duration(i) * p.Backoff):
			}
		}
		if err := ctx.Err(); err != nil {
			return i, errors.Join(err, lastErr)
		}
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		lastErr = putOnce(attemptCtx, s, key, open, size, contentType)
		cancel()
		if lastErr == nil {
			return i + 1, nil
		}
		if errors.Is(lastErr, ErrExists) {
			return i + 1, lastErr
		}
	}
	return attempts, lastErr
}

func putOnce(ctx context.Context, s Store, key string, open Opener, size int64, contentType string) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("open content: %w", err)
	}
	defer rc.Close()
	return s.Put(ctx, key, rc, size, contentType)
}
