// retry.go: bounded retry with backoff for transient store failures.
package pipeline

import (
	"context"
	"time"

	"github.com/tomasvidal/vigia/internal/errors"
)

// withRetry runs op up to maxRetries+1 times, sleeping backoff*attempt between
// tries. Only errors tagged transient are retried; terminal errors and context
// cancellation surface immediately.
func withRetry(ctx context.Context, maxRetries int, backoff time.Duration, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || attempt >= maxRetries {
			return err
		}

		select {
		case <-time.After(backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
