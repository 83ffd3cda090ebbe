// Package retry implements the worker-loop propagation policy: system
// errors retry with exponential backoff and are reported to Sentry
// once the budget is exhausted; developer and shutdown errors are
// never retried.
package retry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/runtime"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
)

// Loop runs fn repeatedly until it returns nil, a developer error (which
// is returned immediately, unretried), or a Shutdown error (returned
// immediately for cooperative exit). System errors back off
// exponentially between initialBackoff and maxBackoff; after
// maxAttempts consecutive system-error failures, the last error is
// captured to Sentry and returned.
func Loop(ctx context.Context, rt runtime.Runtime, component string, maxAttempts int, fn func(ctx context.Context) error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if _, isShutdown := err.(*errs.Shutdown); isShutdown {
			return err
		}
		if errs.IsDeveloperError(err) {
			return err
		}
		lastErr = err

		if sleepErr := rt.Sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	if lastErr != nil {
		sentry.CaptureException(errs.Wrap(lastErr, "%s: exhausted retry budget", component))
	}
	return lastErr
}
