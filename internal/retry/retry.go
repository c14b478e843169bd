// Package retry provides the single retry policy injected into every
// component that talks to the network. Call sites never hand-roll their own
// backoff loops.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atlasview/optly-pipeline/internal/logging"
	"github.com/atlasview/optly-pipeline/internal/metrics"
)

// Policy bounds retries with exponential backoff. The zero value is not
// usable; construct with Default or fill every field.
type Policy struct {
	MaxAttempts     int           // total attempts, including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable reports whether an error is worth retrying. A nil predicate
	// retries everything except context cancellation.
	Retryable func(error) bool
}

// Default returns the policy used when configuration does not override it.
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Do runs fn until it succeeds, a non-retryable error occurs, the attempt
// budget is exhausted, or ctx is done. op names the operation for logs.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		// Per-call deadline errors are retryable timeouts; cancellation is an
		// operator interrupt and stops the run.
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt < attempts {
			attrs := []any{
				"operation", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err,
			}
			if id := logging.CorrelationID(ctx); id != "" {
				attrs = append(attrs, "correlation_id", id)
			}
			slog.Warn("retrying operation", attrs...)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(op)
			}
		}
		return err
	}, b)
}
