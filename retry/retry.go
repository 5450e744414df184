// Package retry provides bounded retry with a policy table keyed by error
// category. Malformed-output failures retry fast with no backoff; transient
// transport failures retry with exponential backoff. Permanent and internal
// errors are never retried.
package retry

import (
	"context"
	"time"

	"github.com/reveriehq/reverie/errors"
)

// Policy controls retry behaviour for one class of external call.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt. Subsequent
	// delays double up to MaxBackoff. Zero means no wait between attempts.
	InitialBackoff time.Duration
	// MaxBackoff caps the per-attempt wait.
	MaxBackoff time.Duration
}

// Call classes and their default policies. Attempts range 2-8 depending on
// how cheap the call is to repeat and how fatal its loss is to the turn.
var (
	// Generation is for primary message-generation calls: fatal to the turn
	// when exhausted, so it gets the most attempts.
	Generation = Policy{MaxAttempts: 4, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second}

	// Enrichment is for optional calls (reflection synthesis, summaries,
	// importance rating): the turn survives their loss.
	Enrichment = Policy{MaxAttempts: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second}

	// Embedding is for encode and rerank calls: cheap, frequent, and
	// retried a little harder since retrieval quality depends on them.
	Embedding = Policy{MaxAttempts: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 2 * time.Second}

	// Parse is for malformed-output failures: re-asking immediately is the
	// whole point, so there is no backoff.
	Parse = Policy{MaxAttempts: 3, InitialBackoff: 0, MaxBackoff: 0}
)

// backoffFor returns the wait before the next attempt given the error that
// just occurred. Malformed responses retry with zero backoff regardless of
// the policy's transport backoff settings.
func (p Policy) backoffFor(err error, attempt int) time.Duration {
	if errors.IsMalformed(err) {
		return 0
	}
	if p.InitialBackoff <= 0 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do calls fn up to p.MaxAttempts times. Only errors the taxonomy marks
// retryable are retried; everything else is returned immediately. It stops
// early when ctx is cancelled. An error that survives every attempt is
// returned marked non-retryable, so outer retry layers do not multiply
// attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "retry aborted")
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts {
			delay := p.backoffFor(lastErr, attempt)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return errors.Wrap(ctx.Err(), "retry aborted")
				case <-time.After(delay):
				}
			}
		}
	}

	return errors.Wrap(lastErr, "retries exhausted", errors.WithRetryable(false))
}

// DoValue is Do for functions returning a value alongside the error.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		var ferr error
		result, ferr = fn(ctx)
		return ferr
	})
	return result, err
}
