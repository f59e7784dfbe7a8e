package homework

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kalambet/esltutor/internal/apperr"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
)

// RetryPolicy bounds retries of transport-level failures. Any other error,
// including GenerationParseError, is returned on the first occurrence.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 retries starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, InitialBackoff: defaultInitialBackoff}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// WithRetry calls fn until it succeeds, fails with a non-transient error, or
// the retry ceiling is reached. Backoff doubles after each attempt.
func WithRetry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	maxRetries := max(p.MaxRetries, 0)

	var zero T
	var lastErr error
	for attempt := range maxRetries + 1 {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !apperr.IsTransient(err) || ctx.Err() != nil {
			return zero, err
		}
		lastErr = err

		if attempt < maxRetries {
			backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(2, float64(attempt)))
			logger.Warn("transient failure, retrying",
				"attempt", attempt+1,
				"backoff", backoff,
				"kind", apperr.KindOf(err),
				"error", err,
			)
			if err := sleep(ctx, backoff); err != nil {
				return zero, lastErr
			}
		}
	}
	return zero, fmt.Errorf("giving up after %d attempts: %w", maxRetries+1, lastErr)
}
