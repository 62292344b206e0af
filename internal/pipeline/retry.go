package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
)

// RetryPolicy bounds retries of read-only store calls.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration // delay before the second attempt, doubled after
}

// DefaultRetryPolicy is used for room listing and resume hydration.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 100 * time.Millisecond}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the attempts run out. Only SERVICE_UNAVAILABLE failures are retried; the
// last one is returned as is.
func withRetry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	delay := policy.Base
	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if chat.CodeOf(err) != chat.CodeUnavailable || attempt == policy.Attempts {
			break
		}
		log.Debug().Str("module", "pipeline").Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying")

		select {
		case <-ctx.Done():
			return chat.Unavailable(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
