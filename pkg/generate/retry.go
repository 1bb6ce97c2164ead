package generate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxRetries is the retry budget on top of the first attempt.
	DefaultMaxRetries = 3

	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 500 * time.Millisecond
)

// Retrying wraps a Generator with exponential backoff on upstream failures.
// Only ErrUpstream is retried; anything else is the caller's bug and retry
// would just repeat it. A failed attempt may already have streamed some
// tokens, so consumers see at-least-once token delivery across retries.
type Retrying struct {
	inner      Generator
	maxRetries int
	baseDelay  time.Duration
}

// NewRetrying wraps inner with the given retry budget (defaults when zero).
func NewRetrying(inner Generator, maxRetries int, baseDelay time.Duration) *Retrying {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Retrying{inner: inner, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Provider returns the wrapped provider's name.
func (r *Retrying) Provider() string {
	return r.inner.Provider()
}

// Generate delegates to the wrapped generator, backing off and retrying on
// upstream failures until the budget is spent.
func (r *Retrying) Generate(ctx context.Context, req Request, onToken func(string)) (*Response, error) {
	var lastErr error
	delay := r.baseDelay

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Err(lastErr).
				Str("provider", r.inner.Provider()).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying generation after upstream failure")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := r.inner.Generate(ctx, req, onToken)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrUpstream) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}
