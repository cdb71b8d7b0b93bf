package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// RetryConfig defines retry behavior for remote worker operations. Delays
// double from InitialDelay with ±25% jitter and never exceed MaxDelay.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Backoff returns a fresh schedule for one retried operation.
func (c RetryConfig) Backoff() retry.Backoff {
	initial := c.InitialDelay
	if initial <= 0 {
		initial = DefaultRetryConfig().InitialDelay
	}
	b := retry.WithJitterPercent(25, retry.NewExponential(initial))
	if c.MaxDelay > 0 {
		b = retry.WithCappedDuration(c.MaxDelay, b)
	}
	max := c.MaxRetries
	if max < 0 {
		max = 0
	}
	return retry.WithMaxRetries(uint64(max), b)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry runs fn until it succeeds, returns a permanent error, the context
// ends or the retry budget is spent.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, cfg.Backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_retries", cfg.MaxRetries).
			Msg("worker operation failed")
		return retry.RetryableError(err)
	})
}
