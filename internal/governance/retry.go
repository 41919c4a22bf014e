package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behaviour.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter spreads every delay by up to 25% in either direction.
	Jitter bool
}

// DefaultRetryConfig returns the defaults applied to zero fields.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy runs functions with exponential backoff between attempts.
type RetryPolicy struct {
	config    RetryConfig
	retryable func(error) bool
	onRetry   func(err error, delay time.Duration)
}

// NewRetryPolicy creates a retry policy. retryable decides which errors are worth
// another attempt; nil retries every error.
func NewRetryPolicy(config RetryConfig, retryable func(error) bool) *RetryPolicy {
	defaults := DefaultRetryConfig()
	config.MaxRetries = max(0, config.MaxRetries)
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &RetryPolicy{config: config, retryable: retryable}
}

// OnRetry registers fn to be called with the failed attempt's error and the delay
// before the next one.
func (rp *RetryPolicy) OnRetry(fn func(err error, delay time.Duration)) {
	rp.onRetry = fn
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

func (rp *RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: rp.config.InitialBackoff,
		MaxInterval:     rp.config.MaxBackoff,
		Multiplier:      rp.config.BackoffMultiplier,
	}
	if rp.config.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.Reset()
	return b
}

// CalculateBackoff returns the un-jittered delay before retry number attempt
// (zero based).
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	b := rp.backOff()
	b.RandomizationFactor = 0
	var d time.Duration
	for range attempt + 1 {
		d = b.NextBackOff()
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempts
// run out. fn receives the zero-based attempt number.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(rp.backOff()),
		backoff.WithMaxTries(uint(rp.config.MaxRetries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if rp.onRetry != nil {
		opts = append(opts, backoff.WithNotify(rp.onRetry))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := fn(attempt)
		attempt++
		if err != nil && !rp.retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)
	if err == nil {
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt, err)
}
