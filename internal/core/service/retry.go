package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/guillermoBallester/moat/internal/core/domain"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMultiplier  = 2.0
)

// RetryConfig bounds the retry of transient database failures.
type RetryConfig struct {
	// MaxAttempts counts the first try.
	MaxAttempts uint
	BaseDelay   time.Duration
	Multiplier  float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// retry runs op until it succeeds, fails with a non-retryable error, runs
// out of attempts or ctx is done. Delays grow exponentially without jitter.
func retry[T any](ctx context.Context, cfg RetryConfig, notify backoff.Notify, op func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         backoff.DefaultMaxInterval,
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && (ctx.Err() != nil || !domain.IsRetryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	// The final attempt's error comes back still marked permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}
