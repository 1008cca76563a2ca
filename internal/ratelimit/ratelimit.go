// Package ratelimit enforces a per-operation token bucket in front of the
// database.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/guillermoBallester/moat/internal/core/domain"
)

// Interval is the refill granularity of a bucket.
type Interval string

const (
	Second Interval = "second"
	Minute Interval = "minute"
	Hour   Interval = "hour"
	Day    Interval = "day"
)

const (
	DefaultTokensPerInterval = 100
	DefaultInterval          = Hour
)

// ParseInterval accepts second, minute, hour or day in any case.
func ParseInterval(s string) (Interval, error) {
	switch i := Interval(strings.ToLower(strings.TrimSpace(s))); i {
	case Second, Minute, Hour, Day:
		return i, nil
	default:
		return "", fmt.Errorf("invalid rate limit interval %q: must be second, minute, hour, or day", s)
	}
}

// Duration returns the length of one interval. Unknown values count as a
// minute.
func (i Interval) Duration() time.Duration {
	switch i {
	case Second:
		return time.Second
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Config controls the limiter. Zero values fall back to the package defaults.
type Config struct {
	Enabled           bool
	TokensPerInterval int
	Interval          Interval
	// FireImmediately rejects an exhausted call at once. When false a call may
	// wait for the next token, but only if it arrives before the caller's
	// context deadline.
	FireImmediately bool
}

// BucketStats describes one operation's bucket.
type BucketStats struct {
	RemainingTokens   float64  `json:"remaining_tokens"`
	TokensPerInterval int      `json:"tokens_per_interval"`
	Interval          Interval `json:"interval"`
}

// Limiter holds one token bucket per operation name, created on first use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source used for token accounting.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.TokensPerInterval <= 0 {
		cfg.TokensPerInterval = DefaultTokensPerInterval
	}
	if cfg.Interval == "" {
		cfg.Interval = DefaultInterval
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether limits are enforced.
func (l *Limiter) Enabled() bool { return l.cfg.Enabled }

// RetryAfter is the wait advertised to callers that hit the limit.
func (l *Limiter) RetryAfter() time.Duration { return l.cfg.Interval.Duration() }

// CheckLimit takes one token from name's bucket. An exhausted bucket yields a
// rate-limit error whose RetryAfter is one interval.
func (l *Limiter) CheckLimit(ctx context.Context, name string) error {
	if !l.cfg.Enabled {
		return nil
	}

	lim := l.bucket(name)
	now := l.now()
	if lim.AllowN(now, 1) {
		return nil
	}

	if !l.cfg.FireImmediately {
		if err := l.waitForToken(ctx, lim, now); err == nil {
			return nil
		}
	}
	return domain.NewRateLimitError(name, l.RetryAfter())
}

// waitForToken blocks until the next token is available, provided that
// happens before ctx's deadline. Without a deadline it refuses to wait.
func (l *Limiter) waitForToken(ctx context.Context, lim *rate.Limiter, now time.Time) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return errNoDeadline
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return errNoDeadline
	}
	delay := r.DelayFrom(now)
	if !now.Add(delay).Before(deadline) {
		r.CancelAt(now)
		return context.DeadlineExceeded
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(l.now())
		return ctx.Err()
	}
}

var errNoDeadline = errors.New("no deadline to wait within")

// Remaining returns the tokens currently available to name.
func (l *Limiter) Remaining(name string) float64 {
	return l.bucket(name).TokensAt(l.now())
}

// Reset drops the named buckets, or all of them when no names are given.
// Dropped buckets start full on next use.
func (l *Limiter) Reset(names ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(names) == 0 {
		clear(l.buckets)
		return
	}
	for _, name := range names {
		delete(l.buckets, name)
	}
}

// Stats reports every bucket created so far.
func (l *Limiter) Stats() map[string]BucketStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make(map[string]BucketStats, len(l.buckets))
	for name, lim := range l.buckets {
		out[name] = BucketStats{
			RemainingTokens:   lim.TokensAt(now),
			TokensPerInterval: l.cfg.TokensPerInterval,
			Interval:          l.cfg.Interval,
		}
	}
	return out
}

func (l *Limiter) bucket(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.buckets[name]; ok {
		return lim
	}
	every := l.cfg.Interval.Duration() / time.Duration(l.cfg.TokensPerInterval)
	lim := rate.NewLimiter(rate.Every(every), l.cfg.TokensPerInterval)
	l.buckets[name] = lim
	return lim
}
