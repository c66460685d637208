// Package ratelimit bounds the outbound call rate to a named external
// dependency with a token bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Mode selects what Acquire does when the bucket is empty.
type Mode int

const (
	// Block waits for a token or for ctx to end.
	Block Mode = iota
	// FailFast returns ErrRateLimited immediately.
	FailFast
)

func (m Mode) String() string {
	if m == FailFast {
		return "fail_fast"
	}
	return "block"
}

// ParseMode accepts "block" and "fail_fast" (or "fail-fast"). Empty means Block.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "fail_fast", "fail-fast", "failfast":
		return FailFast, nil
	default:
		return Block, fmt.Errorf("unknown rate limit mode '%s': must be 'block' or 'fail_fast'", s)
	}
}

// ErrRateLimited is returned by Acquire in FailFast mode when no token is available.
var ErrRateLimited = errors.New("rate limit exceeded")

// Settings configures a Limiter. Rate is in tokens per second and Burst is
// the bucket capacity.
type Settings struct {
	Rate  float64
	Burst int
	Mode  Mode
}

// Limiter is a token bucket for one dependency.
type Limiter struct {
	name    string
	mode    Mode
	limiter *rate.Limiter
}

// New creates a limiter whose bucket starts full.
func New(name string, s Settings) (*Limiter, error) {
	if s.Rate <= 0 {
		return nil, fmt.Errorf("rate limit for '%s': rate must be positive, got %v", name, s.Rate)
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	return &Limiter{
		name:    name,
		mode:    s.Mode,
		limiter: rate.NewLimiter(rate.Limit(s.Rate), s.Burst),
	}, nil
}

// Name returns the dependency name.
func (l *Limiter) Name() string { return l.name }

// Acquire consumes one token.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.mode == FailFast {
		if !l.limiter.Allow() {
			return fmt.Errorf("dependency '%s': %w", l.name, ErrRateLimited)
		}
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		// Wait also fails when the wait would outlast ctx's deadline.
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for rate limit token for '%s': %w", l.name, ctx.Err())
		}
		return fmt.Errorf("waiting for rate limit token for '%s': %w", l.name, err)
	}
	return nil
}

// Tokens reports the tokens available at time t.
func (l *Limiter) Tokens(t time.Time) float64 {
	return l.limiter.TokensAt(t)
}
