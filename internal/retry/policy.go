// Package retry provides exponential backoff with pluggable error
// classification for the fetch and email delivery paths.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultMaxAttempts is the total number of attempts, including the first.
	DefaultMaxAttempts = 3
	// DefaultInitialDelay is the wait after the first failed attempt.
	DefaultInitialDelay = time.Second
	// DefaultFactor multiplies the delay after every failed attempt.
	DefaultFactor = 2.0
	// DefaultMaxDelay caps a single wait.
	DefaultMaxDelay = time.Minute
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// ExponentialPolicy waits initial * factor^attempt between attempts.
type ExponentialPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	factor       float64
	maxDelay     time.Duration
	retryable    Classifier
}

// Config parameterises an ExponentialPolicy. Zero values select defaults,
// except InitialDelay where a negative value disables waiting.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// NewExponentialPolicy builds a policy. A nil classifier retries every error
// except context cancellation.
func NewExponentialPolicy(cfg Config, retryable Classifier) *ExponentialPolicy {
	p := &ExponentialPolicy{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		factor:       cfg.Factor,
		maxDelay:     cfg.MaxDelay,
		retryable:    retryable,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	switch {
	case p.initialDelay == 0:
		p.initialDelay = DefaultInitialDelay
	case p.initialDelay < 0:
		p.initialDelay = 0
	}
	if p.factor < 1 {
		p.factor = DefaultFactor
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultMaxDelay
	}
	return p
}

// MaxAttempts returns the attempt cap.
func (p *ExponentialPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt follows the given one. attempt is
// the number of attempts already made.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.retryable == nil {
		return true
	}
	return p.retryable(err)
}

// Backoff returns the wait after the attempt with zero-based index attempt.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.factor, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Hook observes a failed attempt before the wait for the next one.
type Hook func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy or ctx ends. It returns the number of attempts made and the last error.
func (p *ExponentialPolicy) Do(ctx context.Context, fn Func, onRetry Hook) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return attempt, err
		}
		wait := p.Backoff(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if sleepErr := sleepWithContext(ctx, wait); sleepErr != nil {
			return attempt, errors.Join(err, sleepErr)
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
