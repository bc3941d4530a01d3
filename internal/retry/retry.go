// Package retry runs collaborator calls under a bounded exponential backoff.
//
// Only errors the policy classifies as retryable are retried; everything
// else returns on the first failure. A retry budget is always finite.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the first delay. Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay. Default: 30 seconds
	MaxBackoff time.Duration

	// Multiplier grows the delay between attempts. Default: 2
	Multiplier float64

	// Retryable classifies errors. Default: pipeline.IsTransient
	Retryable func(error) bool

	// Delay may override the computed backoff for an error, for example
	// to wait out a rate limit window.
	Delay func(error) (time.Duration, bool)

	Logger *logging.Logger
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// WithRetries returns a copy of p with MaxRetries set.
func (p Policy) WithRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

func (p *Policy) applyDefaults() {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Retryable == nil {
		p.Retryable = pipeline.IsTransient
	}
	if p.Logger == nil {
		p.Logger = logging.NewNop()
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The error after exhaustion wraps the last failure.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	p.applyDefaults()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff,
	}
	b.Reset()

	attempts := 0
	start := time.Now()
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		if p.Delay != nil {
			if d, ok := p.Delay(err); ok {
				if d > p.MaxBackoff {
					d = p.MaxBackoff
				}
				return v, retryAfter(err, d)
			}
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.Logger.Info(ctx, "retrying after transient error",
				zap.String("op", op),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", p.MaxRetries+1),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		if attempts > 1 {
			p.Logger.Info(ctx, "operation recovered after retries",
				zap.String("op", op),
				zap.Int("attempts", attempts),
				zap.Duration("total_time", time.Since(start)),
			)
		}
		return res, nil
	}

	var ra *retryAfterError
	if errors.As(err, &ra) {
		err = ra.err
	}
	if attempts > p.MaxRetries && p.Retryable(err) {
		p.Logger.Warn(ctx, "operation failed after all retries exhausted",
			zap.String("op", op),
			zap.Int("total_attempts", attempts),
			zap.Duration("total_time", time.Since(start)),
			zap.Error(err),
		)
		return res, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// retryAfterError keeps the original error while asking the backoff loop
// for a specific delay.
type retryAfterError struct {
	err   error
	inner error
}

func retryAfter(err error, d time.Duration) error {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &retryAfterError{err: err, inner: backoff.RetryAfter(secs)}
}

func (e *retryAfterError) Error() string { return e.err.Error() }

// Unwrap exposes both the original error and the backoff hint.
func (e *retryAfterError) Unwrap() []error { return []error{e.inner, e.err} }
