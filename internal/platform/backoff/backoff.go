// Package backoff is the retry policy shared by job retries, cross-service
// calls and readiness polling.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

type Policy struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	// Jitter is the randomization factor applied to live retries. Delay ignores it.
	Jitter float64 `mapstructure:"jitter" yaml:"jitter"`
}

func DefaultPolicy() Policy {
	return Policy{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return errors.New("backoff initial must be positive")
	}
	if p.Max < p.Initial {
		return errors.New("backoff max must be >= initial")
	}
	if p.Multiplier < 1 {
		return errors.New("backoff multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.New("backoff jitter must be in [0,1)")
	}
	return nil
}

func (p Policy) exponential(jitter float64) *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay is the deterministic wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential(0)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Permanent marks err so Retry stops immediately.
func Permanent(err error) error {
	return cbackoff.Permanent(err)
}

// Retry calls fn until it succeeds, returns a Permanent error, ctx ends or
// maxTries calls have been made. maxTries <= 0 retries until ctx ends.
func Retry(ctx context.Context, p Policy, maxTries int, fn func(context.Context) error, notify func(err error, wait time.Duration)) error {
	var b cbackoff.BackOff = p.exponential(p.Jitter)
	if maxTries > 0 {
		b = cbackoff.WithMaxRetries(b, uint64(maxTries-1))
	}
	b = cbackoff.WithContext(b, ctx)

	op := func() error {
		if err := ctx.Err(); err != nil {
			return cbackoff.Permanent(err)
		}
		return fn(ctx)
	}
	err := cbackoff.RetryNotify(op, b, notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}
