// Package retry holds the single retry policy used across the fulfillment
// pipeline. Email delivery and mint submission share this abstraction so
// attempt budgets and backoff shape are defined in one place.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/editionworks/fulfillment/internal/adapter"
)

// Policy describes a bounded exponential backoff schedule
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// InitialInterval is the wait before the second attempt
	InitialInterval time.Duration
	// Multiplier scales the interval after each failed attempt
	Multiplier float64
	// MaxInterval caps the wait between attempts
	MaxInterval time.Duration
	// RandomizationFactor adds jitter; zero keeps the schedule deterministic
	RandomizationFactor float64
}

// Permanent marks err as non-retryable; Do returns it immediately
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy, waiting through the injected clock so tests
// never sleep on real timers. It stops early on context cancellation or a
// Permanent error and returns the last attempt's error otherwise.
func (p Policy) Do(ctx context.Context, clock adapter.Clock, op func() error) error {
	if p.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not wall time
	b.Reset()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(b.NextBackOff()):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, err)
}
