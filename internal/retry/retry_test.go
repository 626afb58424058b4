package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editionworks/fulfillment/internal/retry"
)

// fakeClock records requested waits and fires them immediately unless block is set
type fakeClock struct {
	waits []time.Duration
	block bool
}

func (c *fakeClock) Now() time.Time                  { return time.Unix(0, 0) }
func (c *fakeClock) Since(t time.Time) time.Duration { return 0 }
func (c *fakeClock) Sleep(d time.Duration)           {}
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if !c.block {
		ch <- time.Unix(0, 0)
	}
	return ch
}

func TestPolicyDo(t *testing.T) {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		Multiplier:      2.0,
		MaxInterval:     10 * time.Second,
	}

	t.Run("succeeds on first attempt without waiting", func(t *testing.T) {
		clock := &fakeClock{}
		calls := 0
		err := policy.Do(context.Background(), clock, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, clock.waits)
	})

	t.Run("retries with exponential intervals", func(t *testing.T) {
		clock := &fakeClock{}
		calls := 0
		err := policy.Do(context.Background(), clock, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		require.Len(t, clock.waits, 2)
		assert.Equal(t, 2*time.Second, clock.waits[0])
		assert.Equal(t, 4*time.Second, clock.waits[1])
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		clock := &fakeClock{}
		calls := 0
		sentinel := errors.New("still broken")
		err := policy.Do(context.Background(), clock, func() error {
			calls++
			return sentinel
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 3, calls)
		assert.Len(t, clock.waits, 2)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		clock := &fakeClock{}
		calls := 0
		sentinel := errors.New("bad request")
		err := policy.Do(context.Background(), clock, func() error {
			calls++
			return retry.Permanent(sentinel)
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
		assert.Empty(t, clock.waits)
	})

	t.Run("cancelled context stops between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		clock := &fakeClock{block: true}
		calls := 0
		err := policy.Do(ctx, clock, func() error {
			calls++
			return errors.New("transient")
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("rejects non-positive attempt budget", func(t *testing.T) {
		err := retry.Policy{}.Do(context.Background(), &fakeClock{}, func() error { return nil })
		require.Error(t, err)
	})
}
