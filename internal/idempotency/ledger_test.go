package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/idempotency"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: false}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeClock has a settable current time
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *fakeClock) Sleep(d time.Duration)           {}
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore implements only the ledger-facing store methods
type fakeStore struct {
	store.Store
	mu      sync.Mutex
	records map[string][]byte
	gets    int
	failPut bool
	failGet bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]byte)}
}

func (s *fakeStore) GetIdempotencyRecord(ctx context.Context, key string) (*schema.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGet {
		return nil, errors.New("database unavailable")
	}
	payload, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &schema.IdempotencyRecord{Key: key, Result: payload}, nil
}

func (s *fakeStore) PutIdempotencyRecord(ctx context.Context, record *schema.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("database unavailable")
	}
	if _, exists := s.records[record.Key]; exists {
		return nil // first write wins
	}
	s.records[record.Key] = record.Result
	return nil
}

func TestCache(t *testing.T) {
	t.Run("entries expire after the retention window", func(t *testing.T) {
		clock := newFakeClock()
		cache := idempotency.NewCache(24*time.Hour, clock)

		cache.Put("evt_1", domain.FulfillmentResult{Status: domain.ResultFulfilled})
		_, ok := cache.Get("evt_1")
		assert.True(t, ok)

		clock.advance(25 * time.Hour)
		_, ok = cache.Get("evt_1")
		assert.False(t, ok)
	})

	t.Run("sweep removes only stale entries", func(t *testing.T) {
		clock := newFakeClock()
		cache := idempotency.NewCache(24*time.Hour, clock)

		cache.Put("old", domain.FulfillmentResult{Status: domain.ResultFulfilled})
		clock.advance(23 * time.Hour)
		cache.Put("fresh", domain.FulfillmentResult{Status: domain.ResultFulfilled})
		clock.advance(2 * time.Hour)

		removed := cache.Sweep()
		assert.Equal(t, 1, removed)
		assert.Equal(t, 1, cache.Len())

		_, ok := cache.Get("fresh")
		assert.True(t, ok)
	})
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	result := domain.FulfillmentResult{Status: domain.ResultFulfilled, PurchaseID: "p1"}

	t.Run("lookup misses for unseen keys", func(t *testing.T) {
		clock := newFakeClock()
		ledger := idempotency.NewLedger(idempotency.NewCache(24*time.Hour, clock), newFakeStore())

		_, ok, err := ledger.Lookup(ctx, "evt_unknown")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("record then lookup hits the cache", func(t *testing.T) {
		clock := newFakeClock()
		st := newFakeStore()
		ledger := idempotency.NewLedger(idempotency.NewCache(24*time.Hour, clock), st)

		ledger.Record(ctx, "evt_1", result)

		got, ok, err := ledger.Lookup(ctx, "evt_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, result, got)
		// Served from cache: no durable read happened
		assert.Equal(t, 0, st.gets)
	})

	t.Run("durable fallback repopulates the cache", func(t *testing.T) {
		clock := newFakeClock()
		st := newFakeStore()
		payload, err := json.Marshal(result)
		require.NoError(t, err)
		st.records["evt_1"] = payload

		ledger := idempotency.NewLedger(idempotency.NewCache(24*time.Hour, clock), st)

		got, ok, err := ledger.Lookup(ctx, "evt_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, result, got)
		assert.Equal(t, 1, st.gets)

		// Second lookup is a cache hit
		_, ok, err = ledger.Lookup(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, st.gets)
	})

	t.Run("durable write failure still caches", func(t *testing.T) {
		clock := newFakeClock()
		st := newFakeStore()
		st.failPut = true
		ledger := idempotency.NewLedger(idempotency.NewCache(24*time.Hour, clock), st)

		ledger.Record(ctx, "evt_1", result)

		got, ok, err := ledger.Lookup(ctx, "evt_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, result, got)
	})

	t.Run("lookup surfaces durable read errors", func(t *testing.T) {
		clock := newFakeClock()
		st := newFakeStore()
		st.failGet = true
		ledger := idempotency.NewLedger(idempotency.NewCache(24*time.Hour, clock), st)

		_, _, err := ledger.Lookup(ctx, "evt_1")
		require.Error(t, err)
	})
}
