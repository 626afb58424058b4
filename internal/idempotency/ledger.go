package idempotency

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

// Ledger records "this event key already produced this result". Reads check
// the cache first and fall back to the durable store; writes go durable-first
// so a crash between the two tiers never loses a record.
//
//go:generate mockgen -source=ledger.go -destination=../mocks/idempotency_ledger.go -package=mocks -mock_names=Ledger=MockLedger
type Ledger interface {
	// Lookup returns the recorded result for key, or ok=false when the key has
	// not been processed
	Lookup(ctx context.Context, key string) (result domain.FulfillmentResult, ok bool, err error)

	// Record persists the result for key. A durable-write failure is logged
	// and swallowed: idempotency degrades to best-effort for that one event,
	// which is acceptable because the purchase payment-id uniqueness check is
	// the stronger guarantee.
	Record(ctx context.Context, key string, result domain.FulfillmentResult)
}

type ledger struct {
	cache *Cache
	store store.Store
}

// NewLedger creates a two-tier ledger over the given cache and durable store
func NewLedger(cache *Cache, st store.Store) Ledger {
	return &ledger{cache: cache, store: st}
}

func (l *ledger) Lookup(ctx context.Context, key string) (domain.FulfillmentResult, bool, error) {
	if result, ok := l.cache.Get(key); ok {
		return result, true, nil
	}

	record, err := l.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return domain.FulfillmentResult{}, false, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if record == nil {
		return domain.FulfillmentResult{}, false, nil
	}

	var result domain.FulfillmentResult
	if err := json.Unmarshal(record.Result, &result); err != nil {
		return domain.FulfillmentResult{}, false, fmt.Errorf("failed to decode ledger record: %w", err)
	}

	// Repopulate the fast tier on a durable hit
	l.cache.Put(key, result)

	return result, true, nil
}

func (l *ledger) Record(ctx context.Context, key string, result domain.FulfillmentResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		logger.ErrorCtx(ctx, err, zap.String("key", key))
		return
	}

	if err := l.store.PutIdempotencyRecord(ctx, &schema.IdempotencyRecord{
		Key:    key,
		Result: payload,
	}); err != nil {
		logger.ErrorCtx(ctx, err, zap.String("key", key))
		// fall through: still cache the result for the retention window
	}

	l.cache.Put(key, result)
}
