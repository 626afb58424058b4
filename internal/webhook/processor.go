package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/idempotency"
	"github.com/editionworks/fulfillment/internal/logger"
)

// Manager fulfills validated payment events
//
//go:generate mockgen -source=processor.go -destination=../mocks/webhook.go -package=mocks -mock_names=Manager=MockManager
type Manager interface {
	// Fulfill executes the purchase pipeline for a payment.succeeded event.
	// Typed failures are encoded in the result; the error is reserved for
	// infrastructure faults worth a redelivery.
	Fulfill(ctx context.Context, event domain.PaymentEvent) (domain.FulfillmentResult, error)

	// RecordPaymentFailure marks the purchase for a payment identifier as
	// failed, if one exists
	RecordPaymentFailure(ctx context.Context, paymentID string) (domain.FulfillmentResult, error)
}

// Processor is the top-level entry for inbound payment events. It verifies
// the signature, resolves the idempotency key, short-circuits replayed
// deliveries through the ledger and dispatches the rest to the manager.
type Processor struct {
	secret  []byte
	ledger  idempotency.Ledger
	manager Manager
	clock   adapter.Clock
}

func NewProcessor(secret string, ledger idempotency.Ledger, manager Manager, clock adapter.Clock) *Processor {
	return &Processor{
		secret:  []byte(secret),
		ledger:  ledger,
		manager: manager,
		clock:   clock,
	}
}

// Process handles one inbound delivery. The signature is checked before any
// side effect; an already-seen idempotency key returns the recorded result
// unchanged. The lookup-execute-record sequence is not atomic against
// concurrent duplicates of the same key; the manager's check on the payment
// identifier is the stronger guarantee.
func (p *Processor) Process(ctx context.Context, body []byte, signature, replayKey string) (domain.FulfillmentResult, error) {
	if err := VerifySignature(p.secret, body, signature); err != nil {
		return domain.FulfillmentResult{}, err
	}

	event, err := ParseEvent(body, p.clock.Now())
	if err != nil {
		return domain.FulfillmentResult{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	key := replayKey
	if key == "" {
		key = event.EventID
	}

	if prior, ok, err := p.ledger.Lookup(ctx, key); err != nil {
		// Degraded to best-effort for this event; the manager's own
		// payment-id check still prevents double fulfillment.
		logger.WarnCtx(ctx, "idempotency lookup failed, proceeding without it",
			zap.String("key", key), zap.Error(err))
	} else if ok {
		logger.InfoCtx(ctx, "replayed event short-circuited",
			zap.String("key", key), zap.String("event_id", event.EventID))
		return prior, nil
	}

	var result domain.FulfillmentResult
	switch event.Type {
	case domain.EventPaymentSucceeded:
		result, err = p.manager.Fulfill(ctx, event)
	case domain.EventPaymentFailed:
		result, err = p.manager.RecordPaymentFailure(ctx, event.PaymentID)
	}
	if err != nil {
		// Not recorded: the processor may redeliver and retry
		return domain.FulfillmentResult{}, err
	}

	p.ledger.Record(ctx, key, result)

	return result, nil
}
