package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/editionworks/fulfillment/internal/domain"
)

// eventEnvelope is the wire format posted by the payment processor
type eventEnvelope struct {
	// EventID is a unique identifier for this event delivery
	EventID string `json:"event_id"`
	// Type is the event kind (e.g., "payment.succeeded")
	Type string `json:"type"`
	// Data contains the event-specific payload
	Data eventData `json:"data"`
}

// eventData contains the payment event payload
type eventData struct {
	// PaymentID is the processor-side payment identifier
	PaymentID string `json:"payment_id"`
	// ArtworkID references the artwork being purchased
	ArtworkID int64 `json:"artwork_id"`
	// AmountCents is the nominal amount paid, in cents
	AmountCents int64 `json:"amount_cents"`
	// BuyerEmail receives the download link
	BuyerEmail string `json:"buyer_email"`
	// BuyerWallet, when present, requests an NFT mint to that address
	BuyerWallet string `json:"buyer_wallet"`
}

// ParseEvent decodes and validates a raw event body into a domain event.
// Validation depends on the event kind: payment.succeeded requires the full
// purchase payload, payment.failed only the payment identifier.
func ParseEvent(body []byte, receivedAt time.Time) (domain.PaymentEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("failed to decode event body: %w", err)
	}

	if envelope.EventID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("missing event_id")
	}
	if envelope.Data.PaymentID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("missing payment_id")
	}

	eventType := domain.EventType(envelope.Type)
	switch eventType {
	case domain.EventPaymentSucceeded:
		if envelope.Data.ArtworkID <= 0 {
			return domain.PaymentEvent{}, fmt.Errorf("missing artwork_id")
		}
		if envelope.Data.BuyerEmail == "" {
			return domain.PaymentEvent{}, fmt.Errorf("missing buyer_email")
		}
	case domain.EventPaymentFailed:
		// carries the payment identifier only
	default:
		return domain.PaymentEvent{}, fmt.Errorf("unrecognized event type: %s", envelope.Type)
	}

	return domain.PaymentEvent{
		EventID:     envelope.EventID,
		Type:        eventType,
		PaymentID:   envelope.Data.PaymentID,
		ArtworkID:   envelope.Data.ArtworkID,
		AmountCents: envelope.Data.AmountCents,
		BuyerEmail:  envelope.Data.BuyerEmail,
		BuyerWallet: envelope.Data.BuyerWallet,
		ReceivedAt:  receivedAt,
	}, nil
}
