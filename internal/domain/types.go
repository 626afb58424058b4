package domain

import (
	"strings"
	"time"
)

// EventType identifies the kind of inbound payment event
type EventType string

const (
	// EventPaymentSucceeded carries artwork id, buyer email, optional wallet and amount
	EventPaymentSucceeded EventType = "payment.succeeded"
	// EventPaymentFailed carries the payment identifier only
	EventPaymentFailed EventType = "payment.failed"
)

// PaymentEvent is an inbound payment notification. Events are immutable and
// may be redelivered by the payment processor with the same EventID.
type PaymentEvent struct {
	// EventID is the processor-assigned identifier for this delivery
	EventID string `json:"event_id"`
	// Type is the event kind
	Type EventType `json:"type"`
	// PaymentID is the processor-side payment identifier
	PaymentID string `json:"payment_id"`
	// ArtworkID references the artwork being purchased
	ArtworkID int64 `json:"artwork_id"`
	// AmountCents is the nominal amount paid, in cents
	AmountCents int64 `json:"amount_cents"`
	// BuyerEmail receives the download link
	BuyerEmail string `json:"buyer_email"`
	// BuyerWallet, when present, triggers an NFT mint to that address
	BuyerWallet string `json:"buyer_wallet,omitempty"`
	// ReceivedAt is when the event was accepted by this service
	ReceivedAt time.Time `json:"received_at"`
}

// WantsMint reports whether the buyer supplied a wallet address
func (e PaymentEvent) WantsMint() bool {
	return strings.TrimSpace(e.BuyerWallet) != ""
}

// ResultStatus classifies the outcome of processing a payment event
type ResultStatus string

const (
	ResultFulfilled ResultStatus = "fulfilled"
	ResultDuplicate ResultStatus = "duplicate"
	ResultRejected  ResultStatus = "rejected"
)

// FulfillmentResult is the serializable outcome of processing one payment
// event. It is stored as the idempotency payload and returned verbatim on
// replayed deliveries.
type FulfillmentResult struct {
	Status     ResultStatus `json:"status"`
	PurchaseID string       `json:"purchase_id,omitempty"`
	// FailureCode holds the typed rejection reason (e.g. "sold_out") when
	// Status is rejected
	FailureCode string `json:"failure_code,omitempty"`
	// MintQueued indicates a mint attempt was enqueued for this purchase
	MintQueued bool `json:"mint_queued,omitempty"`
}

// FailureCode values recorded in FulfillmentResult
const (
	FailureSoldOut       = "sold_out"
	FailureTokenIssuance = "token_issuance"
	FailureStorage       = "storage"
)

// MintJob is the message published to the mint queue when a purchase carries
// a wallet address. The worker loads the attempt row by AttemptID and drives
// it to a terminal state.
type MintJob struct {
	AttemptID  string `json:"attempt_id"`
	PurchaseID string `json:"purchase_id"`
	ArtworkID  int64  `json:"artwork_id"`
	Wallet     string `json:"wallet"`
}
