package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

// TokenIssuer issues download tokens for completed purchases
//
//go:generate mockgen -source=manager.go -destination=../mocks/fulfillment.go -package=mocks
type TokenIssuer interface {
	Issue(ctx context.Context, purchaseID string) (*schema.DownloadToken, error)
}

// EmailSender delivers the download email. A false return means "not yet
// delivered", never an abort.
type EmailSender interface {
	SendDownloadEmail(ctx context.Context, recipient, artworkTitle, token string, expiresAt time.Time) bool
}

// MintEnqueuer hands a mint job to the detached worker queue
type MintEnqueuer interface {
	EnqueueMint(ctx context.Context, job domain.MintJob) error
}

// Manager orchestrates the purchase pipeline for one validated payment event:
// purchase row, edition increment, download token, delivery email and mint
// enqueue, with compensation on the steps that need it.
type Manager struct {
	store  store.Store
	tokens TokenIssuer
	sender EmailSender
	mints  MintEnqueuer
	clock  adapter.Clock
}

func NewManager(st store.Store, tokens TokenIssuer, sender EmailSender, mints MintEnqueuer, clock adapter.Clock) *Manager {
	return &Manager{
		store:  st,
		tokens: tokens,
		sender: sender,
		mints:  mints,
		clock:  clock,
	}
}

// Fulfill executes the pipeline. It returns once the purchase, edition slot
// and download token are durable; email delivery and mint progress are
// absorbed into side-record state and never fail the purchase. The returned
// error is reserved for infrastructure faults where a redelivery should retry
// the whole event.
func (m *Manager) Fulfill(ctx context.Context, event domain.PaymentEvent) (domain.FulfillmentResult, error) {
	// Defense against duplicate deliveries that bypassed the ledger
	existing, err := m.store.GetPurchaseByPaymentID(ctx, event.PaymentID)
	if err != nil {
		return domain.FulfillmentResult{}, err
	}
	if existing != nil {
		logger.InfoCtx(ctx, "purchase already exists for payment",
			zap.String("payment_id", event.PaymentID),
			zap.String("purchase_id", existing.ID))
		return domain.FulfillmentResult{
			Status:     domain.ResultDuplicate,
			PurchaseID: existing.ID,
		}, nil
	}

	artwork, err := m.store.GetArtwork(ctx, event.ArtworkID)
	if err != nil {
		if errors.Is(err, domain.ErrArtworkNotFound) {
			return rejected(domain.FailureStorage), nil
		}
		return domain.FulfillmentResult{}, err
	}

	purchase := &schema.Purchase{
		ID:          uuid.NewString(),
		ArtworkID:   event.ArtworkID,
		BuyerEmail:  event.BuyerEmail,
		PaymentID:   event.PaymentID,
		AmountCents: event.AmountCents,
		Status:      schema.PurchaseStatusCompleted,
	}
	if event.WantsMint() {
		wallet := event.BuyerWallet
		purchase.BuyerWallet = &wallet
	}

	if err := m.store.CreatePurchase(ctx, purchase); err != nil {
		if errors.Is(err, domain.ErrStorageConflict) {
			// Lost the insert race to a concurrent duplicate delivery
			return m.resolveConflict(ctx, event.PaymentID)
		}
		return domain.FulfillmentResult{}, err
	}

	if err := m.store.IncrementEdition(ctx, event.ArtworkID); err != nil {
		m.deletePurchase(ctx, purchase.ID)
		if errors.Is(err, domain.ErrSoldOut) {
			logger.InfoCtx(ctx, "artwork sold out",
				zap.Int64("artwork_id", event.ArtworkID),
				zap.String("payment_id", event.PaymentID))
			return rejected(domain.FailureSoldOut), nil
		}
		logger.ErrorCtx(ctx, fmt.Errorf("edition increment failed: %w", err),
			zap.Int64("artwork_id", event.ArtworkID))
		return rejected(domain.FailureStorage), nil
	}

	token, err := m.tokens.Issue(ctx, purchase.ID)
	if err != nil {
		// Compensate both the purchase and the edition slot so the failed
		// fulfillment does not permanently consume an edition
		m.deletePurchase(ctx, purchase.ID)
		if derr := m.store.DecrementEdition(ctx, event.ArtworkID); derr != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("edition compensation failed: %w", derr),
				zap.Int64("artwork_id", event.ArtworkID))
		}
		logger.ErrorCtx(ctx, fmt.Errorf("download token issuance failed: %w", err),
			zap.String("purchase_id", purchase.ID))
		return rejected(domain.FailureTokenIssuance), nil
	}

	// The purchase is durable from here on; nothing below may fail it
	if m.sender.SendDownloadEmail(ctx, event.BuyerEmail, artwork.Title, token.Token, token.ExpiresAt) {
		if err := m.store.SetDownloadSent(ctx, purchase.ID, true); err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to record download sent: %w", err),
				zap.String("purchase_id", purchase.ID))
		}
	}

	mintQueued := false
	if event.WantsMint() {
		mintQueued = m.enqueueMint(ctx, purchase, event)
	}

	return domain.FulfillmentResult{
		Status:     domain.ResultFulfilled,
		PurchaseID: purchase.ID,
		MintQueued: mintQueued,
	}, nil
}

// RecordPaymentFailure marks the purchase for a payment identifier as failed.
// A payment.failed event for an unknown payment is a no-op.
func (m *Manager) RecordPaymentFailure(ctx context.Context, paymentID string) (domain.FulfillmentResult, error) {
	existing, err := m.store.GetPurchaseByPaymentID(ctx, paymentID)
	if err != nil {
		return domain.FulfillmentResult{}, err
	}
	if existing == nil {
		return domain.FulfillmentResult{Status: domain.ResultFulfilled}, nil
	}

	if err := m.store.MarkPurchaseFailed(ctx, paymentID); err != nil && !errors.Is(err, domain.ErrPurchaseNotFound) {
		return domain.FulfillmentResult{}, err
	}

	logger.InfoCtx(ctx, "purchase marked failed",
		zap.String("payment_id", paymentID),
		zap.String("purchase_id", existing.ID))
	return domain.FulfillmentResult{
		Status:     domain.ResultFulfilled,
		PurchaseID: existing.ID,
	}, nil
}

// resolveConflict loads the purchase that won the insert race
func (m *Manager) resolveConflict(ctx context.Context, paymentID string) (domain.FulfillmentResult, error) {
	winner, err := m.store.GetPurchaseByPaymentID(ctx, paymentID)
	if err != nil {
		return domain.FulfillmentResult{}, err
	}
	result := domain.FulfillmentResult{Status: domain.ResultDuplicate}
	if winner != nil {
		result.PurchaseID = winner.ID
	}
	return result, nil
}

// enqueueMint persists a queued attempt and publishes the job. Publish
// failures are logged only; the attempt row stays visible for requeue.
func (m *Manager) enqueueMint(ctx context.Context, purchase *schema.Purchase, event domain.PaymentEvent) bool {
	attempt := &schema.MintAttempt{
		ID:         ulid.Make().String(),
		PurchaseID: purchase.ID,
		ArtworkID:  event.ArtworkID,
		Wallet:     event.BuyerWallet,
		Status:     schema.MintAttemptStatusQueued,
	}
	if err := m.store.CreateMintAttempt(ctx, attempt); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to create mint attempt: %w", err),
			zap.String("purchase_id", purchase.ID))
		return false
	}

	job := domain.MintJob{
		AttemptID:  attempt.ID,
		PurchaseID: purchase.ID,
		ArtworkID:  event.ArtworkID,
		Wallet:     event.BuyerWallet,
	}
	if err := m.mints.EnqueueMint(ctx, job); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to enqueue mint job: %w", err),
			zap.String("attempt_id", attempt.ID))
	}

	return true
}

func (m *Manager) deletePurchase(ctx context.Context, id string) {
	if err := m.store.DeletePurchase(ctx, id); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("purchase compensation failed: %w", err),
			zap.String("purchase_id", id))
	}
}

func rejected(code string) domain.FulfillmentResult {
	return domain.FulfillmentResult{
		Status:      domain.ResultRejected,
		FailureCode: code,
	}
}
