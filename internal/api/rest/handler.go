package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/messaging"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
	"github.com/editionworks/fulfillment/internal/webhook"
)

// Processor handles a raw webhook delivery end to end
//
//go:generate mockgen -source=handler.go -destination=../../mocks/api_handler.go -package=mocks
type Processor interface {
	Process(ctx context.Context, body []byte, signature, replayKey string) (domain.FulfillmentResult, error)
}

// Downloads issues and redeems download tokens
type Downloads interface {
	Issue(ctx context.Context, purchaseID string) (*schema.DownloadToken, error)
	Redeem(ctx context.Context, token string) (string, error)
}

// EmailSender delivers the download link email
type EmailSender interface {
	SendDownloadEmail(ctx context.Context, recipient, artworkTitle, token string, expiresAt time.Time) bool
}

// Handler defines the interface for REST API handlers
type Handler interface {
	// HandlePaymentWebhook accepts a payment processor delivery
	// POST /webhooks/payment
	HandlePaymentWebhook(c *gin.Context)

	// RedeemDownload exchanges a download token for the asset locator
	// GET /downloads/:token
	RedeemDownload(c *gin.Context)

	// ListMintAttempts lists mint attempts by status for operators
	// GET /admin/mint-attempts?status=<status>&limit=<limit>&offset=<offset>
	ListMintAttempts(c *gin.Context)

	// RequeueMintAttempt moves a failed attempt back to the queue and
	// republishes its job
	// POST /admin/mint-attempts/:id/requeue
	RequeueMintAttempt(c *gin.Context)

	// ResendDownloadEmail issues a fresh token and resends the delivery email
	// POST /admin/purchases/:id/resend-email
	ResendDownloadEmail(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// staleClaimAge is how long a minting claim may sit untouched before a
// requeue treats the worker that held it as gone.
const staleClaimAge = 15 * time.Minute

// handler implements the Handler interface
type handler struct {
	processor Processor
	downloads Downloads
	sender    EmailSender
	store     store.Store
	queue     messaging.Publisher
	clock     adapter.Clock
}

// NewHandler creates a new REST API handler
func NewHandler(processor Processor, downloads Downloads, sender EmailSender, st store.Store, queue messaging.Publisher, clock adapter.Clock) Handler {
	return &handler{
		processor: processor,
		downloads: downloads,
		sender:    sender,
		store:     st,
		queue:     queue,
		clock:     clock,
	}
}

// HandlePaymentWebhook verifies, deduplicates and fulfills a payment event.
// Replayed deliveries get the originally recorded result back.
func (h *handler) HandlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondBadRequest(c, "Failed to read request body")
		return
	}

	result, err := h.processor.Process(
		c.Request.Context(),
		body,
		c.GetHeader(webhook.SignatureHeader),
		c.GetHeader(webhook.ReplayKeyHeader),
	)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			respondWithError(c, http.StatusUnauthorized, errCodeBadRequest, "Invalid signature")
		case errors.Is(err, domain.ErrMalformedEvent):
			respondBadRequest(c, "Malformed event payload", err.Error())
		default:
			// Infrastructure failure: nothing was recorded, the processor
			// is expected to redeliver.
			respondInternalError(c, err, "Event processing failed")
		}
		return
	}

	status := http.StatusOK
	if result.Status == domain.ResultRejected && result.FailureCode == domain.FailureSoldOut {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

// RedeemDownload exchanges a download token for the purchased asset locator
func (h *handler) RedeemDownload(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		respondBadRequest(c, "Download token is required")
		return
	}

	assetURI, err := h.downloads.Redeem(c.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDownloadTokenNotFound):
			respondNotFound(c, "Unknown download token")
		case errors.Is(err, domain.ErrDownloadTokenExpired):
			respondGone(c, "Download token has expired")
		case errors.Is(err, domain.ErrDownloadTokenExhausted):
			respondExhausted(c, "Download limit reached")
		default:
			respondInternalError(c, err, "Failed to redeem download token")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"asset_uri": assetURI})
}

// ListMintAttempts returns mint attempts filtered by status, newest first
func (h *handler) ListMintAttempts(c *gin.Context) {
	status := schema.MintAttemptStatus(c.DefaultQuery("status", string(schema.MintAttemptStatusFailed)))
	switch status {
	case schema.MintAttemptStatusQueued, schema.MintAttemptStatusMinting,
		schema.MintAttemptStatusMinted, schema.MintAttemptStatusFailed:
	default:
		respondValidationError(c, "invalid status: "+string(status))
		return
	}

	limit, err := parseBoundedInt(c.DefaultQuery("limit", "50"), 1, 200)
	if err != nil {
		respondValidationError(c, "invalid limit: "+err.Error())
		return
	}
	offset, err := parseBoundedInt(c.DefaultQuery("offset", "0"), 0, 1<<30)
	if err != nil {
		respondValidationError(c, "invalid offset: "+err.Error())
		return
	}

	attempts, err := h.store.ListMintAttempts(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondInternalError(c, err, "Failed to list mint attempts")
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// RequeueMintAttempt transitions a failed or stale minting attempt back to
// queued and republishes the mint job. The state guard keeps a
// double-submitted requeue from producing two jobs, and the staleness window
// keeps a live worker's claim untouched. A requeued attempt that already
// carries a tx hash is reconciled against the chain before any fresh
// submission.
func (h *handler) RequeueMintAttempt(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	attempt, err := h.store.GetMintAttempt(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrMintAttemptNotFound) {
			respondNotFound(c, "Unknown mint attempt")
		} else {
			respondInternalError(c, err, "Failed to load mint attempt")
		}
		return
	}

	requeued, err := h.store.RequeueMintAttempt(ctx, id, h.clock.Now().Add(-staleClaimAge))
	if err != nil {
		respondInternalError(c, err, "Failed to requeue mint attempt")
		return
	}
	if !requeued {
		respondConflict(c, "Mint attempt is not requeueable", string(attempt.Status))
		return
	}

	job := domain.MintJob{
		AttemptID:  attempt.ID,
		PurchaseID: attempt.PurchaseID,
		ArtworkID:  attempt.ArtworkID,
		Wallet:     attempt.Wallet,
	}
	if err := h.queue.EnqueueMint(ctx, job); err != nil {
		// The row is queued again; a repeated requeue call will 409 but the
		// job can be republished by requeue tooling against queued rows.
		respondInternalError(c, err, "Mint attempt requeued but job publish failed",
			zap.String("attempt_id", id))
		return
	}

	logger.InfoCtx(ctx, "mint attempt requeued", zap.String("attempt_id", id))
	c.JSON(http.StatusOK, gin.H{"attempt_id": id, "status": schema.MintAttemptStatusQueued})
}

// ResendDownloadEmail issues a fresh download token for a completed purchase
// and resends the delivery email
func (h *handler) ResendDownloadEmail(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	purchase, err := h.store.GetPurchase(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			respondNotFound(c, "Unknown purchase")
		} else {
			respondInternalError(c, err, "Failed to load purchase")
		}
		return
	}
	if purchase.Status != schema.PurchaseStatusCompleted {
		respondConflict(c, "Purchase is not completed", string(purchase.Status))
		return
	}

	artwork, err := h.store.GetArtwork(ctx, purchase.ArtworkID)
	if err != nil {
		respondInternalError(c, err, "Failed to load artwork")
		return
	}

	token, err := h.downloads.Issue(ctx, purchase.ID)
	if err != nil {
		respondInternalError(c, err, "Failed to issue download token")
		return
	}

	if !h.sender.SendDownloadEmail(ctx, purchase.BuyerEmail, artwork.Title, token.Token, token.ExpiresAt) {
		respondServiceError(c, "Download email delivery failed")
		return
	}

	if err := h.store.SetDownloadSent(ctx, purchase.ID, true); err != nil {
		// Email is out; the stale flag only affects reporting
		respondInternalError(c, err, "Failed to record download delivery")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"purchase_id": purchase.ID,
		"expires_at":  token.ExpiresAt,
	})
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fulfillment-api",
	})
}

// parseBoundedInt parses a non-negative integer and clamps it into bounds
func parseBoundedInt(raw string, min, max int) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v, nil
}
