package store

import (
	"context"
	"time"

	"github.com/editionworks/fulfillment/internal/store/schema"
)

// Store defines the interface for database operations
//
//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=Store=MockStore
type Store interface {
	// GetArtwork retrieves an artwork by id. Returns domain.ErrArtworkNotFound
	// if no such artwork exists.
	GetArtwork(ctx context.Context, id int64) (*schema.Artwork, error)

	// IncrementEdition atomically increments the edition counter, conditioned
	// on edition_current < edition_max. Returns domain.ErrSoldOut when the
	// condition does not hold.
	IncrementEdition(ctx context.Context, artworkID int64) error

	// DecrementEdition compensates a prior increment, conditioned on
	// edition_current > 0 so the counter never goes negative.
	DecrementEdition(ctx context.Context, artworkID int64) error

	// SetArtworkTokenID persists the on-chain token id, guarded on the column
	// still being NULL. Returns false when another mint already set it.
	SetArtworkTokenID(ctx context.Context, artworkID int64, tokenID string) (bool, error)

	// CreatePurchase inserts a purchase row. A uniqueness violation on
	// payment_id is returned as domain.ErrStorageConflict.
	CreatePurchase(ctx context.Context, purchase *schema.Purchase) error

	// GetPurchase retrieves a purchase by id. Returns domain.ErrPurchaseNotFound
	// if no such purchase exists.
	GetPurchase(ctx context.Context, id string) (*schema.Purchase, error)

	// GetPurchaseByPaymentID returns the purchase for a payment identifier, or
	// nil when none exists.
	GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*schema.Purchase, error)

	// DeletePurchase removes a purchase row (compensation path)
	DeletePurchase(ctx context.Context, id string) error

	// MarkPurchaseFailed sets status=failed on the purchase for a payment identifier
	MarkPurchaseFailed(ctx context.Context, paymentID string) error

	// SetDownloadSent updates the download_sent flag
	SetDownloadSent(ctx context.Context, purchaseID string, sent bool) error

	// SetPurchaseMintResult records the minted token id and transaction hash
	// and flips nft_minted
	SetPurchaseMintResult(ctx context.Context, purchaseID, tokenID, txHash string) error

	// CreateDownloadToken inserts a download token row
	CreateDownloadToken(ctx context.Context, token *schema.DownloadToken) error

	// RedeemDownloadToken increments the token's usage count through a single
	// conditional update and returns the updated row. Failures are classified
	// as domain.ErrDownloadTokenNotFound, ErrDownloadTokenExpired or
	// ErrDownloadTokenExhausted.
	RedeemDownloadToken(ctx context.Context, token string, now time.Time) (*schema.DownloadToken, error)

	// CreateMintAttempt inserts a mint attempt row
	CreateMintAttempt(ctx context.Context, attempt *schema.MintAttempt) error

	// GetMintAttempt retrieves a mint attempt by id. Returns
	// domain.ErrMintAttemptNotFound if no such attempt exists.
	GetMintAttempt(ctx context.Context, id string) (*schema.MintAttempt, error)

	// ClaimMintAttempt transitions queued -> minting, returning false when the
	// attempt was not in queued state (already claimed by a redelivered job).
	ClaimMintAttempt(ctx context.Context, id string) (bool, error)

	// SetMintAttemptTxHash records the submitted transaction hash
	SetMintAttemptTxHash(ctx context.Context, id, txHash string) error

	// SetMintAttemptMinted marks the attempt minted with receipt gas usage
	SetMintAttemptMinted(ctx context.Context, id string, gasUsed uint64) error

	// SetMintAttemptFailed marks the attempt failed with the terminal error detail
	SetMintAttemptFailed(ctx context.Context, id, errorDetail string) error

	// RequeueMintAttempt transitions an attempt back to queued for a renewed
	// run, returning false when the attempt was not requeueable. Failed
	// attempts requeue unconditionally; minting attempts requeue only when
	// untouched since staleBefore, so a crashed worker's claim can be
	// recovered without racing a live one.
	RequeueMintAttempt(ctx context.Context, id string, staleBefore time.Time) (bool, error)

	// ListMintAttempts returns attempts filtered by status, newest first
	ListMintAttempts(ctx context.Context, status schema.MintAttemptStatus, limit, offset int) ([]schema.MintAttempt, error)

	// GetIdempotencyRecord returns the record for a key, or nil when none exists
	GetIdempotencyRecord(ctx context.Context, key string) (*schema.IdempotencyRecord, error)

	// PutIdempotencyRecord inserts a record if the key is absent. An existing
	// record is never overwritten; the write is silently dropped instead.
	PutIdempotencyRecord(ctx context.Context, record *schema.IdempotencyRecord) error
}
