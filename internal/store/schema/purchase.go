package schema

import "time"

// PurchaseStatus is the payment status of a purchase
type PurchaseStatus string

const (
	// PurchaseStatusPending is a purchase created but not yet confirmed
	PurchaseStatusPending PurchaseStatus = "pending"
	// PurchaseStatusCompleted is a confirmed, fulfilled purchase
	PurchaseStatusCompleted PurchaseStatus = "completed"
	// PurchaseStatusFailed marks a purchase whose payment ultimately failed
	PurchaseStatusFailed PurchaseStatus = "failed"
)

// Purchase represents the purchases table. The unique index on payment_id is
// the true mutual-exclusion point for concurrent duplicate deliveries: the
// loser of an insert race observes a uniqueness violation and treats the
// purchase as already processed.
type Purchase struct {
	// ID is a UUID assigned at creation
	ID string `gorm:"column:id;primaryKey;type:varchar(36)"`
	// ArtworkID references the purchased artwork
	ArtworkID int64 `gorm:"column:artwork_id;not null;index"`
	// BuyerEmail receives the download link
	BuyerEmail string `gorm:"column:buyer_email;not null;type:text"`
	// BuyerWallet is the optional mint destination
	BuyerWallet *string `gorm:"column:buyer_wallet;type:text"`
	// PaymentID is the payment-processor identifier; at most one non-deleted
	// purchase may exist per payment id
	PaymentID string `gorm:"column:payment_id;not null;uniqueIndex;type:varchar(255)"`
	// AmountCents is the amount paid in cents
	AmountCents int64 `gorm:"column:amount_cents;not null"`
	// Status is the payment status
	Status PurchaseStatus `gorm:"column:status;not null;default:pending;type:varchar(20)"`
	// DownloadSent records whether the delivery email went out
	DownloadSent bool `gorm:"column:download_sent;not null;default:false"`
	// NFTMinted records whether the mint completed
	NFTMinted bool `gorm:"column:nft_minted;not null;default:false"`
	// NFTTokenID is the minted token id, set by the mint worker
	NFTTokenID *string `gorm:"column:nft_token_id;type:text"`
	// NFTTxHash is the mint transaction hash, set by the mint worker
	NFTTxHash *string `gorm:"column:nft_tx_hash;type:text"`
	// CreatedAt is when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`

	// Associations
	DownloadTokens []DownloadToken `gorm:"foreignKey:PurchaseID;constraint:OnDelete:CASCADE"`
	MintAttempts   []MintAttempt   `gorm:"foreignKey:PurchaseID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the Purchase model
func (Purchase) TableName() string {
	return "purchases"
}
