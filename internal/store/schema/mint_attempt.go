package schema

import "time"

// MintAttemptStatus is the lifecycle state of a mint attempt
type MintAttemptStatus string

const (
	// MintAttemptStatusQueued means the attempt is waiting for a worker
	MintAttemptStatusQueued MintAttemptStatus = "queued"
	// MintAttemptStatusMinting means a worker is driving the on-chain calls
	MintAttemptStatusMinting MintAttemptStatus = "minting"
	// MintAttemptStatusMinted is the successful terminal state
	MintAttemptStatusMinted MintAttemptStatus = "minted"
	// MintAttemptStatusFailed is the failed terminal state, kept for manual reconciliation
	MintAttemptStatusFailed MintAttemptStatus = "failed"
)

// MintAttempt represents the mint_attempts table - one row per queued mint,
// persisted to a terminal state regardless of outcome so failures stay visible
// for manual remediation. Mint outcomes never touch the purchase payment status.
type MintAttempt struct {
	// ID is a ULID, time-sortable for operational listing
	ID string `gorm:"column:id;primaryKey;type:varchar(26)"`
	// PurchaseID is the purchase that triggered the mint
	PurchaseID string `gorm:"column:purchase_id;not null;index;type:varchar(36)"`
	// ArtworkID is the artwork being minted
	ArtworkID int64 `gorm:"column:artwork_id;not null;index"`
	// Wallet is the buyer's mint destination address
	Wallet string `gorm:"column:wallet;not null;type:text"`
	// Status is the lifecycle state
	Status MintAttemptStatus `gorm:"column:status;not null;default:queued;type:varchar(20);index"`
	// ErrorDetail records the terminal failure reason
	ErrorDetail string `gorm:"column:error_detail;type:text"`
	// TxHash is the submitted mint transaction hash, recorded at submission so
	// timed-out attempts can be reconciled against the chain
	TxHash *string `gorm:"column:tx_hash;type:text"`
	// GasUsed is the receipt gas consumption of a confirmed mint
	GasUsed *uint64 `gorm:"column:gas_used"`
	// CreatedAt is when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the MintAttempt model
func (MintAttempt) TableName() string {
	return "mint_attempts"
}
