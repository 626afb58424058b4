package schema

import "time"

// DownloadToken represents the download_tokens table. A token is unusable once
// expired or exhausted, whichever comes first; usage_count never exceeds
// usage_limit because redemption goes through a single conditional update.
type DownloadToken struct {
	// Token is the opaque random credential (hex of 32 random bytes)
	Token string `gorm:"column:token;primaryKey;type:varchar(64)"`
	// PurchaseID is the owning purchase
	PurchaseID string `gorm:"column:purchase_id;not null;index;type:varchar(36)"`
	// ExpiresAt is creation time plus the token lifetime (7 days)
	ExpiresAt time.Time `gorm:"column:expires_at;not null;type:timestamptz"`
	// UsageCount is the number of successful redemptions so far
	UsageCount int `gorm:"column:usage_count;not null;default:0"`
	// UsageLimit is the maximum number of redemptions (3)
	UsageLimit int `gorm:"column:usage_limit;not null"`
	// CreatedAt is when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the DownloadToken model
func (DownloadToken) TableName() string {
	return "download_tokens"
}
