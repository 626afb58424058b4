package schema

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord represents the idempotency_records table - the durable
// tier of the idempotency ledger. Rows are insert-only: once a key has a
// result it is never overwritten, and rows are retained indefinitely.
type IdempotencyRecord struct {
	// Key is derived from the replay-protection header or the event identifier
	Key string `gorm:"column:key;primaryKey;type:varchar(255)"`
	// Result is the serialized FulfillmentResult returned for this key
	Result datatypes.JSON `gorm:"column:result;not null;type:jsonb"`
	// CreatedAt is when the first processing attempt recorded its result
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the IdempotencyRecord model
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
