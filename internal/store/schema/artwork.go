package schema

import "time"

// Artwork represents the artworks table. The edition counter lives here and is
// only ever mutated through the conditional increment/decrement in the store,
// never through read-modify-write in application code.
type Artwork struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Title is the display title of the artwork
	Title string `gorm:"column:title;not null;type:text"`
	// ArtistWallet is the artist's address, used as the royalty recipient on token creation
	ArtistWallet string `gorm:"column:artist_wallet;not null;type:text"`
	// AssetURI is the content-addressed locator of the underlying asset,
	// produced by the external upload service
	AssetURI string `gorm:"column:asset_uri;not null;type:text"`
	// MetadataURI is the content-addressed locator of the token metadata document
	MetadataURI string `gorm:"column:metadata_uri;not null;type:text"`
	// EditionCurrent is the number of editions sold. Invariant: <= EditionMax.
	EditionCurrent int `gorm:"column:edition_current;not null;default:0"`
	// EditionMax is the total number of editions offered
	EditionMax int `gorm:"column:edition_max;not null"`
	// PriceCents is the listing price in cents
	PriceCents int64 `gorm:"column:price_cents;not null"`
	// NFTTokenID is the on-chain token id once created; nil until the first
	// mint for this artwork completes token creation. Acts as the persisted
	// create-token guard across process restarts.
	NFTTokenID *string `gorm:"column:nft_token_id;type:text"`
	// CreatedAt is when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Artwork model
func (Artwork) TableName() string {
	return "artworks"
}
