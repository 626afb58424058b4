package download

import (
	"context"
	"fmt"
	"time"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

const (
	// TokenTTL is how long a download token stays redeemable
	TokenTTL = 7 * 24 * time.Hour

	// UsageLimit is how many times a token may be redeemed
	UsageLimit = 3
)

// Service issues and redeems download tokens
type Service struct {
	store store.Store
	clock adapter.Clock
}

func NewService(st store.Store, clock adapter.Clock) *Service {
	return &Service{store: st, clock: clock}
}

// Issue creates a download token for a purchase with the standard expiry and
// usage limit
func (s *Service) Issue(ctx context.Context, purchaseID string) (*schema.DownloadToken, error) {
	value, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	token := &schema.DownloadToken{
		Token:      value,
		PurchaseID: purchaseID,
		ExpiresAt:  s.clock.Now().Add(TokenTTL),
		UsageCount: 0,
		UsageLimit: UsageLimit,
	}
	if err := s.store.CreateDownloadToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist download token: %w", err)
	}

	return token, nil
}

// Redeem consumes one use of a token and resolves the asset locator it grants
// access to. The usage increment and the expiry/limit checks happen in a
// single conditional update at the storage layer. Classified failures are
// domain.ErrDownloadTokenNotFound, ErrDownloadTokenExpired and
// ErrDownloadTokenExhausted.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	redeemed, err := s.store.RedeemDownloadToken(ctx, token, s.clock.Now())
	if err != nil {
		return "", err
	}

	purchase, err := s.store.GetPurchase(ctx, redeemed.PurchaseID)
	if err != nil {
		return "", fmt.Errorf("failed to load purchase for token: %w", err)
	}

	artwork, err := s.store.GetArtwork(ctx, purchase.ArtworkID)
	if err != nil {
		return "", fmt.Errorf("failed to load artwork for token: %w", err)
	}

	return artwork.AssetURI, nil
}
