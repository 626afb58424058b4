package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to defaults:
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// isUniqueViolation reports whether err is a uniqueness constraint violation
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *pgStore) GetArtwork(ctx context.Context, id int64) (*schema.Artwork, error) {
	var artwork schema.Artwork
	if err := s.db.WithContext(ctx).First(&artwork, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrArtworkNotFound
		}
		return nil, fmt.Errorf("failed to get artwork: %w", err)
	}
	return &artwork, nil
}

// IncrementEdition performs the compare-and-increment in a single UPDATE so
// two buyers racing for the last edition can never both succeed.
func (s *pgStore) IncrementEdition(ctx context.Context, artworkID int64) error {
	result := s.db.WithContext(ctx).Model(&schema.Artwork{}).
		Where("id = ? AND edition_current < edition_max", artworkID).
		UpdateColumn("edition_current", gorm.Expr("edition_current + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to increment edition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish sold out from a missing artwork
		if _, err := s.GetArtwork(ctx, artworkID); err != nil {
			return err
		}
		return domain.ErrSoldOut
	}
	return nil
}

func (s *pgStore) DecrementEdition(ctx context.Context, artworkID int64) error {
	result := s.db.WithContext(ctx).Model(&schema.Artwork{}).
		Where("id = ? AND edition_current > 0", artworkID).
		UpdateColumn("edition_current", gorm.Expr("edition_current - 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to decrement edition: %w", result.Error)
	}
	return nil
}

// SetArtworkTokenID is the persisted create-token guard: the WHERE clause on
// nft_token_id IS NULL makes the first writer win and stays correct across
// process restarts.
func (s *pgStore) SetArtworkTokenID(ctx context.Context, artworkID int64, tokenID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&schema.Artwork{}).
		Where("id = ? AND nft_token_id IS NULL", artworkID).
		UpdateColumn("nft_token_id", tokenID)
	if result.Error != nil {
		return false, fmt.Errorf("failed to set artwork token id: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *pgStore) CreatePurchase(ctx context.Context, purchase *schema.Purchase) error {
	if err := s.db.WithContext(ctx).Create(purchase).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrStorageConflict
		}
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

func (s *pgStore) GetPurchase(ctx context.Context, id string) (*schema.Purchase, error) {
	var purchase schema.Purchase
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&purchase).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return &purchase, nil
}

func (s *pgStore) GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*schema.Purchase, error) {
	var purchase schema.Purchase
	err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get purchase by payment id: %w", err)
	}
	return &purchase, nil
}

func (s *pgStore) DeletePurchase(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&schema.Purchase{}).Error; err != nil {
		return fmt.Errorf("failed to delete purchase: %w", err)
	}
	return nil
}

func (s *pgStore) MarkPurchaseFailed(ctx context.Context, paymentID string) error {
	result := s.db.WithContext(ctx).Model(&schema.Purchase{}).
		Where("payment_id = ?", paymentID).
		Update("status", schema.PurchaseStatusFailed)
	if result.Error != nil {
		return fmt.Errorf("failed to mark purchase failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrPurchaseNotFound
	}
	return nil
}

func (s *pgStore) SetDownloadSent(ctx context.Context, purchaseID string, sent bool) error {
	if err := s.db.WithContext(ctx).Model(&schema.Purchase{}).
		Where("id = ?", purchaseID).
		Update("download_sent", sent).Error; err != nil {
		return fmt.Errorf("failed to set download sent: %w", err)
	}
	return nil
}

func (s *pgStore) SetPurchaseMintResult(ctx context.Context, purchaseID, tokenID, txHash string) error {
	if err := s.db.WithContext(ctx).Model(&schema.Purchase{}).
		Where("id = ?", purchaseID).
		Updates(map[string]interface{}{
			"nft_minted":   true,
			"nft_token_id": tokenID,
			"nft_tx_hash":  txHash,
		}).Error; err != nil {
		return fmt.Errorf("failed to set purchase mint result: %w", err)
	}
	return nil
}

func (s *pgStore) CreateDownloadToken(ctx context.Context, token *schema.DownloadToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to create download token: %w", err)
	}
	return nil
}

// RedeemDownloadToken increments usage through a single conditional UPDATE so
// the usage count can never pass the limit under concurrent redemptions. The
// follow-up read only classifies why an update matched no rows.
func (s *pgStore) RedeemDownloadToken(ctx context.Context, token string, now time.Time) (*schema.DownloadToken, error) {
	result := s.db.WithContext(ctx).Model(&schema.DownloadToken{}).
		Where("token = ? AND usage_count < usage_limit AND expires_at > ?", token, now).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1"))
	if result.Error != nil {
		return nil, fmt.Errorf("failed to redeem download token: %w", result.Error)
	}

	var row schema.DownloadToken
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDownloadTokenNotFound
		}
		return nil, fmt.Errorf("failed to load download token: %w", err)
	}

	if result.RowsAffected == 0 {
		// Expiry wins the classification: a token past its expiry is gone
		// regardless of remaining uses.
		if !row.ExpiresAt.After(now) {
			return nil, domain.ErrDownloadTokenExpired
		}
		return nil, domain.ErrDownloadTokenExhausted
	}

	return &row, nil
}

func (s *pgStore) CreateMintAttempt(ctx context.Context, attempt *schema.MintAttempt) error {
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create mint attempt: %w", err)
	}
	return nil
}

func (s *pgStore) GetMintAttempt(ctx context.Context, id string) (*schema.MintAttempt, error) {
	var attempt schema.MintAttempt
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMintAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get mint attempt: %w", err)
	}
	return &attempt, nil
}

func (s *pgStore) ClaimMintAttempt(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&schema.MintAttempt{}).
		Where("id = ? AND status = ?", id, schema.MintAttemptStatusQueued).
		Update("status", schema.MintAttemptStatusMinting)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim mint attempt: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *pgStore) SetMintAttemptTxHash(ctx context.Context, id, txHash string) error {
	if err := s.db.WithContext(ctx).Model(&schema.MintAttempt{}).
		Where("id = ?", id).
		Update("tx_hash", txHash).Error; err != nil {
		return fmt.Errorf("failed to set mint attempt tx hash: %w", err)
	}
	return nil
}

func (s *pgStore) SetMintAttemptMinted(ctx context.Context, id string, gasUsed uint64) error {
	if err := s.db.WithContext(ctx).Model(&schema.MintAttempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   schema.MintAttemptStatusMinted,
			"gas_used": gasUsed,
		}).Error; err != nil {
		return fmt.Errorf("failed to set mint attempt minted: %w", err)
	}
	return nil
}

func (s *pgStore) SetMintAttemptFailed(ctx context.Context, id, errorDetail string) error {
	if err := s.db.WithContext(ctx).Model(&schema.MintAttempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       schema.MintAttemptStatusFailed,
			"error_detail": errorDetail,
		}).Error; err != nil {
		return fmt.Errorf("failed to set mint attempt failed: %w", err)
	}
	return nil
}

func (s *pgStore) RequeueMintAttempt(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&schema.MintAttempt{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			id, schema.MintAttemptStatusFailed, schema.MintAttemptStatusMinting, staleBefore).
		Updates(map[string]interface{}{
			"status":       schema.MintAttemptStatusQueued,
			"error_detail": "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to requeue mint attempt: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *pgStore) ListMintAttempts(ctx context.Context, status schema.MintAttemptStatus, limit, offset int) ([]schema.MintAttempt, error) {
	var attempts []schema.MintAttempt
	query := s.db.WithContext(ctx).Model(&schema.MintAttempt{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to list mint attempts: %w", err)
	}
	return attempts, nil
}

func (s *pgStore) GetIdempotencyRecord(ctx context.Context, key string) (*schema.IdempotencyRecord, error) {
	var record schema.IdempotencyRecord
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &record, nil
}

// PutIdempotencyRecord uses ON CONFLICT DO NOTHING so the first write for a
// key wins and replays observe the original result.
func (s *pgStore) PutIdempotencyRecord(ctx context.Context, record *schema.IdempotencyRecord) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(record).Error; err != nil {
		return fmt.Errorf("failed to put idempotency record: %w", err)
	}
	return nil
}
