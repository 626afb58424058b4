package mint

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

// ServiceConfig bounds the on-chain waits. Token creation waits deeper than
// minting because the persisted token id is reused by every later sale of the
// artwork.
type ServiceConfig struct {
	CreateConfirmations uint64
	MintConfirmations   uint64
	EstimateTimeout     time.Duration
	ConfirmTimeout      time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		CreateConfirmations: 2,
		MintConfirmations:   1,
		EstimateTimeout:     10 * time.Second,
		ConfirmTimeout:      60 * time.Second,
	}
}

// MintResult reports a confirmed mint transaction
type MintResult struct {
	TxHash        string
	GasUsed       uint64
	Confirmations uint64
}

// Service drives mint attempts to a terminal state. It always runs detached
// from the request cycle that queued the attempt; terminal failures are
// persisted on the attempt row and never re-touch the purchase payment status.
type Service struct {
	store     store.Store
	client    adapter.EthClient
	estimator *Estimator
	monitor   *Monitor
	signer    *Signer
	contract  *Contract
	cfg       ServiceConfig
}

func NewService(st store.Store, client adapter.EthClient, estimator *Estimator, monitor *Monitor, signer *Signer, contract *Contract, cfg ServiceConfig) *Service {
	return &Service{
		store:     st,
		client:    client,
		estimator: estimator,
		monitor:   monitor,
		signer:    signer,
		contract:  contract,
		cfg:       cfg,
	}
}

// ProcessAttempt is the worker entry point for one queued mint job. It claims
// the attempt row first so a redelivered job cannot run twice. A nil return
// acknowledges the job; errors are returned only when a redelivery should
// retry from scratch.
func (s *Service) ProcessAttempt(ctx context.Context, job domain.MintJob) error {
	claimed, err := s.store.ClaimMintAttempt(ctx, job.AttemptID)
	if err != nil {
		return fmt.Errorf("failed to claim mint attempt: %w", err)
	}
	if !claimed {
		logger.InfoCtx(ctx, "mint attempt not in queued state, skipping",
			zap.String("attempt_id", job.AttemptID))
		return nil
	}

	attempt, err := s.store.GetMintAttempt(ctx, job.AttemptID)
	if err != nil {
		s.failAttempt(ctx, job.AttemptID, fmt.Errorf("failed to load mint attempt: %w", err))
		return nil
	}

	artwork, err := s.store.GetArtwork(ctx, job.ArtworkID)
	if err != nil {
		s.failAttempt(ctx, job.AttemptID, fmt.Errorf("failed to load artwork: %w", err))
		return nil
	}

	// A recorded tx hash means an earlier run already submitted; re-query that
	// transaction before spending gas again. Resubmitting a hash that later
	// confirms would mint the edition twice.
	if attempt.TxHash != nil && *attempt.TxHash != "" {
		reconciled, err := s.reconcileRecorded(ctx, job, artwork, *attempt.TxHash)
		if err != nil {
			s.failAttempt(ctx, job.AttemptID, err)
			return nil
		}
		if reconciled {
			return nil
		}
	}

	tokenID, err := s.EnsureTokenCreated(ctx, artwork)
	if err != nil {
		s.failAttempt(ctx, job.AttemptID, fmt.Errorf("token creation failed: %w", err))
		return nil
	}

	result, err := s.Mint(ctx, job.AttemptID, tokenID, job.Wallet, 1)
	if err != nil {
		s.failAttempt(ctx, job.AttemptID, err)
		return nil
	}

	if err := s.store.SetMintAttemptMinted(ctx, job.AttemptID, result.GasUsed); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to mark attempt minted: %w", err),
			zap.String("attempt_id", job.AttemptID))
	}
	if err := s.store.SetPurchaseMintResult(ctx, job.PurchaseID, tokenID, result.TxHash); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to record mint on purchase: %w", err),
			zap.String("purchase_id", job.PurchaseID))
	}

	logger.InfoCtx(ctx, "mint confirmed",
		zap.String("attempt_id", job.AttemptID),
		zap.String("token_id", tokenID),
		zap.String("tx_hash", result.TxHash),
		zap.Uint64("gas_used", result.GasUsed))
	return nil
}

// reconcileRecorded re-queries a previously submitted mint transaction and
// finalizes the attempt from its receipt. Returns true when the attempt
// reached a terminal state here, false when the old transaction is
// definitively spent or absent and a fresh submission is safe.
func (s *Service) reconcileRecorded(ctx context.Context, job domain.MintJob, artwork *schema.Artwork, txHash string) (bool, error) {
	outcome, err := s.monitor.Await(ctx, common.HexToHash(txHash), s.cfg.MintConfirmations, s.cfg.ConfirmTimeout)
	switch {
	case err == nil:
		tokenID := ""
		if artwork.NFTTokenID != nil {
			tokenID = *artwork.NFTTokenID
		}
		if err := s.store.SetMintAttemptMinted(ctx, job.AttemptID, outcome.GasUsed); err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to mark attempt minted: %w", err),
				zap.String("attempt_id", job.AttemptID))
		}
		if err := s.store.SetPurchaseMintResult(ctx, job.PurchaseID, tokenID, txHash); err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to record mint on purchase: %w", err),
				zap.String("purchase_id", job.PurchaseID))
		}
		logger.InfoCtx(ctx, "recorded mint transaction confirmed, attempt reconciled",
			zap.String("attempt_id", job.AttemptID),
			zap.String("tx_hash", txHash),
			zap.Uint64("gas_used", outcome.GasUsed))
		return true, nil
	case errors.Is(err, domain.ErrTransactionReverted):
		// The old transaction consumed its nonce and reverted; it can no
		// longer mint. A fresh submission is safe.
		logger.WarnCtx(ctx, "recorded mint transaction reverted, submitting fresh",
			zap.String("attempt_id", job.AttemptID),
			zap.String("tx_hash", txHash))
		return false, nil
	case errors.Is(err, domain.ErrTransactionTimedOut):
		// No receipt across a full re-query window: treat the transaction as
		// dropped from the mempool and submit fresh.
		logger.WarnCtx(ctx, "recorded mint transaction absent after re-query, submitting fresh",
			zap.String("attempt_id", job.AttemptID),
			zap.String("tx_hash", txHash))
		return false, nil
	default:
		return false, fmt.Errorf("re-query of mint transaction %s: %w", txHash, err)
	}
}

// EnsureTokenCreated creates the artwork's on-chain token if it does not
// exist yet and persists the assigned id. The persisted nft_token_id column
// is the guard that keeps creation single-shot across workers and restarts;
// losing the persist race wastes at most one on-chain token and reuses the
// winner's id.
func (s *Service) EnsureTokenCreated(ctx context.Context, artwork *schema.Artwork) (string, error) {
	if artwork.NFTTokenID != nil && *artwork.NFTTokenID != "" {
		return *artwork.NFTTokenID, nil
	}

	calldata, err := s.contract.PackCreateToken(
		common.HexToAddress(artwork.ArtistWallet),
		big.NewInt(int64(artwork.EditionMax)),
		artwork.MetadataURI)
	if err != nil {
		return "", err
	}

	envelope, err := s.estimate(ctx, calldata)
	if err != nil {
		return "", err
	}

	tx, err := s.submit(ctx, calldata, envelope)
	if err != nil {
		return "", err
	}
	logger.InfoCtx(ctx, "create-token transaction submitted",
		zap.Int64("artwork_id", artwork.ID),
		zap.String("tx_hash", tx.Hash().Hex()))

	outcome, err := s.monitor.Await(ctx, tx.Hash(), s.cfg.CreateConfirmations, s.cfg.ConfirmTimeout)
	if err != nil {
		return "", fmt.Errorf("create-token transaction %s: %w", tx.Hash().Hex(), err)
	}

	assigned, err := s.contract.ParseTokenCreated(outcome.Receipt.Logs)
	if err != nil {
		return "", err
	}
	tokenID := assigned.String()

	persisted, err := s.store.SetArtworkTokenID(ctx, artwork.ID, tokenID)
	if err != nil {
		return "", fmt.Errorf("failed to persist token id: %w", err)
	}
	if !persisted {
		// A concurrent creation won the persist race. The extra on-chain
		// token is orphaned; every mint uses the winner's id.
		current, err := s.store.GetArtwork(ctx, artwork.ID)
		if err != nil {
			return "", fmt.Errorf("failed to reload artwork after token id race: %w", err)
		}
		if current.NFTTokenID == nil {
			return "", fmt.Errorf("token id missing after losing persist race for artwork %d", artwork.ID)
		}
		logger.WarnCtx(ctx, "lost token id persist race, reusing winner's token",
			zap.Int64("artwork_id", artwork.ID),
			zap.String("orphaned_token_id", tokenID),
			zap.String("token_id", *current.NFTTokenID))
		return *current.NFTTokenID, nil
	}

	return tokenID, nil
}

// Mint submits a mintToken transaction and tracks it to confirmation. On a
// gas-price rejection it retries exactly once with a reduced priority fee.
// The transaction hash is persisted on the attempt row at submission so a
// timed-out wait can be reconciled against the chain later.
func (s *Service) Mint(ctx context.Context, attemptID, tokenID, buyer string, amount int64) (*MintResult, error) {
	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("malformed token id %q", tokenID)
	}

	calldata, err := s.contract.PackMintToken(token, common.HexToAddress(buyer), big.NewInt(amount))
	if err != nil {
		return nil, err
	}

	envelope, err := s.estimate(ctx, calldata)
	if errors.Is(err, domain.ErrGasPriceTooHigh) {
		logger.WarnCtx(ctx, "gas price over ceiling, retrying with reduced priority fee",
			zap.String("attempt_id", attemptID))
		envelope, err = s.estimateReduced(ctx, calldata)
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.submit(ctx, calldata, envelope)
	if err != nil {
		return nil, err
	}
	txHash := tx.Hash().Hex()
	if err := s.store.SetMintAttemptTxHash(ctx, attemptID, txHash); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to record mint tx hash: %w", err),
			zap.String("attempt_id", attemptID))
	}
	logger.InfoCtx(ctx, "mint transaction submitted",
		zap.String("attempt_id", attemptID),
		zap.String("tx_hash", txHash))

	outcome, err := s.monitor.Await(ctx, tx.Hash(), s.cfg.MintConfirmations, s.cfg.ConfirmTimeout)
	if err != nil {
		return nil, fmt.Errorf("mint transaction %s: %w", txHash, err)
	}

	return &MintResult{
		TxHash:        txHash,
		GasUsed:       outcome.GasUsed,
		Confirmations: outcome.Confirmations,
	}, nil
}

func (s *Service) estimate(ctx context.Context, calldata []byte) (FeeEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EstimateTimeout)
	defer cancel()
	return s.estimator.Estimate(ctx, s.callMsg(calldata))
}

func (s *Service) estimateReduced(ctx context.Context, calldata []byte) (FeeEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EstimateTimeout)
	defer cancel()
	return s.estimator.EstimateReduced(ctx, s.callMsg(calldata))
}

func (s *Service) callMsg(calldata []byte) ethereum.CallMsg {
	to := s.contract.Address()
	return ethereum.CallMsg{
		From: s.signer.Address(),
		To:   &to,
		Data: calldata,
	}
}

func (s *Service) submit(ctx context.Context, calldata []byte, envelope FeeEnvelope) (*types.Transaction, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	to := s.contract.Address()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: envelope.GasTipCap,
		GasFeeCap: envelope.GasFeeCap,
		Gas:       envelope.GasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      calldata,
	})

	signed, err := s.signer.Sign(tx)
	if err != nil {
		return nil, err
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	return signed, nil
}

func (s *Service) failAttempt(ctx context.Context, attemptID string, cause error) {
	logger.ErrorCtx(ctx, fmt.Errorf("mint attempt failed: %w", cause),
		zap.String("attempt_id", attemptID))
	if err := s.store.SetMintAttemptFailed(ctx, attemptID, cause.Error()); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to record attempt failure: %w", err),
			zap.String("attempt_id", attemptID))
	}
}
