package mint_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/mint"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

const (
	testContractAddr = "0x00000000000000000000000000000000000000CC"
	testMinterKey    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// mintStore is an in-memory store covering the mint service's surface
type mintStore struct {
	store.Store
	mu sync.Mutex

	artworks map[int64]*schema.Artwork
	attempts map[string]*schema.MintAttempt

	tokenIDPersistDenied bool
	claimDenied          bool

	purchaseMints map[string]string // purchase id -> token id
	purchaseTxs   map[string]string // purchase id -> tx hash
}

func newMintStore() *mintStore {
	return &mintStore{
		artworks: map[int64]*schema.Artwork{
			42: {ID: 42, Title: "Blue Study", ArtistWallet: "0x00000000000000000000000000000000000000AA", MetadataURI: "ipfs://QmMeta", EditionMax: 5},
		},
		attempts: map[string]*schema.MintAttempt{
			"att_1": {ID: "att_1", PurchaseID: "p1", ArtworkID: 42, Wallet: "0x00000000000000000000000000000000000000BB", Status: schema.MintAttemptStatusQueued},
		},
		purchaseMints: make(map[string]string),
		purchaseTxs:   make(map[string]string),
	}
}

func (s *mintStore) GetArtwork(ctx context.Context, id int64) (*schema.Artwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artwork, ok := s.artworks[id]
	if !ok {
		return nil, domain.ErrArtworkNotFound
	}
	copied := *artwork
	return &copied, nil
}

func (s *mintStore) SetArtworkTokenID(ctx context.Context, artworkID int64, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenIDPersistDenied {
		return false, nil
	}
	artwork, ok := s.artworks[artworkID]
	if !ok || artwork.NFTTokenID != nil {
		return false, nil
	}
	artwork.NFTTokenID = &tokenID
	return true, nil
}

func (s *mintStore) GetMintAttempt(ctx context.Context, id string) (*schema.MintAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return nil, domain.ErrMintAttemptNotFound
	}
	copied := *attempt
	return &copied, nil
}

func (s *mintStore) ClaimMintAttempt(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimDenied {
		return false, nil
	}
	attempt, ok := s.attempts[id]
	if !ok || attempt.Status != schema.MintAttemptStatusQueued {
		return false, nil
	}
	attempt.Status = schema.MintAttemptStatusMinting
	return true, nil
}

func (s *mintStore) SetMintAttemptTxHash(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt, ok := s.attempts[id]; ok {
		attempt.TxHash = &txHash
	}
	return nil
}

func (s *mintStore) SetMintAttemptMinted(ctx context.Context, id string, gasUsed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt, ok := s.attempts[id]; ok {
		attempt.Status = schema.MintAttemptStatusMinted
		attempt.GasUsed = &gasUsed
	}
	return nil
}

func (s *mintStore) SetMintAttemptFailed(ctx context.Context, id, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt, ok := s.attempts[id]; ok {
		attempt.Status = schema.MintAttemptStatusFailed
		attempt.ErrorDetail = errorDetail
	}
	return nil
}

func (s *mintStore) SetPurchaseMintResult(ctx context.Context, purchaseID, tokenID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseMints[purchaseID] = tokenID
	s.purchaseTxs[purchaseID] = txHash
	return nil
}

func tokenCreatedLog(tokenID int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(testContractAddr),
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("TokenCreated(uint256,address)")),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

func newTestService(t *testing.T, st store.Store, client *fakeEthClient, ceiling *big.Int) *mint.Service {
	t.Helper()
	signer, err := mint.NewSigner(testMinterKey, big.NewInt(31337))
	require.NoError(t, err)
	contract, err := mint.NewContract(testContractAddr)
	require.NoError(t, err)

	estimator := mint.NewEstimator(client, 500_000, ceiling)
	monitor := mint.NewMonitor(client, newSteppingClock(), 5*time.Second)
	return mint.NewService(st, client, estimator, monitor, signer, contract, mint.DefaultServiceConfig())
}

func withTokenID(st *mintStore, id string) {
	st.artworks[42].NFTTokenID = &id
}

func TestEnsureTokenCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses a persisted token id without touching the chain", func(t *testing.T) {
		st := newMintStore()
		withTokenID(st, "3")
		client := newFakeEthClient()
		service := newTestService(t, st, client, nil)

		artwork, err := st.GetArtwork(ctx, 42)
		require.NoError(t, err)
		tokenID, err := service.EnsureTokenCreated(ctx, artwork)
		require.NoError(t, err)

		assert.Equal(t, "3", tokenID)
		assert.Empty(t, client.sent)
	})

	t.Run("creates the token and persists the assigned id", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			GasUsed:     180_000,
			Logs:        []*types.Log{tokenCreatedLog(7)},
		}
		service := newTestService(t, st, client, nil)

		artwork, err := st.GetArtwork(ctx, 42)
		require.NoError(t, err)
		tokenID, err := service.EnsureTokenCreated(ctx, artwork)
		require.NoError(t, err)

		assert.Equal(t, "7", tokenID)
		require.Len(t, client.sent, 1)
		require.NotNil(t, st.artworks[42].NFTTokenID)
		assert.Equal(t, "7", *st.artworks[42].NFTTokenID)
	})

	t.Run("losing the persist race reuses the winner's id", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{tokenCreatedLog(7)},
		}
		service := newTestService(t, st, client, nil)

		artwork, err := st.GetArtwork(ctx, 42)
		require.NoError(t, err)

		// Winner persists id 5 between our check and our persist
		st.tokenIDPersistDenied = true
		withTokenID(st, "5")

		tokenID, err := service.EnsureTokenCreated(ctx, artwork)
		require.NoError(t, err)
		assert.Equal(t, "5", tokenID)
	})

	t.Run("a reverted creation surfaces as terminal", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		}
		service := newTestService(t, st, client, nil)

		artwork, err := st.GetArtwork(ctx, 42)
		require.NoError(t, err)
		_, err = service.EnsureTokenCreated(ctx, artwork)
		assert.ErrorIs(t, err, domain.ErrTransactionReverted)
		assert.Nil(t, st.artworks[42].NFTTokenID)
	})
}

func TestMint(t *testing.T) {
	ctx := context.Background()

	t.Run("submits, records the hash and returns receipt gas", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			GasUsed:     84_000,
		}
		service := newTestService(t, st, client, nil)

		result, err := service.Mint(ctx, "att_1", "7", "0x00000000000000000000000000000000000000BB", 1)
		require.NoError(t, err)

		assert.Equal(t, uint64(84_000), result.GasUsed)
		require.Len(t, client.sent, 1)
		assert.Equal(t, client.sent[0].Hash().Hex(), result.TxHash)

		// Hash persisted at submission for later reconciliation
		require.NotNil(t, st.attempts["att_1"].TxHash)
		assert.Equal(t, result.TxHash, *st.attempts["att_1"].TxHash)
	})

	t.Run("retries once with a reduced fee on gas-price rejection", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		client.tip = gwei(4) // feeCap 24 > ceiling; reduced tip 2 -> feeCap 22
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			GasUsed:     84_000,
		}
		service := newTestService(t, st, client, gwei(23))

		result, err := service.Mint(ctx, "att_1", "7", "0x00000000000000000000000000000000000000BB", 1)
		require.NoError(t, err)
		require.Len(t, client.sent, 1)
		assert.Equal(t, gwei(2), client.sent[0].GasTipCap())
		assert.NotEmpty(t, result.TxHash)
	})

	t.Run("gives up when even the reduced fee is over the ceiling", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		client.tip = gwei(4)
		service := newTestService(t, st, client, gwei(10))

		_, err := service.Mint(ctx, "att_1", "7", "0x00000000000000000000000000000000000000BB", 1)
		require.ErrorIs(t, err, domain.ErrGasPriceTooHigh)
		assert.Empty(t, client.sent)
	})

	t.Run("rejects a malformed token id", func(t *testing.T) {
		service := newTestService(t, newMintStore(), newFakeEthClient(), nil)
		_, err := service.Mint(ctx, "att_1", "not-a-number", "0xBB", 1)
		assert.Error(t, err)
	})
}

func TestProcessAttempt(t *testing.T) {
	ctx := context.Background()
	job := domain.MintJob{AttemptID: "att_1", PurchaseID: "p1", ArtworkID: 42, Wallet: "0x00000000000000000000000000000000000000BB"}

	t.Run("drives a queued attempt to minted", func(t *testing.T) {
		st := newMintStore()
		withTokenID(st, "7")
		client := newFakeEthClient()
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			GasUsed:     84_000,
		}
		service := newTestService(t, st, client, nil)

		err := service.ProcessAttempt(ctx, job)
		require.NoError(t, err)

		attempt := st.attempts["att_1"]
		assert.Equal(t, schema.MintAttemptStatusMinted, attempt.Status)
		require.NotNil(t, attempt.GasUsed)
		assert.Equal(t, uint64(84_000), *attempt.GasUsed)
		assert.Equal(t, "7", st.purchaseMints["p1"])
		assert.NotEmpty(t, st.purchaseTxs["p1"])
	})

	t.Run("a redelivered job for a claimed attempt is a no-op", func(t *testing.T) {
		st := newMintStore()
		st.attempts["att_1"].Status = schema.MintAttemptStatusMinting
		client := newFakeEthClient()
		service := newTestService(t, st, client, nil)

		err := service.ProcessAttempt(ctx, job)
		require.NoError(t, err)
		assert.Empty(t, client.sent)
	})

	t.Run("a recorded transaction that confirmed is finalized without resubmitting", func(t *testing.T) {
		st := newMintStore()
		withTokenID(st, "7")
		recorded := "0x1111111111111111111111111111111111111111111111111111111111111111"
		st.attempts["att_1"].TxHash = &recorded
		client := newFakeEthClient()
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			GasUsed:     84_000,
		}
		service := newTestService(t, st, client, nil)

		err := service.ProcessAttempt(ctx, job)
		require.NoError(t, err)

		attempt := st.attempts["att_1"]
		assert.Equal(t, schema.MintAttemptStatusMinted, attempt.Status)
		require.NotNil(t, attempt.GasUsed)
		assert.Equal(t, uint64(84_000), *attempt.GasUsed)
		assert.Equal(t, recorded, st.purchaseTxs["p1"])
		// The chain answered for the recorded hash, so nothing new goes out
		assert.Empty(t, client.sent)
	})

	t.Run("a recorded transaction that reverted allows a fresh submission", func(t *testing.T) {
		st := newMintStore()
		withTokenID(st, "7")
		recorded := "0x2222222222222222222222222222222222222222222222222222222222222222"
		st.attempts["att_1"].TxHash = &recorded
		client := newFakeEthClient()
		client.headNum = big.NewInt(101)
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		}
		service := newTestService(t, st, client, nil)

		err := service.ProcessAttempt(ctx, job)
		require.NoError(t, err)

		// The reverted transaction spent its nonce, so a new mint went out
		require.Len(t, client.sent, 1)
		assert.NotEqual(t, recorded, client.sent[0].Hash().Hex())
	})

	t.Run("a reverted mint is recorded as a terminal failure", func(t *testing.T) {
		st := newMintStore()
		withTokenID(st, "7")
		client := newFakeEthClient()
		client.receipt = &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		}
		service := newTestService(t, st, client, nil)

		err := service.ProcessAttempt(ctx, job)
		require.NoError(t, err)

		attempt := st.attempts["att_1"]
		assert.Equal(t, schema.MintAttemptStatusFailed, attempt.Status)
		assert.Contains(t, attempt.ErrorDetail, "reverted")
		// Mint outcomes never touch the purchase
		assert.Empty(t, st.purchaseMints)
	})

	t.Run("an unknown artwork fails the attempt, not the worker", func(t *testing.T) {
		st := newMintStore()
		client := newFakeEthClient()
		service := newTestService(t, st, client, nil)

		badJob := job
		badJob.ArtworkID = 999
		err := service.ProcessAttempt(ctx, badJob)
		require.NoError(t, err)
		assert.Equal(t, schema.MintAttemptStatusFailed, st.attempts["att_1"].Status)
	})
}
