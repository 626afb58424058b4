package fulfillment_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editionworks/fulfillment/internal/domain"
	"github.com/editionworks/fulfillment/internal/fulfillment"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/store/schema"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: false}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fixedClock struct{}

func (fixedClock) Now() time.Time                         { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
func (c fixedClock) Since(t time.Time) time.Duration      { return c.Now().Sub(t) }
func (fixedClock) Sleep(d time.Duration)                  {}
func (fixedClock) After(d time.Duration) <-chan time.Time { return time.After(0) }

// fakeStore is an in-memory store covering the manager's surface
type fakeStore struct {
	store.Store
	mu sync.Mutex

	artworks  map[int64]*schema.Artwork
	purchases map[string]*schema.Purchase
	attempts  map[string]*schema.MintAttempt

	failInsert       error
	soldOut          bool
	incrementErr     error
	increments       int
	decrements       int
	deletedPurchases []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		artworks:  map[int64]*schema.Artwork{42: {ID: 42, Title: "Blue Study", EditionCurrent: 3, EditionMax: 5, AssetURI: "ipfs://QmAsset"}},
		purchases: make(map[string]*schema.Purchase),
		attempts:  make(map[string]*schema.MintAttempt),
	}
}

func (s *fakeStore) GetArtwork(ctx context.Context, id int64) (*schema.Artwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artwork, ok := s.artworks[id]
	if !ok {
		return nil, domain.ErrArtworkNotFound
	}
	return artwork, nil
}

func (s *fakeStore) GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*schema.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.purchases {
		if p.PaymentID == paymentID {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreatePurchase(ctx context.Context, purchase *schema.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return s.failInsert
	}
	for _, p := range s.purchases {
		if p.PaymentID == purchase.PaymentID {
			return domain.ErrStorageConflict
		}
	}
	copied := *purchase
	s.purchases[purchase.ID] = &copied
	return nil
}

func (s *fakeStore) DeletePurchase(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.purchases, id)
	s.deletedPurchases = append(s.deletedPurchases, id)
	return nil
}

func (s *fakeStore) MarkPurchaseFailed(ctx context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.purchases {
		if p.PaymentID == paymentID {
			p.Status = schema.PurchaseStatusFailed
			return nil
		}
	}
	return domain.ErrPurchaseNotFound
}

func (s *fakeStore) IncrementEdition(ctx context.Context, artworkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}
	artwork, ok := s.artworks[artworkID]
	if !ok {
		return domain.ErrArtworkNotFound
	}
	if s.soldOut || artwork.EditionCurrent >= artwork.EditionMax {
		return domain.ErrSoldOut
	}
	artwork.EditionCurrent++
	s.increments++
	return nil
}

func (s *fakeStore) DecrementEdition(ctx context.Context, artworkID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if artwork, ok := s.artworks[artworkID]; ok && artwork.EditionCurrent > 0 {
		artwork.EditionCurrent--
	}
	s.decrements++
	return nil
}

func (s *fakeStore) SetDownloadSent(ctx context.Context, purchaseID string, sent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.purchases[purchaseID]; ok {
		p.DownloadSent = sent
	}
	return nil
}

func (s *fakeStore) CreateMintAttempt(ctx context.Context, attempt *schema.MintAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *attempt
	s.attempts[attempt.ID] = &copied
	return nil
}

func (s *fakeStore) onlyPurchase() *schema.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.purchases {
		return p
	}
	return nil
}

type fakeIssuer struct {
	err    error
	issued int
}

func (i *fakeIssuer) Issue(ctx context.Context, purchaseID string) (*schema.DownloadToken, error) {
	i.issued++
	if i.err != nil {
		return nil, i.err
	}
	return &schema.DownloadToken{
		Token:      "tok_issued",
		PurchaseID: purchaseID,
		ExpiresAt:  time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC),
		UsageLimit: 3,
	}, nil
}

type fakeSender struct {
	fail  bool
	calls int
}

func (s *fakeSender) SendDownloadEmail(ctx context.Context, recipient, artworkTitle, token string, expiresAt time.Time) bool {
	s.calls++
	return !s.fail
}

type fakeEnqueuer struct {
	err  error
	jobs []domain.MintJob
}

func (e *fakeEnqueuer) EnqueueMint(ctx context.Context, job domain.MintJob) error {
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

func succeededEvent(wallet string) domain.PaymentEvent {
	return domain.PaymentEvent{
		EventID:     "evt_1",
		Type:        domain.EventPaymentSucceeded,
		PaymentID:   "pay_1",
		ArtworkID:   42,
		AmountCents: 15000,
		BuyerEmail:  "buyer@example.com",
		BuyerWallet: wallet,
	}
}

func TestFulfill(t *testing.T) {
	ctx := context.Background()

	t.Run("full pipeline with wallet", func(t *testing.T) {
		st := newFakeStore()
		issuer := &fakeIssuer{}
		sender := &fakeSender{}
		queue := &fakeEnqueuer{}
		manager := fulfillment.NewManager(st, issuer, sender, queue, fixedClock{})

		result, err := manager.Fulfill(ctx, succeededEvent("0xABC"))
		require.NoError(t, err)

		assert.Equal(t, domain.ResultFulfilled, result.Status)
		assert.NotEmpty(t, result.PurchaseID)
		assert.True(t, result.MintQueued)

		purchase := st.onlyPurchase()
		require.NotNil(t, purchase)
		assert.Equal(t, schema.PurchaseStatusCompleted, purchase.Status)
		assert.True(t, purchase.DownloadSent)
		assert.False(t, purchase.NFTMinted)
		require.NotNil(t, purchase.BuyerWallet)
		assert.Equal(t, "0xABC", *purchase.BuyerWallet)

		assert.Equal(t, 4, st.artworks[42].EditionCurrent)
		assert.Equal(t, 1, issuer.issued)
		assert.Equal(t, 1, sender.calls)

		require.Len(t, queue.jobs, 1)
		assert.Equal(t, result.PurchaseID, queue.jobs[0].PurchaseID)
		assert.Equal(t, "0xABC", queue.jobs[0].Wallet)
		require.Len(t, st.attempts, 1)
		for _, attempt := range st.attempts {
			assert.Equal(t, schema.MintAttemptStatusQueued, attempt.Status)
			assert.Equal(t, queue.jobs[0].AttemptID, attempt.ID)
		}
	})

	t.Run("no wallet means no mint", func(t *testing.T) {
		st := newFakeStore()
		queue := &fakeEnqueuer{}
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{}, queue, fixedClock{})

		result, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)

		assert.False(t, result.MintQueued)
		assert.Empty(t, queue.jobs)
		assert.Empty(t, st.attempts)
		assert.Nil(t, st.onlyPurchase().BuyerWallet)
	})

	t.Run("existing purchase short-circuits with no new effects", func(t *testing.T) {
		st := newFakeStore()
		issuer := &fakeIssuer{}
		sender := &fakeSender{}
		manager := fulfillment.NewManager(st, issuer, sender, &fakeEnqueuer{}, fixedClock{})

		first, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)

		second, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)

		assert.Equal(t, domain.ResultDuplicate, second.Status)
		assert.Equal(t, first.PurchaseID, second.PurchaseID)
		assert.Equal(t, 1, st.increments)
		assert.Equal(t, 1, issuer.issued)
		assert.Equal(t, 1, sender.calls)
	})

	t.Run("insert race loser treats conflict as already processed", func(t *testing.T) {
		st := newFakeStore()
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{}, &fakeEnqueuer{}, fixedClock{})

		// Simulate the winner inserting between the existence check and our
		// insert by making the insert itself report the conflict
		st.failInsert = domain.ErrStorageConflict

		result, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)
		assert.Equal(t, domain.ResultDuplicate, result.Status)
		assert.Equal(t, 0, st.increments)
	})

	t.Run("sold out compensates the purchase row", func(t *testing.T) {
		st := newFakeStore()
		st.artworks[42].EditionCurrent = 5
		issuer := &fakeIssuer{}
		sender := &fakeSender{}
		manager := fulfillment.NewManager(st, issuer, sender, &fakeEnqueuer{}, fixedClock{})

		result, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)

		assert.Equal(t, domain.ResultRejected, result.Status)
		assert.Equal(t, domain.FailureSoldOut, result.FailureCode)
		assert.Nil(t, st.onlyPurchase())
		assert.Len(t, st.deletedPurchases, 1)
		assert.Equal(t, 5, st.artworks[42].EditionCurrent)
		assert.Equal(t, 0, issuer.issued)
		assert.Equal(t, 0, sender.calls)
	})

	t.Run("token issuance failure compensates purchase and edition", func(t *testing.T) {
		st := newFakeStore()
		issuer := &fakeIssuer{err: errors.New("entropy exhausted")}
		sender := &fakeSender{}
		manager := fulfillment.NewManager(st, issuer, sender, &fakeEnqueuer{}, fixedClock{})

		result, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)

		assert.Equal(t, domain.ResultRejected, result.Status)
		assert.Equal(t, domain.FailureTokenIssuance, result.FailureCode)
		assert.Nil(t, st.onlyPurchase())
		assert.Equal(t, 1, st.decrements)
		assert.Equal(t, 3, st.artworks[42].EditionCurrent)
		assert.Equal(t, 0, sender.calls)
	})

	t.Run("email failure never fails the purchase", func(t *testing.T) {
		st := newFakeStore()
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{fail: true}, &fakeEnqueuer{}, fixedClock{})

		result, err := manager.Fulfill(ctx, succeededEvent(""))
		require.NoError(t, err)

		assert.Equal(t, domain.ResultFulfilled, result.Status)
		purchase := st.onlyPurchase()
		require.NotNil(t, purchase)
		assert.False(t, purchase.DownloadSent)
	})

	t.Run("mint enqueue failure never fails the purchase", func(t *testing.T) {
		st := newFakeStore()
		queue := &fakeEnqueuer{err: errors.New("jetstream unavailable")}
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{}, queue, fixedClock{})

		result, err := manager.Fulfill(ctx, succeededEvent("0xABC"))
		require.NoError(t, err)

		assert.Equal(t, domain.ResultFulfilled, result.Status)
		// The attempt row stays queued for operator requeue
		assert.True(t, result.MintQueued)
		assert.Len(t, st.attempts, 1)
	})

	t.Run("unknown artwork is a typed rejection", func(t *testing.T) {
		st := newFakeStore()
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{}, &fakeEnqueuer{}, fixedClock{})

		event := succeededEvent("")
		event.ArtworkID = 999
		result, err := manager.Fulfill(ctx, event)
		require.NoError(t, err)

		assert.Equal(t, domain.ResultRejected, result.Status)
		assert.Equal(t, domain.FailureStorage, result.FailureCode)
	})
}

func TestRecordPaymentFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("marks an existing purchase failed", func(t *testing.T) {
		st := newFakeStore()
		st.purchases["p1"] = &schema.Purchase{ID: "p1", PaymentID: "pay_1", Status: schema.PurchaseStatusCompleted}
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{}, &fakeEnqueuer{}, fixedClock{})

		result, err := manager.RecordPaymentFailure(ctx, "pay_1")
		require.NoError(t, err)

		assert.Equal(t, "p1", result.PurchaseID)
		assert.Equal(t, schema.PurchaseStatusFailed, st.purchases["p1"].Status)
	})

	t.Run("unknown payment is a no-op", func(t *testing.T) {
		st := newFakeStore()
		manager := fulfillment.NewManager(st, &fakeIssuer{}, &fakeSender{}, &fakeEnqueuer{}, fixedClock{})

		result, err := manager.RecordPaymentFailure(ctx, "pay_missing")
		require.NoError(t, err)
		assert.Empty(t, result.PurchaseID)
	})
}
