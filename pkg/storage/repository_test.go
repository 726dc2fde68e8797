package storage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyerA  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	buyerB  = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	sellerA = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	txOne   = "0x1111111111111111111111111111111111111111111111111111111111111111"
	txTwo   = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

func purchase(resourceID, buyer, tx string, logIndex uint, amount string, at int64) *AccessInput {
	return &AccessInput{
		ResourceID:    resourceID,
		BuyerWallet:   buyer,
		AmountPaidWei: amount,
		PurchasedAt:   time.Unix(at, 0),
		TxHash:        tx,
		LogIndex:      logIndex,
	}
}

func listing(resourceID, name string) *ResourceInput {
	return &ResourceInput{
		ResourceID:   resourceID,
		SellerWallet: sellerA,
		Name:         name,
		Description:  "hourly forecasts",
		PriceWei:     "1000000000000000",
		ServiceID:    "svc-1",
		ResourceType: 1,
		CID:          "bafybeigdyrzt",
		URL:          "https://example.com/api",
	}
}

// testRepository runs the behaviour every Repository implementation shares
func testRepository(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("ReplayedPurchaseKeepsOneRecord", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		first, err := repo.UpsertAccess(ctx, purchase("1", buyerA, txOne, 2, "500", 1700000000))
		require.NoError(t, err)
		second, err := repo.UpsertAccess(ctx, purchase("1", buyerA, txOne, 2, "500", 1700000000))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, strings.ToLower(buyerA), second.BuyerWallet)
		assert.Equal(t, "500", second.AmountPaidWei)
		assert.Equal(t, int64(1700000000), second.PurchasedAt.Unix())

		n, err := repo.CountAccess(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("NewerPurchaseWins", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		_, err := repo.UpsertAccess(ctx, purchase("1", buyerA, txOne, 0, "500", 1700000000))
		require.NoError(t, err)
		updated, err := repo.UpsertAccess(ctx, purchase("1", buyerA, txTwo, 1, "900", 1700000100))
		require.NoError(t, err)
		assert.Equal(t, "900", updated.AmountPaidWei)
		assert.Equal(t, strings.ToLower(txTwo), updated.TxHash)

		// the older purchase arrives late and is ignored
		stale, err := repo.UpsertAccess(ctx, purchase("1", buyerA, txOne, 0, "500", 1700000000))
		require.NoError(t, err)
		assert.Equal(t, "900", stale.AmountPaidWei)
		assert.Equal(t, int64(1700000100), stale.PurchasedAt.Unix())

		n, err := repo.CountAccess(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("AccessPerBuyer", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		_, err := repo.UpsertAccess(ctx, purchase("1", buyerA, txOne, 0, "1", 1700000000))
		require.NoError(t, err)
		_, err = repo.UpsertAccess(ctx, purchase("1", buyerB, txOne, 1, "1", 1700000000))
		require.NoError(t, err)
		_, err = repo.UpsertAccess(ctx, purchase("10", buyerA, txTwo, 0, "1", 1700000000))
		require.NoError(t, err)

		n, err := repo.CountAccess(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		a, err := repo.GetAccess(ctx, "1", strings.ToUpper(buyerB[:2])+buyerB[2:])
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(buyerB), a.BuyerWallet)

		_, err = repo.GetAccess(ctx, "2", buyerA)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AccessLimits", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		in := purchase("3", buyerA, txOne, 0, "1", 1700000000)
		expires := time.Unix(1700003600, 0).UTC()
		limit := int64(100)
		in.ExpiresAt = &expires
		in.UsageLimit = &limit

		a, err := repo.UpsertAccess(ctx, in)
		require.NoError(t, err)
		require.NotNil(t, a.ExpiresAt)
		require.NotNil(t, a.UsageLimit)
		assert.Equal(t, expires.Unix(), a.ExpiresAt.Unix())
		assert.Equal(t, int64(100), *a.UsageLimit)
	})

	t.Run("CreateResourceIsInsertOnce", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		res, created, err := repo.CreateResource(ctx, listing("7", "weather-api"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, res.IsActive)
		assert.Equal(t, strings.ToLower(sellerA), res.SellerWallet)
		assert.Equal(t, uint8(1), res.ResourceType)

		again, created, err := repo.CreateResource(ctx, listing("7", "renamed"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "weather-api", again.Name)

		got, err := repo.GetResource(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, "weather-api", got.Name)
		assert.Equal(t, "https://example.com/api", got.URL)
		assert.Equal(t, "bafybeigdyrzt", got.CID)
	})

	t.Run("DeactivateResource", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		_, _, err := repo.CreateResource(ctx, listing("8", "maps"))
		require.NoError(t, err)

		require.NoError(t, repo.DeactivateResource(ctx, "8"))
		require.NoError(t, repo.DeactivateResource(ctx, "8"))

		got, err := repo.GetResource(ctx, "8")
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, "maps", got.Name)

		assert.ErrorIs(t, repo.DeactivateResource(ctx, "404"), ErrNotFound)
		_, err = repo.GetResource(ctx, "404")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RecordWithdrawalOnce", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		in := &WithdrawalInput{TxHash: txOne, LogIndex: 4, SellerWallet: sellerA, AmountWei: "900", BlockNumber: 12}
		created, err := repo.RecordWithdrawal(ctx, in)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = repo.RecordWithdrawal(ctx, &WithdrawalInput{TxHash: txOne, LogIndex: 4, SellerWallet: sellerA, AmountWei: "900", BlockNumber: 12})
		require.NoError(t, err)
		assert.False(t, created)

		created, err = repo.RecordWithdrawal(ctx, &WithdrawalInput{TxHash: txOne, LogIndex: 5, SellerWallet: sellerA, AmountWei: "1", BlockNumber: 12})
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		_, err := repo.UpsertAccess(ctx, purchase("abc", buyerA, txOne, 0, "1", 1700000000))
		assert.ErrorIs(t, err, ErrInvalidData)
		_, err = repo.UpsertAccess(ctx, purchase("1", "not-a-wallet", txOne, 0, "1", 1700000000))
		assert.ErrorIs(t, err, ErrInvalidData)
		_, err = repo.UpsertAccess(ctx, purchase("1", buyerA, txOne, 0, "-5", 1700000000))
		assert.ErrorIs(t, err, ErrInvalidData)
		_, err = repo.UpsertAccess(ctx, &AccessInput{ResourceID: "1", BuyerWallet: buyerA, AmountPaidWei: "1"})
		assert.ErrorIs(t, err, ErrInvalidData)
		_, _, err = repo.CreateResource(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidData)
		_, err = repo.RecordWithdrawal(ctx, &WithdrawalInput{TxHash: "0x1234", SellerWallet: sellerA, AmountWei: "1"})
		assert.ErrorIs(t, err, ErrInvalidData)
	})

	t.Run("ConcurrentReplays", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = repo.UpsertAccess(ctx, purchase("9", buyerA, txOne, 0, "5", 1700000000))
				_, _, _ = repo.CreateResource(ctx, listing("9", "concurrent"))
			}()
		}
		wg.Wait()

		n, err := repo.CountAccess(ctx, "9")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = repo.GetResource(ctx, "9")
		assert.NoError(t, err)
	})

	t.Run("Closed", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Close())
		require.NoError(t, repo.Close())

		_, err := repo.UpsertAccess(context.Background(), purchase("1", buyerA, txOne, 0, "1", 1700000000))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = repo.GetResource(context.Background(), "1")
		assert.ErrorIs(t, err, ErrClosed)
	})
}
