package postgres

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

func newSwap(id, key string, created time.Time) *swap.SwapOperation {
	return &swap.SwapOperation{
		ID:             id,
		UserID:         "user-1",
		FromChain:      "ETH",
		ToChain:        "NEAR",
		Direction:      swap.DirectionForward,
		Amount:         1_000_000,
		Recipient:      "alice.near",
		Status:         swap.StatusPending,
		CorrelationKey: key,
		Metadata:       map[string]string{"source_wallet": "0xabc"},
		CreatedAt:      created,
		UpdatedAt:      created,
		ExpiresAt:      created.Add(30 * time.Minute),
	}
}

func TestSwapStore(t *testing.T) {
	pool := setupTestDB(t)
	store := NewSwapStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		sw := newSwap("s-create", "0xkey-create", now)
		require.NoError(t, store.Create(ctx, sw))

		got, err := store.GetByID(ctx, "s-create")
		require.NoError(t, err)
		assert.Equal(t, sw.UserID, got.UserID)
		assert.Equal(t, sw.Amount, got.Amount)
		assert.Equal(t, swap.StatusPending, got.Status)
		assert.Equal(t, "0xabc", got.Metadata["source_wallet"])
		assert.True(t, got.CreatedAt.Equal(now))
		assert.True(t, got.CompletedAt.IsZero())

		_, err = store.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, swap.ErrNotFound)
	})

	t.Run("live correlation key is unique", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newSwap("s-dup-1", "0xkey-dup", now)))
		err := store.Create(ctx, newSwap("s-dup-2", "0xkey-dup", now))
		assert.ErrorIs(t, err, swap.ErrDuplicateCorrelationKey)

		_, err = store.CompareAndSwapStatus(ctx, "s-dup-1", swap.StatusPending, swap.StatusUpdate{
			Status:        swap.StatusFailed,
			FailureReason: swap.ReasonExpired,
			At:            now.Add(time.Minute),
		})
		require.NoError(t, err)

		// A terminal swap releases the key.
		require.NoError(t, store.Create(ctx, newSwap("s-dup-2", "0xkey-dup", now.Add(time.Second))))
		got, err := store.GetByCorrelationKey(ctx, "0xkey-dup")
		require.NoError(t, err)
		assert.Equal(t, "s-dup-2", got.ID)
	})

	t.Run("compare and swap", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newSwap("s-cas", "0xkey-cas", now)))

		at := now.Add(time.Minute)
		got, err := store.CompareAndSwapStatus(ctx, "s-cas", swap.StatusPending, swap.StatusUpdate{
			Status:       swap.StatusSourceLocked,
			SourceTxHash: "0xlock",
			Metadata:     map[string]string{swap.MetaSourceBlock: "12"},
			At:           at,
		})
		require.NoError(t, err)
		assert.Equal(t, swap.StatusSourceLocked, got.Status)
		assert.Equal(t, "12", got.Metadata[swap.MetaSourceBlock])
		assert.Equal(t, "0xabc", got.Metadata["source_wallet"])

		_, err = store.CompareAndSwapStatus(ctx, "s-cas", swap.StatusPending, swap.StatusUpdate{
			Status: swap.StatusFailed,
			At:     at,
		})
		assert.ErrorIs(t, err, swap.ErrConflict)

		_, err = store.CompareAndSwapStatus(ctx, "s-cas", swap.StatusSourceLocked, swap.StatusUpdate{
			Status:       swap.StatusSourceLocked,
			SourceTxHash: "0xother",
			At:           at,
		})
		assert.ErrorIs(t, err, swap.ErrConflict, "write-once hash")

		_, err = store.CompareAndSwapStatus(ctx, "s-cas", swap.StatusSourceLocked, swap.StatusUpdate{
			Status: swap.StatusCompleted,
			At:     at,
		})
		assert.ErrorIs(t, err, swap.ErrInvalidTransition)

		stored, err := store.GetByID(ctx, "s-cas")
		require.NoError(t, err)
		assert.Equal(t, "0xlock", stored.SourceTxHash)
		assert.True(t, stored.UpdatedAt.Equal(at))
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newSwap("s-race", "0xkey-race", now)))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.CompareAndSwapStatus(ctx, "s-race", swap.StatusPending, swap.StatusUpdate{
					Status: swap.StatusSourceLocked,
					At:     now,
				})
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				} else if !errors.Is(err, swap.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("amount above int64", func(t *testing.T) {
		sw := newSwap("s-wide", "0xkey-wide", now)
		sw.Amount = math.MaxUint64
		require.NoError(t, store.Create(ctx, sw))

		got, err := store.GetByID(ctx, "s-wide")
		require.NoError(t, err)
		assert.Equal(t, uint64(math.MaxUint64), got.Amount)
	})

	t.Run("list expired pending", func(t *testing.T) {
		old := newSwap("s-expired", "", now.Add(-time.Hour))
		require.NoError(t, store.Create(ctx, old))
		submitted := newSwap("s-submitted", "", now.Add(-2*time.Hour))
		submitted.SourceTxHash = "0xsubmitted"
		require.NoError(t, store.Create(ctx, submitted))

		ids := func(q swap.ExpiryQuery) []string {
			expired, err := store.ListExpiredPending(ctx, q)
			require.NoError(t, err)
			out := make([]string, 0, len(expired))
			for _, sw := range expired {
				out = append(out, sw.ID)
			}
			return out
		}

		plain := ids(swap.ExpiryQuery{Before: now})
		assert.Contains(t, plain, "s-expired")
		assert.NotContains(t, plain, "s-create")
		assert.NotContains(t, plain, "s-submitted")

		assert.Equal(t, []string{"s-submitted"}, ids(swap.ExpiryQuery{Before: now, LockSubmitted: true}))
	})

	t.Run("list with filter", func(t *testing.T) {
		locked, err := store.List(ctx, swap.ListFilter{Status: swap.StatusSourceLocked})
		require.NoError(t, err)
		for _, sw := range locked {
			assert.Equal(t, swap.StatusSourceLocked, sw.Status)
		}
		assert.NotEmpty(t, locked)

		limited, err := store.List(ctx, swap.ListFilter{Direction: swap.DirectionForward, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
		assert.False(t, limited[0].CreatedAt.Before(limited[1].CreatedAt))
	})
	t.Run("swap count", func(t *testing.T) {
		counts, err := store.SwapCount(ctx)
		require.NoError(t, err)
		assert.Positive(t, counts[swap.StatusPending])
		assert.Positive(t, counts[swap.StatusSourceLocked])

		total := 0
		for _, n := range counts {
			total += n
		}
		all, err := store.List(ctx, swap.ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, len(all), total)
	})
}
