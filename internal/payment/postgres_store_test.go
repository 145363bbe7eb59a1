//go:build integration

package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGRecord(id string, expires time.Time) *Record {
	return &Record{
		PaymentID: id,
		Resource:  "risk:analyze",
		Amount:    "10000",
		Asset:     testAsset,
		PayTo:     testPayTo,
		Network:   "cronos-testnet",
		Status:    StatusChallengeIssued,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expires,
	}
}

func TestPostgresStore_SettleOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPGRecord("pay_pg1", time.Now().Add(time.Minute))))
	assert.ErrorIs(t, store.Create(ctx, newPGRecord("pay_pg1", time.Now().Add(time.Minute))), ErrDuplicateID)

	require.NoError(t, store.MarkFailed(ctx, "pay_pg1", "insufficient funds"))
	rec, err := store.Get(ctx, "pay_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		seen = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash, won, err := store.MarkSettled(ctx, "pay_pg1", "0xhash"+string(rune('a'+i)), time.Now())
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if won {
				wins++
			}
			seen[hash] = true
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Len(t, seen, 1)

	rec, err = store.Get(ctx, "pay_pg1")
	require.NoError(t, err)
	assert.True(t, rec.Settled)
	assert.Equal(t, StatusSettled, rec.Status)

	require.NoError(t, store.MarkFailed(ctx, "pay_pg1", "late failure"))
	rec, err = store.Get(ctx, "pay_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rec.Status)
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Create(ctx, newPGRecord("pay_old", past)))
	require.NoError(t, store.Create(ctx, newPGRecord("pay_old_settled", past)))
	_, _, err := store.MarkSettled(ctx, "pay_old_settled", "0xabc", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newPGRecord("pay_new", time.Now().Add(time.Hour))))

	n, err := store.DeleteExpired(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "pay_old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "pay_old_settled")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "pay_new")
	assert.NoError(t, err)
}
