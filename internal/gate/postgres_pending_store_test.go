//go:build integration

package gate

import (
	"context"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresPendingStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresPendingStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	second := &PendingExecution{
		HoldID: "hold_2", User: testUser, Target: testTarget, Value: "7",
		TxHash: "0x02", Nonce: 12, Reason: "confirm: timeout", CreatedAt: now.Add(time.Second),
	}
	require.NoError(t, s.Add(ctx, second))
	require.NoError(t, s.Add(ctx, &PendingExecution{
		HoldID: "hold_1", User: testUser, Target: testTarget, Value: "1000000000000000000000",
		TxHash: "0x01", Nonce: 11, CreatedAt: now,
	}))
	// A second add for the same hold keeps the first record.
	dup := *second
	dup.TxHash = "0xff"
	require.NoError(t, s.Add(ctx, &dup))

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "hold_1", list[0].HoldID)
	assert.Equal(t, "1000000000000000000000", list[0].Value)
	assert.Equal(t, uint64(11), list[0].Nonce)
	assert.Equal(t, "0x02", list[1].TxHash)

	require.NoError(t, s.Delete(ctx, "hold_1"))
	list, err = s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hold_2", list[0].HoldID)
}
