package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBlockedStore_ListFiltersAndLimits(t *testing.T) {
	s := NewMemoryBlockedStore()
	ctx := context.Background()
	other := "0xcccc000000000000000000000000000000000003"

	for i, u := range []string{testUser, other, testUser, testUser} {
		require.NoError(t, s.Add(ctx, &BlockedRecord{
			ID: string(rune('a' + i)), User: u, Target: testTarget, Value: "0",
			RiskScore: 50, Threshold: 30, CreatedAt: time.Unix(int64(i), 0),
		}))
	}

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID)

	mine, err := s.List(ctx, testUser, 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "d", mine[0].ID)
	assert.Equal(t, "c", mine[1].ID)
}
