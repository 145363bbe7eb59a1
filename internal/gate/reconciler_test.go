package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	mu     sync.Mutex
	states map[common.Hash]chain.TxState
	err    error
}

func (f *fakeStatus) Status(_ context.Context, hash common.Hash, _ uint64) (chain.TxState, *types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return chain.TxPending, nil, f.err
	}
	return f.states[hash], nil, nil
}

func (f *fakeStatus) set(hash string, s chain.TxState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[common.HexToHash(hash)] = s
}

// pendingHold puts amount on hold for testUser and records it as pending
// under txHash.
func pendingHold(t *testing.T, v *vault.Vault, store PendingStore, holdID, txHash, amount string) {
	t.Helper()
	require.NoError(t, v.Hold(context.Background(), testUser, amount, holdID))
	require.NoError(t, store.Add(context.Background(), &PendingExecution{
		HoldID: holdID, User: testUser, Target: testTarget, Value: amount,
		TxHash: txHash, Nonce: 1, CreatedAt: time.Now(),
	}))
}

func newReconcileFixture(t *testing.T) (*vault.Vault, *MemoryPendingStore, *fakeStatus, *Reconciler) {
	t.Helper()
	v := vault.New(vault.NewMemoryStore())
	require.NoError(t, v.Deposit(context.Background(), testUser, "1000", "0xdep"))
	store := NewMemoryPendingStore()
	status := &fakeStatus{states: make(map[common.Hash]chain.TxState)}
	return v, store, status, NewReconciler(store, v, status, nil)
}

func TestReconciler_SettlesByChainOutcome(t *testing.T) {
	v, store, status, r := newReconcileFixture(t)

	pendingHold(t, v, store, "hold_mined", "0x01", "100")
	pendingHold(t, v, store, "hold_reverted", "0x02", "200")
	pendingHold(t, v, store, "hold_dropped", "0x03", "300")
	pendingHold(t, v, store, "hold_waiting", "0x04", "50")
	status.set("0x01", chain.TxMined)
	status.set("0x02", chain.TxReverted)
	status.set("0x03", chain.TxDropped)
	status.set("0x04", chain.TxPending)

	assert.Equal(t, 3, r.reconcile(context.Background()))

	b := balance(t, v)
	assert.Equal(t, "850", b.Available)
	assert.Equal(t, "50", b.Held)
	assert.Equal(t, "100", b.TotalOut)

	left, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "hold_waiting", left[0].HoldID)

	status.set("0x04", chain.TxMined)
	assert.Equal(t, 1, r.reconcile(context.Background()))
	b = balance(t, v)
	assert.Equal(t, "0", b.Held)
	assert.Equal(t, "150", b.TotalOut)
}

func TestReconciler_StatusErrorKeepsRecord(t *testing.T) {
	v, store, status, r := newReconcileFixture(t)
	pendingHold(t, v, store, "hold_a", "0x0a", "100")
	status.err = errors.New("rpc unavailable")

	assert.Equal(t, 0, r.reconcile(context.Background()))
	left, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.Equal(t, "100", balance(t, v).Held)
}

func TestReconciler_AlreadyClosedHoldIsForgotten(t *testing.T) {
	v, store, status, r := newReconcileFixture(t)
	pendingHold(t, v, store, "hold_a", "0x0a", "100")
	require.NoError(t, v.ReleaseHold(context.Background(), "hold_a", "manual"))
	status.set("0x0a", chain.TxMined)

	assert.Equal(t, 1, r.reconcile(context.Background()))
	left, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, "0", balance(t, v).TotalOut)
}

func TestReconciler_StartStop(t *testing.T) {
	v, store, status, r := newReconcileFixture(t)
	r.interval = 10 * time.Millisecond
	pendingHold(t, v, store, "hold_a", "0x0a", "100")
	status.set("0x0a", chain.TxMined)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		left, _ := store.List(context.Background(), 10)
		return len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Running())

	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
	assert.False(t, r.Running())
}
