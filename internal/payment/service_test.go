package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/pkg/x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPayTo = "0x1111111111111111111111111111111111111111"
	testAsset = "0xc01efaaf7c5c61bebfaeb358e1161b537b8bc0e0"
)

type fakeFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32

	mu        sync.Mutex
	valid     bool
	reason    string
	settleErr error
	txHash    string
	delay     time.Duration
	lastReq   x402.PaymentRequirements
}

func newFakeFacilitator() *fakeFacilitator {
	return &fakeFacilitator{valid: true, txHash: "0xsettled"}
}

func (f *fakeFacilitator) Verify(_ context.Context, _ string, req x402.PaymentRequirements) (bool, string, error) {
	f.verifyCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.valid, f.reason, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, _ string, _ x402.PaymentRequirements) (string, error) {
	f.settleCalls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return "", f.settleErr
	}
	return f.txHash, nil
}

func (f *fakeFacilitator) set(fn func(f *fakeFacilitator)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func testConfig(scope Scope) Config {
	return Config{
		PayTo:   testPayTo,
		Asset:   testAsset,
		Network: "cronos-testnet",
		Scope:   scope,
		Prices: map[string]Price{
			"risk:analyze":      {Amount: "10000", Description: "Contract risk analysis"},
			"market:divergence": {Amount: "5000", Description: "Price divergence"},
		},
	}
}

func newTestService(t *testing.T, scope Scope) (*Service, *fakeFacilitator) {
	t.Helper()
	fac := newFakeFacilitator()
	return NewService(NewMemoryStore(), fac, testConfig(scope), nil), fac
}

func validHeader(t *testing.T) string {
	t.Helper()
	h, err := x402.EncodePaymentHeader(&x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "cronos-testnet",
	})
	require.NoError(t, err)
	return h
}

func TestIssueChallenge(t *testing.T) {
	svc, _ := newTestService(t, ScopeGlobal)
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/api/v1/risk/analyze?contract=0xabc")
	require.NoError(t, err)

	assert.Equal(t, 1, ch.X402Version)
	assert.Equal(t, x402.CodePaymentRequired, ch.Error)
	require.Len(t, ch.Accepts, 1)
	acc := ch.Accepts[0]
	assert.Equal(t, x402.SchemeExact, acc.Scheme)
	assert.Equal(t, testPayTo, acc.PayTo)
	assert.Equal(t, testAsset, acc.Asset)
	assert.Equal(t, "10000", acc.MaxAmountRequired)
	assert.Equal(t, 300, acc.MaxTimeoutSeconds)
	assert.Equal(t, "/api/v1/risk/analyze?contract=0xabc", acc.Resource)
	assert.NotEmpty(t, acc.Extra.PaymentID)

	rec, err := svc.Get(ctx, ch.PaymentID())
	require.NoError(t, err)
	assert.Equal(t, StatusChallengeIssued, rec.Status)
	assert.False(t, rec.Settled)
}

func TestIssueChallenge_FreshIDs(t *testing.T) {
	svc, _ := newTestService(t, ScopeGlobal)
	a, err := svc.IssueChallenge(context.Background(), "risk:analyze", "/a")
	require.NoError(t, err)
	b, err := svc.IssueChallenge(context.Background(), "risk:analyze", "/a")
	require.NoError(t, err)
	assert.NotEqual(t, a.PaymentID(), b.PaymentID())
}

func TestIssueChallenge_UnknownResource(t *testing.T) {
	svc, _ := newTestService(t, ScopeGlobal)
	_, err := svc.IssueChallenge(context.Background(), "nope", "/x")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestSettle_Success(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	res, err := svc.Settle(ctx, x402.SettleRequest{
		PaymentID:           ch.PaymentID(),
		PaymentHeader:       validHeader(t),
		PaymentRequirements: ch.Accepts[0],
	})
	require.NoError(t, err)
	assert.Equal(t, "0xsettled", res.TxHash)
	assert.False(t, res.Replayed)

	rec, err := svc.Get(ctx, ch.PaymentID())
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rec.Status)
	assert.True(t, rec.Settled)
	assert.Equal(t, "0xsettled", rec.TxHash)
	assert.NotNil(t, rec.SettledAt)
	assert.Equal(t, int32(1), fac.settleCalls.Load())
}

func TestSettle_PinsPayeeFields(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	tampered := ch.Accepts[0]
	tampered.PayTo = "0x2222222222222222222222222222222222222222"
	tampered.MaxAmountRequired = "1"

	_, err = svc.Settle(ctx, x402.SettleRequest{
		PaymentID:           ch.PaymentID(),
		PaymentHeader:       validHeader(t),
		PaymentRequirements: tampered,
	})
	require.NoError(t, err)

	fac.mu.Lock()
	defer fac.mu.Unlock()
	assert.Equal(t, testPayTo, fac.lastReq.PayTo)
	assert.Equal(t, "10000", fac.lastReq.MaxAmountRequired)
}

func TestSettle_IdempotentReplay(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	req := x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: validHeader(t)}
	first, err := svc.Settle(ctx, req)
	require.NoError(t, err)
	second, err := svc.Settle(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.TxHash, second.TxHash)
	assert.True(t, second.Replayed)
	assert.Equal(t, int32(1), fac.settleCalls.Load())
	assert.Equal(t, int32(1), fac.verifyCalls.Load())
}

func TestSettle_ConcurrentSingleFacilitatorCall(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	fac.delay = 20 * time.Millisecond
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	req := x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: validHeader(t)}

	const n = 8
	var wg sync.WaitGroup
	hashes := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Settle(ctx, req)
			errs[i] = err
			if err == nil {
				hashes[i] = res.TxHash
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "0xsettled", hashes[i])
	}
	assert.Equal(t, int32(1), fac.settleCalls.Load())
}

func TestSettle_UnknownPayment(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	_, err := svc.Settle(context.Background(), x402.SettleRequest{PaymentID: "pay_missing", PaymentHeader: validHeader(t)})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(0), fac.verifyCalls.Load())
}

func TestSettle_Expired(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	now = now.Add(DefaultChallengeTTL + time.Second)
	_, err = svc.Settle(ctx, x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: validHeader(t)})
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, int32(0), fac.verifyCalls.Load())
}

func TestSettle_VerifyFailedThenRetry(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	fac.set(func(f *fakeFacilitator) { f.valid = false; f.reason = "insufficient_funds" })
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	req := x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: validHeader(t)}
	_, err = svc.Settle(ctx, req)
	require.ErrorIs(t, err, ErrVerifyFailed)
	assert.Contains(t, err.Error(), "insufficient_funds")
	assert.Equal(t, int32(0), fac.settleCalls.Load())

	rec, err := svc.Get(ctx, ch.PaymentID())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "insufficient_funds", rec.FailureReason)

	// A failed payment can be settled with a new header.
	fac.set(func(f *fakeFacilitator) { f.valid = true })
	res, err := svc.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "0xsettled", res.TxHash)
}

func TestSettle_SettleFailed(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	fac.set(func(f *fakeFacilitator) { f.settleErr = errors.New("nonce already used") })
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	_, err = svc.Settle(ctx, x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: validHeader(t)})
	require.ErrorIs(t, err, ErrSettleFailed)

	ok, err := svc.CheckEntitlement(ctx, ch.PaymentID(), "risk:analyze")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettle_MalformedHeader(t *testing.T) {
	svc, fac := newTestService(t, ScopeGlobal)
	ctx := context.Background()
	ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	_, err = svc.Settle(ctx, x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: "%%%not-base64"})
	assert.ErrorIs(t, err, ErrVerifyFailed)
	assert.Equal(t, int32(0), fac.verifyCalls.Load())
}

func TestSettle_MismatchedPaymentID(t *testing.T) {
	svc, _ := newTestService(t, ScopeGlobal)
	ctx := context.Background()
	a, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)
	b, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
	require.NoError(t, err)

	_, err = svc.Settle(ctx, x402.SettleRequest{
		PaymentID:           a.PaymentID(),
		PaymentHeader:       validHeader(t),
		PaymentRequirements: b.Accepts[0],
	})
	assert.ErrorIs(t, err, ErrVerifyFailed)
}

func TestCheckEntitlement_Scopes(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		scope Scope
		other bool
	}{
		{ScopeGlobal, true},
		{ScopeResource, false},
	} {
		t.Run(string(tt.scope), func(t *testing.T) {
			svc, _ := newTestService(t, tt.scope)
			ch, err := svc.IssueChallenge(ctx, "risk:analyze", "/r")
			require.NoError(t, err)

			ok, err := svc.CheckEntitlement(ctx, ch.PaymentID(), "risk:analyze")
			require.NoError(t, err)
			assert.False(t, ok, "unsettled payment must not be entitled")

			_, err = svc.Settle(ctx, x402.SettleRequest{PaymentID: ch.PaymentID(), PaymentHeader: validHeader(t)})
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				ok, err = svc.CheckEntitlement(ctx, ch.PaymentID(), "risk:analyze")
				require.NoError(t, err)
				assert.True(t, ok)
			}

			ok, err = svc.CheckEntitlement(ctx, ch.PaymentID(), "market:divergence")
			require.NoError(t, err)
			assert.Equal(t, tt.other, ok)
		})
	}
}

func TestCheckEntitlement_Unknown(t *testing.T) {
	svc, _ := newTestService(t, ScopeGlobal)
	ok, err := svc.CheckEntitlement(context.Background(), "pay_nope", "risk:analyze")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.CheckEntitlement(context.Background(), "", "risk:analyze")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeper_DeletesOnlyExpiredUnsettled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, &Record{PaymentID: "pay_old", ExpiresAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, store.Create(ctx, &Record{PaymentID: "pay_fresh", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.Create(ctx, &Record{PaymentID: "pay_paid", ExpiresAt: now.Add(-2 * time.Hour)}))
	_, won, err := store.MarkSettled(ctx, "pay_paid", "0xabc", now)
	require.NoError(t, err)
	require.True(t, won)

	s := NewSweeper(store, nil)
	s.now = func() time.Time { return now }

	assert.Equal(t, 1, s.sweep(ctx))

	_, err = store.Get(ctx, "pay_old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "pay_fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "pay_paid")
	assert.NoError(t, err)
}

func TestMemoryStore_MarkSettledOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Record{PaymentID: "pay_1"}))
	assert.ErrorIs(t, store.Create(ctx, &Record{PaymentID: "pay_1"}), ErrDuplicateID)

	hash, won, err := store.MarkSettled(ctx, "pay_1", "0xfirst", time.Now())
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "0xfirst", hash)

	hash, won, err = store.MarkSettled(ctx, "pay_1", "0xsecond", time.Now())
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "0xfirst", hash)

	require.NoError(t, store.MarkFailed(ctx, "pay_1", "late failure"))
	rec, err := store.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rec.Status)
	assert.Empty(t, rec.FailureReason)
}
