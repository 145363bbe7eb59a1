package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// fakeClient is an in-memory Client recording sent transactions.
type fakeClient struct {
	mu        sync.Mutex
	nonce     uint64
	sent      []*types.Transaction
	status    uint64
	estErr    error
	sendErr   error
	pending   int
	callResp  []byte
	confirmed uint64
	noReceipt bool
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, f.estErr
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, BlockNumber: big.NewInt(1)}, nil
}

func (f *fakeClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed, nil
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResp, nil
}

func newTestTransactor(t *testing.T, c *fakeClient) *Transactor {
	t.Helper()
	tr, err := NewTransactor(c, "0x"+testKey, 338)
	require.NoError(t, err)
	return tr.WithPollInterval(time.Millisecond)
}

func TestNewTransactor_InvalidKey(t *testing.T) {
	_, err := NewTransactor(&fakeClient{}, "zz", 1)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestTransactor_SendAndWaitSuccess(t *testing.T) {
	c := &fakeClient{status: types.ReceiptStatusSuccessful, pending: 2}
	tr := newTestTransactor(t, c)
	to := common.HexToAddress("0xbeef")

	receipt, err := tr.SendAndWait(context.Background(), to, big.NewInt(5), []byte{0x01}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	require.Len(t, c.sent, 1)
	assert.Equal(t, to, *c.sent[0].To())
	assert.Equal(t, int64(5), c.sent[0].Value().Int64())
	assert.Equal(t, uint64(21000), c.sent[0].Gas())
}

func TestTransactor_Revert(t *testing.T) {
	c := &fakeClient{status: types.ReceiptStatusFailed}
	tr := newTestTransactor(t, c)

	receipt, err := tr.SendAndWait(context.Background(), common.HexToAddress("0x1"), nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrReverted)
	require.NotNil(t, receipt)
}

func TestTransactor_EstimateFailureUsesDefaultGas(t *testing.T) {
	c := &fakeClient{status: 1, estErr: errors.New("execution reverted")}
	tr := newTestTransactor(t, c)

	_, err := tr.Send(context.Background(), common.HexToAddress("0x1"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, c.sent[0].Gas())
}

func TestTransactor_SendError(t *testing.T) {
	c := &fakeClient{sendErr: errors.New("nonce too low")}
	tr := newTestTransactor(t, c)

	_, err := tr.Send(context.Background(), common.HexToAddress("0x1"), nil, nil)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, OpSend, txErr.Op)
	assert.NotEmpty(t, txErr.TxHash)
	assert.False(t, NotBroadcast(err), "a send error may still have reached the mempool")
}

func TestTransactor_WaitTimeoutCarriesHashAndNonce(t *testing.T) {
	c := &fakeClient{nonce: 7, noReceipt: true}
	tr := newTestTransactor(t, c)

	_, err := tr.SendAndWait(context.Background(), common.HexToAddress("0x1"), nil, nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	require.Len(t, c.sent, 1)
	assert.Equal(t, c.sent[0].Hash().Hex(), txErr.TxHash)
	assert.Equal(t, uint64(7), txErr.Nonce)
	assert.False(t, NotBroadcast(err))
}

func TestNotBroadcast(t *testing.T) {
	for op, want := range map[string]bool{
		OpNonce: true, OpGasPrice: true, OpSign: true, OpSend: false, OpConfirm: false,
	} {
		assert.Equal(t, want, NotBroadcast(&TxError{Op: op, Err: errors.New("x")}), op)
	}
	assert.False(t, NotBroadcast(errors.New("plain")))
}

func TestTransactor_Status(t *testing.T) {
	hash := common.HexToHash("0xaa")
	cases := []struct {
		name   string
		client *fakeClient
		nonce  uint64
		want   TxState
	}{
		{"mined", &fakeClient{status: types.ReceiptStatusSuccessful}, 3, TxMined},
		{"reverted", &fakeClient{status: types.ReceiptStatusFailed}, 3, TxReverted},
		{"still pending", &fakeClient{noReceipt: true, confirmed: 3}, 3, TxPending},
		{"nonce taken by another tx", &fakeClient{noReceipt: true, confirmed: 4}, 3, TxDropped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, _, err := newTestTransactor(t, tc.client).Status(context.Background(), hash, tc.nonce)
			require.NoError(t, err)
			assert.Equal(t, tc.want, state, state.String())
		})
	}
}

func TestTransactor_ConcurrentSendsUseDistinctNonces(t *testing.T) {
	c := &fakeClient{status: 1}
	tr := newTestTransactor(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Send(context.Background(), common.HexToAddress("0x1"), nil, nil)
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range c.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 10)
}
