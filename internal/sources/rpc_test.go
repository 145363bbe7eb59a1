package sources

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	code      []byte
	balance   *big.Int
	head      uint64
	logs      []types.Log
	maxWindow uint64
	windows   []uint64
	times     map[uint64]uint64
	err       error
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, f.err
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, f.err
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, f.err }

func (f *fakeChain) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	return &types.Header{Number: n, Time: f.times[n.Uint64()]}, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	window := q.ToBlock.Uint64() - q.FromBlock.Uint64()
	f.windows = append(f.windows, window)
	if f.maxWindow > 0 && window > f.maxWindow {
		return nil, errors.New("query returned more than 10000 results")
	}
	return f.logs, nil
}

func transferLog(block uint64, to common.Address) types.Log {
	return types.Log{
		BlockNumber: block,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(common.HexToAddress("0x01").Bytes()),
			common.BytesToHash(to.Bytes()),
		},
	}
}

func TestRPCSource_HolderCountDistinctRecipients(t *testing.T) {
	a := common.HexToAddress("0xa1")
	b := common.HexToAddress("0xb2")
	chain := &fakeChain{
		head: 10_000,
		logs: []types.Log{
			transferLog(9000, a),
			transferLog(9001, a),
			transferLog(9002, b),
			transferLog(9003, common.Address{}), // burn
		},
	}

	n, err := NewRPCSource(chain, decimal.Zero).HolderCount(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []uint64{DefaultScanWindow}, chain.windows)
}

func TestRPCSource_RetriesSmallerWindow(t *testing.T) {
	chain := &fakeChain{
		head:      10_000,
		maxWindow: SmallScanWindow,
		logs:      []types.Log{transferLog(9800, common.HexToAddress("0xa1"))},
	}

	n, err := NewRPCSource(chain, decimal.Zero).HolderCount(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []uint64{DefaultScanWindow, SmallScanWindow}, chain.windows)
}

func TestRPCSource_RangeErrorAfterRetry(t *testing.T) {
	chain := &fakeChain{head: 10_000, maxWindow: 100}

	_, err := NewRPCSource(chain, decimal.Zero).HolderCount(context.Background(), testToken)
	assert.ErrorIs(t, err, ErrRangeTooLarge)
	assert.Len(t, chain.windows, 2, "only one retry at the smaller window")
}

func TestRPCSource_WindowClampsAtGenesis(t *testing.T) {
	chain := &fakeChain{head: 100, logs: []types.Log{transferLog(5, common.HexToAddress("0xa1"))}}
	_, err := NewRPCSource(chain, decimal.Zero).HolderCount(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, chain.windows)
}

func TestRPCSource_NoLogsIsNoData(t *testing.T) {
	chain := &fakeChain{head: 10_000}
	_, err := NewRPCSource(chain, decimal.Zero).CreatedAt(context.Background(), testToken)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestRPCSource_CreatedAtUsesEarliestBlock(t *testing.T) {
	chain := &fakeChain{
		head:  10_000,
		logs:  []types.Log{transferLog(9500, common.HexToAddress("0xa1")), transferLog(9100, common.HexToAddress("0xa2"))},
		times: map[uint64]uint64{9100: 1_700_000_000, 9500: 1_700_001_000},
	}
	at, err := NewRPCSource(chain, decimal.Zero).CreatedAt(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), at.Unix())
}

func TestRPCSource_LiquidityValuesNativeBalance(t *testing.T) {
	twoCoins := new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	chain := &fakeChain{balance: twoCoins}

	got, err := NewRPCSource(chain, decimal.RequireFromString("0.15")).Liquidity(context.Background(), testToken)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.3")), "got %s", got)
}

func TestRPCSource_CodeErrorIsWrapped(t *testing.T) {
	chain := &fakeChain{err: errors.New("connection refused")}
	_, err := NewRPCSource(chain, decimal.Zero).Code(context.Background(), testToken)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, NameRPC, fe.Source)
	assert.Equal(t, "code", fe.Op)
}

func TestIsRangeError(t *testing.T) {
	assert.True(t, isRangeError(errors.New("eth_getLogs block range too large")))
	assert.True(t, isRangeError(errors.New("Exceed maximum block range: 2000")))
	assert.True(t, isRangeError(ErrRangeTooLarge))
	assert.False(t, isRangeError(errors.New("connection reset")))
	assert.False(t, isRangeError(nil))
}
