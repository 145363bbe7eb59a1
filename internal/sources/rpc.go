package sources

import (
	"context"
	"fmt"
	"math/big"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Default log scan windows in blocks. Many public RPC endpoints cap
// eth_getLogs at 2000 blocks; the retry window stays well under stricter caps.
const (
	DefaultScanWindow = 2000
	SmallScanWindow   = 500
)

// ChainReader is the subset of ethclient.Client used by the RPC source.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCSource derives facts directly from chain state. It is the secondary
// source for holders and age (via Transfer log scans) and the primary
// source for bytecode.
type RPCSource struct {
	client      ChainReader
	window      uint64
	smallWindow uint64
	nativeUSD   decimal.Decimal
}

// NewRPCSource creates an RPC source. nativeUSD prices the chain's native
// coin for the balance-based liquidity estimate.
func NewRPCSource(client ChainReader, nativeUSD decimal.Decimal) *RPCSource {
	return &RPCSource{
		client:      client,
		window:      DefaultScanWindow,
		smallWindow: SmallScanWindow,
		nativeUSD:   nativeUSD,
	}
}

// WithWindows overrides the log scan windows.
func (s *RPCSource) WithWindows(window, small uint64) *RPCSource {
	s.window = window
	s.smallWindow = small
	return s
}

// Code returns the deployed bytecode at addr.
func (s *RPCSource) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := s.client.CodeAt(ctx, addr, nil)
	return code, wrap(NameRPC, "code", err)
}

// HolderCount counts distinct non-zero Transfer recipients within the scan window.
func (s *RPCSource) HolderCount(ctx context.Context, addr common.Address) (int64, error) {
	logs, err := s.transferLogs(ctx, addr)
	if err != nil {
		return 0, wrap(NameRPC, "holders", err)
	}
	if len(logs) == 0 {
		return 0, wrap(NameRPC, "holders", ErrNoData)
	}

	holders := mapset.NewThreadUnsafeSet[common.Address]()
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		to := common.BytesToAddress(l.Topics[2].Bytes())
		if to != (common.Address{}) {
			holders.Add(to)
		}
	}
	return int64(holders.Cardinality()), nil
}

// CreatedAt returns the time of the earliest Transfer seen within the scan
// window. It is a lower bound on age, not the deployment time.
func (s *RPCSource) CreatedAt(ctx context.Context, addr common.Address) (time.Time, error) {
	logs, err := s.transferLogs(ctx, addr)
	if err != nil {
		return time.Time{}, wrap(NameRPC, "age", err)
	}
	if len(logs) == 0 {
		return time.Time{}, wrap(NameRPC, "age", ErrNoData)
	}

	earliest := logs[0].BlockNumber
	for _, l := range logs[1:] {
		if l.BlockNumber < earliest {
			earliest = l.BlockNumber
		}
	}
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(earliest))
	if err != nil {
		return time.Time{}, wrap(NameRPC, "age", err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil //nolint:gosec // block time fits int64
}

// Liquidity values the contract's native coin balance in USD.
func (s *RPCSource) Liquidity(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	bal, err := s.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Zero, wrap(NameRPC, "liquidity", err)
	}
	coins := decimal.NewFromBigInt(bal, -18)
	return coins.Mul(s.nativeUSD), nil
}

// transferLogs scans the most recent window of blocks, retrying once with
// the small window if the provider rejects the range.
func (s *RPCSource) transferLogs(ctx context.Context, addr common.Address) ([]types.Log, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := s.filterWindow(ctx, addr, head, s.window)
	if err != nil && isRangeError(err) && s.smallWindow < s.window {
		logs, err = s.filterWindow(ctx, addr, head, s.smallWindow)
	}
	if err != nil {
		if isRangeError(err) {
			return nil, fmt.Errorf("%w: %v", ErrRangeTooLarge, err)
		}
		return nil, err
	}
	return logs, nil
}

func (s *RPCSource) filterWindow(ctx context.Context, addr common.Address, head, window uint64) ([]types.Log, error) {
	from := uint64(0)
	if head > window {
		from = head - window
	}
	return s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{TransferTopic}},
	})
}
