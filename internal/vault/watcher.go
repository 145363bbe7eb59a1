package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DepositedTopic is the topic of Deposited(address indexed user, uint256 amount).
var DepositedTopic = crypto.Keccak256Hash([]byte("Deposited(address,uint256)"))

// maxBlockRange caps a single eth_getLogs query.
const maxBlockRange = 2000

// LogReader is the slice of an RPC client the watcher needs.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Depositor credits a user's vault balance.
type Depositor interface {
	Deposit(ctx context.Context, addr, amount, txHash string) error
}

// WatcherConfig for the deposit watcher.
type WatcherConfig struct {
	VaultContract common.Address
	PollInterval  time.Duration
	Confirmations uint64
	StartBlock    uint64 // 0 = latest
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig(vault common.Address) WatcherConfig {
	return WatcherConfig{
		VaultContract: vault,
		PollInterval:  15 * time.Second,
		Confirmations: 2,
	}
}

// Watcher polls the vault contract for Deposited events and credits users.
type Watcher struct {
	client    LogReader
	config    WatcherConfig
	depositor Depositor
	logger    *slog.Logger

	mu        sync.Mutex
	lastBlock uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a deposit watcher.
func NewWatcher(client LogReader, cfg WatcherConfig, depositor Depositor, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		client:    client,
		config:    cfg,
		depositor: depositor,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start resolves the start block and begins polling in the background.
func (w *Watcher) Start(ctx context.Context) error {
	start := w.config.StartBlock
	if start == 0 {
		head, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		start = head
	} else {
		start--
	}
	w.mu.Lock()
	w.lastBlock = start
	w.mu.Unlock()

	w.logger.Info("vault deposit watcher started",
		"vault", w.config.VaultContract.Hex(),
		"startBlock", start,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

// Poll processes confirmed blocks since the last poll and returns the
// number of deposits credited.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.config.Confirmations {
		return 0, nil
	}
	safe := head - w.config.Confirmations
	if safe <= w.lastBlock {
		return 0, nil
	}

	from := w.lastBlock + 1
	to := safe
	if to-from+1 > maxBlockRange {
		to = from + maxBlockRange - 1
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.config.VaultContract},
		Topics:    [][]common.Hash{{DepositedTopic}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs: %w", err)
	}

	credited := 0
	for _, vLog := range logs {
		ok, err := w.processDeposit(ctx, vLog)
		if err != nil {
			// Leave lastBlock where it is so the range is retried.
			return credited, err
		}
		if ok {
			credited++
		}
	}

	w.lastBlock = to
	return credited, nil
}

func (w *Watcher) processDeposit(ctx context.Context, vLog types.Log) (bool, error) {
	if vLog.Removed {
		return false, nil
	}
	if len(vLog.Topics) < 2 || len(vLog.Data) < 32 {
		w.logger.Warn("malformed Deposited event", "tx", vLog.TxHash.Hex())
		return false, nil
	}

	user := strings.ToLower(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex())
	amount := new(big.Int).SetBytes(vLog.Data[:32])
	if amount.Sign() == 0 {
		return false, nil
	}
	ref := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)

	err := w.depositor.Deposit(ctx, user, amount.String(), ref)
	if errors.Is(err, ErrDuplicateDeposit) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to credit deposit %s: %w", ref, err)
	}

	w.logger.Info("deposit credited", "user", user, "amount", amount.String(), "tx", ref)
	return true, nil
}
