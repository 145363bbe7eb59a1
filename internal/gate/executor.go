package gate

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Sender signs, sends and waits for a transaction.
type Sender interface {
	SendAndWait(ctx context.Context, to common.Address, value *big.Int, data []byte, timeout time.Duration) (*types.Receipt, error)
}

// ChainExecutor forwards calls from the vault operator key.
type ChainExecutor struct {
	sender  Sender
	timeout time.Duration
}

// NewChainExecutor creates an executor that waits up to timeout for each
// receipt. Pass timeout=0 for chain.DefaultConfirmationTimeout.
func NewChainExecutor(sender Sender, timeout time.Duration) *ChainExecutor {
	if timeout <= 0 {
		timeout = chain.DefaultConfirmationTimeout
	}
	return &ChainExecutor{sender: sender, timeout: timeout}
}

var _ Executor = (*ChainExecutor)(nil)

// Execute sends the call and waits for it to be mined.
func (e *ChainExecutor) Execute(ctx context.Context, call Call) (string, error) {
	receipt, err := e.sender.SendAndWait(ctx, call.Target, call.Value, call.Data, e.timeout)
	if err != nil {
		var txErr *chain.TxError
		if errors.As(err, &txErr) {
			return txErr.TxHash, err
		}
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// DryRunExecutor logs calls instead of sending them. It is used when no
// vault operator key is configured; the gate holds nothing for it and
// labels its results as dry runs.
type DryRunExecutor struct {
	logger *slog.Logger
}

// NewDryRunExecutor creates a dry-run executor.
func NewDryRunExecutor(logger *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{logger: logger}
}

var _ Executor = (*DryRunExecutor)(nil)

// DryRun reports that no call reaches the chain.
func (e *DryRunExecutor) DryRun() bool { return true }

func (e *DryRunExecutor) Execute(_ context.Context, call Call) (string, error) {
	e.logger.Info("dry-run execution, nothing sent",
		"user", call.User.Hex(), "target", call.Target.Hex(), "value", call.Value.String(),
		"callDataBytes", len(call.Data))
	return "", nil
}
