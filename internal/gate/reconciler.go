package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxStatusChecker reports what became of a transaction sent by the
// operator key.
type TxStatusChecker interface {
	Status(ctx context.Context, hash common.Hash, nonce uint64) (chain.TxState, *types.Receipt, error)
}

// Reconciler settles the holds of pending executions once the chain
// decides them: mined confirms the hold, reverted or dropped releases it.
// Until then the hold stays active.
type Reconciler struct {
	store    PendingStore
	funds    Funds
	checker  TxStatusChecker
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReconciler creates a reconciler for the pending executions in store.
func NewReconciler(store PendingStore, funds Funds, checker TxStatusChecker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{
		store:    store,
		funds:    funds,
		checker:  checker,
		interval: 15 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in execution reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.reconcile(ctx)
}

// reconcile settles every decided execution and returns how many it
// settled.
func (r *Reconciler) reconcile(ctx context.Context) int {
	pending, err := r.store.List(ctx, r.batch)
	if err != nil {
		r.logger.Warn("failed to list pending executions", "error", err)
		return 0
	}

	settled := 0
	for _, p := range pending {
		state, _, err := r.checker.Status(ctx, common.HexToHash(p.TxHash), p.Nonce)
		if err != nil {
			r.logger.Warn("failed to read transaction status", "holdId", p.HoldID, "txHash", p.TxHash, "error", err)
			continue
		}

		switch state {
		case chain.TxMined:
			err = r.funds.ConfirmHold(ctx, p.HoldID, p.TxHash)
		case chain.TxReverted, chain.TxDropped:
			err = r.funds.ReleaseHold(ctx, p.HoldID, "transaction "+state.String())
		default:
			continue
		}
		if err != nil && !errors.Is(err, vault.ErrHoldClosed) && !errors.Is(err, vault.ErrHoldNotFound) {
			r.logger.Error("CRITICAL: failed to settle pending execution hold",
				"holdId", p.HoldID, "user", p.User, "txHash", p.TxHash, "state", state.String(), "error", err)
			continue
		}
		if err := r.store.Delete(ctx, p.HoldID); err != nil {
			r.logger.Warn("failed to delete reconciled execution", "holdId", p.HoldID, "error", err)
			continue
		}

		pendingResolved.WithLabelValues(state.String()).Inc()
		r.logger.Info("pending execution reconciled",
			"holdId", p.HoldID, "user", p.User, "txHash", p.TxHash, "state", state.String())
		settled++
	}
	return settled
}
