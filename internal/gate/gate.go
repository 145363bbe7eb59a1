// Package gate forwards user transactions only when the target contract's
// risk score is within policy, paying for them from the user's vault balance.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/idgen"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/notify"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/scoring"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/syncutil"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/traces"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultMaxRiskScore is the highest score that is still allowed through.
const DefaultMaxRiskScore = 30

var (
	ErrInvalidRequest      = errors.New("gate: invalid request")
	ErrInsufficientBalance = errors.New("gate: insufficient vault balance")
	ErrExecutionFailed     = errors.New("gate: execution failed")
	ErrExecutionPending    = errors.New("gate: execution submitted but not confirmed")
)

// ExecuteRequest is the body of POST /gate/execute. Value is in wei.
type ExecuteRequest struct {
	User     string `json:"user" binding:"required"`
	Target   string `json:"target" binding:"required"`
	Value    string `json:"value"`
	CallData string `json:"callData"`
}

// Result is the outcome of a gated execution. Blocked, pending and reverted
// calls all report Success=false; Blocked and Pending tell them apart.
// DryRun results never touched the chain or the vault.
type Result struct {
	Success   bool     `json:"success"`
	TxHash    string   `json:"txHash,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Pending   bool     `json:"pending,omitempty"`
	DryRun    bool     `json:"dryRun,omitempty"`
	RiskScore int      `json:"riskScore"`
	Reason    string   `json:"reason,omitempty"`
	BlockedID string   `json:"blockedId,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Assessor scores a target contract.
type Assessor interface {
	Assess(ctx context.Context, contract string) (scoring.RiskScore, error)
}

// Funds is the slice of the vault the gate needs.
type Funds interface {
	Hold(ctx context.Context, addr, amount, holdID string) error
	ConfirmHold(ctx context.Context, holdID, reference string) error
	ReleaseHold(ctx context.Context, holdID, reason string) error
}

// Call is a validated transaction to forward.
type Call struct {
	User   common.Address
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// Executor forwards an allowed call on chain. Failures should be
// *chain.TxError values: a mined-but-reverted call wraps chain.ErrReverted,
// and any failure after broadcast carries the tx hash and nonce.
type Executor interface {
	Execute(ctx context.Context, call Call) (string, error)
}

// simulator is implemented by executors that never reach the chain.
type simulator interface {
	DryRun() bool
}

// Gate runs the risk check and, when allowed, the funded execution.
type Gate struct {
	assessor     Assessor
	funds        Funds
	executor     Executor
	blocked      BlockedStore
	pending      PendingStore
	notifier     notify.Notifier
	maxRiskScore int
	dryRun       bool
	locks        *syncutil.ContextShardedMutex
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxRiskScore sets the block threshold: scores above it are blocked.
func WithMaxRiskScore(n int) Option { return func(g *Gate) { g.maxRiskScore = n } }

// WithNotifier sets the alert sink for blocked transactions.
func WithNotifier(n notify.Notifier) Option { return func(g *Gate) { g.notifier = n } }

// WithPendingStore sets where executions with an unknown outcome are
// recorded for the Reconciler.
func WithPendingStore(p PendingStore) Option { return func(g *Gate) { g.pending = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// New creates a transaction gate.
func New(assessor Assessor, funds Funds, executor Executor, blocked BlockedStore, opts ...Option) *Gate {
	g := &Gate{
		assessor:     assessor,
		funds:        funds,
		executor:     executor,
		blocked:      blocked,
		pending:      NewMemoryPendingStore(),
		notifier:     notify.Nop{},
		maxRiskScore: DefaultMaxRiskScore,
		locks:        syncutil.NewContextShardedMutex(),
		logger:       logging.Discard(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if sim, ok := executor.(simulator); ok {
		g.dryRun = sim.DryRun()
	}
	return g
}

// MaxRiskScore returns the configured block threshold.
func (g *Gate) MaxRiskScore() int { return g.maxRiskScore }

// Blocked returns the blocked-transaction store.
func (g *Gate) Blocked() BlockedStore { return g.blocked }

// ExecuteWithRiskCheck scores req.Target and either blocks the call or
// forwards it, holding req.Value from the user's vault balance until the
// transaction is mined. Only a confirmed revert or a failure before
// broadcast releases the hold; any other failure leaves it active as a
// pending execution. In dry-run mode nothing is held.
func (g *Gate) ExecuteWithRiskCheck(ctx context.Context, req ExecuteRequest) (*Result, error) {
	call, err := parseCall(req)
	if err != nil {
		return nil, err
	}
	user := strings.ToLower(call.User.Hex())
	target := strings.ToLower(call.Target.Hex())

	ctx, span := traces.StartSpan(ctx, "gate.execute", traces.UserAddr(user), traces.Contract(target))
	defer span.End()

	score, err := g.assessor.Assess(ctx, target)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("assess target: %w", err)
	}
	span.SetAttributes(traces.RiskScore(score.Score))

	if score.Score > g.maxRiskScore {
		return g.block(ctx, call, score)
	}

	unlock, err := g.locks.LockContext(ctx, user)
	if err != nil {
		return nil, err
	}
	defer unlock()

	holdID := ""
	if call.Value.Sign() > 0 && !g.dryRun {
		holdID = idgen.WithPrefix(idgen.HoldPrefix)
		if err := g.funds.Hold(ctx, user, call.Value.String(), holdID); err != nil {
			if errors.Is(err, vault.ErrInsufficientBalance) {
				decisions.WithLabelValues("insufficient").Inc()
				return &Result{
					Success:   false,
					RiskScore: score.Score,
					Reason:    "insufficient vault balance",
				}, ErrInsufficientBalance
			}
			traces.RecordError(span, err)
			return nil, fmt.Errorf("hold funds: %w", err)
		}
	}

	// Once the hold exists the call and its settlement must finish even if
	// the client disconnects.
	execCtx := context.WithoutCancel(ctx)
	start := time.Now()
	txHash, execErr := g.executor.Execute(execCtx, call)
	executionDuration.Observe(time.Since(start).Seconds())

	if execErr != nil {
		traces.RecordError(span, execErr)
		return g.failed(execCtx, call, score, holdID, txHash, execErr)
	}

	if holdID != "" {
		if err := g.funds.ConfirmHold(execCtx, holdID, txHash); err != nil {
			g.logger.Error("CRITICAL: execution mined but hold not confirmed",
				"holdId", holdID, "user", user, "txHash", txHash, "error", err)
		}
	}

	if g.dryRun {
		decisions.WithLabelValues("dry_run").Inc()
		g.logger.Info("gated execution simulated",
			"user", user, "target", target, "value", call.Value.String(), "riskScore", score.Score)
		return &Result{
			Success:   true,
			TxHash:    txHash,
			DryRun:    true,
			RiskScore: score.Score,
			Warnings:  score.Warnings,
		}, nil
	}

	decisions.WithLabelValues("allowed").Inc()
	span.SetAttributes(traces.TxHash(txHash))
	g.logger.Info("gated execution succeeded",
		"user", user, "target", target, "value", call.Value.String(), "riskScore", score.Score, "txHash", txHash)

	return &Result{
		Success:   true,
		TxHash:    txHash,
		RiskScore: score.Score,
		Warnings:  score.Warnings,
	}, nil
}

// failed settles the hold of a call whose execution returned an error.
func (g *Gate) failed(ctx context.Context, call Call, score scoring.RiskScore, holdID, txHash string, execErr error) (*Result, error) {
	user := strings.ToLower(call.User.Hex())
	target := strings.ToLower(call.Target.Hex())

	if errors.Is(execErr, chain.ErrReverted) || chain.NotBroadcast(execErr) {
		if holdID != "" {
			if err := g.funds.ReleaseHold(ctx, holdID, execErr.Error()); err != nil {
				g.logger.Error("CRITICAL: failed to release hold after failed execution",
					"holdId", holdID, "user", user, "error", err)
			}
		}
		decisions.WithLabelValues("failed").Inc()
		g.logger.Warn("gated execution failed",
			"user", user, "target", target, "txHash", txHash, "error", execErr)
		return &Result{
			Success:   false,
			TxHash:    txHash,
			RiskScore: score.Score,
			Reason:    "transaction failed: " + execErr.Error(),
		}, fmt.Errorf("%w: %w", ErrExecutionFailed, execErr)
	}

	// The transaction may still be mined, so the hold stays active.
	if holdID != "" {
		var txErr *chain.TxError
		if errors.As(execErr, &txErr) && txErr.TxHash != "" {
			err := g.pending.Add(ctx, &PendingExecution{
				HoldID:    holdID,
				User:      user,
				Target:    target,
				Value:     call.Value.String(),
				TxHash:    txErr.TxHash,
				Nonce:     txErr.Nonce,
				Reason:    execErr.Error(),
				CreatedAt: g.now(),
			})
			if err != nil {
				g.logger.Error("CRITICAL: pending execution not recorded, hold left active",
					"holdId", holdID, "user", user, "txHash", txErr.TxHash, "error", err)
			}
		} else {
			g.logger.Error("CRITICAL: execution outcome unknown and untraceable, hold left active",
				"holdId", holdID, "user", user, "error", execErr)
		}
	}
	decisions.WithLabelValues("pending").Inc()
	g.logger.Warn("gated execution pending",
		"user", user, "target", target, "txHash", txHash, "holdId", holdID, "error", execErr)
	return &Result{
		Success:   false,
		Pending:   true,
		TxHash:    txHash,
		RiskScore: score.Score,
		Reason:    "transaction submitted but not confirmed: " + execErr.Error(),
	}, fmt.Errorf("%w: %w", ErrExecutionPending, execErr)
}

func (g *Gate) block(ctx context.Context, call Call, score scoring.RiskScore) (*Result, error) {
	reason := fmt.Sprintf("risk score %d exceeds maximum %d", score.Score, g.maxRiskScore)
	rec := &BlockedRecord{
		ID:        idgen.WithPrefix(idgen.BlockedPrefix),
		User:      strings.ToLower(call.User.Hex()),
		Target:    strings.ToLower(call.Target.Hex()),
		Value:     call.Value.String(),
		RiskScore: score.Score,
		Threshold: g.maxRiskScore,
		Reason:    reason,
		Warnings:  score.Warnings,
		CreatedAt: g.now(),
	}
	if err := g.blocked.Add(ctx, rec); err != nil {
		return nil, fmt.Errorf("record blocked transaction: %w", err)
	}
	decisions.WithLabelValues("blocked").Inc()

	g.logger.Warn("transaction blocked",
		"blockedId", rec.ID, "user", rec.User, "target", rec.Target, "riskScore", score.Score)

	go g.alert(context.WithoutCancel(ctx), rec)

	return &Result{
		Success:   false,
		Blocked:   true,
		RiskScore: score.Score,
		Reason:    reason,
		BlockedID: rec.ID,
		Warnings:  score.Warnings,
	}, nil
}

func (g *Gate) alert(ctx context.Context, rec *BlockedRecord) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := g.notifier.NotifyBlocked(ctx, notify.BlockedAlert{
		ID:        rec.ID,
		User:      rec.User,
		Target:    rec.Target,
		Value:     rec.Value,
		RiskScore: rec.RiskScore,
		Threshold: rec.Threshold,
		Reason:    rec.Reason,
		Warnings:  rec.Warnings,
		At:        rec.CreatedAt,
	})
	if err != nil {
		g.logger.Warn("failed to send blocked-transaction alert", "blockedId", rec.ID, "error", err)
	}
}

func parseCall(req ExecuteRequest) (Call, error) {
	if !common.IsHexAddress(req.User) {
		return Call{}, fmt.Errorf("%w: user must be a 0x address", ErrInvalidRequest)
	}
	if !common.IsHexAddress(req.Target) {
		return Call{}, fmt.Errorf("%w: target must be a 0x address", ErrInvalidRequest)
	}

	value := new(big.Int)
	if v := strings.TrimSpace(req.Value); v != "" {
		if _, ok := value.SetString(v, 10); !ok || value.Sign() < 0 {
			return Call{}, fmt.Errorf("%w: value must be a non-negative integer in wei", ErrInvalidRequest)
		}
	}

	var data []byte
	if d := strings.TrimSpace(req.CallData); d != "" && d != "0x" {
		b, err := hexutil.Decode(d)
		if err != nil {
			return Call{}, fmt.Errorf("%w: callData must be 0x-prefixed hex", ErrInvalidRequest)
		}
		data = b
	}

	return Call{
		User:   common.HexToAddress(req.User),
		Target: common.HexToAddress(req.Target),
		Value:  value,
		Data:   data,
	}, nil
}
