package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/idgen"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/syncutil"
	"github.com/DeegaLabs/cronos-shield-sub001/pkg/x402"
)

// DefaultChallengeTTL is how long an issued challenge can be settled.
const DefaultChallengeTTL = 5 * time.Minute

// Scope decides what a settled payment unlocks.
type Scope string

const (
	// ScopeGlobal lets a settled payment unlock every paid resource.
	ScopeGlobal Scope = "global"
	// ScopeResource binds a settled payment to the resource it was issued for.
	ScopeResource Scope = "resource"
)

// Price is the cost of one paid resource, in asset base units.
type Price struct {
	Amount      string
	Description string
}

// Config holds the payee settings shared by every challenge.
type Config struct {
	PayTo        string
	Asset        string
	Network      string
	ChallengeTTL time.Duration
	Scope        Scope
	Prices       map[string]Price
}

// Service issues challenges, settles payments, and answers entitlement
// checks. Settlement for a given payment id is serialized in-process; the
// store's compare-and-set covers concurrent processes.
type Service struct {
	store       Store
	facilitator Facilitator
	cfg         Config
	locks       *syncutil.ContextShardedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a payment service.
func NewService(store Store, facilitator Facilitator, cfg Config, logger *slog.Logger) *Service {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:       store,
		facilitator: facilitator,
		cfg:         cfg,
		locks:       syncutil.NewContextShardedMutex(),
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Price returns the configured price of resource.
func (s *Service) Price(resource string) (Price, bool) {
	p, ok := s.cfg.Prices[resource]
	return p, ok
}

// IssueChallenge records a fresh payment id for resource and returns the
// 402 body advertising it. resourceURL is echoed into the requirements.
func (s *Service) IssueChallenge(ctx context.Context, resource, resourceURL string) (*x402.Challenge, error) {
	price, ok := s.cfg.Prices[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}

	now := s.now()
	rec := &Record{
		PaymentID: idgen.PaymentID(),
		Resource:  resource,
		Amount:    price.Amount,
		Asset:     s.cfg.Asset,
		PayTo:     s.cfg.PayTo,
		Network:   s.cfg.Network,
		Status:    StatusChallengeIssued,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	challengesIssued.WithLabelValues(resource).Inc()

	return &x402.Challenge{
		X402Version: x402.Version,
		Error:       x402.CodePaymentRequired,
		Message:     "Payment required to access " + resource,
		Accepts:     []x402.PaymentRequirements{rec.Requirements(resourceURL, price.Description)},
	}, nil
}

// CheckEntitlement reports whether paymentID is settled and unlocks resource.
// Unknown ids are simply not entitled.
func (s *Service) CheckEntitlement(ctx context.Context, paymentID, resource string) (bool, error) {
	if paymentID == "" {
		return false, nil
	}
	rec, err := s.store.Get(ctx, paymentID)
	if errors.Is(err, ErrNotFound) {
		entitlementChecks.WithLabelValues("unknown").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.Settled {
		entitlementChecks.WithLabelValues("unsettled").Inc()
		return false, nil
	}
	if s.cfg.Scope == ScopeResource && rec.Resource != resource {
		entitlementChecks.WithLabelValues("wrong_resource").Inc()
		return false, nil
	}
	entitlementChecks.WithLabelValues("granted").Inc()
	return true, nil
}

// Get returns the record for paymentID.
func (s *Service) Get(ctx context.Context, paymentID string) (*Record, error) {
	return s.store.Get(ctx, paymentID)
}

// Settle verifies and settles req through the facilitator. A payment that is
// already settled returns its stored tx hash without calling the
// facilitator again.
func (s *Service) Settle(ctx context.Context, req x402.SettleRequest) (*SettleResult, error) {
	id := strings.TrimSpace(req.PaymentID)

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			settlements.WithLabelValues("unknown").Inc()
		}
		return nil, err
	}
	if rec.Settled {
		settlements.WithLabelValues("replayed").Inc()
		return &SettleResult{PaymentID: id, TxHash: rec.TxHash, Replayed: true}, nil
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent caller may have settled it.
	rec, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Settled {
		settlements.WithLabelValues("replayed").Inc()
		return &SettleResult{PaymentID: id, TxHash: rec.TxHash, Replayed: true}, nil
	}
	if rec.Expired(s.now()) {
		settlements.WithLabelValues("expired").Inc()
		return nil, ErrExpired
	}

	if claimed := req.PaymentRequirements.Extra.PaymentID; claimed != "" && claimed != id {
		return nil, s.fail(ctx, id, ErrVerifyFailed, "payment requirements belong to a different payment id")
	}
	if _, err := x402.DecodePaymentHeader(req.PaymentHeader); err != nil {
		return nil, s.fail(ctx, id, ErrVerifyFailed, err.Error())
	}

	reqs := s.requirementsFor(rec, req.PaymentRequirements)

	// The facilitator may move funds; finish the round trip and the store
	// write even if the caller goes away.
	sctx := context.WithoutCancel(ctx)

	valid, reason, err := s.facilitator.Verify(sctx, req.PaymentHeader, reqs)
	if err != nil {
		return nil, s.fail(ctx, id, ErrVerifyFailed, err.Error())
	}
	if !valid {
		if reason == "" {
			reason = "payment header rejected"
		}
		return nil, s.fail(ctx, id, ErrVerifyFailed, reason)
	}

	txHash, err := s.facilitator.Settle(sctx, req.PaymentHeader, reqs)
	if err != nil {
		// Another process may have settled the same authorization first.
		if cur, gerr := s.store.Get(sctx, id); gerr == nil && cur.Settled {
			settlements.WithLabelValues("replayed").Inc()
			return &SettleResult{PaymentID: id, TxHash: cur.TxHash, Replayed: true}, nil
		}
		return nil, s.fail(ctx, id, ErrSettleFailed, err.Error())
	}

	stored, won, err := s.store.MarkSettled(sctx, id, txHash, s.now())
	if err != nil {
		s.logger.Error("payment settled on chain but not recorded",
			"paymentId", id, "txHash", txHash, "error", err)
		return nil, err
	}
	if won {
		settlements.WithLabelValues("settled").Inc()
		s.logger.Info("payment settled",
			"paymentId", id, "resource", rec.Resource, "amount", rec.Amount, "txHash", stored)
	} else {
		settlements.WithLabelValues("replayed").Inc()
	}
	return &SettleResult{PaymentID: id, TxHash: stored, Replayed: !won}, nil
}

// requirementsFor takes the client's requirements but pins every field that
// determines who is paid and how much to the issued record.
func (s *Service) requirementsFor(rec *Record, claimed x402.PaymentRequirements) x402.PaymentRequirements {
	desc := claimed.Description
	if p, ok := s.cfg.Prices[rec.Resource]; ok && desc == "" {
		desc = p.Description
	}
	out := rec.Requirements(claimed.Resource, desc)
	if claimed.MimeType != "" {
		out.MimeType = claimed.MimeType
	}
	return out
}

func (s *Service) fail(ctx context.Context, id string, kind error, reason string) error {
	label := "verify_failed"
	if errors.Is(kind, ErrSettleFailed) {
		label = "settle_failed"
	}
	settlements.WithLabelValues(label).Inc()

	if err := s.store.MarkFailed(context.WithoutCancel(ctx), id, reason); err != nil {
		s.logger.Warn("failed to record payment failure", "paymentId", id, "error", err)
	}
	s.logger.Warn("payment settlement failed", "paymentId", id, "kind", label, "reason", reason)
	return fmt.Errorf("%w: %s", kind, reason)
}
