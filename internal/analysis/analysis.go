// Package analysis runs the paid risk pipeline: collect facts, score them,
// and sign the score.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/aggregator"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/proof"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/scoring"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/traces"
)

// ErrInvalidContract is returned for a malformed contract address.
var ErrInvalidContract = errors.New("analysis: invalid contract address")

const anchorTimeout = 2 * time.Minute

// Collector gathers the facts for one contract.
type Collector interface {
	Collect(ctx context.Context, contract string) (aggregator.RiskFactSet, error)
}

// Details is the human-facing breakdown of a score.
type Details struct {
	Liquidity   float64  `json:"liquidity"`
	ContractAge int64    `json:"contractAge"`
	Holders     int64    `json:"holders"`
	Verified    bool     `json:"verified"`
	Warnings    []string `json:"warnings"`
}

// Result is the payload of a paid analysis.
type Result struct {
	Contract  string                                       `json:"contract"`
	Score     int                                          `json:"score"`
	Proof     string                                       `json:"proof"`
	ProofHash string                                       `json:"proofHash"`
	ProofKind proof.Kind                                   `json:"proofKind"`
	Signer    string                                       `json:"signerAddress,omitempty"`
	Verified  bool                                         `json:"verified"`
	Details   Details                                      `json:"details"`
	Sources   map[aggregator.FactType]aggregator.SourceTag `json:"sources"`
	Timestamp int64                                        `json:"timestamp"`
}

// Service is the analysis pipeline.
type Service struct {
	collector Collector
	proofs    *proof.Service
	logger    *slog.Logger
	now       func() time.Time
	anchors   sync.WaitGroup
}

// NewService creates an analysis service.
func NewService(collector Collector, proofs *proof.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{collector: collector, proofs: proofs, logger: logger, now: time.Now}
}

// WithClock overrides the clock used for proof timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Assess collects and scores contract without signing anything.
func (s *Service) Assess(ctx context.Context, contract string) (scoring.RiskScore, error) {
	facts, err := s.collect(ctx, contract)
	if err != nil {
		return scoring.RiskScore{}, err
	}
	return scoring.Score(facts, s.now()), nil
}

// Analyze scores contract and returns a signed result. Signed proofs are
// anchored on the risk ledger in the background.
func (s *Service) Analyze(ctx context.Context, contract string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "analysis.analyze", traces.Contract(contract))
	defer span.End()

	facts, err := s.collect(ctx, contract)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	now := s.now()
	score := scoring.Score(facts, now)
	span.SetAttributes(traces.RiskScore(score.Score))

	p, err := s.proofs.Sign(facts.Contract, score.Score, now.Unix())
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("sign score: %w", err)
	}

	if p.Verifiable() {
		s.anchor(context.WithoutCancel(ctx), p)
	}

	warnings := score.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return &Result{
		Contract:  facts.Contract,
		Score:     score.Score,
		Proof:     p.Signature,
		ProofHash: p.ProofHash,
		ProofKind: p.Kind,
		Signer:    p.SignerAddress,
		Verified:  p.Verifiable(),
		Details: Details{
			Liquidity:   facts.LiquidityEstimate,
			ContractAge: facts.AgeDays,
			Holders:     facts.HolderCount,
			Verified:    facts.IsVerified,
			Warnings:    warnings,
		},
		Sources:   facts.Sources,
		Timestamp: p.TimestampUnix,
	}, nil
}

// VerifyProof checks a proof hash against the risk ledger.
func (s *Service) VerifyProof(ctx context.Context, contract string, timestamp int64, proofHash string) bool {
	return s.proofs.Verify(ctx, contract, timestamp, proofHash)
}

// Wait blocks until in-flight anchoring finishes or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.anchors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) anchor(ctx context.Context, p proof.Proof) {
	s.anchors.Add(1)
	go func() {
		defer s.anchors.Done()
		ctx, cancel := context.WithTimeout(ctx, anchorTimeout)
		defer cancel()
		if err := s.proofs.Anchor(ctx, p); err != nil {
			s.logger.Warn("failed to anchor proof", "contract", p.Contract, "proofHash", p.ProofHash, "error", err)
			return
		}
		s.logger.Info("proof anchored", "contract", p.Contract, "proofHash", p.ProofHash)
	}()
}

func (s *Service) collect(ctx context.Context, contract string) (aggregator.RiskFactSet, error) {
	facts, err := s.collector.Collect(ctx, contract)
	if errors.Is(err, aggregator.ErrInvalidAddress) {
		return facts, ErrInvalidContract
	}
	return facts, err
}
