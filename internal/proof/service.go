package proof

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	proofsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "proof",
		Name:      "issued_total",
		Help:      "Proofs issued by kind.",
	}, []string{"kind"})

	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "proof",
		Name:      "verifications_total",
		Help:      "Proof verification outcomes: valid, invalid, foreign_signer, not_found, unavailable.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(proofsIssued, verifications)
}

// Service issues and verifies proofs. A nil signer issues placeholders; a
// nil ledger makes every verification fail.
type Service struct {
	signer *Signer
	ledger RiskLedger
	logger *slog.Logger
}

// NewService creates a proof service.
func NewService(signer *Signer, ledger RiskLedger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{signer: signer, ledger: ledger, logger: logger}
}

// Signing reports whether proofs are cryptographically signed.
func (s *Service) Signing() bool { return s.signer != nil }

// Sign produces a proof for (contract, score, timestamp).
func (s *Service) Sign(contract string, score int, timestamp int64) (Proof, error) {
	p := Proof{
		Contract:      strings.ToLower(contract),
		Score:         score,
		TimestampUnix: timestamp,
	}

	if s.signer == nil {
		p.Kind = KindPlaceholder
		p.ProofHash = PayloadHash(contract, score, timestamp, common.Address{}).Hex()
		p.Signature = placeholderSignature(contract, score, timestamp)
		proofsIssued.WithLabelValues(string(KindPlaceholder)).Inc()
		return p, nil
	}

	signer := s.signer.Address()
	hash := PayloadHash(contract, score, timestamp, signer)
	sig, err := s.signer.SignHash(hash)
	if err != nil {
		return Proof{}, err
	}

	p.Kind = KindSigned
	p.SignerAddress = strings.ToLower(signer.Hex())
	p.ProofHash = hash.Hex()
	p.Signature = hexutil.Encode(sig)
	proofsIssued.WithLabelValues(string(KindSigned)).Inc()
	return p, nil
}

// Anchor writes a signed proof to the risk ledger.
func (s *Service) Anchor(ctx context.Context, p Proof) error {
	if !p.Verifiable() {
		return ErrNotAnchorable
	}
	if s.ledger == nil {
		return ErrReadOnly
	}
	sig, err := decodeSignature(p.Signature)
	if err != nil {
		return err
	}
	return s.ledger.Store(ctx, Record{
		Contract:  common.HexToAddress(p.Contract),
		Score:     p.Score,
		Timestamp: p.TimestampUnix,
		ProofHash: common.HexToHash(p.ProofHash),
		Signer:    common.HexToAddress(p.SignerAddress),
		Signature: sig,
	})
}

// Verify reports whether the ledger holds a record for (contract, timestamp)
// whose recomputed payload hash matches proofHash and whose signature
// recovers to the recorded signer. When this service signs, the recorded
// signer must also be its own key. Any ledger failure yields false.
func (s *Service) Verify(ctx context.Context, contract string, timestamp int64, proofHash string) bool {
	if s.ledger == nil || !common.IsHexAddress(contract) || !isHash(proofHash) {
		verifications.WithLabelValues("invalid").Inc()
		return false
	}

	rec, err := s.ledger.Lookup(ctx, common.HexToAddress(contract), timestamp)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			verifications.WithLabelValues("not_found").Inc()
		} else {
			verifications.WithLabelValues("unavailable").Inc()
			logging.L(ctx).Warn("risk ledger lookup failed", "contract", contract, "error", err)
		}
		return false
	}

	claimed := common.HexToHash(proofHash)
	expected := PayloadHash(contract, rec.Score, timestamp, rec.Signer)
	if expected != claimed || rec.ProofHash != claimed {
		verifications.WithLabelValues("invalid").Inc()
		return false
	}

	if s.signer != nil && rec.Signer != s.signer.Address() {
		verifications.WithLabelValues("foreign_signer").Inc()
		return false
	}
	if len(rec.Signature) == 0 {
		verifications.WithLabelValues("invalid").Inc()
		return false
	}
	recovered, err := RecoverSigner(expected, rec.Signature)
	if err != nil || recovered != rec.Signer {
		verifications.WithLabelValues("invalid").Inc()
		return false
	}

	verifications.WithLabelValues("valid").Inc()
	return true
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
