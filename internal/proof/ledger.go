package proof

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRecordNotFound is returned when the ledger has no entry for a key.
var ErrRecordNotFound = errors.New("proof: ledger record not found")

// Record is what the risk ledger stores per (contract, timestamp).
type Record struct {
	Contract  common.Address
	Score     int
	Timestamp int64
	ProofHash common.Hash
	Signer    common.Address
	Signature []byte
}

// RiskLedger persists anchored proofs.
type RiskLedger interface {
	Store(ctx context.Context, rec Record) error
	Lookup(ctx context.Context, contract common.Address, timestamp int64) (*Record, error)
}

// MemoryLedger is an in-process RiskLedger for development and tests.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func ledgerKey(contract common.Address, timestamp int64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(contract.Hex()), timestamp)
}

// Store writes rec. Like the on-chain ledger, entries are write-once.
func (l *MemoryLedger) Store(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey(rec.Contract, rec.Timestamp)
	if _, exists := l.records[key]; exists {
		return fmt.Errorf("proof: record already stored for %s", key)
	}
	rec.Signature = append([]byte(nil), rec.Signature...)
	l.records[key] = rec
	return nil
}

// Lookup returns a copy of the record for (contract, timestamp).
func (l *MemoryLedger) Lookup(_ context.Context, contract common.Address, timestamp int64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[ledgerKey(contract, timestamp)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec.Signature = append([]byte(nil), rec.Signature...)
	return &rec, nil
}

var _ RiskLedger = (*MemoryLedger)(nil)
