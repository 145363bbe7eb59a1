package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo and testing.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.PaymentID]; ok {
		return ErrDuplicateID
	}
	cp := *rec
	m.records[rec.PaymentID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	if rec.SettledAt != nil {
		t := *rec.SettledAt
		cp.SettledAt = &t
	}
	return &cp, nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, paymentID, txHash string, at time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[paymentID]
	if !ok {
		return "", false, ErrNotFound
	}
	if rec.Settled {
		return rec.TxHash, false, nil
	}
	rec.Settled = true
	rec.Status = StatusSettled
	rec.TxHash = txHash
	rec.FailureReason = ""
	rec.Attempts++
	rec.SettledAt = &at
	return txHash, true, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, paymentID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[paymentID]
	if !ok {
		return ErrNotFound
	}
	if rec.Settled {
		return nil
	}
	rec.Status = StatusFailed
	rec.FailureReason = reason
	rec.Attempts++
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, rec := range m.records {
		if !rec.Settled && rec.ExpiresAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}
