package gate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PendingExecution is a forwarded call whose outcome was unknown when the
// request returned. Its hold stays active until the Reconciler settles it
// from the chain.
type PendingExecution struct {
	HoldID    string    `json:"holdId"`
	User      string    `json:"user"`
	Target    string    `json:"target"`
	Value     string    `json:"value"`
	TxHash    string    `json:"txHash"`
	Nonce     uint64    `json:"nonce"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingStore persists pending executions keyed by hold id.
type PendingStore interface {
	Add(ctx context.Context, p *PendingExecution) error
	// List returns the oldest pending executions first.
	List(ctx context.Context, limit int) ([]*PendingExecution, error)
	Delete(ctx context.Context, holdID string) error
}

// MemoryPendingStore keeps pending executions in memory.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]*PendingExecution
}

// NewMemoryPendingStore creates an empty in-memory store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{pending: make(map[string]*PendingExecution)}
}

var _ PendingStore = (*MemoryPendingStore)(nil)

func (m *MemoryPendingStore) Add(_ context.Context, p *PendingExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pending[p.HoldID] = &cp
	return nil
}

func (m *MemoryPendingStore) List(_ context.Context, limit int) ([]*PendingExecution, error) {
	m.mu.Lock()
	out := make([]*PendingExecution, 0, len(m.pending))
	for _, p := range m.pending {
		cp := *p
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryPendingStore) Delete(_ context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, holdID)
	return nil
}

// PostgresPendingStore persists pending executions in PostgreSQL.
type PostgresPendingStore struct {
	db *sql.DB
}

// NewPostgresPendingStore creates a PostgreSQL-backed pending store.
func NewPostgresPendingStore(db *sql.DB) *PostgresPendingStore {
	return &PostgresPendingStore{db: db}
}

var _ PendingStore = (*PostgresPendingStore)(nil)

// Migrate creates the pending_executions table.
func (p *PostgresPendingStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_executions (
			hold_id      VARCHAR(64) PRIMARY KEY,
			user_address VARCHAR(42) NOT NULL,
			target       VARCHAR(42) NOT NULL,
			value        NUMERIC(78,0) NOT NULL,
			tx_hash      VARCHAR(66) NOT NULL,
			nonce        BIGINT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_executions(created_at);
	`)
	return err
}

func (p *PostgresPendingStore) Add(ctx context.Context, pe *PendingExecution) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_executions (hold_id, user_address, target, value, tx_hash, nonce, reason, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7, $8)
		ON CONFLICT (hold_id) DO NOTHING
	`, pe.HoldID, pe.User, pe.Target, pe.Value, pe.TxHash, int64(pe.Nonce), pe.Reason, pe.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending execution: %w", err)
	}
	return nil
}

func (p *PostgresPendingStore) List(ctx context.Context, limit int) ([]*PendingExecution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hold_id, user_address, target, value::TEXT, tx_hash, nonce, reason, created_at
		FROM pending_executions
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*PendingExecution, 0)
	for rows.Next() {
		pe := &PendingExecution{}
		var nonce int64
		if err := rows.Scan(&pe.HoldID, &pe.User, &pe.Target, &pe.Value, &pe.TxHash, &nonce,
			&pe.Reason, &pe.CreatedAt); err != nil {
			return nil, err
		}
		pe.Nonce = uint64(nonce)
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (p *PostgresPendingStore) Delete(ctx context.Context, holdID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM pending_executions WHERE hold_id = $1`, holdID); err != nil {
		return fmt.Errorf("delete pending execution: %w", err)
	}
	return nil
}
