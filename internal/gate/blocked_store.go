package gate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// BlockedRecord is an append-only record of a refused transaction.
type BlockedRecord struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Target    string    `json:"target"`
	Value     string    `json:"value"`
	RiskScore int       `json:"riskScore"`
	Threshold int       `json:"threshold"`
	Reason    string    `json:"reason"`
	Warnings  []string  `json:"warnings"`
	CreatedAt time.Time `json:"createdAt"`
}

// BlockedStore persists blocked transactions.
type BlockedStore interface {
	Add(ctx context.Context, rec *BlockedRecord) error
	// List returns records newest first; an empty user lists everyone.
	List(ctx context.Context, user string, limit int) ([]*BlockedRecord, error)
}

// MemoryBlockedStore keeps blocked records in memory.
type MemoryBlockedStore struct {
	records []*BlockedRecord
	mu      sync.RWMutex
}

// NewMemoryBlockedStore creates an empty in-memory store.
func NewMemoryBlockedStore() *MemoryBlockedStore {
	return &MemoryBlockedStore{}
}

var _ BlockedStore = (*MemoryBlockedStore)(nil)

func (m *MemoryBlockedStore) Add(_ context.Context, rec *BlockedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Warnings = append([]string(nil), rec.Warnings...)
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryBlockedStore) List(_ context.Context, user string, limit int) ([]*BlockedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*BlockedRecord, 0)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.records[i]
		if user != "" && r.User != user {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// PostgresBlockedStore persists blocked records in PostgreSQL.
type PostgresBlockedStore struct {
	db *sql.DB
}

// NewPostgresBlockedStore creates a PostgreSQL-backed blocked store.
func NewPostgresBlockedStore(db *sql.DB) *PostgresBlockedStore {
	return &PostgresBlockedStore{db: db}
}

var _ BlockedStore = (*PostgresBlockedStore)(nil)

// Migrate creates the blocked_transactions table.
func (p *PostgresBlockedStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS blocked_transactions (
			id           VARCHAR(64) PRIMARY KEY,
			user_address VARCHAR(42) NOT NULL,
			target       VARCHAR(42) NOT NULL,
			value        NUMERIC(78,0) NOT NULL DEFAULT 0,
			risk_score   INTEGER NOT NULL CHECK (risk_score BETWEEN 0 AND 100),
			threshold    INTEGER NOT NULL,
			reason       TEXT NOT NULL,
			warnings     TEXT[] NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_blocked_user ON blocked_transactions(user_address, created_at DESC);
	`)
	return err
}

func (p *PostgresBlockedStore) Add(ctx context.Context, rec *BlockedRecord) error {
	warnings := rec.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO blocked_transactions
			(id, user_address, target, value, risk_score, threshold, reason, warnings, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7, $8, $9)
	`, rec.ID, rec.User, rec.Target, rec.Value, rec.RiskScore, rec.Threshold, rec.Reason,
		pq.Array(warnings), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blocked transaction: %w", err)
	}
	return nil
}

func (p *PostgresBlockedStore) List(ctx context.Context, user string, limit int) ([]*BlockedRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_address, target, value::TEXT, risk_score, threshold, reason, warnings, created_at
		FROM blocked_transactions
		WHERE ($1 = '' OR user_address = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("query blocked transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*BlockedRecord, 0)
	for rows.Next() {
		r := &BlockedRecord{}
		if err := rows.Scan(&r.ID, &r.User, &r.Target, &r.Value, &r.RiskScore, &r.Threshold,
			&r.Reason, pq.Array(&r.Warnings), &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
