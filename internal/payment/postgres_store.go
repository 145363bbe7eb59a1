package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists payments in PostgreSQL. The settled flag is flipped
// with a compare-and-set so that concurrent settlements across processes
// agree on a single tx hash.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the payments table when migrations have not been run.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			payment_id     VARCHAR(64) PRIMARY KEY,
			resource       VARCHAR(128) NOT NULL,
			amount         NUMERIC(78,0) NOT NULL CHECK (amount > 0),
			asset          VARCHAR(42) NOT NULL,
			pay_to         VARCHAR(42) NOT NULL,
			network        VARCHAR(64) NOT NULL,
			status         VARCHAR(20) NOT NULL,
			settled        BOOLEAN NOT NULL DEFAULT FALSE,
			tx_hash        VARCHAR(80),
			failure_reason TEXT,
			attempts       INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at     TIMESTAMPTZ NOT NULL,
			settled_at     TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_payments_unsettled_expiry
			ON payments(expires_at) WHERE settled = FALSE;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, resource, amount, asset, pay_to, network, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_id) DO NOTHING
	`, rec.PaymentID, rec.Resource, rec.Amount, rec.Asset, rec.PayTo, rec.Network,
		string(rec.Status), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*Record, error) {
	var (
		rec           Record
		status        string
		txHash        sql.NullString
		failureReason sql.NullString
		settledAt     sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT payment_id, resource, amount::TEXT, asset, pay_to, network, status, settled,
		       tx_hash, failure_reason, attempts, created_at, expires_at, settled_at
		FROM payments WHERE payment_id = $1
	`, paymentID).Scan(
		&rec.PaymentID, &rec.Resource, &rec.Amount, &rec.Asset, &rec.PayTo, &rec.Network,
		&status, &rec.Settled, &txHash, &failureReason, &rec.Attempts,
		&rec.CreatedAt, &rec.ExpiresAt, &settledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	rec.Status = Status(status)
	rec.TxHash = txHash.String
	rec.FailureReason = failureReason.String
	if settledAt.Valid {
		rec.SettledAt = &settledAt.Time
	}
	return &rec, nil
}

func (p *PostgresStore) MarkSettled(ctx context.Context, paymentID, txHash string, at time.Time) (string, bool, error) {
	var stored string
	err := p.db.QueryRowContext(ctx, `
		UPDATE payments
		SET settled = TRUE, status = $2, tx_hash = $3, settled_at = $4,
		    failure_reason = NULL, attempts = attempts + 1
		WHERE payment_id = $1 AND settled = FALSE
		RETURNING tx_hash
	`, paymentID, string(StatusSettled), txHash, at).Scan(&stored)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("settle payment: %w", err)
	}

	// Lost the race or the id does not exist.
	var existing sql.NullString
	err = p.db.QueryRowContext(ctx,
		`SELECT tx_hash FROM payments WHERE payment_id = $1`, paymentID,
	).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("read settled payment: %w", err)
	}
	return existing.String, false, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, paymentID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, failure_reason = $3, attempts = attempts + 1
		WHERE payment_id = $1 AND settled = FALSE
	`, paymentID, string(StatusFailed), reason)
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payments WHERE payment_id = $1)`, paymentID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check payment: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM payments WHERE settled = FALSE AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired payments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
