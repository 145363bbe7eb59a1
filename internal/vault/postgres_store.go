package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/idgen"
)

// PostgresStore persists vault balances in PostgreSQL. Amounts are
// NUMERIC(78,0) so any uint256 fits.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed vault store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the vault tables when migrations have not been run.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_balances (
			address    VARCHAR(42) PRIMARY KEY,
			available  NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (available >= 0),
			held       NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (held >= 0),
			total_in   NUMERIC(78,0) NOT NULL DEFAULT 0,
			total_out  NUMERIC(78,0) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS vault_holds (
			hold_id    VARCHAR(64) PRIMARY KEY,
			address    VARCHAR(42) NOT NULL REFERENCES vault_balances(address),
			amount     NUMERIC(78,0) NOT NULL CHECK (amount > 0),
			status     VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at  TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS vault_entries (
			id         VARCHAR(64) PRIMARY KEY,
			address    VARCHAR(42) NOT NULL,
			type       VARCHAR(16) NOT NULL,
			amount     NUMERIC(78,0) NOT NULL,
			tx_hash    VARCHAR(80),
			reference  VARCHAR(128),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_vault_entries_address ON vault_entries(address, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_vault_entries_deposit_tx
			ON vault_entries(tx_hash) WHERE type = 'deposit';
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	bal := &Balance{Address: addr}
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, held::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM vault_balances WHERE address = $1
	`, addr).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return newBalance(addr), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, addr, amount, txHash string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO vault_entries (id, address, type, amount, tx_hash, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(78,0), $4, NOW())
		ON CONFLICT DO NOTHING
	`, idgen.WithPrefix("ent_"), addr, amount, txHash)
	if err != nil {
		return fmt.Errorf("record deposit entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateDeposit
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault_balances (address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), $2::NUMERIC(78,0), NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = vault_balances.available + $2::NUMERIC(78,0),
			total_in   = vault_balances.total_in  + $2::NUMERIC(78,0),
			updated_at = NOW()
	`, addr, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Hold(ctx context.Context, addr, amount, holdID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Atomic: decrease available, increase held, only if funds suffice
	res, err := tx.ExecContext(ctx, `
		UPDATE vault_balances SET
			available  = available - $2::NUMERIC(78,0),
			held       = held      + $2::NUMERIC(78,0),
			updated_at = NOW()
		WHERE address = $1 AND available >= $2::NUMERIC(78,0)
	`, addr, amount)
	if err != nil {
		return fmt.Errorf("place hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault_holds (hold_id, address, amount, status, created_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), $4, NOW())
	`, holdID, addr, amount, HoldActive); err != nil {
		return fmt.Errorf("record hold: %w", err)
	}
	if err := insertEntry(ctx, tx, addr, EntryHold, amount, "", holdID); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfirmHold finalizes a held amount (moves from held to total_out).
func (p *PostgresStore) ConfirmHold(ctx context.Context, holdID, reference string) error {
	return p.closeHold(ctx, holdID, HoldConfirmed, `
		UPDATE vault_balances SET
			held       = held      - $2::NUMERIC(78,0),
			total_out  = total_out + $2::NUMERIC(78,0),
			updated_at = NOW()
		WHERE address = $1
	`, EntrySpend, reference)
}

// ReleaseHold returns a held amount to available.
func (p *PostgresStore) ReleaseHold(ctx context.Context, holdID, _ string) error {
	return p.closeHold(ctx, holdID, HoldReleased, `
		UPDATE vault_balances SET
			held       = held      - $2::NUMERIC(78,0),
			available  = available + $2::NUMERIC(78,0),
			updated_at = NOW()
		WHERE address = $1
	`, EntryRelease, "")
}

func (p *PostgresStore) closeHold(ctx context.Context, holdID, status, balanceSQL, entryType, txHash string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var addr, amount string
	err = tx.QueryRowContext(ctx, `
		UPDATE vault_holds SET status = $2, closed_at = NOW()
		WHERE hold_id = $1 AND status = $3
		RETURNING address, amount::TEXT
	`, holdID, status, HoldActive).Scan(&addr, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM vault_holds WHERE hold_id = $1)`, holdID,
		).Scan(&exists); qerr != nil {
			return fmt.Errorf("check hold: %w", qerr)
		}
		if exists {
			return ErrHoldClosed
		}
		return ErrHoldNotFound
	}
	if err != nil {
		return fmt.Errorf("close hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx, balanceSQL, addr, amount); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if err := insertEntry(ctx, tx, addr, entryType, amount, txHash, holdID); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	var h Hold
	err := p.db.QueryRowContext(ctx, `
		SELECT hold_id, address, amount::TEXT, status, created_at
		FROM vault_holds WHERE hold_id = $1
	`, holdID).Scan(&h.ID, &h.Address, &h.Amount, &h.Status, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return &h, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount::TEXT, COALESCE(tx_hash, ''), COALESCE(reference, ''), created_at
		FROM vault_entries
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Address, &e.Type, &e.Amount, &e.TxHash, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM vault_entries WHERE tx_hash = $1 AND type = 'deposit')
	`, txHash).Scan(&exists)
	return exists, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, addr, typ, amount, txHash, ref string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_entries (id, address, type, amount, tx_hash, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), NULLIF($5, ''), NULLIF($6, ''), $7)
	`, idgen.WithPrefix("ent_"), addr, typ, amount, txHash, ref, time.Now())
	if err != nil {
		return fmt.Errorf("record %s entry: %w", typ, err)
	}
	return nil
}
