// Package vault tracks custodial balances of users who deposit into the
// shield vault contract.
//
// Flow:
//  1. User calls deposit() on the vault contract
//  2. The watcher sees Deposited and credits the user's balance
//  3. The transaction gate holds the value of each allowed call
//  4. The hold is confirmed when the call is mined or released on revert
package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	ErrInvalidAmount       = errors.New("vault: invalid amount")
	ErrInvalidAddress      = errors.New("vault: invalid address")
	ErrDuplicateDeposit    = errors.New("vault: deposit already processed")
	ErrHoldNotFound        = errors.New("vault: hold not found")
	ErrHoldClosed          = errors.New("vault: hold already confirmed or released")
)

// Entry types.
const (
	EntryDeposit = "deposit"
	EntryHold    = "hold"
	EntrySpend   = "spend"
	EntryRelease = "release"
)

// Hold statuses.
const (
	HoldActive    = "active"
	HoldConfirmed = "confirmed"
	HoldReleased  = "released"
)

// Entry is one line of a user's vault history. Amounts are integer strings
// in the native token's base units (wei).
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	TxHash    string    `json:"txHash,omitempty"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is a user's vault position.
type Balance struct {
	Address   string    `json:"address"`
	Available string    `json:"available"`
	Held      string    `json:"held"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Hold reserves part of a balance for an in-flight transaction.
type Hold struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists vault data. Implementations must make Hold fail with
// ErrInsufficientBalance rather than let available go negative.
type Store interface {
	GetBalance(ctx context.Context, addr string) (*Balance, error)
	Credit(ctx context.Context, addr, amount, txHash string) error
	Hold(ctx context.Context, addr, amount, holdID string) error
	ConfirmHold(ctx context.Context, holdID, reference string) error
	ReleaseHold(ctx context.Context, holdID, reason string) error
	GetHold(ctx context.Context, holdID string) (*Hold, error)
	GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Vault validates inputs and delegates to a Store.
type Vault struct {
	store Store
}

// New creates a vault over store.
func New(store Store) *Vault {
	return &Vault{store: store}
}

// GetBalance returns the balance of addr; unknown addresses have zero balance.
func (v *Vault) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	a, err := normalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	return v.store.GetBalance(ctx, a)
}

// Deposit credits addr with amount. A txHash is credited at most once.
func (v *Vault) Deposit(ctx context.Context, addr, amount, txHash string) error {
	a, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	if _, err := ParseAmount(amount); err != nil {
		return err
	}
	exists, err := v.store.HasDeposit(ctx, txHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}
	return v.store.Credit(ctx, a, amount, txHash)
}

// Hold reserves amount from addr's available balance under holdID.
func (v *Vault) Hold(ctx context.Context, addr, amount, holdID string) error {
	a, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	amt, err := ParseAmount(amount)
	if err != nil {
		return err
	}
	if amt.IsZero() {
		return ErrInvalidAmount
	}
	return v.store.Hold(ctx, a, amount, holdID)
}

// ConfirmHold turns a hold into a spend; reference is usually the tx hash.
func (v *Vault) ConfirmHold(ctx context.Context, holdID, reference string) error {
	return v.store.ConfirmHold(ctx, holdID, reference)
}

// ReleaseHold returns a held amount to the available balance.
func (v *Vault) ReleaseHold(ctx context.Context, holdID, reason string) error {
	return v.store.ReleaseHold(ctx, holdID, reason)
}

// GetHistory returns the most recent entries for addr, newest first.
func (v *Vault) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	a, err := normalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return v.store.GetHistory(ctx, a, limit)
}

// ParseAmount parses a non-negative integer amount in base units.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

func normalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

func newBalance(addr string) *Balance {
	return &Balance{
		Address:   addr,
		Available: "0",
		Held:      "0",
		TotalIn:   "0",
		TotalOut:  "0",
		UpdatedAt: time.Now(),
	}
}
