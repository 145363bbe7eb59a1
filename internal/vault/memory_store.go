package vault

import (
	"context"
	"sync"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/idgen"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory vault store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	holds    map[string]*Hold
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory vault store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		holds:    make(map[string]*Hold),
		deposits: make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetBalance(_ context.Context, addr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[addr]; ok {
		cp := *bal
		return &cp, nil
	}
	return newBalance(addr), nil
}

func (m *MemoryStore) Credit(_ context.Context, addr, amount, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[txHash] {
		return ErrDuplicateDeposit
	}
	amt, err := ParseAmount(amount)
	if err != nil {
		return err
	}

	bal := m.balanceLocked(addr)
	bal.Available = add(bal.Available, amt)
	bal.TotalIn = add(bal.TotalIn, amt)
	bal.UpdatedAt = time.Now()

	m.deposits[txHash] = true
	m.appendLocked(addr, EntryDeposit, amt, txHash, "")
	return nil
}

func (m *MemoryStore) Hold(_ context.Context, addr, amount, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	amt, err := ParseAmount(amount)
	if err != nil {
		return err
	}
	bal, ok := m.balances[addr]
	if !ok || mustParse(bal.Available).LessThan(amt) {
		return ErrInsufficientBalance
	}

	bal.Available = sub(bal.Available, amt)
	bal.Held = add(bal.Held, amt)
	bal.UpdatedAt = time.Now()

	m.holds[holdID] = &Hold{
		ID:        holdID,
		Address:   addr,
		Amount:    amt.String(),
		Status:    HoldActive,
		CreatedAt: time.Now(),
	}
	m.appendLocked(addr, EntryHold, amt, "", holdID)
	return nil
}

func (m *MemoryStore) ConfirmHold(_ context.Context, holdID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.activeHoldLocked(holdID)
	if err != nil {
		return err
	}
	amt := mustParse(h.Amount)
	bal := m.balanceLocked(h.Address)
	bal.Held = sub(bal.Held, amt)
	bal.TotalOut = add(bal.TotalOut, amt)
	bal.UpdatedAt = time.Now()

	h.Status = HoldConfirmed
	m.appendLocked(h.Address, EntrySpend, amt, reference, holdID)
	return nil
}

func (m *MemoryStore) ReleaseHold(_ context.Context, holdID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.activeHoldLocked(holdID)
	if err != nil {
		return err
	}
	amt := mustParse(h.Amount)
	bal := m.balanceLocked(h.Address)
	bal.Held = sub(bal.Held, amt)
	bal.Available = add(bal.Available, amt)
	bal.UpdatedAt = time.Now()

	h.Status = HoldReleased
	m.appendLocked(h.Address, EntryRelease, amt, "", holdID)
	return nil
}

func (m *MemoryStore) GetHold(_ context.Context, holdID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetHistory(_ context.Context, addr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entries[i]; e.Address == addr {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasDeposit(_ context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}

func (m *MemoryStore) balanceLocked(addr string) *Balance {
	bal, ok := m.balances[addr]
	if !ok {
		bal = newBalance(addr)
		m.balances[addr] = bal
	}
	return bal
}

func (m *MemoryStore) activeHoldLocked(holdID string) (*Hold, error) {
	h, ok := m.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if h.Status != HoldActive {
		return nil, ErrHoldClosed
	}
	return h, nil
}

func (m *MemoryStore) appendLocked(addr, typ string, amt decimal.Decimal, txHash, ref string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		Address:   addr,
		Type:      typ,
		Amount:    amt.String(),
		TxHash:    txHash,
		Reference: ref,
		CreatedAt: time.Now(),
	})
}

func mustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func add(a string, b decimal.Decimal) string { return mustParse(a).Add(b).String() }
func sub(a string, b decimal.Decimal) string { return mustParse(a).Sub(b).String() }
