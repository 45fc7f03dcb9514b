package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/p2pescrow/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Atomic holds the write lock for the whole callback and applies staged
// changes only when the callback succeeds.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, staged: make(map[string]*Account)}
	if err := fn(tx); err != nil {
		recordAbort()
		return err
	}

	for addr, acct := range tx.staged {
		m.accounts[addr] = acct
	}
	m.entries = append(m.entries, tx.entries...)
	recordCommit(tx.entries)
	return nil
}

func (m *MemoryStore) Account(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.From == address || e.To == address {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// memoryTx stages account copies; nothing reaches the store until commit.
type memoryTx struct {
	store   *MemoryStore
	staged  map[string]*Account
	entries []*Entry
}

// load returns the working copy of an account, staging it on first touch.
func (t *memoryTx) load(address string) (*Account, error) {
	if acct, ok := t.staged[address]; ok {
		return acct, nil
	}
	acct, ok := t.store.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	t.staged[address] = &cp
	return &cp, nil
}

func (t *memoryTx) Account(ctx context.Context, address string) (*Account, error) {
	acct, err := t.load(address)
	if err != nil {
		return nil, err
	}
	cp := *acct
	return &cp, nil
}

func (t *memoryTx) Open(ctx context.Context, acct *Account) error {
	if _, err := t.load(acct.Address); err == nil {
		return ErrAccountExists
	}
	cp := *acct
	cp.Balance = 0
	cp.Closed = false
	t.staged[acct.Address] = &cp
	return nil
}

func (t *memoryTx) Transfer(ctx context.Context, tr Transfer) error {
	if err := validateTransfer(tr); err != nil {
		return err
	}
	from, err := t.load(tr.From)
	if err != nil {
		return err
	}
	to, err := t.load(tr.To)
	if err != nil {
		return err
	}
	if err := checkTransfer(from, to, tr.Amount); err != nil {
		return err
	}

	now := time.Now()
	from.Balance -= tr.Amount
	from.UpdatedAt = now
	to.Balance += tr.Amount
	to.UpdatedAt = now

	t.entries = append(t.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		From:      tr.From,
		To:        tr.To,
		Mint:      from.Mint,
		Amount:    tr.Amount,
		Kind:      tr.Kind,
		Reference: tr.Reference,
		CreatedAt: now,
	})
	return nil
}

func (t *memoryTx) Credit(ctx context.Context, to string, amount uint64, reference string) error {
	if amount == 0 || amount > MaxAmount {
		return ErrInvalidAmount
	}
	acct, err := t.load(to)
	if err != nil {
		return err
	}
	if acct.Closed {
		return ErrAccountClosed
	}
	if acct.Balance > MaxAmount-amount {
		return ErrInvalidAmount
	}

	now := time.Now()
	acct.Balance += amount
	acct.UpdatedAt = now

	t.entries = append(t.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		To:        to,
		Mint:      acct.Mint,
		Amount:    amount,
		Kind:      EntryDeposit,
		Reference: reference,
		CreatedAt: now,
	})
	return nil
}

func (t *memoryTx) Close(ctx context.Context, address string) error {
	acct, err := t.load(address)
	if err != nil {
		return err
	}
	if acct.Balance != 0 {
		return ErrAccountNotEmpty
	}
	acct.Closed = true
	acct.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
