package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It
// shares the ledger's memory store so record and balance changes of one
// instruction commit together.
type MemoryStore struct {
	ledger  *ledger.MemoryStore
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store on top of l.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger:  l,
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return m.ledger.Atomic(ctx, func(lt ledger.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		tx := &memoryTx{store: m, ledger: lt, staged: make(map[string]*Escrow)}
		if err := fn(tx); err != nil {
			return err
		}
		for addr, e := range tx.staged {
			m.escrows[addr] = e
		}
		return nil
	})
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if (e.Seller == party || e.Buyer == party) && after.Admits(e.CreatedAt, e.Address) {
			result = append(result, copyEscrow(e))
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReclaimable(ctx context.Context, now time.Time, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusLocked && e.TimedOut(now) && after.Follows(e.CreatedAt, e.Address) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Address < result[j].Address
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// memoryTx stages record copies; they replace the stored records on commit.
type memoryTx struct {
	store  *MemoryStore
	ledger ledger.Tx
	staged map[string]*Escrow
}

func (t *memoryTx) Ledger() ledger.Tx {
	return t.ledger
}

func (t *memoryTx) Get(ctx context.Context, address string) (*Escrow, error) {
	if e, ok := t.staged[address]; ok {
		return copyEscrow(e), nil
	}
	e, ok := t.store.escrows[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (t *memoryTx) Insert(ctx context.Context, e *Escrow) error {
	if _, ok := t.staged[e.Address]; ok {
		return ErrDuplicateTradeID
	}
	if _, ok := t.store.escrows[e.Address]; ok {
		return ErrDuplicateTradeID
	}
	t.staged[e.Address] = copyEscrow(e)
	return nil
}

func (t *memoryTx) Update(ctx context.Context, e *Escrow) error {
	_, staged := t.staged[e.Address]
	_, stored := t.store.escrows[e.Address]
	if !staged && !stored {
		return ErrEscrowNotFound
	}
	t.staged[e.Address] = copyEscrow(e)
	return nil
}

// copyEscrow returns a copy that shares no pointers with e.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.PaidAt = copyTime(e.PaidAt)
	cp.DisputedAt = copyTime(e.DisputedAt)
	cp.ResolvedAt = copyTime(e.ResolvedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortNewestFirst(list []*Escrow) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Address > list[j].Address
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
