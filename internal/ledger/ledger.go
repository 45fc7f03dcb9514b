// Package ledger keeps the token accounts that escrow custody runs on.
//
// Two kinds of account exist:
//   - holding: owned by a person, one per (owner, mint), address derived
//   - vault:   owned by an escrow record, one per trade, address derived
//
// Balances only move through Tx.Transfer (or Tx.Credit for deposits), always
// inside Store.Atomic, so a caller either sees every change of an
// instruction or none of them.
package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/p2pescrow/internal/derive"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountClosed       = errors.New("account is closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMintMismatch        = errors.New("accounts hold different mints")
	ErrAccountNotEmpty     = errors.New("account balance is not zero")
)

// MaxAmount is the largest single amount the ledger accepts. Balances are
// stored as signed 64-bit integers in Postgres.
const MaxAmount = math.MaxInt64

// Kind distinguishes person-owned accounts from program-owned vaults.
type Kind string

const (
	KindHolding Kind = "holding"
	KindVault   Kind = "vault"
)

// EntryKind labels a journal entry.
type EntryKind string

const (
	EntryDeposit EntryKind = "deposit"
	EntryLock    EntryKind = "lock"
	EntryRelease EntryKind = "release"
	EntryRefund  EntryKind = "refund"
)

// Account is a token account.
type Account struct {
	Address   string    `json:"address"`
	Kind      Kind      `json:"kind"`
	Owner     string    `json:"owner"` // person for holdings, escrow record for vaults
	Mint      string    `json:"mint"`
	Balance   uint64    `json:"balance"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one journal line. From is empty for deposits.
type Entry struct {
	ID        string    `json:"id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Mint      string    `json:"mint"`
	Amount    uint64    `json:"amount"`
	Kind      EntryKind `json:"kind"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transfer describes a balance move between two accounts of the same mint.
type Transfer struct {
	From      string
	To        string
	Amount    uint64
	Kind      EntryKind
	Reference string
}

// Tx is the mutation surface available inside Store.Atomic.
// Account reads inside a Tx lock the account until the Tx ends.
type Tx interface {
	Account(ctx context.Context, address string) (*Account, error)
	Open(ctx context.Context, acct *Account) error
	Transfer(ctx context.Context, t Transfer) error
	Credit(ctx context.Context, to string, amount uint64, reference string) error
	Close(ctx context.Context, address string) error
}

// Store persists accounts and the journal.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Account(ctx context.Context, address string) (*Account, error)
	History(ctx context.Context, address string, limit int) ([]*Entry, error)
}

// Ledger is the account service for one mint under one program identity.
type Ledger struct {
	store   Store
	program common.Address
	mint    common.Address
}

// New creates a ledger.
func New(store Store, program, mint common.Address) *Ledger {
	return &Ledger{store: store, program: program, mint: mint}
}

// Mint returns the mint this ledger serves.
func (l *Ledger) Mint() string {
	return derive.Hex(l.mint)
}

// HoldingAddress returns the derived holding account address of owner.
func (l *Ledger) HoldingAddress(owner string) string {
	return derive.Hex(derive.HoldingAddress(l.program, common.HexToAddress(owner), l.mint))
}

// Holding returns owner's holding account. A holding that was never opened
// is reported with a zero balance.
func (l *Ledger) Holding(ctx context.Context, owner string) (*Account, error) {
	owner = strings.ToLower(owner)
	addr := l.HoldingAddress(owner)
	acct, err := l.store.Account(ctx, addr)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{
			Address: addr,
			Kind:    KindHolding,
			Owner:   owner,
			Mint:    l.Mint(),
		}, nil
	}
	return acct, err
}

// Account returns the account at address.
func (l *Ledger) Account(ctx context.Context, address string) (*Account, error) {
	return l.store.Account(ctx, strings.ToLower(address))
}

// Deposit credits owner's holding account, opening it if needed.
func (l *Ledger) Deposit(ctx context.Context, owner string, amount uint64, reference string) (*Account, error) {
	defer timeOp("deposit")()

	if amount == 0 || amount > MaxAmount {
		return nil, ErrInvalidAmount
	}
	owner = strings.ToLower(owner)

	var out *Account
	err := l.store.Atomic(ctx, func(tx Tx) error {
		acct, err := l.EnsureHolding(ctx, tx, owner)
		if err != nil {
			return err
		}
		if err := tx.Credit(ctx, acct.Address, amount, reference); err != nil {
			return err
		}
		out, err = tx.Account(ctx, acct.Address)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns journal entries touching owner's holding account.
func (l *Ledger) History(ctx context.Context, owner string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, l.HoldingAddress(owner), limit)
}

// EnsureHolding returns owner's holding account inside tx, opening it when
// it does not exist yet.
func (l *Ledger) EnsureHolding(ctx context.Context, tx Tx, owner string) (*Account, error) {
	owner = strings.ToLower(owner)
	addr := l.HoldingAddress(owner)

	acct, err := tx.Account(ctx, addr)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now()
	acct = &Account{
		Address:   addr,
		Kind:      KindHolding,
		Owner:     owner,
		Mint:      l.Mint(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Open(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Store returns the underlying store so callers can share its transactions.
func (l *Ledger) Store() Store {
	return l.store
}

func validateTransfer(t Transfer) error {
	if t.Amount == 0 || t.Amount > MaxAmount {
		return ErrInvalidAmount
	}
	if t.From == t.To {
		return errors.New("transfer source and destination are the same account")
	}
	return nil
}

// checkTransfer verifies that a transfer between the loaded accounts is legal.
func checkTransfer(from, to *Account, amount uint64) error {
	if from.Closed || to.Closed {
		return ErrAccountClosed
	}
	if from.Mint != to.Mint {
		return ErrMintMismatch
	}
	if from.Balance < amount {
		return ErrInsufficientBalance
	}
	if to.Balance > MaxAmount-amount {
		return ErrInvalidAmount
	}
	return nil
}
