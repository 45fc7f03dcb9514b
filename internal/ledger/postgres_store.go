package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/p2pescrow/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Atomic runs fn in a single database transaction. Accounts read through the
// Tx are row-locked until commit or rollback.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return p.AtomicSQL(ctx, func(_ *sql.Tx, tx Tx) error {
		return fn(tx)
	})
}

// AtomicSQL is Atomic for stores that keep their own tables in the same
// database: fn gets the raw transaction next to the ledger Tx so both sets of
// writes commit together.
func (p *PostgresStore) AtomicSQL(ctx context.Context, fn func(sqlTx *sql.Tx, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &postgresTx{tx: sqlTx}
	if err := fn(sqlTx, tx); err != nil {
		recordAbort()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		recordAbort()
		return err
	}
	recordCommit(tx.entries)
	return nil
}

const accountColumns = `address, kind, owner, mint, balance, closed, created_at, updated_at`

func (p *PostgresStore) Account(ctx context.Context, address string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM token_accounts WHERE address = $1`, address)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

func (p *PostgresStore) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(from_account, ''), to_account, mint, amount, kind, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE from_account = $1 OR to_account = $1
		ORDER BY created_at DESC
		LIMIT $2`, address, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Mint, &e.Amount, &kind, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		result = append(result, e)
	}
	return result, rows.Err()
}

// postgresTx is the Tx implementation over an open *sql.Tx.
type postgresTx struct {
	tx      *sql.Tx
	entries []*Entry
}

func (t *postgresTx) Account(ctx context.Context, address string) (*Account, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM token_accounts WHERE address = $1 FOR UPDATE`, address)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

func (t *postgresTx) Open(ctx context.Context, acct *Account) error {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_accounts (address, kind, owner, mint, balance, closed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, FALSE, $5, $6)
		ON CONFLICT (address) DO NOTHING`,
		acct.Address, string(acct.Kind), acct.Owner, acct.Mint, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to open account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountExists
	}
	return nil
}

func (t *postgresTx) Transfer(ctx context.Context, tr Transfer) error {
	if err := validateTransfer(tr); err != nil {
		return err
	}

	// Lock both rows in address order so opposing transfers cannot deadlock.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM token_accounts
		WHERE address = ANY($1)
		ORDER BY address
		FOR UPDATE`, pq.Array([]string{tr.From, tr.To}))
	if err != nil {
		return err
	}
	locked := make(map[string]*Account, 2)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		locked[acct.Address] = acct
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	from, ok := locked[tr.From]
	if !ok {
		return ErrAccountNotFound
	}
	to, ok := locked[tr.To]
	if !ok {
		return ErrAccountNotFound
	}
	if err := checkTransfer(from, to, tr.Amount); err != nil {
		return err
	}

	now := time.Now()
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE token_accounts SET balance = balance - $2, updated_at = $3 WHERE address = $1`,
		tr.From, int64(tr.Amount), now); err != nil {
		return fmt.Errorf("failed to debit %s: %w", tr.From, err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE token_accounts SET balance = balance + $2, updated_at = $3 WHERE address = $1`,
		tr.To, int64(tr.Amount), now); err != nil {
		return fmt.Errorf("failed to credit %s: %w", tr.To, err)
	}

	return t.insertEntry(ctx, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		From:      tr.From,
		To:        tr.To,
		Mint:      from.Mint,
		Amount:    tr.Amount,
		Kind:      tr.Kind,
		Reference: tr.Reference,
		CreatedAt: now,
	})
}

func (t *postgresTx) Credit(ctx context.Context, to string, amount uint64, reference string) error {
	if amount == 0 || amount > MaxAmount {
		return ErrInvalidAmount
	}
	acct, err := t.Account(ctx, to)
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
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE token_accounts SET balance = balance + $2, updated_at = $3 WHERE address = $1`,
		to, int64(amount), now); err != nil {
		return fmt.Errorf("failed to credit %s: %w", to, err)
	}

	return t.insertEntry(ctx, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		To:        to,
		Mint:      acct.Mint,
		Amount:    amount,
		Kind:      EntryDeposit,
		Reference: reference,
		CreatedAt: now,
	})
}

func (t *postgresTx) Close(ctx context.Context, address string) error {
	acct, err := t.Account(ctx, address)
	if err != nil {
		return err
	}
	if acct.Balance != 0 {
		return ErrAccountNotEmpty
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE token_accounts SET closed = TRUE, updated_at = $2 WHERE address = $1`,
		address, time.Now())
	return err
}

func (t *postgresTx) insertEntry(ctx context.Context, e *Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, from_account, to_account, mint, amount, kind, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, nullString(e.From), e.To, e.Mint, int64(e.Amount), string(e.Kind), nullString(e.Reference), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	t.entries = append(t.entries, e)
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var kind string
	if err := s.Scan(&a.Address, &kind, &a.Owner, &a.Mint, &a.Balance, &a.Closed, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	return a, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
