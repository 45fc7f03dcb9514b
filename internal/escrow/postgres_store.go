package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/p2pescrow/internal/derive"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL. Records and ledger
// rows of one instruction are written in the same database transaction.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB, l *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: l}
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return p.ledger.AtomicSQL(ctx, func(sqlTx *sql.Tx, lt ledger.Tx) error {
		return fn(&postgresTx{tx: sqlTx, ledger: lt})
	})
}

const escrowColumns = `address, trade_id, seller, buyer, admin, mint, amount, timeout_seconds,
		       vault, seller_account, buyer_account, status, created_at,
		       paid_at, disputed_at, disputed_by, dispute_reason,
		       resolved_at, resolution, updated_at`

func (p *PostgresStore) Get(ctx context.Context, address string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE address = $1`, address)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE (seller = $1 OR buyer = $1)`
	args := []any{party, limit}
	if after != nil {
		query += ` AND (created_at, address) < ($3, $4)`
		args = append(args, after.CreatedAt, after.Key)
	}
	query += `
		ORDER BY created_at DESC, address DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListReclaimable(ctx context.Context, now time.Time, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = 'locked'
		  AND created_at + timeout_seconds * INTERVAL '1 second' < $1`
	args := []any{now, limit}
	if after != nil {
		query += ` AND (created_at, address) > ($3, $4)`
		args = append(args, after.CreatedAt, after.Key)
	}
	query += `
		ORDER BY created_at ASC, address ASC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

type postgresTx struct {
	tx     *sql.Tx
	ledger ledger.Tx
}

func (t *postgresTx) Ledger() ledger.Tx {
	return t.ledger
}

func (t *postgresTx) Get(ctx context.Context, address string) (*Escrow, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE address = $1 FOR UPDATE`, address)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (t *postgresTx) Insert(ctx context.Context, e *Escrow) error {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrows (
			address, trade_id, seller, buyer, admin, mint, amount, timeout_seconds,
			vault, seller_account, buyer_account, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING`,
		e.Address, e.TradeID.String(), e.Seller, e.Buyer, e.Admin, e.Mint,
		int64(e.Amount), e.TimeoutSeconds,
		e.Vault, e.SellerAccount, e.BuyerAccount, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateTradeID
	}
	return nil
}

func (t *postgresTx) Update(ctx context.Context, e *Escrow) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, paid_at = $2, disputed_at = $3, disputed_by = $4,
			dispute_reason = $5, resolved_at = $6, resolution = $7, updated_at = $8
		WHERE address = $9`,
		string(e.Status), nullTime(e.PaidAt), nullTime(e.DisputedAt), nullString(e.DisputedBy),
		nullString(e.DisputeReason), nullTime(e.ResolvedAt), nullString(string(e.Resolution)), e.UpdatedAt,
		e.Address,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		tradeID    string
		status     string
		paidAt     sql.NullTime
		disputedAt sql.NullTime
		disputedBy sql.NullString
		disputeRsn sql.NullString
		resolvedAt sql.NullTime
		resolution sql.NullString
	)

	err := s.Scan(
		&e.Address, &tradeID, &e.Seller, &e.Buyer, &e.Admin, &e.Mint, &e.Amount, &e.TimeoutSeconds,
		&e.Vault, &e.SellerAccount, &e.BuyerAccount, &status, &e.CreatedAt,
		&paidAt, &disputedAt, &disputedBy, &disputeRsn,
		&resolvedAt, &resolution, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.TradeID, err = derive.ParseTradeID(tradeID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", e.Address, err)
	}
	e.Status = Status(status)
	e.DisputedBy = disputedBy.String
	e.DisputeReason = disputeRsn.String
	e.Resolution = Resolution(resolution.String)
	if paidAt.Valid {
		e.PaidAt = &paidAt.Time
	}
	if disputedAt.Valid {
		e.DisputedAt = &disputedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
