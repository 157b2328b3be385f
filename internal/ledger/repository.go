package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository exposes read access and transactional scope over bank_transfers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetByReference(ctx context.Context, reference string) (BankTransfer, error)
	GetByID(ctx context.Context, id uuid.UUID) (BankTransfer, error)
	List(ctx context.Context, filter ListFilter) ([]BankTransfer, error)
	// ListOverdrawn returns transfers whose used_amount is negative or exceeds amount.
	ListOverdrawn(ctx context.Context) ([]BankTransfer, error)
}

// TxRepository runs inside one transaction. Lock* methods take a row lock that is
// held until the transaction ends.
type TxRepository interface {
	InsertTransfer(ctx context.Context, cutoffID *uuid.UUID, row StatementRow) (BankTransfer, bool, error)
	LockByReference(ctx context.Context, reference string) (BankTransfer, error)
	LockByID(ctx context.Context, id uuid.UUID) (BankTransfer, error)
	SetUsedAmount(ctx context.Context, id uuid.UUID, used decimal.Decimal) error
	UpdateSettlement(ctx context.Context, id uuid.UUID, settlement Settlement) error
	DeleteTransfer(ctx context.Context, id uuid.UUID) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL implementation.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	if err := fn(ctx, NewTxRepository(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *pgRepository) GetByReference(ctx context.Context, reference string) (BankTransfer, error) {
	return getTransfer(ctx, r.pool, `WHERE reference_number = $1`, reference)
}

func (r *pgRepository) GetByID(ctx context.Context, id uuid.UUID) (BankTransfer, error) {
	return getTransfer(ctx, r.pool, `WHERE id = $1`, id)
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]BankTransfer, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.CutoffID != nil {
		add("cutoff_id = $%d", *filter.CutoffID)
	}
	if !filter.From.IsZero() {
		add("transfer_date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("transfer_date <= $%d", filter.To)
	}
	switch filter.Status {
	case StatusExhausted:
		clauses = append(clauses, "amount - used_amount <= 0")
	case StatusPartial:
		clauses = append(clauses, "used_amount > 0 AND amount - used_amount > 0")
	case StatusAvailable:
		clauses = append(clauses, "used_amount = 0")
	}
	query := selectTransfer
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY transfer_date DESC, reference_number LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transfers: %w", err)
	}
	defer rows.Close()
	var out []BankTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListOverdrawn(ctx context.Context) ([]BankTransfer, error) {
	rows, err := r.pool.Query(ctx, selectTransfer+` WHERE used_amount > amount OR used_amount < 0 ORDER BY reference_number`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list overdrawn: %w", err)
	}
	defer rows.Close()
	var out []BankTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the ledger statements to an open transaction so other
// packages can mutate balances inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgTxRepository{tx: tx}
}

func (r *pgTxRepository) InsertTransfer(ctx context.Context, cutoffID *uuid.UUID, row StatementRow) (BankTransfer, bool, error) {
	t, err := scanTransfer(r.tx.QueryRow(ctx, `
INSERT INTO bank_transfers (id, cutoff_id, reference_number, transfer_date, description, transaction_code, amount, used_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
ON CONFLICT (reference_number) DO NOTHING
RETURNING `+transferColumns,
		uuid.New(), cutoffID, row.ReferenceNumber, row.Date, row.Description, row.TransactionCode, row.Amount))
	if errors.Is(err, ErrTransferNotFound) {
		return BankTransfer{}, false, nil
	}
	if err != nil {
		return BankTransfer{}, false, fmt.Errorf("ledger: insert %s: %w", row.ReferenceNumber, err)
	}
	return t, true, nil
}

func (r *pgTxRepository) LockByReference(ctx context.Context, reference string) (BankTransfer, error) {
	return getTransfer(ctx, r.tx, `WHERE reference_number = $1 FOR UPDATE`, reference)
}

func (r *pgTxRepository) LockByID(ctx context.Context, id uuid.UUID) (BankTransfer, error) {
	return getTransfer(ctx, r.tx, `WHERE id = $1 FOR UPDATE`, id)
}

func (r *pgTxRepository) SetUsedAmount(ctx context.Context, id uuid.UUID, used decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE bank_transfers SET used_amount = $2, updated_at = NOW() WHERE id = $1`, id, used)
	if err != nil {
		return fmt.Errorf("ledger: set used amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *pgTxRepository) UpdateSettlement(ctx context.Context, id uuid.UUID, s Settlement) error {
	tag, err := r.tx.Exec(ctx, `
UPDATE bank_transfers
SET settlement_status = $2, transfer_type = $3, insurer_id = $4, included = $5,
    included_cutoff_id = $6, original_cutoff_id = $7, updated_at = NOW()
WHERE id = $1`,
		id, string(s.Status), nullableType(s.Type), s.InsurerID, s.Included, s.IncludedCutoffID, s.OriginalCutoffID)
	if err != nil {
		return fmt.Errorf("ledger: update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *pgTxRepository) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM bank_transfers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ledger: delete transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

const transferColumns = `id, cutoff_id, reference_number, transfer_date, description, transaction_code, amount, used_amount,
settlement_status, transfer_type, insurer_id, included, included_cutoff_id, original_cutoff_id, created_at`

const selectTransfer = `SELECT ` + transferColumns + ` FROM bank_transfers`

func getTransfer(ctx context.Context, q querier, where string, arg any) (BankTransfer, error) {
	return scanTransfer(q.QueryRow(ctx, selectTransfer+" "+where, arg))
}

func scanTransfer(row pgx.Row) (BankTransfer, error) {
	var (
		t     BankTransfer
		code  *string
		ttype *string
		stat  string
	)
	err := row.Scan(&t.ID, &t.CutoffID, &t.ReferenceNumber, &t.Date, &t.Description, &code, &t.Amount, &t.UsedAmount,
		&stat, &ttype, &t.Settlement.InsurerID, &t.Settlement.Included, &t.Settlement.IncludedCutoffID,
		&t.Settlement.OriginalCutoffID, &t.ImportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BankTransfer{}, ErrTransferNotFound
	}
	if err != nil {
		return BankTransfer{}, fmt.Errorf("ledger: scan transfer: %w", err)
	}
	if code != nil {
		t.TransactionCode = *code
	}
	if ttype != nil {
		t.Settlement.Type = TransferType(*ttype)
	}
	t.Settlement.Status = SettlementStatus(stat)
	return t, nil
}

func nullableType(t TransferType) *string {
	if t == "" {
		return nil
	}
	s := string(t)
	return &s
}
