package advances

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides read access and transactional scope over advances.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Advance, error)
	ListOrphans(ctx context.Context, brokerID uuid.UUID) ([]Advance, error)
}

// TxRepository mutates advances inside a transaction.
type TxRepository interface {
	InsertAdvance(ctx context.Context, a Advance) error
	LockAdvance(ctx context.Context, id uuid.UUID) (Advance, error)
	AdvanceForPayment(ctx context.Context, paymentID uuid.UUID) (Advance, bool, error)
	UpdateAdvance(ctx context.Context, a Advance) error
	// LinkOrphan re-links an orphan only if it is still orphaned and unlinked.
	// It reports false when another caller got there first.
	LinkOrphan(ctx context.Context, id, paymentID uuid.UUID) (bool, error)
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
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("advances: begin tx: %w", err)
	}
	if err := fn(ctx, NewTxRepository(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Advance, error) {
	return scanAdvance(r.pool.QueryRow(ctx, selectAdvance+` WHERE id = $1`, id))
}

func (r *pgRepository) ListOrphans(ctx context.Context, brokerID uuid.UUID) ([]Advance, error) {
	rows, err := r.pool.Query(ctx, selectAdvance+`
WHERE broker_id = $1 AND status = 'orphaned' AND linked_payment_id IS NULL
ORDER BY created_at`, brokerID)
	if err != nil {
		return nil, fmt.Errorf("advances: list orphans: %w", err)
	}
	defer rows.Close()
	var out []Advance
	for rows.Next() {
		a, err := scanAdvance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds advance statements to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgTxRepository{tx: tx}
}

func (r *pgTxRepository) InsertAdvance(ctx context.Context, a Advance) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO advances (id, broker_id, amount, status, linked_payment_id, reason, deducted_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		a.ID, a.BrokerID, a.Amount, string(a.Status), a.LinkedPaymentID, a.Reason, a.DeductedAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("advances: insert: %w", err)
	}
	return nil
}

func (r *pgTxRepository) LockAdvance(ctx context.Context, id uuid.UUID) (Advance, error) {
	return scanAdvance(r.tx.QueryRow(ctx, selectAdvance+` WHERE id = $1 FOR UPDATE`, id))
}

func (r *pgTxRepository) AdvanceForPayment(ctx context.Context, paymentID uuid.UUID) (Advance, bool, error) {
	a, err := scanAdvance(r.tx.QueryRow(ctx, selectAdvance+`
WHERE linked_payment_id = $1 AND status <> 'cancelled'
FOR UPDATE`, paymentID))
	if errors.Is(err, ErrAdvanceNotFound) {
		return Advance{}, false, nil
	}
	if err != nil {
		return Advance{}, false, err
	}
	return a, true, nil
}

func (r *pgTxRepository) UpdateAdvance(ctx context.Context, a Advance) error {
	tag, err := r.tx.Exec(ctx, `
UPDATE advances SET status = $2, linked_payment_id = $3, deducted_at = $4, updated_at = $5
WHERE id = $1`, a.ID, string(a.Status), a.LinkedPaymentID, a.DeductedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("advances: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAdvanceNotFound
	}
	return nil
}

func (r *pgTxRepository) LinkOrphan(ctx context.Context, id, paymentID uuid.UUID) (bool, error) {
	tag, err := r.tx.Exec(ctx, `
UPDATE advances SET status = 'recovered', linked_payment_id = $2, updated_at = NOW()
WHERE id = $1 AND status = 'orphaned' AND linked_payment_id IS NULL`, id, paymentID)
	if err != nil {
		return false, fmt.Errorf("advances: link orphan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const selectAdvance = `SELECT id, broker_id, amount, status, linked_payment_id, reason, deducted_at, created_at, updated_at FROM advances`

func scanAdvance(row pgx.Row) (Advance, error) {
	var (
		a      Advance
		status string
	)
	err := row.Scan(&a.ID, &a.BrokerID, &a.Amount, &status, &a.LinkedPaymentID, &a.Reason, &a.DeductedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Advance{}, ErrAdvanceNotFound
	}
	if err != nil {
		return Advance{}, fmt.Errorf("advances: scan: %w", err)
	}
	a.Status = Status(status)
	return a, nil
}
