package cutoffs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/platform/db"
)

// Repository defines cutoff and group data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCutoff(ctx context.Context, id uuid.UUID) (Cutoff, error)
	ListCutoffs(ctx context.Context) ([]Cutoff, error)
	// LastCutoff returns the cutoff with the latest end date.
	LastCutoff(ctx context.Context) (Cutoff, error)
	GetGroup(ctx context.Context, id uuid.UUID) (Group, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]Group, error)
}

// TxRepository writes cutoffs, groups and the transfer settlement attributes in
// one transaction.
type TxRepository interface {
	ledger.TxRepository

	InsertCutoff(ctx context.Context, c Cutoff) error
	LockCutoff(ctx context.Context, id uuid.UUID) (Cutoff, error)
	Overlapping(ctx context.Context, start, end time.Time) ([]Cutoff, error)
	CloseCutoff(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertGroup(ctx context.Context, g Group) error
	LockGroup(ctx context.Context, id uuid.UUID) (Group, error)
	UpdateGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, id uuid.UUID) error
	// GroupOf returns the group holding the transfer, if any.
	GroupOf(ctx context.Context, transferID uuid.UUID) (uuid.UUID, bool, error)
	AddMember(ctx context.Context, groupID, transferID uuid.UUID) error
	RemoveMember(ctx context.Context, groupID, transferID uuid.UUID) error
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

// WithTx runs fn at RepeatableRead so overlap checks and membership writes see one
// snapshot.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{ledgerTx: ledger.NewTxRepository(tx), tx: tx})
	})
}

func (r *pgRepository) GetCutoff(ctx context.Context, id uuid.UUID) (Cutoff, error) {
	return scanCutoff(r.pool.QueryRow(ctx, selectCutoff+` WHERE id = $1`, id))
}

func (r *pgRepository) ListCutoffs(ctx context.Context) ([]Cutoff, error) {
	rows, err := r.pool.Query(ctx, selectCutoff+` ORDER BY start_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("cutoffs: list: %w", err)
	}
	defer rows.Close()
	var out []Cutoff
	for rows.Next() {
		c, err := scanCutoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRepository) LastCutoff(ctx context.Context) (Cutoff, error) {
	return scanCutoff(r.pool.QueryRow(ctx, selectCutoff+` ORDER BY end_date DESC LIMIT 1`))
}

func (r *pgRepository) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return loadGroup(ctx, r.pool, `WHERE id = $1`, id)
}

func (r *pgRepository) ListGroups(ctx context.Context, filter GroupFilter) ([]Group, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.InsurerID != nil {
		add("insurer_id = $%d", *filter.InsurerID)
	}
	if filter.FortnightID != nil {
		add("fortnight_paid_id = $%d", *filter.FortnightID)
	}
	if filter.CutoffID != nil {
		add("cutoff_id = $%d", *filter.CutoffID)
	}
	query := selectGroup
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cutoffs: list groups: %w", err)
	}
	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].TransferIDs, err = listMembers(ctx, r.pool, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type ledgerTx = ledger.TxRepository

type pgTxRepository struct {
	ledgerTx
	tx pgx.Tx
}

func (r *pgTxRepository) InsertCutoff(ctx context.Context, c Cutoff) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO bank_cutoffs (id, label, start_date, end_date, notes, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Label, c.StartDate, c.EndDate, c.Notes, string(c.Status), c.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateLabel
	}
	if err != nil {
		return fmt.Errorf("cutoffs: insert: %w", err)
	}
	return nil
}

func (r *pgTxRepository) LockCutoff(ctx context.Context, id uuid.UUID) (Cutoff, error) {
	return scanCutoff(r.tx.QueryRow(ctx, selectCutoff+` WHERE id = $1 FOR UPDATE`, id))
}

func (r *pgTxRepository) Overlapping(ctx context.Context, start, end time.Time) ([]Cutoff, error) {
	rows, err := r.tx.Query(ctx, selectCutoff+` WHERE start_date <= $2 AND end_date >= $1 ORDER BY start_date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("cutoffs: overlap check: %w", err)
	}
	defer rows.Close()
	var out []Cutoff
	for rows.Next() {
		c, err := scanCutoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) CloseCutoff(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE bank_cutoffs SET status = $2, closed_at = $3 WHERE id = $1`, id, string(CutoffClosed), at)
	if err != nil {
		return fmt.Errorf("cutoffs: close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCutoffNotFound
	}
	return nil
}

func (r *pgTxRepository) InsertGroup(ctx context.Context, g Group) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO bank_groups (id, name, template, insurer_id, is_life_insurance, cutoff_id, status, total_amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.Name, string(g.Template), g.InsurerID, g.IsLife, g.CutoffID, string(g.Status), g.Total, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("cutoffs: insert group: %w", err)
	}
	return nil
}

func (r *pgTxRepository) LockGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return loadGroup(ctx, r.tx, `WHERE id = $1 FOR UPDATE`, id)
}

func (r *pgTxRepository) UpdateGroup(ctx context.Context, g Group) error {
	tag, err := r.tx.Exec(ctx, `
UPDATE bank_groups SET status = $2, total_amount = $3, fortnight_paid_id = $4, paid_at = $5
WHERE id = $1`,
		g.ID, string(g.Status), g.Total, g.FortnightPaidID, g.PaidAt)
	if err != nil {
		return fmt.Errorf("cutoffs: update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (r *pgTxRepository) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM bank_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cutoffs: delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (r *pgTxRepository) GroupOf(ctx context.Context, transferID uuid.UUID) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.tx.QueryRow(ctx, `SELECT group_id FROM bank_group_transfers WHERE transfer_id = $1`, transferID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("cutoffs: group of transfer: %w", err)
	}
	return id, true, nil
}

func (r *pgTxRepository) AddMember(ctx context.Context, groupID, transferID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO bank_group_transfers (group_id, transfer_id) VALUES ($1, $2)`, groupID, transferID)
	if db.IsUniqueViolation(err) {
		return ErrTransferGrouped
	}
	if err != nil {
		return fmt.Errorf("cutoffs: add member: %w", err)
	}
	return nil
}

func (r *pgTxRepository) RemoveMember(ctx context.Context, groupID, transferID uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM bank_group_transfers WHERE group_id = $1 AND transfer_id = $2`, groupID, transferID)
	if err != nil {
		return fmt.Errorf("cutoffs: remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotGrouped
	}
	return nil
}

const selectCutoff = `SELECT id, label, start_date, end_date, notes, status, created_at, closed_at FROM bank_cutoffs`

const selectGroup = `SELECT id, name, template, insurer_id, is_life_insurance, cutoff_id, status, fortnight_paid_id,
total_amount, created_at, paid_at FROM bank_groups`

func scanCutoff(row pgx.Row) (Cutoff, error) {
	var (
		c      Cutoff
		status string
	)
	err := row.Scan(&c.ID, &c.Label, &c.StartDate, &c.EndDate, &c.Notes, &status, &c.CreatedAt, &c.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cutoff{}, ErrCutoffNotFound
	}
	if err != nil {
		return Cutoff{}, fmt.Errorf("cutoffs: scan cutoff: %w", err)
	}
	c.Status = CutoffStatus(status)
	return c, nil
}

func scanGroup(row pgx.Row) (Group, error) {
	var (
		g        Group
		template string
		status   string
	)
	err := row.Scan(&g.ID, &g.Name, &template, &g.InsurerID, &g.IsLife, &g.CutoffID, &status, &g.FortnightPaidID,
		&g.Total, &g.CreatedAt, &g.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("cutoffs: scan group: %w", err)
	}
	g.Template = Template(template)
	g.Status = GroupStatus(status)
	return g, nil
}

func loadGroup(ctx context.Context, q querier, where string, id uuid.UUID) (Group, error) {
	g, err := scanGroup(q.QueryRow(ctx, selectGroup+" "+where, id))
	if err != nil {
		return Group{}, err
	}
	g.TransferIDs, err = listMembers(ctx, q, g.ID)
	return g, err
}

func listMembers(ctx context.Context, q querier, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, `SELECT transfer_id FROM bank_group_transfers WHERE group_id = $1 ORDER BY added_at, transfer_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("cutoffs: list members: %w", err)
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
