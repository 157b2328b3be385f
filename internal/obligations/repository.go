package obligations

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
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/references"
)

// Repository defines obligation data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Obligation, error)
	List(ctx context.Context, filter ListFilter, now time.Time) ([]Obligation, error)
	ListReservations(ctx context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error)
}

// TxRepository spans obligations, the ledger and advances in one transaction so a
// payment commits balances and its own rows atomically.
type TxRepository interface {
	ledger.TxRepository
	advances.TxRepository

	InsertObligation(ctx context.Context, o Obligation) error
	LockObligation(ctx context.Context, id uuid.UUID) (Obligation, error)
	UpdateObligation(ctx context.Context, o Obligation) error
	DeleteObligation(ctx context.Context, id uuid.UUID) error
	ReplaceReferences(ctx context.Context, obligationID uuid.UUID, refs []PaymentReference) error
	ListReservations(ctx context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error)
	// MarkReferencesInBank flips exists_in_bank for the given reference numbers and
	// returns the unpaid obligations that were touched.
	MarkReferencesInBank(ctx context.Context, refs []string) ([]uuid.UUID, error)
	InsertPaymentDetail(ctx context.Context, d PaymentDetail) error
	ListPaymentDetails(ctx context.Context, obligationID uuid.UUID) ([]PaymentDetail, error)
	DeletePaymentDetails(ctx context.Context, obligationID uuid.UUID) error
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
		return fmt.Errorf("obligations: begin tx: %w", err)
	}
	repo := &pgTxRepository{
		ledgerTx:   ledger.NewTxRepository(tx),
		advancesTx: advances.NewTxRepository(tx),
		tx:         tx,
	}
	if err := fn(ctx, repo); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Obligation, error) {
	return loadObligation(ctx, r.pool, `WHERE o.id = $1`, id)
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter, now time.Time) ([]Obligation, error) {
	var (
		clauses []string
		args    []any
	)
	if !filter.IncludePaid {
		clauses = append(clauses, "o.paid_at IS NULL")
	}
	if filter.ReadyOnly {
		args = append(args, now)
		clauses = append(clauses, fmt.Sprintf("(o.defer_until IS NULL OR o.defer_until <= $%d)", len(args)))
	}
	if filter.BrokerID != nil {
		args = append(args, *filter.BrokerID)
		clauses = append(clauses, fmt.Sprintf("o.broker_id = $%d", len(args)))
	}
	query := selectObligation
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY o.created_at LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("obligations: list: %w", err)
	}
	var out []Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		refs, err := listReferences(ctx, r.pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].References = refs
	}
	return out, nil
}

func (r *pgRepository) ListReservations(ctx context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error) {
	return listReservations(ctx, r.pool, reference, excluding, false)
}

type (
	ledgerTx   = ledger.TxRepository
	advancesTx = advances.TxRepository
)

type pgTxRepository struct {
	ledgerTx
	advancesTx
	tx pgx.Tx
}

func (r *pgTxRepository) InsertObligation(ctx context.Context, o Obligation) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO obligations (id, client_name, broker_id, purpose_kind, policy_number, insurer_id, refund_target, purpose_description,
    funding_kind, amount_to_pay, advance_amount, division_group_id, division_index, defer_until, other_bank, can_be_paid,
    paid_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`,
		o.ID, o.ClientName, o.BrokerID, string(o.Purpose.Kind), nullString(o.Purpose.PolicyNumber), o.Purpose.InsurerID,
		nullString(string(o.Purpose.RefundTarget)), nullString(o.Purpose.Description), string(o.Funding), o.AmountToPay,
		o.AdvanceAmount, o.DivisionGroupID, o.DivisionIndex, o.DeferUntil, o.OtherBank, o.CanBePaid, o.PaidAt, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("obligations: insert: %w", err)
	}
	return nil
}

func (r *pgTxRepository) LockObligation(ctx context.Context, id uuid.UUID) (Obligation, error) {
	o, err := scanObligation(r.tx.QueryRow(ctx, selectObligation+` WHERE o.id = $1 FOR UPDATE OF o`, id))
	if err != nil {
		return Obligation{}, err
	}
	o.References, err = listReferences(ctx, r.tx, id)
	return o, err
}

func (r *pgTxRepository) UpdateObligation(ctx context.Context, o Obligation) error {
	tag, err := r.tx.Exec(ctx, `
UPDATE obligations SET client_name = $2, broker_id = $3, purpose_kind = $4, policy_number = $5, insurer_id = $6,
    refund_target = $7, purpose_description = $8, funding_kind = $9, amount_to_pay = $10, advance_amount = $11,
    defer_until = $12, other_bank = $13, can_be_paid = $14, paid_at = $15, updated_at = $16
WHERE id = $1`,
		o.ID, o.ClientName, o.BrokerID, string(o.Purpose.Kind), nullString(o.Purpose.PolicyNumber), o.Purpose.InsurerID,
		nullString(string(o.Purpose.RefundTarget)), nullString(o.Purpose.Description), string(o.Funding), o.AmountToPay,
		o.AdvanceAmount, o.DeferUntil, o.OtherBank, o.CanBePaid, o.PaidAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("obligations: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObligationNotFound
	}
	return nil
}

func (r *pgTxRepository) DeleteObligation(ctx context.Context, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM obligations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("obligations: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObligationNotFound
	}
	return nil
}

func (r *pgTxRepository) ReplaceReferences(ctx context.Context, obligationID uuid.UUID, refs []PaymentReference) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM payment_references WHERE obligation_id = $1`, obligationID); err != nil {
		return fmt.Errorf("obligations: clear references: %w", err)
	}
	for _, ref := range refs {
		_, err := r.tx.Exec(ctx, `
INSERT INTO payment_references (id, obligation_id, reference_number, transfer_date, amount, amount_to_use, exists_in_bank)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ref.ID, obligationID, ref.ReferenceNumber, ref.Date, ref.Amount, ref.AmountToUse, ref.ExistsInBank)
		if err != nil {
			return fmt.Errorf("obligations: insert reference %s: %w", ref.ReferenceNumber, err)
		}
	}
	return nil
}

func (r *pgTxRepository) ListReservations(ctx context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error) {
	return listReservations(ctx, r.tx, reference, excluding, true)
}

func (r *pgTxRepository) MarkReferencesInBank(ctx context.Context, refs []string) ([]uuid.UUID, error) {
	rows, err := r.tx.Query(ctx, `
UPDATE payment_references pr SET exists_in_bank = TRUE
FROM obligations o
WHERE o.id = pr.obligation_id AND o.paid_at IS NULL
  AND pr.reference_number = ANY($1) AND NOT pr.exists_in_bank
RETURNING pr.obligation_id`, refs)
	if err != nil {
		return nil, fmt.Errorf("obligations: mark references in bank: %w", err)
	}
	defer rows.Close()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func (r *pgTxRepository) InsertPaymentDetail(ctx context.Context, d PaymentDetail) error {
	_, err := r.tx.Exec(ctx, `
INSERT INTO payment_details (id, obligation_id, transfer_id, reference_number, amount_used, paid_at)
VALUES ($1, $2, $3, $4, $5, $6)`, d.ID, d.ObligationID, d.TransferID, d.ReferenceNumber, d.AmountUsed, d.PaidAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", d.ReferenceNumber, ErrDuplicatePayment)
		}
		return fmt.Errorf("obligations: insert payment detail: %w", err)
	}
	return nil
}

func (r *pgTxRepository) ListPaymentDetails(ctx context.Context, obligationID uuid.UUID) ([]PaymentDetail, error) {
	rows, err := r.tx.Query(ctx, `
SELECT id, obligation_id, transfer_id, reference_number, amount_used, paid_at
FROM payment_details WHERE obligation_id = $1 ORDER BY reference_number`, obligationID)
	if err != nil {
		return nil, fmt.Errorf("obligations: list payment details: %w", err)
	}
	defer rows.Close()
	var out []PaymentDetail
	for rows.Next() {
		var d PaymentDetail
		if err := rows.Scan(&d.ID, &d.ObligationID, &d.TransferID, &d.ReferenceNumber, &d.AmountUsed, &d.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) DeletePaymentDetails(ctx context.Context, obligationID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM payment_details WHERE obligation_id = $1`, obligationID)
	return err
}

const selectObligation = `
SELECT o.id, o.client_name, o.broker_id, o.purpose_kind, o.policy_number, o.insurer_id, o.refund_target,
       o.purpose_description, o.funding_kind, o.amount_to_pay, o.advance_amount, o.division_group_id,
       o.division_index, o.defer_until, o.other_bank, o.can_be_paid, o.paid_at, o.created_at, o.updated_at,
       a.id, a.broker_id, a.amount, a.status, a.deducted_at
FROM obligations o
LEFT JOIN advances a ON a.linked_payment_id = o.id AND a.status <> 'cancelled'`

func loadObligation(ctx context.Context, q querier, where string, arg any) (Obligation, error) {
	o, err := scanObligation(q.QueryRow(ctx, selectObligation+" "+where, arg))
	if err != nil {
		return Obligation{}, err
	}
	o.References, err = listReferences(ctx, q, o.ID)
	return o, err
}

func scanObligation(row pgx.Row) (Obligation, error) {
	var (
		o                           Obligation
		purposeKind, funding        string
		policy, refund, description *string
		advID, advBroker            *uuid.UUID
		advAmount                   decimal.NullDecimal
		advStatus                   *string
		advDeducted                 *time.Time
	)
	err := row.Scan(&o.ID, &o.ClientName, &o.BrokerID, &purposeKind, &policy, &o.Purpose.InsurerID, &refund,
		&description, &funding, &o.AmountToPay, &o.AdvanceAmount, &o.DivisionGroupID, &o.DivisionIndex,
		&o.DeferUntil, &o.OtherBank, &o.CanBePaid, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
		&advID, &advBroker, &advAmount, &advStatus, &advDeducted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Obligation{}, ErrObligationNotFound
	}
	if err != nil {
		return Obligation{}, fmt.Errorf("obligations: scan: %w", err)
	}
	o.Purpose.Kind = PurposeKind(purposeKind)
	o.Purpose.PolicyNumber = deref(policy)
	o.Purpose.RefundTarget = RefundTarget(deref(refund))
	o.Purpose.Description = deref(description)
	o.Funding = FundingKind(funding)
	if advID != nil {
		linked := o.ID
		o.Advance = &advances.Advance{
			ID:              *advID,
			Amount:          advAmount.Decimal,
			Status:          advances.Status(deref(advStatus)),
			LinkedPaymentID: &linked,
			DeductedAt:      advDeducted,
		}
		if advBroker != nil {
			o.Advance.BrokerID = *advBroker
		}
	}
	return o, nil
}

func listReferences(ctx context.Context, q querier, obligationID uuid.UUID) ([]PaymentReference, error) {
	rows, err := q.Query(ctx, `
SELECT id, obligation_id, reference_number, transfer_date, amount, amount_to_use, exists_in_bank
FROM payment_references WHERE obligation_id = $1 ORDER BY reference_number`, obligationID)
	if err != nil {
		return nil, fmt.Errorf("obligations: list references: %w", err)
	}
	defer rows.Close()
	var out []PaymentReference
	for rows.Next() {
		var ref PaymentReference
		if err := rows.Scan(&ref.ID, &ref.ObligationID, &ref.ReferenceNumber, &ref.Date, &ref.Amount, &ref.AmountToUse, &ref.ExistsInBank); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func listReservations(ctx context.Context, q querier, reference string, excluding *uuid.UUID, lock bool) ([]references.Reservation, error) {
	query := `
SELECT o.id, o.client_name, pr.amount_to_use
FROM payment_references pr
JOIN obligations o ON o.id = pr.obligation_id
WHERE pr.reference_number = $1 AND o.paid_at IS NULL AND ($2::uuid IS NULL OR o.id <> $2)
ORDER BY o.created_at`
	if lock {
		query += " FOR SHARE OF pr"
	}
	rows, err := q.Query(ctx, query, reference, excluding)
	if err != nil {
		return nil, fmt.Errorf("obligations: list reservations: %w", err)
	}
	defer rows.Close()
	var out []references.Reservation
	for rows.Next() {
		var res references.Reservation
		if err := rows.Scan(&res.ObligationID, &res.Client, &res.AmountToUse); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
