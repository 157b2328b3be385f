package obligations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// MarkPaid commits every obligation in ids independently. A failure on one
// obligation leaves the others untouched; each outcome carries its own error.
func (s *Service) MarkPaid(ctx context.Context, ids []uuid.UUID, actor string) []PaymentOutcome {
	out := make([]PaymentOutcome, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		o, err := s.markOne(ctx, id, actor)
		outcome := PaymentOutcome{ID: id, Err: err}
		if err == nil {
			outcome.Obligation = &o
		}
		out = append(out, outcome)
	}
	return out
}

func (s *Service) markOne(ctx context.Context, id uuid.UUID, actor string) (Obligation, error) {
	unlock, err := s.lock(ctx, shared.ObligationLockKey(id))
	if err != nil {
		s.observeCommit("locked")
		return Obligation{}, err
	}
	defer unlock()

	now := s.now()
	var paid Obligation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if o.Paid() {
			return ErrAlreadyPaid
		}
		o.Advance = nil
		if a, ok, err := advances.ForPayment(ctx, tx, o.ID); err != nil {
			return err
		} else if ok {
			o.Advance = &a
		}
		o.CanBePaid = ComputeCanBePaid(o)
		if state := DeriveState(o, now, s.thresholds); !state.Payable() {
			return &NotPayableError{ID: o.ID, State: state}
		}

		refs := append([]PaymentReference(nil), o.References...)
		sort.Slice(refs, func(i, j int) bool { return refs[i].ReferenceNumber < refs[j].ReferenceNumber })
		for _, ref := range refs {
			if !money.Positive(ref.AmountToUse) {
				continue
			}
			t, err := ledger.CommitUsage(ctx, tx, ref.ReferenceNumber, ref.AmountToUse)
			if err != nil {
				return err
			}
			if err := tx.InsertPaymentDetail(ctx, PaymentDetail{
				ID:              uuid.New(),
				ObligationID:    o.ID,
				TransferID:      t.ID,
				ReferenceNumber: t.ReferenceNumber,
				AmountUsed:      ref.AmountToUse,
				PaidAt:          now,
			}); err != nil {
				return err
			}
		}
		if o.Advance != nil {
			t, err := ledger.RecordSettledTransfer(ctx, tx, ledger.StatementRow{
				ReferenceNumber: DeductionReference(o.ID),
				Date:            now,
				Description:     "commission deduction " + strings.TrimSpace(o.ClientName),
				Amount:          o.Advance.Amount,
			})
			if err != nil {
				return err
			}
			if err := tx.InsertPaymentDetail(ctx, PaymentDetail{
				ID:              uuid.New(),
				ObligationID:    o.ID,
				TransferID:      t.ID,
				ReferenceNumber: t.ReferenceNumber,
				AmountUsed:      t.Amount,
				PaidAt:          now,
			}); err != nil {
				return err
			}
		}

		o.PaidAt = &now
		o.CanBePaid = false
		o.UpdatedAt = now
		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}
		paid = o
		return nil
	})
	if err != nil {
		s.observeCommit(commitResult(err))
		s.logger.Warn("mark paid rejected", slog.String("obligation_id", id.String()), slog.Any("error", err))
		return Obligation{}, err
	}
	s.observeCommit("ok")
	s.record(ctx, actor, "obligation.mark_paid", id, map[string]any{
		"amount_to_pay": paid.AmountToPay.StringFixed(2),
		"references":    len(paid.References),
	})
	return paid, nil
}

// RevertPayment returns a paid obligation to pending and releases every amount it
// committed. The deduction settlement transfer, if any, is removed.
func (s *Service) RevertPayment(ctx context.Context, id uuid.UUID, actor string) (Obligation, error) {
	unlock, err := s.lock(ctx, shared.ObligationLockKey(id))
	if err != nil {
		return Obligation{}, err
	}
	defer unlock()

	now := s.now()
	var reverted Obligation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if !o.Paid() {
			return ErrNotPaid
		}
		details, err := tx.ListPaymentDetails(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, d := range details {
			if strings.HasPrefix(d.ReferenceNumber, DeductionPrefix) {
				err = ledger.RemoveSettledTransfer(ctx, tx, d.ReferenceNumber)
			} else {
				_, err = ledger.ReleaseUsage(ctx, tx, d.ReferenceNumber, d.AmountUsed)
			}
			if err != nil {
				return err
			}
		}
		if err := tx.DeletePaymentDetails(ctx, o.ID); err != nil {
			return err
		}
		o.PaidAt = nil
		o.UpdatedAt = now
		o.CanBePaid = ComputeCanBePaid(o)
		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}
		reverted = o
		return nil
	})
	if err != nil {
		return Obligation{}, err
	}
	s.record(ctx, actor, "obligation.revert_payment", id, nil)
	return reverted, nil
}

// ReplaceReference swaps the placeholder of an other-bank obligation for the
// real reference once the deposit is identified.
func (s *Service) ReplaceReference(ctx context.Context, id uuid.UUID, placeholder string, in ReferenceInput, actor string) (Result, error) {
	placeholder = strings.TrimSpace(placeholder)
	if !strings.HasPrefix(placeholder, PlaceholderPrefix) {
		return Result{}, fmt.Errorf("obligations: %q is not a placeholder: %w", placeholder, shared.ErrValidation)
	}
	var result Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if o.Paid() {
			return ErrAlreadyPaid
		}
		idx := -1
		for i, ref := range o.References {
			if ref.ReferenceNumber == placeholder {
				idx = i
			}
		}
		if !o.OtherBank || idx < 0 {
			return ErrNotOtherBank
		}
		resolved, candidates, err := resolveReferences(ctx, tx, []ReferenceInput{in}, &o.ID)
		if err != nil {
			return err
		}
		alloc, err := s.engine.Allocate(o.References[idx].AmountToUse, candidates)
		if err != nil {
			return err
		}
		result.Allocation = alloc
		o.References = referencesFor(o.ID, alloc.Allocations, resolved)
		o.OtherBank = false
		o.UpdatedAt = s.now()
		o.CanBePaid = ComputeCanBePaid(o)
		if err := tx.ReplaceReferences(ctx, o.ID, o.References); err != nil {
			return err
		}
		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}
		result.Obligations = []Obligation{o}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	result.Warning = s.warn(result.Allocation, id)
	s.record(ctx, actor, "obligation.replace_reference", id, map[string]any{
		"placeholder": placeholder,
		"reference":   strings.TrimSpace(in.ReferenceNumber),
	})
	return result, nil
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, key)
}

func (s *Service) observeCommit(result string) {
	if s.observer != nil {
		s.observer.ObserveCommit(result)
	}
}

func commitResult(err error) string {
	switch {
	case errors.Is(err, shared.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, shared.ErrBlocked):
		return "not_payable"
	case errors.Is(err, shared.ErrImmutable):
		return "already_paid"
	default:
		return "error"
	}
}
