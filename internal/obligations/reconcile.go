package obligations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// HandleTransfersImported implements ledger.ImportListener. References that now
// resolve to a transfer take its face amount and date, and claims entered by hand
// are re-checked against the transfer: the balance goes to obligations in
// creation order and any claim that no longer fits is cut back, leaving its
// obligation short. The payment gate of every touched obligation is recomputed.
func (s *Service) HandleTransfersImported(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	var (
		touched int
		cut     []uuid.UUID
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfers, err := lockImported(ctx, tx, refs)
		if err != nil {
			return err
		}
		ids, err := tx.MarkReferencesInBank(ctx, refs)
		if err != nil {
			return err
		}
		touched = len(ids)
		if touched == 0 {
			return nil
		}
		available, err := unclaimed(ctx, tx, transfers, ids)
		if err != nil {
			return err
		}

		obligations := make([]Obligation, 0, len(ids))
		for _, id := range ids {
			o, err := tx.LockObligation(ctx, id)
			if err != nil {
				return err
			}
			obligations = append(obligations, o)
		}
		sort.Slice(obligations, func(i, j int) bool {
			a, b := obligations[i], obligations[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		})

		for _, o := range obligations {
			short := false
			for i, ref := range o.References {
				t, ok := transfers[ref.ReferenceNumber]
				if !ok {
					continue
				}
				date := t.Date
				o.References[i].Amount = t.Amount
				o.References[i].Date = &date
				take := money.Min(ref.AmountToUse, money.Max(available[t.ReferenceNumber], decimal.Zero))
				if !money.Covers(take, ref.AmountToUse) {
					short = true
				}
				o.References[i].AmountToUse = take
				available[t.ReferenceNumber] = available[t.ReferenceNumber].Sub(take)
			}
			if err := tx.ReplaceReferences(ctx, o.ID, o.References); err != nil {
				return err
			}
			if short {
				cut = append(cut, o.ID)
			}
			if err := s.refresh(ctx, tx, o.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range cut {
		if s.observer != nil {
			s.observer.ObserveShortAllocation()
		}
		s.logger.Warn("imported transfer does not cover manual claim",
			slog.String("obligation_id", id.String()))
	}
	if touched > 0 {
		s.logger.Info("references matched by import", slog.Int("obligations", touched))
	}
	return nil
}

// lockImported locks the imported transfers in reference order.
func lockImported(ctx context.Context, tx TxRepository, refs []string) (map[string]ledger.BankTransfer, error) {
	ordered := append([]string(nil), refs...)
	sort.Strings(ordered)
	transfers := make(map[string]ledger.BankTransfer, len(ordered))
	for _, ref := range ordered {
		if _, dup := transfers[ref]; dup {
			continue
		}
		t, err := tx.LockByReference(ctx, ref)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		transfers[ref] = t
	}
	return transfers, nil
}

// unclaimed returns, per transfer, the balance left after claims held by
// obligations other than ids.
func unclaimed(ctx context.Context, tx TxRepository, transfers map[string]ledger.BankTransfer, ids []uuid.UUID) (map[string]decimal.Decimal, error) {
	matched := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		matched[id] = struct{}{}
	}
	available := make(map[string]decimal.Decimal, len(transfers))
	for ref, t := range transfers {
		left := t.Remaining()
		held, err := tx.ListReservations(ctx, ref, nil)
		if err != nil {
			return nil, err
		}
		for _, r := range held {
			if _, ok := matched[r.ObligationID]; !ok {
				left = left.Sub(r.AmountToUse)
			}
		}
		available[ref] = left
	}
	return available, nil
}

// HandleAdvanceDeducted implements advances.DeductionListener.
func (s *Service) HandleAdvanceDeducted(ctx context.Context, paymentID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.refresh(ctx, tx, paymentID)
	})
}

// RecoverOrphanAdvance attaches an orphan to an existing unpaid obligation that
// is funded by deduction but has no advance yet.
func (s *Service) RecoverOrphanAdvance(ctx context.Context, advanceID, obligationID uuid.UUID, actor string) (Obligation, error) {
	var out Obligation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockObligation(ctx, obligationID)
		if err != nil {
			return err
		}
		if o.Paid() {
			return ErrAlreadyPaid
		}
		if !o.Funding.UsesAdvance() {
			return fmt.Errorf("obligations: bank funded obligation cannot take an advance: %w", shared.ErrValidation)
		}
		if _, ok, err := advances.ForPayment(ctx, tx, o.ID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("obligations: obligation already has an advance: %w", shared.ErrConflict)
		}
		a, err := tx.LockAdvance(ctx, advanceID)
		if err != nil {
			return err
		}
		if !a.Orphan() {
			return advances.ErrAlreadyLinked
		}
		if o.BrokerID != nil && !a.BelongsTo(*o.BrokerID) {
			return advances.ErrBrokerMismatch
		}
		o.BrokerID = brokerOf(o.BrokerID, a)
		if err := checkAdvanceFits(o.Funding, a.Amount, o.AmountToPay); err != nil {
			return err
		}
		if o.Funding == FundingHybrid && !money.Covers(o.AmountToPay, o.BankFunded().Add(a.Amount)) {
			return fmt.Errorf("obligations: advance and references exceed the amount to pay: %w", shared.ErrValidation)
		}
		a, err = advances.Recover(ctx, tx, advanceID, o.ID, *o.BrokerID)
		if err != nil {
			return err
		}
		o.Advance = &a
		o.AdvanceAmount = a.Amount
		o.UpdatedAt = s.now()
		o.CanBePaid = ComputeCanBePaid(o)
		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return Obligation{}, err
	}
	s.logger.Info("orphan advance recovered",
		slog.String("advance_id", advanceID.String()),
		slog.String("obligation_id", obligationID.String()))
	s.record(ctx, actor, "obligation.recover_advance", obligationID, map[string]any{"advance_id": advanceID.String()})
	return out, nil
}

// refresh recomputes can_be_paid for one obligation inside tx.
func (s *Service) refresh(ctx context.Context, tx TxRepository, id uuid.UUID) error {
	o, err := tx.LockObligation(ctx, id)
	if err != nil {
		return err
	}
	if o.Paid() {
		return nil
	}
	o.Advance = nil
	if a, ok, err := advances.ForPayment(ctx, tx, o.ID); err != nil {
		return err
	} else if ok {
		o.Advance = &a
	}
	can := ComputeCanBePaid(o)
	if can == o.CanBePaid {
		return nil
	}
	o.CanBePaid = can
	o.UpdatedAt = s.now()
	return tx.UpdateObligation(ctx, o)
}
