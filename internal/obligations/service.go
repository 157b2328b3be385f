package obligations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/references"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Locker serialises operator actions on one obligation.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Observer receives reconciliation counters.
type Observer interface {
	ObserveCommit(result string)
	ObserveShortAllocation()
}

// Service orchestrates the obligation lifecycle.
type Service struct {
	repo       Repository
	engine     *allocation.Engine
	logger     *slog.Logger
	locker     Locker
	audit      shared.AuditRecorder
	observer   Observer
	thresholds Thresholds
	now        func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, engine *allocation.Engine, logger *slog.Logger) *Service {
	if engine == nil {
		engine = allocation.NewEngine(allocation.NewRandomOrder(0))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		engine:     engine,
		logger:     logger,
		thresholds: DefaultThresholds,
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocker installs the per-obligation lock used by payment operations.
func (s *Service) WithLocker(l Locker) { s.locker = l }

// WithAudit installs the audit recorder for destructive operations.
func (s *Service) WithAudit(a shared.AuditRecorder) { s.audit = a }

// WithObserver installs the metrics observer.
func (s *Service) WithObserver(o Observer) { s.observer = o }

// WithThresholds overrides the aging thresholds.
func (s *Service) WithThresholds(th Thresholds) {
	if th.AgedAfter > 0 && th.OverdueAfter > th.AgedAfter {
		s.thresholds = th
	}
}

// State derives the current label of o.
func (s *Service) State(o Obligation) State {
	return DeriveState(o, s.now(), s.thresholds)
}

// Get returns one obligation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Obligation, error) {
	return s.repo.Get(ctx, id)
}

// List returns obligations matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Obligation, error) {
	return s.repo.List(ctx, filter, s.now())
}

// ListReady returns unpaid obligations that are not deferred.
func (s *Service) ListReady(ctx context.Context) ([]Obligation, error) {
	return s.repo.List(ctx, ListFilter{ReadyOnly: true}, s.now())
}

// ListReservations implements references.ReservationReader.
func (s *Service) ListReservations(ctx context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error) {
	return s.repo.ListReservations(ctx, reference, excluding)
}

// Create registers an obligation, or one per division. References are re-validated
// under row locks and the bank portion is run through the allocation engine.
func (s *Service) Create(ctx context.Context, in CreateInput) (Result, error) {
	in.ClientName = strings.TrimSpace(in.ClientName)
	if err := in.validate(); err != nil {
		return Result{}, err
	}
	now := s.now()
	var result Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		base := Obligation{
			ID:          uuid.New(),
			ClientName:  in.ClientName,
			BrokerID:    in.BrokerID,
			Purpose:     in.Purpose,
			Funding:     in.Funding,
			AmountToPay: money.Round(in.AmountToPay),
			DeferUntil:  in.DeferUntil,
			OtherBank:   in.OtherBank,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		var orphan *advances.Advance
		advanceAmount := in.advanceTarget()
		if in.RecoverAdvanceID != nil {
			a, err := lockOrphan(ctx, tx, *in.RecoverAdvanceID, in.FundingInput, base.BrokerID)
			if err != nil {
				return err
			}
			orphan = &a
			advanceAmount = a.Amount
			base.BrokerID = brokerOf(base.BrokerID, a)
		}
		base.AdvanceAmount = advanceAmount

		alloc, resolved, err := s.fund(ctx, tx, base, in.References, nil)
		if err != nil {
			return err
		}
		result.Allocation = alloc

		if len(in.Divisions) > 0 {
			result.Obligations, err = s.createDivisions(ctx, tx, base, in.Divisions, alloc, resolved)
			return err
		}

		base.References = referencesFor(base.ID, alloc.Allocations, resolved)
		if base.OtherBank {
			base.References = []PaymentReference{placeholderFor(base)}
		}
		if err := tx.InsertObligation(ctx, base); err != nil {
			return err
		}
		if err := tx.ReplaceReferences(ctx, base.ID, base.References); err != nil {
			return err
		}
		if base.Funding.UsesAdvance() {
			a, err := s.attachAdvance(ctx, tx, base, orphan, now)
			if err != nil {
				return err
			}
			base.Advance = &a
		}
		base.CanBePaid = ComputeCanBePaid(base)
		if err := tx.UpdateObligation(ctx, base); err != nil {
			return err
		}
		result.Obligations = []Obligation{base}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	result.Warning = s.warn(result.Allocation, result.Obligations[0].ID)
	for _, o := range result.Obligations {
		s.record(ctx, in.Actor, "obligation.create", o.ID, map[string]any{
			"amount_to_pay": o.AmountToPay.StringFixed(2),
			"funding":       string(o.Funding),
			"references":    len(o.References),
		})
	}
	return result, nil
}

func (s *Service) createDivisions(ctx context.Context, tx TxRepository, base Obligation, divisions []DivisionInput, alloc allocation.Result, resolved map[string]PaymentReference) ([]Obligation, error) {
	groupID := uuid.New()
	amounts := make([]decimal.Decimal, len(divisions))
	for i, d := range divisions {
		amounts[i] = money.Round(d.Amount)
	}
	parts := splitAllocations(alloc.Allocations, amounts)
	out := make([]Obligation, 0, len(divisions))
	for i, d := range divisions {
		o := base
		o.ID = uuid.New()
		o.AmountToPay = amounts[i]
		o.DivisionGroupID = &groupID
		o.DivisionIndex = i + 1
		if d.ClientName != "" {
			o.ClientName = strings.TrimSpace(d.ClientName)
		}
		if d.Purpose.Kind != "" {
			o.Purpose = d.Purpose
		}
		o.References = referencesFor(o.ID, parts[i], resolved)
		o.CanBePaid = ComputeCanBePaid(o)
		if err := tx.InsertObligation(ctx, o); err != nil {
			return nil, err
		}
		if err := tx.ReplaceReferences(ctx, o.ID, o.References); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Update edits an obligation. Funding, references and advance may all change; the
// caller's own reservations are excluded when its references are re-validated.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Result, error) {
	in.ClientName = strings.TrimSpace(in.ClientName)
	if err := in.validate(); err != nil {
		return Result{}, err
	}
	return s.update(ctx, in.ID, in.Actor, func(Obligation) (UpdateInput, error) { return in, nil })
}

// SwitchToBankFunding replaces deduction funding by bank references. The advance is
// cancelled, or orphaned when it was already deducted; this cannot be undone, so
// confirm must be true.
func (s *Service) SwitchToBankFunding(ctx context.Context, id uuid.UUID, refs []ReferenceInput, confirm bool, actor string) (Result, error) {
	if !confirm {
		return Result{}, ErrConfirmationRequired
	}
	return s.update(ctx, id, actor, func(o Obligation) (UpdateInput, error) {
		in := UpdateInput{
			ID:                   o.ID,
			ClientName:           o.ClientName,
			Purpose:              o.Purpose,
			DeferUntil:           o.DeferUntil,
			ConfirmFundingSwitch: true,
			Actor:                actor,
		}
		in.Funding = FundingBankOnly
		in.BrokerID = o.BrokerID
		in.AmountToPay = o.AmountToPay
		in.References = refs
		return in, in.validate()
	})
}

func (s *Service) update(ctx context.Context, id uuid.UUID, actor string, build func(Obligation) (UpdateInput, error)) (Result, error) {
	now := s.now()
	var (
		result   Result
		switched bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if o.Paid() {
			return ErrAlreadyPaid
		}
		in, err := build(o)
		if err != nil {
			return err
		}

		current, hasAdvance, err := advances.ForPayment(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if hasAdvance && !in.Funding.UsesAdvance() {
			if !in.ConfirmFundingSwitch {
				return ErrConfirmationRequired
			}
			if _, _, err := advances.Detach(ctx, tx, o.ID, now); err != nil {
				return err
			}
			hasAdvance = false
			switched = true
		}

		o.ClientName = in.ClientName
		o.Purpose = in.Purpose
		o.BrokerID = in.BrokerID
		o.Funding = in.Funding
		o.AmountToPay = money.Round(in.AmountToPay)
		o.DeferUntil = in.DeferUntil
		o.OtherBank = in.OtherBank
		o.UpdatedAt = now
		o.Advance = nil
		o.AdvanceAmount = in.advanceTarget()

		if in.Funding.UsesAdvance() {
			a, err := s.reviseAdvance(ctx, tx, o, in.FundingInput, current, hasAdvance, now)
			if err != nil {
				return err
			}
			o.Advance = &a
			o.AdvanceAmount = a.Amount
			o.BrokerID = brokerOf(o.BrokerID, a)
		}

		alloc, resolved, err := s.fund(ctx, tx, o, in.References, &o.ID)
		if err != nil {
			return err
		}
		result.Allocation = alloc
		o.References = referencesFor(o.ID, alloc.Allocations, resolved)
		if o.OtherBank {
			o.References = []PaymentReference{placeholderFor(o)}
		}
		if err := tx.ReplaceReferences(ctx, o.ID, o.References); err != nil {
			return err
		}
		o.CanBePaid = ComputeCanBePaid(o)
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
	action := "obligation.update"
	if switched {
		action = "obligation.switch_to_bank"
	}
	s.record(ctx, actor, action, id, map[string]any{"funding": string(result.Obligations[0].Funding)})
	return result, nil
}

// Delete removes an unpaid obligation. Its reservations disappear with it and no
// ledger balance changes; a deducted advance is left behind as an orphan.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	now := s.now()
	var detached *advances.Advance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if o.Paid() {
			return ErrAlreadyPaid
		}
		a, ok, err := advances.Detach(ctx, tx, o.ID, now)
		if err != nil {
			return err
		}
		if ok {
			detached = &a
		}
		return tx.DeleteObligation(ctx, o.ID)
	})
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if detached != nil {
		meta["advance_id"] = detached.ID.String()
		meta["advance_status"] = string(detached.Status)
		if detached.Status == advances.StatusOrphaned {
			s.logger.Info("advance orphaned by deletion",
				slog.String("advance_id", detached.ID.String()),
				slog.String("obligation_id", id.String()))
		}
	}
	s.record(ctx, actor, "obligation.delete", id, meta)
	return nil
}

// fund validates references under lock and allocates the bank portion of o.
func (s *Service) fund(ctx context.Context, tx TxRepository, o Obligation, refs []ReferenceInput, excluding *uuid.UUID) (allocation.Result, map[string]PaymentReference, error) {
	if o.OtherBank || o.Funding == FundingDeductionOnly {
		return allocation.Result{}, nil, nil
	}
	resolved, candidates, err := resolveReferences(ctx, tx, refs, excluding)
	if err != nil {
		return allocation.Result{}, nil, err
	}
	target := o.AmountToPay.Sub(o.AdvanceAmount)
	if !money.Positive(target) {
		return allocation.Result{}, nil, fmt.Errorf("obligations: advance leaves nothing for bank funding: %w", shared.ErrValidation)
	}
	alloc, err := s.engine.Allocate(target, candidates)
	if err != nil {
		return allocation.Result{}, nil, err
	}
	return alloc, resolved, nil
}

// resolveReferences locks every known transfer in reference order and checks the
// claim against reservations held by other unpaid obligations.
func resolveReferences(ctx context.Context, tx TxRepository, refs []ReferenceInput, excluding *uuid.UUID) (map[string]PaymentReference, []allocation.Candidate, error) {
	refs = append([]ReferenceInput(nil), refs...)
	order := make([]int, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for i := range refs {
		order[i] = i
		refs[i].ReferenceNumber = strings.TrimSpace(refs[i].ReferenceNumber)
		if refs[i].ReferenceNumber == "" {
			return nil, nil, fmt.Errorf("obligations: reference number required: %w", shared.ErrValidation)
		}
		if _, dup := seen[refs[i].ReferenceNumber]; dup {
			return nil, nil, fmt.Errorf("obligations: reference %s listed twice: %w", refs[i].ReferenceNumber, shared.ErrValidation)
		}
		seen[refs[i].ReferenceNumber] = struct{}{}
	}
	sort.Slice(order, func(a, b int) bool { return refs[order[a]].ReferenceNumber < refs[order[b]].ReferenceNumber })

	resolved := make(map[string]PaymentReference, len(refs))
	capacity := make([]decimal.Decimal, len(refs))
	for _, i := range order {
		ref, avail, err := resolveReference(ctx, tx, refs[i], excluding)
		if err != nil {
			return nil, nil, err
		}
		resolved[ref.ReferenceNumber] = ref
		capacity[i] = avail
	}
	candidates := make([]allocation.Candidate, len(refs))
	for i, in := range refs {
		candidates[i] = allocation.Candidate{ReferenceNumber: in.ReferenceNumber, FaceAmount: capacity[i]}
	}
	return resolved, candidates, nil
}

func resolveReference(ctx context.Context, tx TxRepository, in ReferenceInput, excluding *uuid.UUID) (PaymentReference, decimal.Decimal, error) {
	if in.Requested != nil && !money.Positive(*in.Requested) {
		return PaymentReference{}, decimal.Zero, fmt.Errorf("obligations: requested amount for %s must be positive: %w", in.ReferenceNumber, shared.ErrValidation)
	}
	t, err := tx.LockByReference(ctx, in.ReferenceNumber)
	if errors.Is(err, shared.ErrNotFound) {
		if in.Amount == nil || !money.Positive(*in.Amount) {
			return PaymentReference{}, decimal.Zero, fmt.Errorf("obligations: unknown reference %s needs a manual amount: %w", in.ReferenceNumber, shared.ErrValidation)
		}
		ref := PaymentReference{ReferenceNumber: in.ReferenceNumber, Date: in.Date, Amount: money.Round(*in.Amount)}
		capacity := ref.Amount
		if in.Requested != nil {
			if in.Requested.GreaterThan(ref.Amount) {
				return PaymentReference{}, decimal.Zero, fmt.Errorf("obligations: requested exceeds amount of %s: %w", in.ReferenceNumber, shared.ErrValidation)
			}
			capacity = money.Round(*in.Requested)
		}
		return ref, capacity, nil
	}
	if err != nil {
		return PaymentReference{}, decimal.Zero, err
	}
	reservations, err := tx.ListReservations(ctx, in.ReferenceNumber, excluding)
	if err != nil {
		return PaymentReference{}, decimal.Zero, err
	}
	requested := decimal.Zero
	if in.Requested != nil {
		requested = money.Round(*in.Requested)
	}
	report := references.Classify(t, reservations, requested)
	if err := report.Claim(); err != nil {
		return PaymentReference{}, decimal.Zero, err
	}
	capacity := report.AvailableAfterPending
	if in.Requested != nil {
		capacity = money.Min(requested, capacity)
	}
	date := t.Date
	return PaymentReference{
		ReferenceNumber: t.ReferenceNumber,
		Date:            &date,
		Amount:          t.Amount,
		ExistsInBank:    true,
	}, capacity, nil
}

func referencesFor(obligationID uuid.UUID, allocs []allocation.Allocation, resolved map[string]PaymentReference) []PaymentReference {
	out := make([]PaymentReference, 0, len(allocs))
	for _, a := range allocs {
		ref := resolved[a.ReferenceNumber]
		ref.ID = uuid.New()
		ref.ObligationID = obligationID
		ref.AmountToUse = a.AmountToUse
		out = append(out, ref)
	}
	return out
}

func placeholderFor(o Obligation) PaymentReference {
	return PaymentReference{
		ID:              uuid.New(),
		ObligationID:    o.ID,
		ReferenceNumber: PlaceholderReference(o.ID),
		Amount:          o.AmountToPay,
		AmountToUse:     o.AmountToPay,
	}
}

// splitAllocations walks the allocations in order and hands each division its share.
func splitAllocations(allocs []allocation.Allocation, amounts []decimal.Decimal) [][]allocation.Allocation {
	out := make([][]allocation.Allocation, len(amounts))
	i := 0
	var left decimal.Decimal
	if len(allocs) > 0 {
		left = allocs[0].AmountToUse
	}
	for d, need := range amounts {
		for need.IsPositive() && i < len(allocs) {
			take := money.Min(need, left)
			if take.IsPositive() {
				part := allocs[i]
				part.AmountToUse = take
				part.Excess = decimal.Zero
				out[d] = append(out[d], part)
			}
			need = need.Sub(take)
			left = left.Sub(take)
			if !left.IsPositive() {
				i++
				if i < len(allocs) {
					left = allocs[i].AmountToUse
				}
			}
		}
	}
	return out
}

// lockOrphan locks an orphan for an obligation of broker. A nil broker accepts
// the orphan's own.
func lockOrphan(ctx context.Context, tx TxRepository, advanceID uuid.UUID, in FundingInput, broker *uuid.UUID) (advances.Advance, error) {
	if !in.Funding.UsesAdvance() {
		return advances.Advance{}, fmt.Errorf("obligations: bank funding cannot recover an advance: %w", shared.ErrValidation)
	}
	a, err := tx.LockAdvance(ctx, advanceID)
	if err != nil {
		return advances.Advance{}, err
	}
	if !a.Orphan() {
		return advances.Advance{}, advances.ErrAlreadyLinked
	}
	if broker != nil && !a.BelongsTo(*broker) {
		return advances.Advance{}, advances.ErrBrokerMismatch
	}
	if err := checkAdvanceFits(in.Funding, a.Amount, in.AmountToPay); err != nil {
		return advances.Advance{}, err
	}
	return a, nil
}

// brokerOf keeps broker, or adopts the advance's broker when none was given.
func brokerOf(broker *uuid.UUID, a advances.Advance) *uuid.UUID {
	if broker != nil {
		return broker
	}
	id := a.BrokerID
	return &id
}

func checkAdvanceFits(funding FundingKind, advance, amountToPay decimal.Decimal) error {
	switch funding {
	case FundingDeductionOnly:
		if !money.Equal(advance, amountToPay) {
			return fmt.Errorf("obligations: advance of %s does not cover %s: %w", advance.StringFixed(2), amountToPay.StringFixed(2), shared.ErrValidation)
		}
	case FundingHybrid:
		if !advance.LessThan(amountToPay) {
			return fmt.Errorf("obligations: advance of %s leaves nothing for bank funding: %w", advance.StringFixed(2), shared.ErrValidation)
		}
	}
	return nil
}

func (s *Service) attachAdvance(ctx context.Context, tx TxRepository, o Obligation, orphan *advances.Advance, now time.Time) (advances.Advance, error) {
	if orphan != nil {
		if o.BrokerID == nil {
			return advances.Advance{}, advances.ErrBrokerRequired
		}
		a, err := advances.Recover(ctx, tx, orphan.ID, o.ID, *o.BrokerID)
		if err != nil {
			return advances.Advance{}, err
		}
		s.logger.Info("orphan advance recovered",
			slog.String("advance_id", a.ID.String()),
			slog.String("obligation_id", o.ID.String()))
		return a, nil
	}
	return advances.Create(ctx, tx, *o.BrokerID, o.AdvanceAmount, o.ID, o.ClientName, now)
}

// reviseAdvance keeps, replaces or creates the advance funding o.
func (s *Service) reviseAdvance(ctx context.Context, tx TxRepository, o Obligation, in FundingInput, current advances.Advance, hasAdvance bool, now time.Time) (advances.Advance, error) {
	if in.RecoverAdvanceID != nil {
		if hasAdvance {
			return advances.Advance{}, fmt.Errorf("obligations: obligation already has an advance: %w", shared.ErrConflict)
		}
		orphan, err := lockOrphan(ctx, tx, *in.RecoverAdvanceID, in, o.BrokerID)
		if err != nil {
			return advances.Advance{}, err
		}
		o.BrokerID = brokerOf(o.BrokerID, orphan)
		return s.attachAdvance(ctx, tx, o, &orphan, now)
	}
	want := in.advanceTarget()
	if hasAdvance {
		if money.Equal(current.Amount, want) {
			return current, nil
		}
		if current.Resolved() {
			return advances.Advance{}, fmt.Errorf("obligations: deducted advance cannot change amount: %w", advances.ErrDeducted)
		}
		if _, err := advances.Cancel(ctx, tx, current.ID, now); err != nil {
			return advances.Advance{}, err
		}
	}
	if o.BrokerID == nil {
		return advances.Advance{}, fmt.Errorf("obligations: deduction funding needs a broker: %w", shared.ErrValidation)
	}
	return advances.Create(ctx, tx, *o.BrokerID, want, o.ID, o.ClientName, now)
}

func (s *Service) warn(alloc allocation.Result, id uuid.UUID) error {
	warning := alloc.Warning()
	if warning == nil {
		return nil
	}
	if s.observer != nil {
		s.observer.ObserveShortAllocation()
	}
	s.logger.Warn("obligation funded short",
		slog.String("obligation_id", id.String()),
		slog.String("target", alloc.Target.StringFixed(2)),
		slog.String("allocated", alloc.Total.StringFixed(2)))
	return warning
}

func (s *Service) record(ctx context.Context, actor, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "obligation",
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Error("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}
