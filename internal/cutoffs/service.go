package cutoffs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Locker serialises payment of one group across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Service manages cutoffs, groups and cross-cutoff inclusion.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	listener ledger.ImportListener
	locker   Locker
	audit    shared.AuditRecorder
	now      func() time.Time
}

// NewService constructs the cutoff service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetImportListener registers the hook that runs after ImportCutoff commits.
func (s *Service) SetImportListener(l ledger.ImportListener) { s.listener = l }

// WithLocker installs the group lock used by MarkGroupsPaid.
func (s *Service) WithLocker(l Locker) { s.locker = l }

// WithAudit installs the audit recorder.
func (s *Service) WithAudit(a shared.AuditRecorder) { s.audit = a }

// GetCutoff returns one cutoff.
func (s *Service) GetCutoff(ctx context.Context, id uuid.UUID) (Cutoff, error) {
	return s.repo.GetCutoff(ctx, id)
}

// ListCutoffs returns every cutoff, newest first.
func (s *Service) ListCutoffs(ctx context.Context) ([]Cutoff, error) {
	return s.repo.ListCutoffs(ctx)
}

// GetGroup returns one group with its members.
func (s *Service) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return s.repo.GetGroup(ctx, id)
}

// ListGroups returns groups matching filter.
func (s *Service) ListGroups(ctx context.Context, filter GroupFilter) ([]Group, error) {
	return s.repo.ListGroups(ctx, filter)
}

// CreateCutoff registers a new cutoff. Labels are unique and date ranges may not
// overlap an existing cutoff.
func (s *Service) CreateCutoff(ctx context.Context, in CutoffInput, actor string) (Cutoff, error) {
	var out Cutoff
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = s.createCutoff(ctx, tx, in)
		return err
	})
	if err != nil {
		return Cutoff{}, err
	}
	s.record(ctx, actor, "cutoff.create", "cutoff", out.ID, map[string]any{"label": out.Label})
	return out, nil
}

// ImportOutcome is the result of ImportCutoff.
type ImportOutcome struct {
	Cutoff Cutoff
	Import ledger.ImportResult
}

// ImportCutoff creates the cutoff and imports its statement rows atomically. Rows
// whose reference number is already in the ledger are skipped.
func (s *Service) ImportCutoff(ctx context.Context, in CutoffInput, rows []ledger.StatementRow, actor string) (ImportOutcome, error) {
	rows, err := ledger.PrepareRows(rows)
	if err != nil {
		return ImportOutcome{}, err
	}
	var out ImportOutcome
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := s.createCutoff(ctx, tx, in)
		if err != nil {
			return err
		}
		res, err := ledger.ImportRows(ctx, tx, &c.ID, rows)
		if err != nil {
			return err
		}
		out = ImportOutcome{Cutoff: c, Import: res}
		return nil
	})
	if err != nil {
		return ImportOutcome{}, err
	}
	s.logger.Info("cutoff imported",
		slog.String("cutoff", out.Cutoff.Label),
		slog.Int("imported", out.Import.Imported),
		slog.Int("skipped", out.Import.Skipped))
	s.record(ctx, actor, "cutoff.import", "cutoff", out.Cutoff.ID, map[string]any{
		"label":    out.Cutoff.Label,
		"imported": out.Import.Imported,
		"skipped":  out.Import.Skipped,
	})

	if s.listener != nil && out.Import.Imported > 0 {
		refs := make([]string, 0, len(out.Import.Records))
		for _, t := range out.Import.Records {
			refs = append(refs, t.ReferenceNumber)
		}
		if err := s.listener.HandleTransfersImported(ctx, refs); err != nil {
			s.logger.Error("post-import reconciliation", slog.Any("error", err))
		}
	}
	return out, nil
}

func (s *Service) createCutoff(ctx context.Context, tx TxRepository, in CutoffInput) (Cutoff, error) {
	start, end := dateOnly(in.StartDate), dateOnly(in.EndDate)
	if in.StartDate.IsZero() || in.EndDate.IsZero() || start.After(end) {
		return Cutoff{}, ErrInvalidRange
	}
	label := NormalizeLabel(in.Label)
	if label == "" {
		label = DefaultLabel(start, end)
	}
	overlaps, err := tx.Overlapping(ctx, start, end)
	if err != nil {
		return Cutoff{}, err
	}
	if len(overlaps) > 0 {
		return Cutoff{}, fmt.Errorf("%w: %s", ErrOverlap, overlaps[0].Label)
	}
	c := Cutoff{
		ID:        uuid.New(),
		Label:     label,
		StartDate: start,
		EndDate:   end,
		Notes:     strings.TrimSpace(in.Notes),
		Status:    CutoffOpen,
		CreatedAt: s.now(),
	}
	if err := tx.InsertCutoff(ctx, c); err != nil {
		return Cutoff{}, err
	}
	return c, nil
}

// SuggestNextCutoff proposes a cutoff running from the day after the last cutoff
// ended until yesterday.
func (s *Service) SuggestNextCutoff(ctx context.Context) (Suggestion, error) {
	last, err := s.repo.LastCutoff(ctx)
	if err != nil {
		return Suggestion{}, err
	}
	start := last.EndDate.AddDate(0, 0, 1)
	end := dateOnly(s.now()).AddDate(0, 0, -1)
	if end.Before(start) {
		end = start
	}
	return Suggestion{
		LastEndDate: last.EndDate,
		StartDate:   start,
		EndDate:     end,
		Label:       DefaultLabel(start, end),
	}, nil
}

// CloseCutoff freezes a cutoff; closed cutoffs accept no new groups or inclusions.
func (s *Service) CloseCutoff(ctx context.Context, id uuid.UUID, actor string) (Cutoff, error) {
	var out Cutoff
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCutoff(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == CutoffClosed {
			out = c
			return nil
		}
		now := s.now()
		if err := tx.CloseCutoff(ctx, id, now); err != nil {
			return err
		}
		c.Status, c.ClosedAt = CutoffClosed, &now
		out = c
		return nil
	})
	if err != nil {
		return Cutoff{}, err
	}
	s.record(ctx, actor, "cutoff.close", "cutoff", id, nil)
	return out, nil
}

// CreateGroup opens an empty in_progress group.
func (s *Service) CreateGroup(ctx context.Context, in GroupInput, actor string) (Group, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Group{}, fmt.Errorf("cutoffs: group name required: %w", shared.ErrValidation)
	}
	if !in.Template.Valid() {
		return Group{}, fmt.Errorf("cutoffs: unknown template %q: %w", in.Template, shared.ErrValidation)
	}
	if in.InsurerID == uuid.Nil {
		return Group{}, fmt.Errorf("cutoffs: insurer required: %w", shared.ErrValidation)
	}
	if in.Template.RequiresLifeFlag() && in.IsLife == nil {
		return Group{}, fmt.Errorf("cutoffs: template %s requires the life insurance flag: %w", in.Template, shared.ErrValidation)
	}
	g := Group{
		ID:        uuid.New(),
		Name:      in.Name,
		Template:  in.Template,
		InsurerID: in.InsurerID,
		IsLife:    in.IsLife,
		CutoffID:  in.CutoffID,
		Status:    GroupInProgress,
		Total:     decimal.Zero,
		CreatedAt: s.now(),
	}
	if !in.Template.RequiresLifeFlag() {
		g.IsLife = nil
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if g.CutoffID != nil {
			c, err := tx.LockCutoff(ctx, *g.CutoffID)
			if err != nil {
				return err
			}
			if c.Status == CutoffClosed {
				return ErrCutoffClosed
			}
		}
		return tx.InsertGroup(ctx, g)
	})
	if err != nil {
		return Group{}, err
	}
	s.record(ctx, actor, "group.create", "group", g.ID, map[string]any{"name": g.Name, "template": string(g.Template)})
	return g, nil
}

// AddTransferToGroup adds a transfer to a group. A transfer belongs to at most
// one group; adding it to the group it is already in is a no-op.
func (s *Service) AddTransferToGroup(ctx context.Context, groupID, transferID uuid.UUID, actor string) (Group, error) {
	var out Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		g, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.Paid() {
			return ErrGroupPaid
		}
		t, err := tx.LockByID(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Settlement.Status == ledger.SettlementPaid {
			return ErrTransferPaid
		}
		current, grouped, err := tx.GroupOf(ctx, transferID)
		if err != nil {
			return err
		}
		if grouped && current == groupID {
			out = g
			return nil
		}
		if grouped {
			return fmt.Errorf("%w: %s", ErrTransferGrouped, current)
		}
		if g.CutoffID != nil && !belongsTo(t, *g.CutoffID) {
			return ErrOutsideCutoff
		}
		if err := tx.AddMember(ctx, groupID, transferID); err != nil {
			return err
		}
		settlement := t.Settlement
		settlement.Status = ledger.SettlementPending
		if settlement.InsurerID == nil {
			insurer := g.InsurerID
			settlement.InsurerID = &insurer
		}
		if err := tx.UpdateSettlement(ctx, transferID, settlement); err != nil {
			return err
		}
		g.TransferIDs = append(g.TransferIDs, transferID)
		out, err = s.membershipChanged(ctx, tx, g)
		return err
	})
	if err != nil {
		return Group{}, err
	}
	s.record(ctx, actor, "group.add_transfer", "group", groupID, map[string]any{"transfer_id": transferID.String()})
	return out, nil
}

// RemoveTransferFromGroup detaches a transfer from a group that is not paid.
func (s *Service) RemoveTransferFromGroup(ctx context.Context, groupID, transferID uuid.UUID, actor string) (Group, error) {
	var out Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		g, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.Paid() {
			return ErrGroupPaid
		}
		if err := detach(ctx, tx, groupID, transferID); err != nil {
			return err
		}
		g.TransferIDs = without(g.TransferIDs, transferID)
		out, err = s.membershipChanged(ctx, tx, g)
		return err
	})
	if err != nil {
		return Group{}, err
	}
	s.record(ctx, actor, "group.remove_transfer", "group", groupID, map[string]any{"transfer_id": transferID.String()})
	return out, nil
}

// DeleteGroup removes an unpaid group and releases its members.
func (s *Service) DeleteGroup(ctx context.Context, id uuid.UUID, actor string) error {
	var members int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		g, err := tx.LockGroup(ctx, id)
		if err != nil {
			return err
		}
		if g.Paid() {
			return ErrGroupPaid
		}
		for _, transferID := range g.TransferIDs {
			if err := detach(ctx, tx, id, transferID); err != nil {
				return err
			}
		}
		members = len(g.TransferIDs)
		return tx.DeleteGroup(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, "group.delete", "group", id, map[string]any{"released": members})
	return nil
}

// MarkGroupReconciled moves a non-empty group to reconciled.
func (s *Service) MarkGroupReconciled(ctx context.Context, id uuid.UUID, actor string) (Group, error) {
	var out Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		g, err := tx.LockGroup(ctx, id)
		if err != nil {
			return err
		}
		if g.Paid() {
			return ErrGroupPaid
		}
		if len(g.TransferIDs) == 0 {
			return ErrEmptyGroup
		}
		if err := stamp(ctx, tx, g.TransferIDs, ledger.SettlementReconciled); err != nil {
			return err
		}
		g.Status = GroupReconciled
		if err := tx.UpdateGroup(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	s.record(ctx, actor, "group.reconcile", "group", id, nil)
	return out, nil
}

// MarkGroupsPaid settles reconciled groups against a commission fortnight and
// stamps every member transfer paid. The batch is all or nothing.
func (s *Service) MarkGroupsPaid(ctx context.Context, ids []uuid.UUID, fortnightID uuid.UUID, actor string) ([]Group, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("cutoffs: no groups given: %w", shared.ErrValidation)
	}
	if fortnightID == uuid.Nil {
		return nil, fmt.Errorf("cutoffs: fortnight required: %w", shared.ErrValidation)
	}
	ids = uniqueSorted(ids)
	for _, id := range ids {
		release, err := s.lock(ctx, shared.GroupLockKey(id))
		if err != nil {
			return nil, err
		}
		defer release()
	}

	now := s.now()
	out := make([]Group, 0, len(ids))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out = out[:0]
		for _, id := range ids {
			g, err := tx.LockGroup(ctx, id)
			if err != nil {
				return err
			}
			if g.Paid() {
				return fmt.Errorf("%w: %s", ErrGroupPaid, g.Name)
			}
			if g.Status != GroupReconciled {
				return fmt.Errorf("%w: %s", ErrNotReconciled, g.Name)
			}
			if err := stamp(ctx, tx, g.TransferIDs, ledger.SettlementPaid); err != nil {
				return err
			}
			fortnight := fortnightID
			g.Status, g.FortnightPaidID, g.PaidAt = GroupPaid, &fortnight, &now
			if err := tx.UpdateGroup(ctx, g); err != nil {
				return err
			}
			out = append(out, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, g := range out {
		s.record(ctx, actor, "group.mark_paid", "group", g.ID, map[string]any{
			"fortnight_id": fortnightID.String(),
			"total":        g.Total.StringFixed(2),
		})
	}
	s.logger.Info("groups paid", slog.Int("groups", len(out)), slog.String("fortnight", fortnightID.String()))
	return out, nil
}

// IncludeTransfer carries a transfer from an older cutoff into an open later one,
// so it can be grouped with that cutoff's transfers.
func (s *Service) IncludeTransfer(ctx context.Context, transferID, targetCutoffID uuid.UUID, actor string) (ledger.BankTransfer, error) {
	var out ledger.BankTransfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockByID(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Settlement.Status == ledger.SettlementPaid {
			return ErrTransferPaid
		}
		if t.Settlement.Included {
			return ErrAlreadyIncluded
		}
		if t.CutoffID == nil {
			return fmt.Errorf("cutoffs: transfer %s has no cutoff: %w", t.ReferenceNumber, shared.ErrValidation)
		}
		if _, grouped, err := tx.GroupOf(ctx, transferID); err != nil {
			return err
		} else if grouped {
			return ErrTransferGrouped
		}
		origin, err := tx.LockCutoff(ctx, *t.CutoffID)
		if err != nil {
			return err
		}
		target, err := tx.LockCutoff(ctx, targetCutoffID)
		if err != nil {
			return err
		}
		if target.Status == CutoffClosed {
			return ErrCutoffClosed
		}
		if !origin.EndDate.Before(target.StartDate) {
			return fmt.Errorf("cutoffs: %s is not older than %s: %w", origin.Label, target.Label, shared.ErrValidation)
		}
		originID, targetID := origin.ID, target.ID
		t.Settlement.Included = true
		t.Settlement.IncludedCutoffID = &targetID
		t.Settlement.OriginalCutoffID = &originID
		t.Settlement.Status = ledger.SettlementPending
		if err := tx.UpdateSettlement(ctx, t.ID, t.Settlement); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return ledger.BankTransfer{}, err
	}
	s.record(ctx, actor, "transfer.include", "transfer", transferID, map[string]any{"cutoff_id": targetCutoffID.String()})
	return out, nil
}

// RevertInclusion undoes IncludeTransfer. The transfer leaves any group it joined
// in the later cutoff and returns to unclassified.
func (s *Service) RevertInclusion(ctx context.Context, transferID uuid.UUID, actor string) (ledger.BankTransfer, error) {
	var out ledger.BankTransfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockByID(ctx, transferID)
		if err != nil {
			return err
		}
		if !t.Settlement.Included {
			return ErrNotIncluded
		}
		if t.Settlement.Status == ledger.SettlementPaid {
			return ErrTransferPaid
		}
		groupID, grouped, err := tx.GroupOf(ctx, transferID)
		if err != nil {
			return err
		}
		if grouped {
			g, err := tx.LockGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if g.Paid() {
				return ErrGroupPaid
			}
			if err := tx.RemoveMember(ctx, groupID, transferID); err != nil {
				return err
			}
			g.TransferIDs = without(g.TransferIDs, transferID)
			if _, err := s.membershipChanged(ctx, tx, g); err != nil {
				return err
			}
		}
		t.Settlement = ledger.Settlement{
			Status:    ledger.SettlementUnclassified,
			Type:      t.Settlement.Type,
			InsurerID: t.Settlement.InsurerID,
		}
		if err := tx.UpdateSettlement(ctx, t.ID, t.Settlement); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return ledger.BankTransfer{}, err
	}
	s.record(ctx, actor, "transfer.revert_inclusion", "transfer", transferID, nil)
	return out, nil
}

// ClassifyInput sets the commission attributes of a transfer.
type ClassifyInput struct {
	Type      ledger.TransferType `json:"transfer_type" validate:"required,oneof=report bonus other pending"`
	InsurerID *uuid.UUID          `json:"insurer_id"`
}

// ClassifyTransfer stamps the transfer type and insurer. Unclassified transfers
// become pending.
func (s *Service) ClassifyTransfer(ctx context.Context, transferID uuid.UUID, in ClassifyInput, actor string) (ledger.BankTransfer, error) {
	var out ledger.BankTransfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockByID(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Settlement.Status == ledger.SettlementPaid {
			return ErrTransferPaid
		}
		t.Settlement.Type = in.Type
		t.Settlement.InsurerID = in.InsurerID
		if t.Settlement.Status == ledger.SettlementUnclassified {
			t.Settlement.Status = ledger.SettlementPending
		}
		if err := tx.UpdateSettlement(ctx, t.ID, t.Settlement); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return ledger.BankTransfer{}, err
	}
	s.record(ctx, actor, "transfer.classify", "transfer", transferID, map[string]any{"type": string(in.Type)})
	return out, nil
}

// membershipChanged recomputes the total from the member face amounts. A
// reconciled group goes back to in_progress because its contents changed.
func (s *Service) membershipChanged(ctx context.Context, tx TxRepository, g Group) (Group, error) {
	total := make([]decimal.Decimal, 0, len(g.TransferIDs))
	for _, id := range g.TransferIDs {
		t, err := tx.LockByID(ctx, id)
		if err != nil {
			return Group{}, err
		}
		total = append(total, t.Amount)
	}
	g.Total = money.Sum(total...)
	if g.Status == GroupReconciled {
		g.Status = GroupInProgress
		if err := stamp(ctx, tx, g.TransferIDs, ledger.SettlementPending); err != nil {
			return Group{}, err
		}
	}
	if err := tx.UpdateGroup(ctx, g); err != nil {
		return Group{}, err
	}
	return g, nil
}

// detach removes the membership and resets the transfer's settlement status.
func detach(ctx context.Context, tx TxRepository, groupID, transferID uuid.UUID) error {
	if err := tx.RemoveMember(ctx, groupID, transferID); err != nil {
		return err
	}
	t, err := tx.LockByID(ctx, transferID)
	if err != nil {
		return err
	}
	t.Settlement.Status = ledger.SettlementUnclassified
	if t.Settlement.Included || t.Settlement.Type != "" {
		t.Settlement.Status = ledger.SettlementPending
	}
	return tx.UpdateSettlement(ctx, transferID, t.Settlement)
}

func stamp(ctx context.Context, tx TxRepository, ids []uuid.UUID, status ledger.SettlementStatus) error {
	for _, id := range ids {
		t, err := tx.LockByID(ctx, id)
		if err != nil {
			return err
		}
		t.Settlement.Status = status
		if err := tx.UpdateSettlement(ctx, id, t.Settlement); err != nil {
			return err
		}
	}
	return nil
}

// belongsTo reports whether t is native to the cutoff or was included into it.
func belongsTo(t ledger.BankTransfer, cutoffID uuid.UUID) bool {
	if t.Settlement.Included {
		return t.Settlement.IncludedCutoffID != nil && *t.Settlement.IncludedCutoffID == cutoffID
	}
	return t.CutoffID != nil && *t.CutoffID == cutoffID
}

func without(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func uniqueSorted(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, key)
}

func (s *Service) record(ctx context.Context, actor, action, entity string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   entity,
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Error("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}
