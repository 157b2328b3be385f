package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/money"
)

// ImportListener is notified with the reference numbers that were newly inserted.
type ImportListener interface {
	HandleTransfersImported(ctx context.Context, references []string) error
}

// Service is the Transfer Ledger.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	listener ImportListener
}

// NewService constructs the ledger service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// SetImportListener registers the hook that runs after a successful import.
func (s *Service) SetImportListener(l ImportListener) {
	s.listener = l
}

// PrepareRows returns a trimmed copy of rows, failing on the first invalid row.
func PrepareRows(rows []StatementRow) ([]StatementRow, error) {
	out := make([]StatementRow, len(rows))
	for i, row := range rows {
		row.ReferenceNumber = strings.TrimSpace(row.ReferenceNumber)
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out[i] = row
	}
	return out, nil
}

// ImportBatch inserts each row whose reference number is unknown and skips the rest.
// Re-importing the same rows yields Imported=0 and leaves balances untouched.
func (s *Service) ImportBatch(ctx context.Context, cutoffID *uuid.UUID, rows []StatementRow) (ImportResult, error) {
	rows, err := PrepareRows(rows)
	if err != nil {
		return ImportResult{}, err
	}
	var result ImportResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = ImportRows(ctx, tx, cutoffID, rows)
		return err
	})
	if err != nil {
		return ImportResult{}, err
	}
	s.logger.Info("statement imported",
		slog.Int("imported", result.Imported),
		slog.Int("skipped", result.Skipped))

	if s.listener != nil && result.Imported > 0 {
		refs := make([]string, 0, len(result.Records))
		for _, t := range result.Records {
			refs = append(refs, t.ReferenceNumber)
		}
		if err := s.listener.HandleTransfersImported(ctx, refs); err != nil {
			s.logger.Error("post-import reconciliation", slog.Any("error", err))
		}
	}
	return result, nil
}

// ImportRows inserts rows inside an existing transaction.
func ImportRows(ctx context.Context, tx TxRepository, cutoffID *uuid.UUID, rows []StatementRow) (ImportResult, error) {
	var result ImportResult
	for _, row := range rows {
		t, inserted, err := tx.InsertTransfer(ctx, cutoffID, row)
		if err != nil {
			return ImportResult{}, err
		}
		if !inserted {
			result.Skipped++
			continue
		}
		result.Imported++
		result.Records = append(result.Records, t)
	}
	return result, nil
}

// Lookup returns the transfer for a reference number.
func (s *Service) Lookup(ctx context.Context, reference string) (BankTransfer, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return BankTransfer{}, ErrTransferNotFound
	}
	return s.repo.GetByReference(ctx, reference)
}

// Get returns a transfer by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (BankTransfer, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns transfers matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]BankTransfer, error) {
	return s.repo.List(ctx, filter)
}

// CheckIntegrity returns transfers whose balance broke the 0 <= used <= amount
// invariant. An empty result means the ledger is consistent.
func (s *Service) CheckIntegrity(ctx context.Context) ([]BankTransfer, error) {
	bad, err := s.repo.ListOverdrawn(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range bad {
		s.logger.Error("ledger invariant violated",
			slog.String("reference", t.ReferenceNumber),
			slog.String("amount", t.Amount.StringFixed(2)),
			slog.String("used_amount", t.UsedAmount.StringFixed(2)))
	}
	return bad, nil
}

// Commit consumes amount from the transfer in its own transaction.
func (s *Service) Commit(ctx context.Context, reference string, amount decimal.Decimal) (BankTransfer, error) {
	var out BankTransfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = CommitUsage(ctx, tx, reference, amount)
		return err
	})
	if err != nil {
		s.logger.Warn("ledger commit rejected", slog.String("reference", reference), slog.Any("error", err))
		return BankTransfer{}, err
	}
	return out, nil
}

// Release returns amount to the transfer in its own transaction.
func (s *Service) Release(ctx context.Context, reference string, amount decimal.Decimal) (BankTransfer, error) {
	var out BankTransfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = ReleaseUsage(ctx, tx, reference, amount)
		return err
	})
	return out, err
}

// CommitUsage locks the transfer row, re-checks the balance and raises used_amount.
// It must run inside the caller's transaction; the lock is the only guard against
// double-spending, earlier validation is advisory.
func CommitUsage(ctx context.Context, tx TxRepository, reference string, amount decimal.Decimal) (BankTransfer, error) {
	amount = money.Round(amount)
	if !money.Positive(amount) {
		return BankTransfer{}, ErrInvalidAmount
	}
	t, err := tx.LockByReference(ctx, reference)
	if err != nil {
		return BankTransfer{}, err
	}
	remaining := t.Remaining()
	if amount.GreaterThan(remaining) {
		return BankTransfer{}, &BalanceError{Reference: reference, Requested: amount, Remaining: remaining}
	}
	t.UsedAmount = t.UsedAmount.Add(amount)
	if err := tx.SetUsedAmount(ctx, t.ID, t.UsedAmount); err != nil {
		return BankTransfer{}, err
	}
	return t, nil
}

// ReleaseUsage is the inverse of CommitUsage.
func ReleaseUsage(ctx context.Context, tx TxRepository, reference string, amount decimal.Decimal) (BankTransfer, error) {
	amount = money.Round(amount)
	if !money.Positive(amount) {
		return BankTransfer{}, ErrInvalidAmount
	}
	t, err := tx.LockByReference(ctx, reference)
	if err != nil {
		return BankTransfer{}, err
	}
	if amount.GreaterThan(t.UsedAmount) {
		return BankTransfer{}, fmt.Errorf("%s: %w", reference, ErrReleaseExceedsUsed)
	}
	t.UsedAmount = t.UsedAmount.Sub(amount)
	if err := tx.SetUsedAmount(ctx, t.ID, t.UsedAmount); err != nil {
		return BankTransfer{}, err
	}
	return t, nil
}

// RecordSettledTransfer inserts a fully used transfer documenting a settlement that
// did not arrive through the bank, such as a commission deduction.
func RecordSettledTransfer(ctx context.Context, tx TxRepository, row StatementRow) (BankTransfer, error) {
	if err := row.Validate(); err != nil {
		return BankTransfer{}, err
	}
	t, inserted, err := tx.InsertTransfer(ctx, nil, row)
	if err != nil {
		return BankTransfer{}, err
	}
	if !inserted {
		return BankTransfer{}, fmt.Errorf("ledger: settled transfer %s already recorded: %w", row.ReferenceNumber, ErrDuplicateReference)
	}
	t.UsedAmount = t.Amount
	if err := tx.SetUsedAmount(ctx, t.ID, t.UsedAmount); err != nil {
		return BankTransfer{}, err
	}
	return t, nil
}

// RemoveSettledTransfer deletes a transfer recorded by RecordSettledTransfer when
// the settlement it documents is reverted.
func RemoveSettledTransfer(ctx context.Context, tx TxRepository, reference string) error {
	t, err := tx.LockByReference(ctx, reference)
	if err != nil {
		return err
	}
	if t.CutoffID != nil || !t.Remaining().IsZero() {
		return fmt.Errorf("ledger: %s is a statement transfer: %w", reference, ErrSettledTransferOnly)
	}
	return tx.DeleteTransfer(ctx, t.ID)
}
