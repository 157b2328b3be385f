package advances

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/money"
)

// DeductionListener is told when an advance linked to an obligation was deducted.
type DeductionListener interface {
	HandleAdvanceDeducted(ctx context.Context, paymentID uuid.UUID) error
}

// Service manages the advance lifecycle.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	listener DeductionListener
	now      func() time.Time
}

// NewService constructs the service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetDeductionListener registers the hook run after MarkDeducted.
func (s *Service) SetDeductionListener(l DeductionListener) {
	s.listener = l
}

// Get returns one advance.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Advance, error) {
	return s.repo.Get(ctx, id)
}

// FindOrphanAdvances lists a broker's deducted advances that lost their obligation.
func (s *Service) FindOrphanAdvances(ctx context.Context, brokerID uuid.UUID) ([]Advance, error) {
	if brokerID == uuid.Nil {
		return nil, ErrBrokerRequired
	}
	return s.repo.ListOrphans(ctx, brokerID)
}

// RecoverOrphanAdvance re-links an orphan of brokerID to paymentID instead of
// minting a new deduction. Concurrent recoveries of the same orphan fail with
// ErrAlreadyLinked.
func (s *Service) RecoverOrphanAdvance(ctx context.Context, advanceID, paymentID, brokerID uuid.UUID) (Advance, error) {
	var out Advance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = Recover(ctx, tx, advanceID, paymentID, brokerID)
		return err
	})
	if err != nil {
		return Advance{}, err
	}
	s.logger.Info("orphan advance recovered",
		slog.String("advance_id", advanceID.String()),
		slog.String("payment_id", paymentID.String()))
	return out, nil
}

// MarkDeducted records that the commission run withheld the advance.
func (s *Service) MarkDeducted(ctx context.Context, advanceID uuid.UUID) (Advance, error) {
	var out Advance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.LockAdvance(ctx, advanceID)
		if err != nil {
			return err
		}
		switch a.Status {
		case StatusPaid, StatusRecovered, StatusOrphaned:
			out = a
			return nil
		case StatusCancelled:
			return ErrCancelled
		}
		now := s.now()
		a.Status = StatusPaid
		a.DeductedAt = &now
		a.UpdatedAt = now
		out = a
		return tx.UpdateAdvance(ctx, a)
	})
	if err != nil {
		return Advance{}, err
	}
	if s.listener != nil && out.LinkedPaymentID != nil {
		if err := s.listener.HandleAdvanceDeducted(ctx, *out.LinkedPaymentID); err != nil {
			s.logger.Error("refresh obligation after deduction", slog.Any("error", err))
		}
	}
	return out, nil
}

// Create inserts a pending advance linked to paymentID.
func Create(ctx context.Context, tx TxRepository, brokerID uuid.UUID, amount decimal.Decimal, paymentID uuid.UUID, reason string, now time.Time) (Advance, error) {
	if brokerID == uuid.Nil {
		return Advance{}, ErrBrokerRequired
	}
	amount = money.Round(amount)
	if !money.Positive(amount) {
		return Advance{}, ErrInvalidAmount
	}
	a := Advance{
		ID:              uuid.New(),
		BrokerID:        brokerID,
		Amount:          amount,
		Status:          StatusPending,
		LinkedPaymentID: &paymentID,
		Reason:          reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertAdvance(ctx, a); err != nil {
		return Advance{}, err
	}
	return a, nil
}

// Cancel permanently cancels a pending advance. Deducted advances cannot be cancelled.
func Cancel(ctx context.Context, tx TxRepository, advanceID uuid.UUID, now time.Time) (Advance, error) {
	a, err := tx.LockAdvance(ctx, advanceID)
	if err != nil {
		return Advance{}, err
	}
	switch a.Status {
	case StatusCancelled:
		return a, nil
	case StatusPending:
	default:
		return Advance{}, fmt.Errorf("%w (status %s)", ErrDeducted, a.Status)
	}
	a.Status = StatusCancelled
	a.UpdatedAt = now
	if err := tx.UpdateAdvance(ctx, a); err != nil {
		return Advance{}, err
	}
	return a, nil
}

// Detach unlinks the advance of a deleted obligation. A pending advance is
// cancelled; a deducted one becomes an orphan that can later be recovered.
func Detach(ctx context.Context, tx TxRepository, paymentID uuid.UUID, now time.Time) (Advance, bool, error) {
	a, ok, err := tx.AdvanceForPayment(ctx, paymentID)
	if err != nil || !ok {
		return Advance{}, false, err
	}
	if a.Status == StatusPending {
		a.Status = StatusCancelled
	} else {
		a.Status = StatusOrphaned
		a.LinkedPaymentID = nil
	}
	a.UpdatedAt = now
	if err := tx.UpdateAdvance(ctx, a); err != nil {
		return Advance{}, false, err
	}
	return a, true, nil
}

// Recover re-links an orphan inside the caller's transaction. The payment must
// belong to the broker the advance was deducted from.
func Recover(ctx context.Context, tx TxRepository, advanceID, paymentID, brokerID uuid.UUID) (Advance, error) {
	if paymentID == uuid.Nil {
		return Advance{}, ErrPaymentRequired
	}
	if brokerID == uuid.Nil {
		return Advance{}, ErrBrokerRequired
	}
	a, err := tx.LockAdvance(ctx, advanceID)
	if err != nil {
		return Advance{}, err
	}
	if !a.Orphan() {
		return Advance{}, ErrAlreadyLinked
	}
	if !a.BelongsTo(brokerID) {
		return Advance{}, ErrBrokerMismatch
	}
	ok, err := tx.LinkOrphan(ctx, advanceID, paymentID)
	if err != nil {
		return Advance{}, err
	}
	if !ok {
		return Advance{}, ErrAlreadyLinked
	}
	a.Status = StatusRecovered
	a.LinkedPaymentID = &paymentID
	return a, nil
}

// ForPayment returns the live advance funding paymentID, if any.
func ForPayment(ctx context.Context, tx TxRepository, paymentID uuid.UUID) (Advance, bool, error) {
	return tx.AdvanceForPayment(ctx, paymentID)
}
