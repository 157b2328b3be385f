// Package advances tracks commission deductions that fund obligations in place of,
// or alongside, bank transfers.
package advances

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Status is the advance lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusOrphaned  Status = "orphaned"
	StatusRecovered Status = "recovered"
	StatusCancelled Status = "cancelled"
)

// Advance is a deduction from a broker's commissions.
type Advance struct {
	ID              uuid.UUID
	BrokerID        uuid.UUID
	Amount          decimal.Decimal
	Status          Status
	LinkedPaymentID *uuid.UUID
	Reason          string
	DeductedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Resolved reports whether the deduction has already been taken from commissions.
func (a Advance) Resolved() bool {
	return a.Status == StatusPaid || a.Status == StatusRecovered
}

// BelongsTo reports whether brokerID owns the advance.
func (a Advance) BelongsTo(brokerID uuid.UUID) bool {
	return brokerID != uuid.Nil && a.BrokerID == brokerID
}

// Orphan reports whether the advance lost its obligation after being deducted.
func (a Advance) Orphan() bool {
	return a.Status == StatusOrphaned && a.LinkedPaymentID == nil
}

var (
	ErrAdvanceNotFound = fmt.Errorf("advances: advance %w", shared.ErrNotFound)
	// ErrAlreadyLinked is returned when an orphan was recovered by someone else first.
	ErrAlreadyLinked = fmt.Errorf("advances: advance is no longer orphaned: %w", shared.ErrAlreadyLinked)
	// ErrCancelled is returned for any mutation on a cancelled advance.
	ErrCancelled = fmt.Errorf("advances: advance cancelled: %w", shared.ErrImmutable)
	// ErrDeducted is returned when cancelling an advance already taken from commissions.
	ErrDeducted        = fmt.Errorf("advances: advance already deducted: %w", shared.ErrImmutable)
	ErrInvalidAmount   = fmt.Errorf("advances: amount must be positive: %w", shared.ErrValidation)
	ErrBrokerRequired  = fmt.Errorf("advances: broker required: %w", shared.ErrValidation)
	ErrPaymentRequired = fmt.Errorf("advances: payment required: %w", shared.ErrValidation)
	// ErrBrokerMismatch is returned when an orphan would fund another broker's obligation.
	ErrBrokerMismatch = fmt.Errorf("advances: advance belongs to another broker: %w", shared.ErrValidation)
)

// StatusError reports an invalid lifecycle transition.
type StatusError struct {
	ID   uuid.UUID
	From Status
	To   Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("advances: advance %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *StatusError) Unwrap() error { return shared.ErrConflict }
