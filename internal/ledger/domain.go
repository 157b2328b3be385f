package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// TransferStatus is derived from the remaining balance against the face amount.
type TransferStatus string

const (
	StatusAvailable TransferStatus = "available"
	StatusPartial   TransferStatus = "partial"
	StatusExhausted TransferStatus = "exhausted"
)

// SettlementStatus tracks a transfer through commission batching.
type SettlementStatus string

const (
	SettlementUnclassified SettlementStatus = "unclassified"
	SettlementPending      SettlementStatus = "pending"
	SettlementReconciled   SettlementStatus = "reconciled"
	SettlementPaid         SettlementStatus = "paid"
)

// TransferType classifies a transfer for commission reporting.
type TransferType string

const (
	TypeReport  TransferType = "report"
	TypeBonus   TransferType = "bonus"
	TypeOther   TransferType = "other"
	TypePending TransferType = "pending"
)

// BankTransfer is one imported bank statement line.
type BankTransfer struct {
	ID              uuid.UUID
	ReferenceNumber string
	Date            time.Time
	Description     string
	TransactionCode string
	Amount          decimal.Decimal
	UsedAmount      decimal.Decimal
	CutoffID        *uuid.UUID
	Settlement      Settlement
	ImportedAt      time.Time
}

// Settlement holds the commission batching attributes stamped on a transfer.
type Settlement struct {
	Status           SettlementStatus
	Type             TransferType
	InsurerID        *uuid.UUID
	Included         bool
	IncludedCutoffID *uuid.UUID
	OriginalCutoffID *uuid.UUID
}

// Remaining returns amount - used_amount.
func (t BankTransfer) Remaining() decimal.Decimal {
	return t.Amount.Sub(t.UsedAmount)
}

// Status derives the availability of the transfer.
func (t BankTransfer) Status() TransferStatus {
	return DeriveStatus(t.Amount, t.UsedAmount)
}

// DeriveStatus classifies a balance.
func DeriveStatus(amount, used decimal.Decimal) TransferStatus {
	remaining := amount.Sub(used)
	switch {
	case !money.Positive(remaining):
		return StatusExhausted
	case remaining.LessThan(amount):
		return StatusPartial
	default:
		return StatusAvailable
	}
}

// StatementRow is a normalized row produced by the statement import collaborator.
type StatementRow struct {
	ReferenceNumber string          `json:"reference_number" validate:"required,max=64"`
	Date            time.Time       `json:"date" validate:"required"`
	Description     string          `json:"description" validate:"max=512"`
	TransactionCode string          `json:"transaction_code,omitempty" validate:"max=32"`
	Amount          decimal.Decimal `json:"amount"`
}

// Validate checks the invariants a row must satisfy before insertion.
func (r StatementRow) Validate() error {
	if strings.TrimSpace(r.ReferenceNumber) == "" {
		return fmt.Errorf("ledger: reference number required: %w", shared.ErrValidation)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("ledger: date required for %s: %w", r.ReferenceNumber, shared.ErrValidation)
	}
	if !money.Positive(r.Amount) {
		return fmt.Errorf("ledger: amount must be positive for %s: %w", r.ReferenceNumber, shared.ErrValidation)
	}
	return nil
}

// ImportResult summarises an importBatch call.
type ImportResult struct {
	Imported int            `json:"imported"`
	Skipped  int            `json:"skipped"`
	Records  []BankTransfer `json:"-"`
}

// ListFilter narrows transfer listings.
type ListFilter struct {
	CutoffID *uuid.UUID
	Status   TransferStatus
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// ErrTransferNotFound indicates the reference is unknown to the ledger.
var ErrTransferNotFound = fmt.Errorf("ledger: transfer %w", shared.ErrNotFound)

// ErrInsufficientBalance is returned when a commit would make remaining_amount negative.
var ErrInsufficientBalance = fmt.Errorf("ledger: %w", shared.ErrInsufficientBalance)

// ErrInvalidAmount indicates a non-positive commit or release amount.
var ErrInvalidAmount = fmt.Errorf("ledger: amount must be positive: %w", shared.ErrValidation)

// ErrReleaseExceedsUsed indicates a release larger than what was committed.
var ErrReleaseExceedsUsed = fmt.Errorf("ledger: release exceeds used amount: %w", shared.ErrValidation)

// BalanceError carries the amounts involved in a rejected commit.
type BalanceError struct {
	Reference string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("ledger: reference %s has %s remaining, %s requested", e.Reference, e.Remaining.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *BalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Detail exposes the amounts to transports.
func (e *BalanceError) Detail() map[string]any {
	return map[string]any{
		"reference_number": e.Reference,
		"requested":        e.Requested.StringFixed(2),
		"remaining_amount": e.Remaining.StringFixed(2),
	}
}

// IsInsufficientBalance reports whether err is a balance rejection.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

// ErrDuplicateReference indicates the reference number is already in the ledger.
var ErrDuplicateReference = fmt.Errorf("ledger: duplicate reference: %w", shared.ErrConflict)

// ErrSettledTransferOnly guards deletion of real statement transfers.
var ErrSettledTransferOnly = fmt.Errorf("ledger: only settled transfers can be removed: %w", shared.ErrImmutable)
