// Package obligations manages pending payments: their funding by bank references
// and commission advances, the derived display state, and marking them paid.
package obligations

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// FundingKind says where the money for an obligation comes from.
type FundingKind string

const (
	FundingBankOnly      FundingKind = "bank_only"
	FundingDeductionOnly FundingKind = "deduction_only"
	FundingHybrid        FundingKind = "hybrid"
)

// UsesAdvance reports whether the funding kind includes a commission deduction.
func (k FundingKind) UsesAdvance() bool {
	return k == FundingDeductionOnly || k == FundingHybrid
}

// PurposeKind tags the Purpose variant.
type PurposeKind string

const (
	PurposePolicy PurposeKind = "policy"
	PurposeRefund PurposeKind = "refund"
	PurposeOther  PurposeKind = "other"
)

// RefundTarget identifies who receives a refund.
type RefundTarget string

const (
	RefundToClient RefundTarget = "client"
	RefundToBroker RefundTarget = "broker"
)

// Purpose is a tagged variant: Policy{number, insurer}, Refund{target} or Other{description}.
// Only the fields of the active kind may be set.
type Purpose struct {
	Kind         PurposeKind  `json:"kind"`
	PolicyNumber string       `json:"policy_number,omitempty"`
	InsurerID    *uuid.UUID   `json:"insurer_id,omitempty"`
	RefundTarget RefundTarget `json:"refund_target,omitempty"`
	Description  string       `json:"description,omitempty"`
}

// PolicyPurpose builds a policy purpose.
func PolicyPurpose(number string, insurer uuid.UUID) Purpose {
	return Purpose{Kind: PurposePolicy, PolicyNumber: number, InsurerID: &insurer}
}

// RefundPurpose builds a refund purpose.
func RefundPurpose(target RefundTarget) Purpose {
	return Purpose{Kind: PurposeRefund, RefundTarget: target}
}

// OtherPurpose builds a free-form purpose.
func OtherPurpose(description string) Purpose {
	return Purpose{Kind: PurposeOther, Description: description}
}

// Validate checks that exactly the active variant's fields are populated.
func (p Purpose) Validate() error {
	switch p.Kind {
	case PurposePolicy:
		if strings.TrimSpace(p.PolicyNumber) == "" || p.InsurerID == nil {
			return fmt.Errorf("obligations: policy purpose needs number and insurer: %w", shared.ErrValidation)
		}
		if p.RefundTarget != "" || p.Description != "" {
			return fmt.Errorf("obligations: policy purpose carries foreign fields: %w", shared.ErrValidation)
		}
	case PurposeRefund:
		if p.RefundTarget != RefundToClient && p.RefundTarget != RefundToBroker {
			return fmt.Errorf("obligations: refund target must be client or broker: %w", shared.ErrValidation)
		}
		if p.PolicyNumber != "" || p.InsurerID != nil || p.Description != "" {
			return fmt.Errorf("obligations: refund purpose carries foreign fields: %w", shared.ErrValidation)
		}
	case PurposeOther:
		if strings.TrimSpace(p.Description) == "" {
			return fmt.Errorf("obligations: other purpose needs a description: %w", shared.ErrValidation)
		}
		if p.PolicyNumber != "" || p.InsurerID != nil || p.RefundTarget != "" {
			return fmt.Errorf("obligations: other purpose carries foreign fields: %w", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("obligations: unknown purpose %q: %w", p.Kind, shared.ErrValidation)
	}
	return nil
}

// PaymentReference links an obligation to a bank transfer.
type PaymentReference struct {
	ID              uuid.UUID
	ObligationID    uuid.UUID
	ReferenceNumber string
	Date            *time.Time
	// Amount is the transfer's face value, or the manual amount for unknown references.
	Amount       decimal.Decimal
	AmountToUse  decimal.Decimal
	ExistsInBank bool
}

// Obligation is a pending payment.
type Obligation struct {
	ID              uuid.UUID
	ClientName      string
	BrokerID        *uuid.UUID
	Purpose         Purpose
	Funding         FundingKind
	AmountToPay     decimal.Decimal
	AdvanceAmount   decimal.Decimal
	References      []PaymentReference
	Advance         *advances.Advance
	DivisionGroupID *uuid.UUID
	DivisionIndex   int
	DeferUntil      *time.Time
	OtherBank       bool
	CanBePaid       bool
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Paid reports whether the obligation reached its terminal paid state.
func (o Obligation) Paid() bool { return o.PaidAt != nil }

// BankFunded sums amount_to_use across references.
func (o Obligation) BankFunded() decimal.Decimal {
	total := decimal.Zero
	for _, r := range o.References {
		total = total.Add(r.AmountToUse)
	}
	return total
}

// Funded sums bank funding and the live advance.
func (o Obligation) Funded() decimal.Decimal {
	total := o.BankFunded()
	if o.Advance != nil && o.Advance.Status != advances.StatusCancelled {
		total = total.Add(o.Advance.Amount)
	}
	return total
}

// Short reports whether funding falls below amount_to_pay beyond tolerance.
func (o Obligation) Short() bool {
	return !money.Covers(o.Funded(), o.AmountToPay)
}

// AllReferencesInBank reports whether every reference resolved to a ledger entry.
func (o Obligation) AllReferencesInBank() bool {
	for _, r := range o.References {
		if !r.ExistsInBank {
			return false
		}
	}
	return true
}

// ComputeCanBePaid derives the server-side payment gate.
func ComputeCanBePaid(o Obligation) bool {
	if o.Paid() || o.OtherBank {
		return false
	}
	if !o.AllReferencesInBank() {
		return false
	}
	if o.Funding.UsesAdvance() && (o.Advance == nil || !o.Advance.Resolved()) {
		return false
	}
	return !o.Short()
}

// PaymentDetail records one transfer consumed when an obligation was paid.
type PaymentDetail struct {
	ID              uuid.UUID
	ObligationID    uuid.UUID
	TransferID      uuid.UUID
	ReferenceNumber string
	AmountUsed      decimal.Decimal
	PaidAt          time.Time
}

// PlaceholderPrefix marks synthetic references for out-of-band deposits.
const PlaceholderPrefix = "TMP-"

// DeductionPrefix marks the settled transfer documenting a commission deduction.
const DeductionPrefix = "DESC-"

// PlaceholderReference returns the synthetic reference of an other-bank obligation.
func PlaceholderReference(id uuid.UUID) string {
	return PlaceholderPrefix + strings.ToUpper(id.String()[:8])
}

// DeductionReference returns the settled transfer reference for a deduction payment.
func DeductionReference(id uuid.UUID) string {
	return DeductionPrefix + strings.ToUpper(id.String()[:8])
}

// ListFilter narrows obligation listings.
type ListFilter struct {
	IncludePaid bool
	// ReadyOnly hides obligations whose defer_until is still in the future.
	ReadyOnly bool
	BrokerID  *uuid.UUID
	Limit     int
	Offset    int
}

var (
	ErrObligationNotFound = fmt.Errorf("obligations: obligation %w", shared.ErrNotFound)
	ErrAlreadyPaid        = fmt.Errorf("obligations: obligation already paid: %w", shared.ErrImmutable)
	ErrNotPaid            = fmt.Errorf("obligations: obligation is not paid: %w", shared.ErrConflict)
	ErrDuplicatePayment   = fmt.Errorf("obligations: transfer already recorded for this payment: %w", shared.ErrConflict)
	// ErrConfirmationRequired guards the destructive deduction to bank switch.
	ErrConfirmationRequired = fmt.Errorf("obligations: switching away from deduction funding cancels the advance and needs confirmation: %w", shared.ErrValidation)
	ErrDivisionSum          = fmt.Errorf("obligations: divisions must add up to amount to pay: %w", shared.ErrValidation)
	ErrNotOtherBank         = fmt.Errorf("obligations: obligation has no placeholder reference: %w", shared.ErrConflict)
)

// NotPayableError explains why an obligation cannot be marked paid.
type NotPayableError struct {
	ID    uuid.UUID
	State State
}

func (e *NotPayableError) Error() string {
	return fmt.Sprintf("obligations: %s cannot be paid while %s", e.ID, e.State)
}

func (e *NotPayableError) Unwrap() error { return shared.ErrBlocked }

// Detail exposes the blocking state.
func (e *NotPayableError) Detail() map[string]any {
	return map[string]any{"obligation_id": e.ID.String(), "state": string(e.State)}
}
