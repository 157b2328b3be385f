package obligations

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// ReferenceInput is one reference offered to fund an obligation. Amount and Date
// are only read for references the ledger does not know yet. Requested caps what
// this obligation claims; when empty the whole unreserved balance is offered.
type ReferenceInput struct {
	ReferenceNumber string           `json:"reference_number" validate:"required,max=64"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Date            *time.Time       `json:"date,omitempty"`
	Requested       *decimal.Decimal `json:"requested,omitempty"`
}

// DivisionInput splits one funding across several sub-obligations.
type DivisionInput struct {
	ClientName string          `json:"client_name,omitempty" validate:"max=200"`
	Purpose    Purpose         `json:"purpose"`
	Amount     decimal.Decimal `json:"amount"`
}

// FundingInput carries the funding choice shared by create and update.
type FundingInput struct {
	Funding          FundingKind      `json:"funding" validate:"required,oneof=bank_only deduction_only hybrid"`
	BrokerID         *uuid.UUID       `json:"broker_id,omitempty"`
	AmountToPay      decimal.Decimal  `json:"amount_to_pay"`
	AdvanceAmount    decimal.Decimal  `json:"advance_amount"`
	RecoverAdvanceID *uuid.UUID       `json:"recover_advance_id,omitempty"`
	References       []ReferenceInput `json:"references" validate:"dive"`
	OtherBank        bool             `json:"other_bank"`
}

// CreateInput registers a new obligation.
type CreateInput struct {
	FundingInput
	ClientName string          `json:"client_name" validate:"required,max=200"`
	Purpose    Purpose         `json:"purpose"`
	Divisions  []DivisionInput `json:"divisions,omitempty" validate:"dive"`
	DeferUntil *time.Time      `json:"defer_until,omitempty"`
	Actor      string          `json:"-"`
}

// UpdateInput edits an existing obligation. ConfirmFundingSwitch must be set when
// moving from deduction funding to bank funding.
type UpdateInput struct {
	FundingInput
	ID                   uuid.UUID  `json:"-"`
	ClientName           string     `json:"client_name" validate:"required,max=200"`
	Purpose              Purpose    `json:"purpose"`
	DeferUntil           *time.Time `json:"defer_until,omitempty"`
	ConfirmFundingSwitch bool       `json:"confirm_funding_switch"`
	Actor                string     `json:"-"`
}

// Result is returned by create and edit operations. Warning carries a
// ShortAllocationError when bank funding falls below target; it never fails the call.
type Result struct {
	Obligations []Obligation
	Allocation  allocation.Result
	Warning     error
}

// PaymentOutcome reports one obligation of a batch mark-paid call.
type PaymentOutcome struct {
	ID         uuid.UUID
	Obligation *Obligation
	Err        error
}

func (in FundingInput) validate() error {
	if !money.Positive(in.AmountToPay) {
		return fmt.Errorf("obligations: amount to pay must be positive: %w", shared.ErrValidation)
	}
	if in.AdvanceAmount.IsNegative() {
		return fmt.Errorf("obligations: advance amount must not be negative: %w", shared.ErrValidation)
	}
	switch in.Funding {
	case FundingBankOnly:
		if !in.AdvanceAmount.IsZero() || in.RecoverAdvanceID != nil {
			return fmt.Errorf("obligations: bank funding takes no advance: %w", shared.ErrValidation)
		}
		if in.OtherBank && len(in.References) > 0 {
			return fmt.Errorf("obligations: other-bank deposits use a placeholder reference: %w", shared.ErrValidation)
		}
		if !in.OtherBank && len(in.References) == 0 {
			return fmt.Errorf("obligations: bank funding needs at least one reference: %w", shared.ErrValidation)
		}
	case FundingDeductionOnly:
		if len(in.References) > 0 || in.OtherBank {
			return fmt.Errorf("obligations: deduction funding takes no references: %w", shared.ErrValidation)
		}
		if !in.AdvanceAmount.IsZero() && !money.Equal(in.AdvanceAmount, in.AmountToPay) {
			return fmt.Errorf("obligations: deduction must cover the full amount: %w", shared.ErrValidation)
		}
	case FundingHybrid:
		if in.OtherBank {
			return fmt.Errorf("obligations: hybrid funding cannot use a placeholder: %w", shared.ErrValidation)
		}
		if len(in.References) == 0 {
			return fmt.Errorf("obligations: hybrid funding needs at least one reference: %w", shared.ErrValidation)
		}
		if in.RecoverAdvanceID == nil && (!money.Positive(in.AdvanceAmount) || !in.AdvanceAmount.LessThan(in.AmountToPay)) {
			return fmt.Errorf("obligations: hybrid advance must be between zero and the amount to pay: %w", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("obligations: unknown funding %q: %w", in.Funding, shared.ErrValidation)
	}
	if in.Funding.UsesAdvance() && in.RecoverAdvanceID == nil && in.BrokerID == nil {
		return fmt.Errorf("obligations: deduction funding needs a broker: %w", shared.ErrValidation)
	}
	return nil
}

// advanceTarget is the deduction portion requested by the input.
func (in FundingInput) advanceTarget() decimal.Decimal {
	switch in.Funding {
	case FundingDeductionOnly:
		return money.Round(in.AmountToPay)
	case FundingHybrid:
		return money.Round(in.AdvanceAmount)
	default:
		return decimal.Zero
	}
}

func (in CreateInput) validate() error {
	if err := in.FundingInput.validate(); err != nil {
		return err
	}
	if err := in.Purpose.Validate(); err != nil {
		return err
	}
	if in.Purpose.Kind == PurposeRefund && in.Purpose.RefundTarget == RefundToBroker && in.BrokerID == nil {
		return fmt.Errorf("obligations: refund to broker needs a broker: %w", shared.ErrValidation)
	}
	if len(in.Divisions) == 0 {
		return nil
	}
	if in.Funding != FundingBankOnly || in.OtherBank {
		return fmt.Errorf("obligations: divisions need plain bank funding: %w", shared.ErrValidation)
	}
	if len(in.Divisions) < 2 {
		return fmt.Errorf("obligations: a division needs at least two parts: %w", shared.ErrValidation)
	}
	total := decimal.Zero
	for i, d := range in.Divisions {
		if !money.Positive(d.Amount) {
			return fmt.Errorf("obligations: division %d amount must be positive: %w", i+1, shared.ErrValidation)
		}
		if d.Purpose.Kind != "" {
			if err := d.Purpose.Validate(); err != nil {
				return fmt.Errorf("division %d: %w", i+1, err)
			}
		}
		total = total.Add(d.Amount)
	}
	if !money.Equal(total, in.AmountToPay) {
		return fmt.Errorf("%w (divisions %s, amount to pay %s)", ErrDivisionSum, total.StringFixed(2), in.AmountToPay.StringFixed(2))
	}
	return nil
}

func (in UpdateInput) validate() error {
	if in.ID == uuid.Nil {
		return fmt.Errorf("obligations: id required: %w", shared.ErrValidation)
	}
	if err := in.FundingInput.validate(); err != nil {
		return err
	}
	return in.Purpose.Validate()
}
