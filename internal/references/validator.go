// Package references computes the effective availability of a bank transfer for
// obligations that want to claim it.
package references

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Status classifies the usability of a reference.
type Status string

const (
	StatusAvailable Status = "available"
	StatusPartial   Status = "partial"
	StatusBlocked   Status = "blocked"
	StatusExhausted Status = "exhausted"
	// StatusUnknown is reported when the ledger has no such reference.
	StatusUnknown Status = "unknown"
)

// Reservation is an unpaid obligation's claim on a transfer.
type Reservation struct {
	ObligationID uuid.UUID       `json:"obligation_id"`
	Client       string          `json:"client"`
	AmountToUse  decimal.Decimal `json:"amount"`
}

// Report is the outcome of Validate.
type Report struct {
	ReferenceNumber       string          `json:"reference_number"`
	Exists                bool            `json:"exists"`
	Amount                decimal.Decimal `json:"amount"`
	Status                Status          `json:"status"`
	RemainingAmount       decimal.Decimal `json:"remaining_amount"`
	PendingReservedAmount decimal.Decimal `json:"pending_reserved_amount"`
	AvailableAfterPending decimal.Decimal `json:"available_after_pending"`
	Blocked               bool            `json:"blocked"`
	BlockingObligations   []Reservation   `json:"blocking_obligations,omitempty"`
	Requested             decimal.Decimal `json:"requested"`
	// Covers reports whether the requested amount fits in AvailableAfterPending.
	Covers bool `json:"covers"`

	reservations []Reservation
}

// TransferReader looks transfers up by reference.
type TransferReader interface {
	GetByReference(ctx context.Context, reference string) (ledger.BankTransfer, error)
}

// ReservationReader lists unpaid, uncancelled claims on a reference, skipping the
// obligation identified by excluding.
type ReservationReader interface {
	ListReservations(ctx context.Context, reference string, excluding *uuid.UUID) ([]Reservation, error)
}

// ErrBlocked is returned when a request does not fit the unreserved balance.
var ErrBlocked = fmt.Errorf("references: %w", shared.ErrBlocked)

// BlockedError details a rejected claim.
type BlockedError struct {
	Reference string
	Requested decimal.Decimal
	Available decimal.Decimal
	Blocking  []Reservation
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("references: %s has %s available after pending reservations, %s requested",
		e.Reference, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Detail exposes the blocking obligations to operators.
func (e *BlockedError) Detail() map[string]any {
	blocking := make([]map[string]string, 0, len(e.Blocking))
	for _, b := range e.Blocking {
		blocking = append(blocking, map[string]string{
			"obligation_id": b.ObligationID.String(),
			"client":        b.Client,
			"amount":        b.AmountToUse.StringFixed(2),
		})
	}
	return map[string]any{
		"reference_number":        e.Reference,
		"requested":               e.Requested.StringFixed(2),
		"available_after_pending": e.Available.StringFixed(2),
		"blocking_obligations":    blocking,
	}
}

// Observer receives the status of every validation.
type Observer interface {
	ObserveValidation(status string)
}

// Validator is the read-only Reference Validator.
type Validator struct {
	transfers    TransferReader
	reservations ReservationReader
	logger       *slog.Logger
	observer     Observer
	group        singleflight.Group
}

// NewValidator constructs a Validator.
func NewValidator(transfers TransferReader, reservations ReservationReader, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{transfers: transfers, reservations: reservations, logger: logger}
}

// WithObserver attaches a metrics observer.
func (v *Validator) WithObserver(o Observer) *Validator {
	v.observer = o
	return v
}

type snapshot struct {
	transfer     ledger.BankTransfer
	exists       bool
	reservations []Reservation
}

// Validate reports whether requested can be claimed from reference. It never
// mutates state, so callers may cancel or retry it freely. Unknown references
// are reported with Exists=false rather than as an error.
func (v *Validator) Validate(ctx context.Context, reference string, requested decimal.Decimal, excluding *uuid.UUID) (Report, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Report{}, fmt.Errorf("references: reference number required: %w", shared.ErrValidation)
	}
	if requested.IsNegative() {
		return Report{}, fmt.Errorf("references: requested amount must not be negative: %w", shared.ErrValidation)
	}
	key := reference
	if excluding != nil {
		key += "|" + excluding.String()
	}
	ch := v.group.DoChan(key, func() (any, error) {
		return v.load(context.WithoutCancel(ctx), reference, excluding)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return Report{}, res.Err
	}
	snap := res.Val.(snapshot)
	if !snap.exists {
		v.observe(StatusUnknown)
		return Report{ReferenceNumber: reference, Status: StatusUnknown, Requested: requested}, nil
	}
	report := Classify(snap.transfer, snap.reservations, requested)
	v.observe(report.Status)
	if report.Blocked {
		v.logger.Info("reference blocked",
			slog.String("reference", reference),
			slog.String("available_after_pending", report.AvailableAfterPending.StringFixed(2)),
			slog.Int("blocking", len(report.BlockingObligations)))
	}
	return report, nil
}

func (v *Validator) load(ctx context.Context, reference string, excluding *uuid.UUID) (snapshot, error) {
	t, err := v.transfers.GetByReference(ctx, reference)
	if errors.Is(err, shared.ErrNotFound) {
		return snapshot{}, nil
	}
	if err != nil {
		return snapshot{}, fmt.Errorf("references: lookup %s: %w", reference, err)
	}
	reservations, err := v.reservations.ListReservations(ctx, reference, excluding)
	if err != nil {
		return snapshot{}, fmt.Errorf("references: reservations for %s: %w", reference, err)
	}
	return snapshot{transfer: t, exists: true, reservations: reservations}, nil
}

func (v *Validator) observe(s Status) {
	if v.observer != nil {
		v.observer.ObserveValidation(string(s))
	}
}

// Classify applies the status rules to a transfer and the reservations held by
// other obligations. First match wins: exhausted, blocked, partial, available.
func Classify(t ledger.BankTransfer, reservations []Reservation, requested decimal.Decimal) Report {
	remaining := t.Remaining()
	reserved := decimal.Zero
	for _, r := range reservations {
		reserved = reserved.Add(r.AmountToUse)
	}
	available := remaining.Sub(reserved)
	report := Report{
		ReferenceNumber:       t.ReferenceNumber,
		Exists:                true,
		Amount:                t.Amount,
		RemainingAmount:       remaining,
		PendingReservedAmount: reserved,
		AvailableAfterPending: available,
		Requested:             requested,
		reservations:          reservations,
	}
	switch {
	case !money.Positive(remaining):
		report.Status = StatusExhausted
	case !money.Positive(available):
		report.Status = StatusBlocked
		report.Blocked = true
		report.BlockingObligations = reservations
	case available.LessThan(t.Amount):
		report.Status = StatusPartial
	default:
		report.Status = StatusAvailable
	}
	report.Covers = money.Positive(available) && money.Covers(available, requested)
	return report
}

// Claim checks that requested fits the report and returns a BlockedError otherwise.
// Exhausted references are reported with ErrInsufficientBalance.
func (r Report) Claim() error {
	if !r.Exists {
		return nil
	}
	if r.Status == StatusExhausted {
		return &ledger.BalanceError{Reference: r.ReferenceNumber, Requested: r.Requested, Remaining: r.RemainingAmount}
	}
	if r.Covers {
		return nil
	}
	return &BlockedError{
		Reference: r.ReferenceNumber,
		Requested: r.Requested,
		Available: money.Max(r.AvailableAfterPending, decimal.Zero),
		Blocking:  r.reservations,
	}
}
