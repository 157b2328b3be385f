// Package cutoffs batches ledger transfers by commission period. A cutoff is the
// date range a statement covers; groups collect transfers for one commission
// report and move in_progress -> reconciled -> paid.
package cutoffs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/brokerdesk/bankrecon/internal/shared"
)

// CutoffStatus tracks whether a cutoff still accepts changes.
type CutoffStatus string

const (
	CutoffOpen   CutoffStatus = "open"
	CutoffClosed CutoffStatus = "closed"
)

// Cutoff is a closed date range over which a statement batch was imported.
type Cutoff struct {
	ID        uuid.UUID
	Label     string
	StartDate time.Time
	EndDate   time.Time
	Notes     string
	Status    CutoffStatus
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Contains reports whether d falls inside the cutoff, both ends inclusive.
func (c Cutoff) Contains(d time.Time) bool {
	d = dateOnly(d)
	return !d.Before(c.StartDate) && !d.After(c.EndDate)
}

// Template is the classification rule of a group.
type Template string

const (
	TemplateNormal      Template = "NORMAL"
	TemplateAssaCodigos Template = "ASSA_CODIGOS"
	TemplateAssaPJ750   Template = "ASSA_PJ750"
	TemplateAssaPJ750_1 Template = "ASSA_PJ750_1"
	TemplateAssaPJ750_6 Template = "ASSA_PJ750_6"
	TemplateAssaPJ750_9 Template = "ASSA_PJ750_9"
)

// Valid reports whether t is a known template.
func (t Template) Valid() bool {
	switch t {
	case TemplateNormal, TemplateAssaCodigos, TemplateAssaPJ750, TemplateAssaPJ750_1, TemplateAssaPJ750_6, TemplateAssaPJ750_9:
		return true
	}
	return false
}

// RequiresLifeFlag reports whether groups of this template must say whether they
// carry life insurance.
func (t Template) RequiresLifeFlag() bool {
	return strings.HasPrefix(string(t), "ASSA_")
}

// GroupStatus is the lifecycle of a settlement group.
type GroupStatus string

const (
	GroupInProgress GroupStatus = "in_progress"
	GroupReconciled GroupStatus = "reconciled"
	GroupPaid       GroupStatus = "paid"
)

// Group is a named batch of transfers settled with one commission report.
type Group struct {
	ID              uuid.UUID
	Name            string
	Template        Template
	InsurerID       uuid.UUID
	IsLife          *bool
	CutoffID        *uuid.UUID
	Status          GroupStatus
	FortnightPaidID *uuid.UUID
	Total           decimal.Decimal
	TransferIDs     []uuid.UUID
	CreatedAt       time.Time
	PaidAt          *time.Time
}

// Paid reports whether the group is frozen.
func (g Group) Paid() bool { return g.Status == GroupPaid }

// CutoffInput creates a cutoff. An empty label is derived from the dates.
type CutoffInput struct {
	Label     string    `json:"label" validate:"max=120"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date" validate:"required"`
	Notes     string    `json:"notes" validate:"max=1000"`
}

// GroupInput creates a group.
type GroupInput struct {
	Name      string     `json:"name" validate:"required,max=200"`
	Template  Template   `json:"template" validate:"required"`
	InsurerID uuid.UUID  `json:"insurer_id" validate:"required"`
	IsLife    *bool      `json:"is_life_insurance"`
	CutoffID  *uuid.UUID `json:"cutoff_id"`
}

// GroupFilter narrows group listings.
type GroupFilter struct {
	Status      GroupStatus
	InsurerID   *uuid.UUID
	FortnightID *uuid.UUID
	CutoffID    *uuid.UUID
}

// Suggestion proposes the dates of the next cutoff.
type Suggestion struct {
	LastEndDate time.Time `json:"last_end_date"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Label       string    `json:"label"`
}

var (
	ErrCutoffNotFound = fmt.Errorf("cutoffs: cutoff %w", shared.ErrNotFound)
	ErrGroupNotFound  = fmt.Errorf("cutoffs: group %w", shared.ErrNotFound)
	ErrNotGrouped     = fmt.Errorf("cutoffs: transfer is not in a group: %w", shared.ErrNotFound)
	ErrDuplicateLabel = fmt.Errorf("cutoffs: label already used: %w", shared.ErrConflict)
	ErrOverlap        = fmt.Errorf("cutoffs: dates overlap an existing cutoff: %w", shared.ErrConflict)
	ErrInvalidRange   = fmt.Errorf("cutoffs: start date must not be after end date: %w", shared.ErrValidation)
	ErrCutoffClosed   = fmt.Errorf("cutoffs: cutoff closed: %w", shared.ErrImmutable)
	ErrGroupPaid      = fmt.Errorf("cutoffs: group paid: %w", shared.ErrImmutable)
	ErrTransferPaid   = fmt.Errorf("cutoffs: transfer already paid: %w", shared.ErrImmutable)
	// ErrTransferGrouped is returned when the transfer already belongs to another group.
	ErrTransferGrouped = fmt.Errorf("cutoffs: transfer already in another group: %w", shared.ErrConflict)
	ErrNotReconciled   = fmt.Errorf("cutoffs: group must be reconciled first: %w", shared.ErrConflict)
	ErrEmptyGroup      = fmt.Errorf("cutoffs: group has no transfers: %w", shared.ErrValidation)
	ErrNotIncluded     = fmt.Errorf("cutoffs: transfer was not included from another cutoff: %w", shared.ErrConflict)
	ErrAlreadyIncluded = fmt.Errorf("cutoffs: transfer already included: %w", shared.ErrConflict)
	ErrOutsideCutoff   = fmt.Errorf("cutoffs: transfer does not belong to the group's cutoff: %w", shared.ErrValidation)
)

var upper = cases.Upper(language.English)

var halves = [...]string{"FIRST HALF OF", "SECOND HALF OF"}

// DefaultLabel names a cutoff after its dates, e.g. "FIRST HALF OF JANUARY 2025"
// for the 1st to 15th and "SECOND HALF OF ..." for the 16th to month end.
func DefaultLabel(start, end time.Time) string {
	start, end = dateOnly(start), dateOnly(end)
	if start.Year() == end.Year() && start.Month() == end.Month() {
		month := upper.String(start.Month().String())
		lastDay := time.Date(start.Year(), start.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
		switch {
		case start.Day() == 1 && end.Day() == 15:
			return fmt.Sprintf("%s %s %d", halves[0], month, start.Year())
		case start.Day() == 16 && end.Day() == lastDay:
			return fmt.Sprintf("%s %s %d", halves[1], month, start.Year())
		}
	}
	return fmt.Sprintf("%s TO %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
}

// NormalizeLabel collapses whitespace and upper-cases a label so uniqueness does
// not depend on how an operator typed it.
func NormalizeLabel(label string) string {
	return upper.String(strings.Join(strings.Fields(label), " "))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
