// Package allocation decides how much of each candidate reference an obligation
// consumes to reach its target amount.
package allocation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Candidate is a reference offered to fund an obligation. FaceAmount is the most
// the obligation may take from it.
type Candidate struct {
	ReferenceNumber string          `json:"reference_number" validate:"required"`
	FaceAmount      decimal.Decimal `json:"face_amount"`
}

// Allocation is the amount an obligation takes from one reference.
type Allocation struct {
	ReferenceNumber string          `json:"reference_number"`
	FaceAmount      decimal.Decimal `json:"face_amount"`
	AmountToUse     decimal.Decimal `json:"amount_to_use"`
	// Excess is what stays on the reference for other obligations.
	Excess decimal.Decimal `json:"excess"`
}

// Result is the outcome of Allocate.
type Result struct {
	Target      decimal.Decimal `json:"target"`
	Allocations []Allocation    `json:"allocations"`
	Total       decimal.Decimal `json:"total"`
	Shortfall   decimal.Decimal `json:"shortfall"`
	Short       bool            `json:"short"`
	// Unused lists candidates that were not needed to reach the target.
	Unused []Candidate `json:"unused,omitempty"`
}

// ShortAllocationError describes funding that falls below the target. It is a
// warning: the obligation is persisted but cannot be paid until more funding arrives.
type ShortAllocationError struct {
	Target    decimal.Decimal
	Allocated decimal.Decimal
}

func (e *ShortAllocationError) Error() string {
	return fmt.Sprintf("allocation: %s of %s funded", e.Allocated.StringFixed(2), e.Target.StringFixed(2))
}

func (e *ShortAllocationError) Unwrap() error { return shared.ErrShortAllocation }

// Detail exposes the shortfall.
func (e *ShortAllocationError) Detail() map[string]any {
	return map[string]any{
		"target":    e.Target.StringFixed(2),
		"allocated": e.Allocated.StringFixed(2),
		"shortfall": e.Target.Sub(e.Allocated).StringFixed(2),
	}
}

// Warning returns a ShortAllocationError when the result is short, nil otherwise.
func (r Result) Warning() error {
	if !r.Short {
		return nil
	}
	return &ShortAllocationError{Target: r.Target, Allocated: r.Total}
}

// Orderer picks the order in which candidates are consumed. It returns a
// permutation of [0, n).
type Orderer interface {
	Order(n int) []int
}

// Engine is the Allocation Engine.
type Engine struct {
	orderer Orderer
}

// NewEngine constructs an engine. A nil orderer consumes candidates in input order.
func NewEngine(orderer Orderer) *Engine {
	if orderer == nil {
		orderer = InputOrder{}
	}
	return &Engine{orderer: orderer}
}

// Allocate consumes candidates in the orderer's sequence. A candidate whose face
// amount fits the remaining need is used fully; the first one that does not is
// used for exactly the remaining need. Running out of candidates is not an error:
// the result is marked Short.
func (e *Engine) Allocate(target decimal.Decimal, candidates []Candidate) (Result, error) {
	target = money.Round(target)
	if !money.Positive(target) {
		return Result{}, fmt.Errorf("allocation: target must be positive: %w", shared.ErrValidation)
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		ref := strings.TrimSpace(c.ReferenceNumber)
		if ref == "" {
			return Result{}, fmt.Errorf("allocation: reference number required: %w", shared.ErrValidation)
		}
		if _, dup := seen[ref]; dup {
			return Result{}, fmt.Errorf("allocation: reference %s listed twice: %w", ref, shared.ErrValidation)
		}
		seen[ref] = struct{}{}
		if !money.Positive(c.FaceAmount) {
			return Result{}, fmt.Errorf("allocation: reference %s needs a positive amount: %w", ref, shared.ErrValidation)
		}
	}

	order := e.orderer.Order(len(candidates))
	if len(order) != len(candidates) {
		return Result{}, fmt.Errorf("allocation: orderer returned %d positions for %d candidates", len(order), len(candidates))
	}
	used := make([]decimal.Decimal, len(candidates))
	need := target
	for _, idx := range order {
		if !money.Positive(need) {
			break
		}
		face := money.Round(candidates[idx].FaceAmount)
		take := money.Min(face, need)
		used[idx] = take
		need = need.Sub(take)
	}

	res := Result{Target: target, Total: decimal.Zero}
	for i, c := range candidates {
		if !used[i].IsPositive() {
			res.Unused = append(res.Unused, c)
			continue
		}
		face := money.Round(c.FaceAmount)
		res.Allocations = append(res.Allocations, Allocation{
			ReferenceNumber: strings.TrimSpace(c.ReferenceNumber),
			FaceAmount:      face,
			AmountToUse:     used[i],
			Excess:          face.Sub(used[i]),
		})
		res.Total = res.Total.Add(used[i])
	}
	res.Shortfall = money.Max(target.Sub(res.Total), decimal.Zero)
	res.Short = !money.Equal(res.Total, target) && res.Total.LessThan(target)
	return res, nil
}
