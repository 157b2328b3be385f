package obligations

import (
	"time"

	"github.com/brokerdesk/bankrecon/internal/money"
)

// State is the derived label of an obligation. It is recomputed on every read
// and never stored.
type State string

const (
	StateOtherBank State = "other_bank"
	StateBlocked   State = "blocked"
	StateDeferred  State = "deferred"
	StateConciled  State = "conciled"
	StateOverdue   State = "overdue"
	StateAged      State = "aged"
	StatePending   State = "pending"
	// StatePaid labels obligations that already reached their terminal state.
	StatePaid State = "paid"
)

// Thresholds configure the aging labels.
type Thresholds struct {
	AgedAfter    time.Duration
	OverdueAfter time.Duration
}

// DefaultThresholds are 15 and 30 days.
var DefaultThresholds = Thresholds{
	AgedAfter:    15 * 24 * time.Hour,
	OverdueAfter: 30 * 24 * time.Hour,
}

// DeriveState labels an obligation. First match wins.
func DeriveState(o Obligation, now time.Time, th Thresholds) State {
	if o.Paid() {
		return StatePaid
	}
	if o.OtherBank {
		return StateOtherBank
	}
	if !o.AllReferencesInBank() || !o.CanBePaid {
		return StateBlocked
	}
	if o.DeferUntil != nil && o.DeferUntil.After(now) {
		return StateDeferred
	}
	if money.Covers(o.Funded(), o.AmountToPay) {
		return StateConciled
	}
	age := now.Sub(o.CreatedAt)
	switch {
	case age > th.OverdueAfter:
		return StateOverdue
	case age >= th.AgedAfter:
		return StateAged
	default:
		return StatePending
	}
}

// Payable reports whether the state allows marking the obligation paid.
func (s State) Payable() bool {
	return s == StateConciled
}
