package obligations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/advances/advancestest"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/ledger/ledgertest"
	"github.com/brokerdesk/bankrecon/internal/references"
)

// memoryRepo nests the ledger and advances fakes so one WithTx spans all three,
// rolling every store back when fn fails.
type memoryRepo struct {
	mu          sync.Mutex
	ledger      *ledgertest.Store
	advances    *advancestest.Store
	obligations map[uuid.UUID]Obligation
	details     map[uuid.UUID][]PaymentDetail
}

var (
	_ Repository   = (*memoryRepo)(nil)
	_ TxRepository = (*memoryTx)(nil)
)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		ledger:      ledgertest.New(),
		advances:    advancestest.New(),
		obligations: make(map[uuid.UUID]Obligation),
		details:     make(map[uuid.UUID][]PaymentDetail),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.WithTx(ctx, func(ctx context.Context, ltx ledger.TxRepository) error {
		return r.advances.WithTx(ctx, func(ctx context.Context, atx advances.TxRepository) error {
			obligations := make(map[uuid.UUID]Obligation, len(r.obligations))
			for k, v := range r.obligations {
				obligations[k] = clone(v)
			}
			details := make(map[uuid.UUID][]PaymentDetail, len(r.details))
			for k, v := range r.details {
				details[k] = append([]PaymentDetail(nil), v...)
			}
			if err := fn(ctx, &memoryTx{ledgerTx: ltx, advancesTx: atx, r: r}); err != nil {
				r.obligations = obligations
				r.details = details
				return err
			}
			return nil
		})
	})
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obligations[id]
	if !ok {
		return Obligation{}, ErrObligationNotFound
	}
	return r.withAdvance(clone(o)), nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter, now time.Time) ([]Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Obligation
	for _, o := range r.obligations {
		if !filter.IncludePaid && o.Paid() {
			continue
		}
		if filter.ReadyOnly && o.DeferUntil != nil && o.DeferUntil.After(now) {
			continue
		}
		if filter.BrokerID != nil && (o.BrokerID == nil || *o.BrokerID != *filter.BrokerID) {
			continue
		}
		out = append(out, r.withAdvance(clone(o)))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DivisionIndex < out[j].DivisionIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryRepo) ListReservations(_ context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reservations(r.obligations, reference, excluding), nil
}

func (r *memoryRepo) withAdvance(o Obligation) Obligation {
	for _, a := range r.advances.All() {
		if a.LinkedPaymentID != nil && *a.LinkedPaymentID == o.ID && a.Status != advances.StatusCancelled {
			o.Advance = &a
		}
	}
	return o
}

func (r *memoryRepo) obligation(id uuid.UUID) Obligation {
	o, err := r.Get(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return o
}

type memoryTx struct {
	ledgerTx
	advancesTx
	r *memoryRepo
}

func (t *memoryTx) InsertObligation(_ context.Context, o Obligation) error {
	o.Advance = nil
	t.r.obligations[o.ID] = clone(o)
	return nil
}

func (t *memoryTx) LockObligation(ctx context.Context, id uuid.UUID) (Obligation, error) {
	o, ok := t.r.obligations[id]
	if !ok {
		return Obligation{}, ErrObligationNotFound
	}
	o = clone(o)
	if a, found, err := t.AdvanceForPayment(ctx, id); err != nil {
		return Obligation{}, err
	} else if found {
		o.Advance = &a
	}
	return o, nil
}

func (t *memoryTx) UpdateObligation(_ context.Context, o Obligation) error {
	stored, ok := t.r.obligations[o.ID]
	if !ok {
		return ErrObligationNotFound
	}
	o.References = stored.References
	o.Advance = nil
	o.DivisionGroupID = stored.DivisionGroupID
	o.DivisionIndex = stored.DivisionIndex
	o.CreatedAt = stored.CreatedAt
	t.r.obligations[o.ID] = o
	return nil
}

func (t *memoryTx) DeleteObligation(_ context.Context, id uuid.UUID) error {
	if _, ok := t.r.obligations[id]; !ok {
		return ErrObligationNotFound
	}
	delete(t.r.obligations, id)
	delete(t.r.details, id)
	return nil
}

func (t *memoryTx) ReplaceReferences(_ context.Context, obligationID uuid.UUID, refs []PaymentReference) error {
	o, ok := t.r.obligations[obligationID]
	if !ok {
		return ErrObligationNotFound
	}
	o.References = append([]PaymentReference(nil), refs...)
	t.r.obligations[obligationID] = o
	return nil
}

func (t *memoryTx) ListReservations(_ context.Context, reference string, excluding *uuid.UUID) ([]references.Reservation, error) {
	return reservations(t.r.obligations, reference, excluding), nil
}

func (t *memoryTx) MarkReferencesInBank(_ context.Context, refs []string) ([]uuid.UUID, error) {
	wanted := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		wanted[ref] = struct{}{}
	}
	var out []uuid.UUID
	for id, o := range t.r.obligations {
		if o.Paid() {
			continue
		}
		o = clone(o)
		touched := false
		for i, ref := range o.References {
			if _, ok := wanted[ref.ReferenceNumber]; ok && !ref.ExistsInBank {
				o.References[i].ExistsInBank = true
				touched = true
			}
		}
		if touched {
			t.r.obligations[id] = o
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertPaymentDetail(_ context.Context, d PaymentDetail) error {
	for _, existing := range t.r.details[d.ObligationID] {
		if existing.TransferID == d.TransferID {
			return ErrDuplicatePayment
		}
	}
	t.r.details[d.ObligationID] = append(t.r.details[d.ObligationID], d)
	return nil
}

func (t *memoryTx) ListPaymentDetails(_ context.Context, obligationID uuid.UUID) ([]PaymentDetail, error) {
	return append([]PaymentDetail(nil), t.r.details[obligationID]...), nil
}

func (t *memoryTx) DeletePaymentDetails(_ context.Context, obligationID uuid.UUID) error {
	delete(t.r.details, obligationID)
	return nil
}

func reservations(obligations map[uuid.UUID]Obligation, reference string, excluding *uuid.UUID) []references.Reservation {
	var out []references.Reservation
	for _, o := range obligations {
		if o.Paid() || (excluding != nil && o.ID == *excluding) {
			continue
		}
		for _, ref := range o.References {
			if ref.ReferenceNumber == reference {
				out = append(out, references.Reservation{ObligationID: o.ID, Client: o.ClientName, AmountToUse: ref.AmountToUse})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

func clone(o Obligation) Obligation {
	o.References = append([]PaymentReference(nil), o.References...)
	return o
}
