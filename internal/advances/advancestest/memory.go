// Package advancestest provides an in-memory advances repository for tests.
package advancestest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/brokerdesk/bankrecon/internal/advances"
)

// Store implements advances.Repository in memory.
type Store struct {
	mu       sync.Mutex
	advances map[uuid.UUID]advances.Advance
}

var (
	_ advances.Repository   = (*Store)(nil)
	_ advances.TxRepository = (*txView)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{advances: make(map[uuid.UUID]advances.Advance)}
}

// Put stores a as given.
func (s *Store) Put(a advances.Advance) advances.Advance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.advances[a.ID] = a
	return a
}

// All returns every stored advance.
func (s *Store) All() []advances.Advance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]advances.Advance, 0, len(s.advances))
	for _, a := range s.advances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) WithTx(ctx context.Context, fn func(context.Context, advances.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[uuid.UUID]advances.Advance, len(s.advances))
	for k, v := range s.advances {
		snapshot[k] = v
	}
	if err := fn(ctx, &txView{s: s}); err != nil {
		s.advances = snapshot
		return err
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (advances.Advance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.advances[id]
	if !ok {
		return advances.Advance{}, advances.ErrAdvanceNotFound
	}
	return a, nil
}

func (s *Store) ListOrphans(_ context.Context, brokerID uuid.UUID) ([]advances.Advance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []advances.Advance
	for _, a := range s.advances {
		if a.BrokerID == brokerID && a.Orphan() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type txView struct {
	s *Store
}

func (v *txView) InsertAdvance(_ context.Context, a advances.Advance) error {
	v.s.advances[a.ID] = a
	return nil
}

func (v *txView) LockAdvance(_ context.Context, id uuid.UUID) (advances.Advance, error) {
	a, ok := v.s.advances[id]
	if !ok {
		return advances.Advance{}, advances.ErrAdvanceNotFound
	}
	return a, nil
}

func (v *txView) AdvanceForPayment(_ context.Context, paymentID uuid.UUID) (advances.Advance, bool, error) {
	for _, a := range v.s.advances {
		if a.LinkedPaymentID != nil && *a.LinkedPaymentID == paymentID && a.Status != advances.StatusCancelled {
			return a, true, nil
		}
	}
	return advances.Advance{}, false, nil
}

func (v *txView) UpdateAdvance(_ context.Context, a advances.Advance) error {
	if _, ok := v.s.advances[a.ID]; !ok {
		return advances.ErrAdvanceNotFound
	}
	v.s.advances[a.ID] = a
	return nil
}

func (v *txView) LinkOrphan(_ context.Context, id, paymentID uuid.UUID) (bool, error) {
	a, ok := v.s.advances[id]
	if !ok || !a.Orphan() {
		return false, nil
	}
	a.Status = advances.StatusRecovered
	a.LinkedPaymentID = &paymentID
	v.s.advances[id] = a
	return true, nil
}
