// Package ledgertest provides an in-memory ledger repository for tests.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/ledger"
)

// Store implements ledger.Repository in memory. WithTx serialises callers and
// restores the previous state when fn fails.
type Store struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]ledger.BankTransfer
	refs      map[string]uuid.UUID
	Now       func() time.Time
}

var (
	_ ledger.Repository   = (*Store)(nil)
	_ ledger.TxRepository = (*txView)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		transfers: make(map[uuid.UUID]ledger.BankTransfer),
		refs:      make(map[string]uuid.UUID),
		Now:       time.Now,
	}
}

// Seed inserts a transfer with the given balance and returns it.
func (s *Store) Seed(reference string, amount, used decimal.Decimal) ledger.BankTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := ledger.BankTransfer{
		ID:              uuid.New(),
		ReferenceNumber: reference,
		Date:            s.Now(),
		Amount:          amount,
		UsedAmount:      used,
		ImportedAt:      s.Now(),
		Settlement:      ledger.Settlement{Status: ledger.SettlementUnclassified},
	}
	s.transfers[t.ID] = t
	s.refs[reference] = t.ID
	return t
}

// Put stores t as given, assigning an id when missing.
func (s *Store) Put(t ledger.BankTransfer) ledger.BankTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Settlement.Status == "" {
		t.Settlement.Status = ledger.SettlementUnclassified
	}
	s.transfers[t.ID] = t
	s.refs[t.ReferenceNumber] = t.ID
	return t
}

// MustGet returns the transfer for reference or panics.
func (s *Store) MustGet(reference string) ledger.BankTransfer {
	t, err := s.GetByReference(context.Background(), reference)
	if err != nil {
		panic(err)
	}
	return t
}

func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	transfers := make(map[uuid.UUID]ledger.BankTransfer, len(s.transfers))
	for k, v := range s.transfers {
		transfers[k] = v
	}
	refs := make(map[string]uuid.UUID, len(s.refs))
	for k, v := range s.refs {
		refs[k] = v
	}
	if err := fn(ctx, &txView{s: s}); err != nil {
		s.transfers = transfers
		s.refs = refs
		return err
	}
	return nil
}

func (s *Store) GetByReference(_ context.Context, reference string) (ledger.BankTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byReference(reference)
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (ledger.BankTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return ledger.BankTransfer{}, ledger.ErrTransferNotFound
	}
	return t, nil
}

func (s *Store) List(_ context.Context, filter ledger.ListFilter) ([]ledger.BankTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.BankTransfer
	for _, t := range s.transfers {
		if filter.CutoffID != nil && (t.CutoffID == nil || *t.CutoffID != *filter.CutoffID) {
			continue
		}
		if filter.Status != "" && t.Status() != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceNumber < out[j].ReferenceNumber })
	return out, nil
}

func (s *Store) ListOverdrawn(_ context.Context) ([]ledger.BankTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.BankTransfer
	for _, t := range s.transfers {
		if t.UsedAmount.GreaterThan(t.Amount) || t.UsedAmount.IsNegative() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceNumber < out[j].ReferenceNumber })
	return out, nil
}

func (s *Store) byReference(reference string) (ledger.BankTransfer, error) {
	id, ok := s.refs[reference]
	if !ok {
		return ledger.BankTransfer{}, ledger.ErrTransferNotFound
	}
	return s.transfers[id], nil
}

type txView struct {
	s *Store
}

func (v *txView) InsertTransfer(_ context.Context, cutoffID *uuid.UUID, row ledger.StatementRow) (ledger.BankTransfer, bool, error) {
	if _, ok := v.s.refs[row.ReferenceNumber]; ok {
		return ledger.BankTransfer{}, false, nil
	}
	t := ledger.BankTransfer{
		ID:              uuid.New(),
		CutoffID:        cutoffID,
		ReferenceNumber: row.ReferenceNumber,
		Date:            row.Date,
		Description:     row.Description,
		TransactionCode: row.TransactionCode,
		Amount:          row.Amount,
		UsedAmount:      decimal.Zero,
		ImportedAt:      v.s.Now(),
		Settlement:      ledger.Settlement{Status: ledger.SettlementUnclassified},
	}
	v.s.transfers[t.ID] = t
	v.s.refs[t.ReferenceNumber] = t.ID
	return t, true, nil
}

func (v *txView) LockByReference(_ context.Context, reference string) (ledger.BankTransfer, error) {
	return v.s.byReference(reference)
}

func (v *txView) LockByID(_ context.Context, id uuid.UUID) (ledger.BankTransfer, error) {
	t, ok := v.s.transfers[id]
	if !ok {
		return ledger.BankTransfer{}, ledger.ErrTransferNotFound
	}
	return t, nil
}

func (v *txView) SetUsedAmount(_ context.Context, id uuid.UUID, used decimal.Decimal) error {
	t, ok := v.s.transfers[id]
	if !ok {
		return ledger.ErrTransferNotFound
	}
	t.UsedAmount = used
	v.s.transfers[id] = t
	return nil
}

func (v *txView) UpdateSettlement(_ context.Context, id uuid.UUID, settlement ledger.Settlement) error {
	t, ok := v.s.transfers[id]
	if !ok {
		return ledger.ErrTransferNotFound
	}
	t.Settlement = settlement
	v.s.transfers[id] = t
	return nil
}

func (v *txView) DeleteTransfer(_ context.Context, id uuid.UUID) error {
	t, ok := v.s.transfers[id]
	if !ok {
		return ledger.ErrTransferNotFound
	}
	delete(v.s.transfers, id)
	delete(v.s.refs, t.ReferenceNumber)
	return nil
}
