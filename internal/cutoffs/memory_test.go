package cutoffs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/ledger/ledgertest"
)

type memoryRepo struct {
	mu      sync.Mutex
	ledger  *ledgertest.Store
	cutoffs map[uuid.UUID]Cutoff
	groups  map[uuid.UUID]Group
	members map[uuid.UUID]uuid.UUID
}

var (
	_ Repository   = (*memoryRepo)(nil)
	_ TxRepository = (*memoryTx)(nil)
)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		ledger:  ledgertest.New(),
		cutoffs: make(map[uuid.UUID]Cutoff),
		groups:  make(map[uuid.UUID]Group),
		members: make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.WithTx(ctx, func(ctx context.Context, ltx ledger.TxRepository) error {
		cutoffs := make(map[uuid.UUID]Cutoff, len(r.cutoffs))
		for k, v := range r.cutoffs {
			cutoffs[k] = v
		}
		groups := make(map[uuid.UUID]Group, len(r.groups))
		for k, v := range r.groups {
			groups[k] = v
		}
		members := make(map[uuid.UUID]uuid.UUID, len(r.members))
		for k, v := range r.members {
			members[k] = v
		}
		if err := fn(ctx, &memoryTx{ledgerTx: ltx, r: r}); err != nil {
			r.cutoffs, r.groups, r.members = cutoffs, groups, members
			return err
		}
		return nil
	})
}

func (r *memoryRepo) GetCutoff(_ context.Context, id uuid.UUID) (Cutoff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cutoffs[id]
	if !ok {
		return Cutoff{}, ErrCutoffNotFound
	}
	return c, nil
}

func (r *memoryRepo) ListCutoffs(_ context.Context) ([]Cutoff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Cutoff, 0, len(r.cutoffs))
	for _, c := range r.cutoffs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

func (r *memoryRepo) LastCutoff(ctx context.Context) (Cutoff, error) {
	all, _ := r.ListCutoffs(ctx)
	if len(all) == 0 {
		return Cutoff{}, ErrCutoffNotFound
	}
	last := all[0]
	for _, c := range all[1:] {
		if c.EndDate.After(last.EndDate) {
			last = c
		}
	}
	return last, nil
}

func (r *memoryRepo) GetGroup(_ context.Context, id uuid.UUID) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.group(id)
}

func (r *memoryRepo) ListGroups(_ context.Context, filter GroupFilter) ([]Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Group
	for id, g := range r.groups {
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if filter.InsurerID != nil && g.InsurerID != *filter.InsurerID {
			continue
		}
		if filter.CutoffID != nil && (g.CutoffID == nil || *g.CutoffID != *filter.CutoffID) {
			continue
		}
		if filter.FortnightID != nil && (g.FortnightPaidID == nil || *g.FortnightPaidID != *filter.FortnightID) {
			continue
		}
		g, _ = r.group(id)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepo) group(id uuid.UUID) (Group, error) {
	g, ok := r.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	g.TransferIDs = nil
	for transferID, groupID := range r.members {
		if groupID == id {
			g.TransferIDs = append(g.TransferIDs, transferID)
		}
	}
	sort.Slice(g.TransferIDs, func(i, j int) bool { return g.TransferIDs[i].String() < g.TransferIDs[j].String() })
	return g, nil
}

type memoryTx struct {
	ledgerTx
	r *memoryRepo
}

func (t *memoryTx) InsertCutoff(_ context.Context, c Cutoff) error {
	for _, existing := range t.r.cutoffs {
		if existing.Label == c.Label {
			return ErrDuplicateLabel
		}
	}
	t.r.cutoffs[c.ID] = c
	return nil
}

func (t *memoryTx) LockCutoff(_ context.Context, id uuid.UUID) (Cutoff, error) {
	c, ok := t.r.cutoffs[id]
	if !ok {
		return Cutoff{}, ErrCutoffNotFound
	}
	return c, nil
}

func (t *memoryTx) Overlapping(_ context.Context, start, end time.Time) ([]Cutoff, error) {
	var out []Cutoff
	for _, c := range t.r.cutoffs {
		if !c.StartDate.After(end) && !c.EndDate.Before(start) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memoryTx) CloseCutoff(_ context.Context, id uuid.UUID, at time.Time) error {
	c, ok := t.r.cutoffs[id]
	if !ok {
		return ErrCutoffNotFound
	}
	c.Status, c.ClosedAt = CutoffClosed, &at
	t.r.cutoffs[id] = c
	return nil
}

func (t *memoryTx) InsertGroup(_ context.Context, g Group) error {
	g.TransferIDs = nil
	t.r.groups[g.ID] = g
	return nil
}

func (t *memoryTx) LockGroup(_ context.Context, id uuid.UUID) (Group, error) {
	return t.r.group(id)
}

func (t *memoryTx) UpdateGroup(_ context.Context, g Group) error {
	current, ok := t.r.groups[g.ID]
	if !ok {
		return ErrGroupNotFound
	}
	current.Status = g.Status
	current.Total = g.Total
	current.FortnightPaidID = g.FortnightPaidID
	current.PaidAt = g.PaidAt
	t.r.groups[g.ID] = current
	return nil
}

func (t *memoryTx) DeleteGroup(_ context.Context, id uuid.UUID) error {
	if _, ok := t.r.groups[id]; !ok {
		return ErrGroupNotFound
	}
	delete(t.r.groups, id)
	for transferID, groupID := range t.r.members {
		if groupID == id {
			delete(t.r.members, transferID)
		}
	}
	return nil
}

func (t *memoryTx) GroupOf(_ context.Context, transferID uuid.UUID) (uuid.UUID, bool, error) {
	id, ok := t.r.members[transferID]
	return id, ok, nil
}

func (t *memoryTx) AddMember(_ context.Context, groupID, transferID uuid.UUID) error {
	if _, ok := t.r.members[transferID]; ok {
		return ErrTransferGrouped
	}
	t.r.members[transferID] = groupID
	return nil
}

func (t *memoryTx) RemoveMember(_ context.Context, groupID, transferID uuid.UUID) error {
	if t.r.members[transferID] != groupID {
		return ErrNotGrouped
	}
	delete(t.r.members, transferID)
	return nil
}
