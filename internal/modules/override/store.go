package override

import (
	"context"
	"errors"
	"sort"
	"sync"

	"alon/internal/hexgrid"
	"alon/internal/modules/audit"
	"alon/internal/types"
)

var ErrNotFound = errors.New("surge rule not found")

// Filter narrows List. Zero values match everything. Status filters on the
// stored status; lazy expiry is applied by callers via StatusAt.
type Filter struct {
	Kind       Kind
	RegionID   types.ID
	ServiceKey string
	Status     Status
}

// Store persists rules. UpdateStatus is compare-and-set on the stored
// status and reports whether it applied. Mutators take a prepared audit
// entry and commit it atomically with the row change; the store fills the
// old/new snapshots.
type Store interface {
	Create(ctx context.Context, r *Rule, rec audit.Entry) error
	Get(ctx context.Context, id types.ID) (*Rule, error)
	List(ctx context.Context, f Filter) ([]*Rule, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, rec audit.Entry) (*Rule, bool, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[types.ID]*Rule
	auditor audit.Recorder
}

func NewMemoryStore(auditor audit.Recorder) *MemoryStore {
	return &MemoryStore{rows: make(map[types.ID]*Rule), auditor: auditor}
}

func (s *MemoryStore) Create(ctx context.Context, r *Rule, rec audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = cloneRule(r)
	rec.NewValue = audit.Snapshot(r)
	return s.auditor.Append(ctx, rec)
}

func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRule(r), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rows {
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.RegionID != "" && r.RegionID != f.RegionID {
			continue
		}
		if f.ServiceKey != "" && r.ServiceKey != f.ServiceKey {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, rec audit.Entry) (*Rule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if cur.Status != from {
		return cloneRule(cur), false, nil
	}
	next := cloneRule(cur)
	next.Status = to
	next.UpdatedAt = rec.CreatedAt
	s.rows[id] = next
	rec.OldValue = audit.Snapshot(cur)
	rec.NewValue = audit.Snapshot(next)
	if err := s.auditor.Append(ctx, rec); err != nil {
		return nil, false, err
	}
	return cloneRule(next), true, nil
}

func cloneRule(r *Rule) *Rule {
	c := *r
	c.HexSet = append([]hexgrid.CellID(nil), r.HexSet...)
	return &c
}
