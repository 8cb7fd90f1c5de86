package profile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

var ErrNotFound = errors.New("pricing profile not found")

// Filter narrows List. Zero values match everything.
type Filter struct {
	RegionID   types.ID
	ServiceKey string
	Status     Status
}

// Store persists profiles. Update is compare-and-set on Version: it applies
// only when the stored row still carries expectedVersion and reports whether
// it did. Mutators take a prepared audit entry and commit it atomically with
// the row change; the store fills the old/new snapshots.
type Store interface {
	Create(ctx context.Context, p *Profile, rec audit.Entry) error
	Get(ctx context.Context, id types.ID) (*Profile, error)
	List(ctx context.Context, f Filter) ([]*Profile, error)
	Update(ctx context.Context, p *Profile, expectedVersion int, rec audit.Entry) (*Profile, bool, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[types.ID]*Profile
	auditor audit.Recorder
}

func NewMemoryStore(auditor audit.Recorder) *MemoryStore {
	return &MemoryStore{rows: make(map[types.ID]*Profile), auditor: auditor}
}

func (s *MemoryStore) Create(ctx context.Context, p *Profile, rec audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = clone(p)
	rec.NewValue = audit.Snapshot(p)
	return s.auditor.Append(ctx, rec)
}

func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Profile
	for _, p := range s.rows {
		if f.RegionID != "" && p.RegionID != f.RegionID {
			continue
		}
		if f.ServiceKey != "" && p.ServiceKey != f.ServiceKey {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Profile, expectedVersion int, rec audit.Entry) (*Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[p.ID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return clone(cur), false, nil
	}
	next := clone(p)
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	s.rows[p.ID] = next
	rec.OldValue = audit.Snapshot(cur)
	rec.NewValue = audit.Snapshot(next)
	if err := s.auditor.Append(ctx, rec); err != nil {
		return nil, false, err
	}
	return clone(next), true, nil
}

func clone(p *Profile) *Profile {
	c := *p
	return &c
}
