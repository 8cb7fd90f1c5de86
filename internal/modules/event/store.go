package event

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

var ErrNotFound = errors.New("surge event not found")

// Filter narrows List. Zero values match everything.
type Filter struct {
	Type     Type
	RegionID types.ID
}

// Store persists events. Events are immutable; there is no update path.
type Store interface {
	Create(ctx context.Context, e *Event, rec audit.Entry) error
	Get(ctx context.Context, id types.ID) (*Event, error)
	List(ctx context.Context, f Filter) ([]*Event, error)
	ActiveAt(ctx context.Context, regionID types.ID, now time.Time) ([]*Event, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[types.ID]*Event
	auditor audit.Recorder
}

func NewMemoryStore(auditor audit.Recorder) *MemoryStore {
	return &MemoryStore{rows: make(map[types.ID]*Event), auditor: auditor}
}

func (s *MemoryStore) Create(ctx context.Context, e *Event, rec audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.rows[e.ID] = &c
	rec.NewValue = audit.Snapshot(e)
	return s.auditor.Append(ctx, rec)
}

func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.rows {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.RegionID != "" && e.RegionID != f.RegionID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sortEvents(out)
	return out, nil
}

func (s *MemoryStore) ActiveAt(ctx context.Context, regionID types.ID, now time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.rows {
		if regionID != "" && e.RegionID != regionID {
			continue
		}
		if !e.ActiveAt(now) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(out []*Event) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
}

// DedupStore remembers emission keys so one condition detected on several
// consecutive polls yields one event per bucket.
type DedupStore interface {
	// Claim reports whether the key was free and claims it for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryDedup is the in-process DedupStore.
type MemoryDedup struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock types.Clock
}

func NewMemoryDedup(clock types.Clock) *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time), clock: clock}
}

func (d *MemoryDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if until, ok := d.seen[key]; ok && now.Before(until) {
		return false, nil
	}
	for k, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}
