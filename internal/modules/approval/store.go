package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

var ErrNotFound = errors.New("activation request not found")

// Filter narrows List.
type Filter struct {
	Status   Status
	TargetID types.ID
}

// Store persists activation requests. RecordApproval and Decide are
// compare-and-set: they apply only when the stored row still matches the
// caller's expectations and report whether they did, so concurrent
// approvals can never double-count.
//
// Mutators take a prepared audit entry (user, action, target) and commit
// it atomically with the mutation; the store fills the old/new snapshots
// from the rows it touches. Nothing is audited when a CAS loses.
type Store interface {
	Create(ctx context.Context, r *Request, rec audit.Entry) error
	Get(ctx context.Context, id types.ID) (*Request, error)
	List(ctx context.Context, f Filter) ([]*Request, error)

	// RecordApproval appends the approver and bumps the count iff the
	// request is still pending, not emergency-blocked, at exactly
	// expectCount approvals, and the approver is new. Reaching
	// NeedsApprovals flips status to approved in the same operation.
	RecordApproval(ctx context.Context, id, approver types.ID, expectCount int, at time.Time, rec audit.Entry) (*Request, bool, error)

	// Decide moves a pending request to a terminal state.
	Decide(ctx context.Context, id types.ID, to Status, by types.ID, note string, at time.Time, rec audit.Entry) (*Request, bool, error)

	// SetBlocked flips emergency_blocked on every pending request and
	// returns how many rows changed. Not audited; the flag flip that
	// drives it is.
	SetBlocked(ctx context.Context, blocked bool) (int, error)
}

// FlagStore persists emergency flags keyed by flag_key.
type FlagStore interface {
	Get(ctx context.Context, key string) (*Flag, error)
	Upsert(ctx context.Context, f Flag, rec audit.Entry) error
}

// MemoryStore is the in-process Store. All CAS semantics hold under one
// mutex; audit appends happen inside it, so entry order matches mutation
// order.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[types.ID]*Request
	auditor audit.Recorder
}

func NewMemoryStore(auditor audit.Recorder) *MemoryStore {
	return &MemoryStore{rows: make(map[types.ID]*Request), auditor: auditor}
}

func (s *MemoryStore) Create(ctx context.Context, r *Request, rec audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = cloneRequest(r)
	rec.NewValue = audit.Snapshot(r)
	return s.auditor.Append(ctx, rec)
}

func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, r := range s.rows {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.TargetID != "" && r.TargetID != f.TargetID {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RecordApproval(ctx context.Context, id, approver types.ID, expectCount int, at time.Time, rec audit.Entry) (*Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status != StatusPending || r.EmergencyBlocked ||
		r.CurrentApprovals != expectCount || r.HasApprover(approver) {
		return cloneRequest(r), false, nil
	}
	old := cloneRequest(r)
	r.ApprovedBy = append(r.ApprovedBy, approver)
	r.CurrentApprovals++
	if r.CurrentApprovals >= r.NeedsApprovals {
		r.Status = StatusApproved
		t := at
		r.DecidedAt = &t
		by := approver
		r.DecidedBy = &by
	}
	rec.OldValue = audit.Snapshot(old)
	rec.NewValue = audit.Snapshot(r)
	if err := s.auditor.Append(ctx, rec); err != nil {
		return nil, false, err
	}
	return cloneRequest(r), true, nil
}

func (s *MemoryStore) Decide(ctx context.Context, id types.ID, to Status, by types.ID, note string, at time.Time, rec audit.Entry) (*Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !CanTransition(r.Status, to) {
		return cloneRequest(r), false, nil
	}
	old := cloneRequest(r)
	r.Status = to
	t := at
	r.DecidedAt = &t
	b := by
	r.DecidedBy = &b
	r.DecisionNote = note
	rec.OldValue = audit.Snapshot(old)
	rec.NewValue = audit.Snapshot(r)
	if err := s.auditor.Append(ctx, rec); err != nil {
		return nil, false, err
	}
	return cloneRequest(r), true, nil
}

func (s *MemoryStore) SetBlocked(ctx context.Context, blocked bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.Status == StatusPending && r.EmergencyBlocked != blocked {
			r.EmergencyBlocked = blocked
			n++
		}
	}
	return n, nil
}

func cloneRequest(r *Request) *Request {
	c := *r
	c.ApprovedBy = append([]types.ID(nil), r.ApprovedBy...)
	c.Diff = append(Diff(nil), r.Diff...)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	if r.DecidedBy != nil {
		b := *r.DecidedBy
		c.DecidedBy = &b
	}
	return &c
}

// MemoryFlagStore keeps emergency flags in process.
type MemoryFlagStore struct {
	mu      sync.RWMutex
	flags   map[string]Flag
	auditor audit.Recorder
}

func NewMemoryFlagStore(auditor audit.Recorder) *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]Flag), auditor: auditor}
}

func (s *MemoryFlagStore) Get(ctx context.Context, key string) (*Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[key]
	if !ok {
		return &Flag{FlagKey: key}, nil
	}
	return &f, nil
}

func (s *MemoryFlagStore) Upsert(ctx context.Context, f Flag, rec audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.flags[f.FlagKey]
	s.flags[f.FlagKey] = f
	if had {
		rec.OldValue = audit.Snapshot(old)
	}
	rec.NewValue = audit.Snapshot(f)
	return s.auditor.Append(ctx, rec)
}
