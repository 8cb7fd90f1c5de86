package compose

import (
	"context"
	"sort"
	"sync"

	"alon/internal/hexgrid"
)

// StateStore holds the materialized rows in memory and is the system of
// record for the hot path. Mirrors are strictly derived from it.
type StateStore struct {
	mu   sync.RWMutex
	rows map[Key]map[hexgrid.CellID]HexState
}

func NewStateStore() *StateStore {
	return &StateStore{rows: make(map[Key]map[hexgrid.CellID]HexState)}
}

func (s *StateStore) Get(key Key, cell hexgrid.CellID) (HexState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key][cell]
	return row, ok
}

// PutBatch upserts the rows for one key. Rows for cells not in the batch
// are left alone; full replacement only happens through Reset.
func (s *StateStore) PutBatch(key Key, rows []HexState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells, ok := s.rows[key]
	if !ok {
		cells = make(map[hexgrid.CellID]HexState, len(rows))
		s.rows[key] = cells
	}
	for _, row := range rows {
		cells[row.Cell] = row
	}
}

// Cells snapshots one key's rows ordered by cell id.
func (s *StateStore) Cells(key Key) []HexState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HexState, 0, len(s.rows[key]))
	for _, row := range s.rows[key] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out
}

// Keys lists every key with materialized rows, ordered for stable sweeps.
func (s *StateStore) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.rows))
	for key := range s.rows {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegionID != out[j].RegionID {
			return out[i].RegionID < out[j].RegionID
		}
		return out[i].ServiceKey < out[j].ServiceKey
	})
	return out
}

// Reset drops every row. Only Rebuild calls this.
func (s *StateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[Key]map[hexgrid.CellID]HexState)
}

// Publisher mirrors composed rows after each pass for out-of-process fare
// readers. Best effort: a failed publish is logged, never retried inline,
// and the in-memory store keeps serving.
type Publisher interface {
	PublishState(ctx context.Context, key Key, rows []HexState) error
}
