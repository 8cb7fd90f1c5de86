package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"alon/internal/types"
)

// Recorder is the only audit surface modules see.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// MemoryLog keeps the trail in process. Appends are ordered under the
// mutex, which is what makes them atomic with the in-memory mutations they
// describe: the owning service holds its own lock across both writes.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID == "" {
		e.ID = types.ID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, e)
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *MemoryLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

// Len reports the trail size.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
