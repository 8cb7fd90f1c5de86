package forecast

import (
	"context"
	"errors"
	"sync"

	"alon/internal/types"
)

// ErrQuotaExhausted is returned once the day's call budget is spent.
var ErrQuotaExhausted = errors.New("forecast quota exhausted")

// Limited caps provider calls per UTC calendar day. The counter resets
// lazily on the first call of a new day.
type Limited struct {
	inner Provider
	clock types.Clock
	quota int

	mu        sync.Mutex
	day       string
	remaining int
}

func NewLimited(inner Provider, clock types.Clock, quota int) *Limited {
	return &Limited{inner: inner, clock: clock, quota: quota}
}

func (l *Limited) Baseline(ctx context.Context, regionID types.ID, serviceKey string) (Suggestion, error) {
	if err := l.useCall(); err != nil {
		return Suggestion{}, err
	}
	return l.inner.Baseline(ctx, regionID, serviceKey)
}

func (l *Limited) useCall() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := l.clock.Now().UTC().Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.remaining = l.quota
	}
	if l.remaining <= 0 {
		return ErrQuotaExhausted
	}
	l.remaining--
	return nil
}
