// README: One poll loop per registered source, all stopped as a unit.
package event

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"alon/internal/types"
)

// Source is one external condition feed. Poll returns raw observations; the
// ingest pipeline does the thresholding.
type Source interface {
	Name() string
	Interval() time.Duration
	Poll(ctx context.Context) ([]Observation, error)
}

const (
	// PollTimeout bounds one fetch; past it the poll counts as failed and
	// the next tick retries. No backoff, the tick cadence is the backoff.
	PollTimeout = 10 * time.Second

	// DegradedAfterFailures flags a source after this many consecutive
	// failures. Degraded sources keep polling; the flag is a health signal,
	// never an auto-disable.
	DegradedAfterFailures = 3
)

// SourceHealth is one source's poll-loop state for the status surface.
type SourceHealth struct {
	Source              string     `json:"source"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	Polls               int64      `json:"polls"`
	EventsEmitted       int64      `json:"events_emitted"`
}

// Supervisor runs one goroutine per source with an initial random jitter so
// sources sharing an interval never tick together.
type Supervisor struct {
	ingest  *Service
	clock   types.Clock
	timeout time.Duration

	mu      sync.Mutex
	sources []Source
	health  map[string]*SourceHealth
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewSupervisor(ingest *Service, clock types.Clock) *Supervisor {
	return &Supervisor{
		ingest:  ingest,
		clock:   clock,
		timeout: PollTimeout,
		health:  make(map[string]*SourceHealth),
	}
}

// Register adds a source. Call before Start.
func (s *Supervisor) Register(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
	s.health[src.Name()] = &SourceHealth{Source: src.Name()}
}

// Start launches the poll loops. Cancelling ctx or calling Stop ends them.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	sources := append([]Source(nil), s.sources...)
	s.mu.Unlock()

	for _, src := range sources {
		s.wg.Add(1)
		go s.loop(runCtx, src)
	}
	slog.Info("event poller started", slog.Int("sources", len(sources)))
}

// Stop cancels future ticks and waits for in-flight polls to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Health reports every source's loop state, sorted by name.
func (s *Supervisor) Health() []SourceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (s *Supervisor) loop(ctx context.Context, src Source) {
	defer s.wg.Done()
	interval := src.Interval()
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Int63n(int64(interval)))):
	}
	s.pollOnce(ctx, src, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, src, interval)
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context, src Source, interval time.Duration) {
	pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obs, err := src.Poll(pollCtx)
	if err != nil {
		s.recordFailure(src.Name(), err)
		return
	}

	emitted := int64(0)
	for _, o := range obs {
		_, ok, err := s.ingest.Ingest(ctx, src.Name(), interval, o)
		if err != nil {
			slog.Error("observation ingest failed",
				slog.String("source", src.Name()), slog.Any("error", err))
			continue
		}
		if ok {
			emitted++
		}
	}
	s.recordSuccess(src.Name(), emitted)
}

func (s *Supervisor) recordFailure(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[name]
	if h == nil {
		return
	}
	now := s.clock.Now()
	h.Polls++
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	h.LastErrorAt = &now
	wasDegraded := h.Degraded
	h.Degraded = h.ConsecutiveFailures >= DegradedAfterFailures
	if h.Degraded && !wasDegraded {
		slog.Error("source degraded",
			slog.String("source", name),
			slog.Int("consecutive_failures", h.ConsecutiveFailures))
		return
	}
	slog.Warn("poll failed",
		slog.String("source", name),
		slog.Int("consecutive_failures", h.ConsecutiveFailures),
		slog.Any("error", err))
}

func (s *Supervisor) recordSuccess(name string, emitted int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[name]
	if h == nil {
		return
	}
	now := s.clock.Now()
	h.Polls++
	h.ConsecutiveFailures = 0
	h.Degraded = false
	h.LastSuccess = &now
	h.EventsEmitted += emitted
}
