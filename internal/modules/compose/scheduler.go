// README: Per-key recompute loops driven by each profile's update interval.
package compose

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"alon/internal/forecast"
	"alon/internal/modules/profile"
)

const defaultRescan = 30 * time.Second

// Scheduler keeps one ticker loop per materialized key, at the cadence of
// the newest active profile for that key. A rescan loop reconciles the set
// of loops against the profile store so activations and retirements take
// effect without a restart.
type Scheduler struct {
	composer *Composer
	profiles *profile.Service
	baseline *forecast.Cache
	rescan   time.Duration

	mu      sync.Mutex
	loops   map[Key]*tickerLoop
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

type tickerLoop struct {
	cancel   context.CancelFunc
	interval time.Duration
}

func NewScheduler(composer *Composer, profiles *profile.Service, baseline *forecast.Cache, rescan time.Duration) *Scheduler {
	if rescan <= 0 {
		rescan = defaultRescan
	}
	return &Scheduler{
		composer: composer,
		profiles: profiles,
		baseline: baseline,
		rescan:   rescan,
		loops:    make(map[Key]*tickerLoop),
	}
}

// Start launches the rescan loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconcile(ctx)
		ticker := time.NewTicker(s.rescan)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
	}()
}

// Stop cancels every loop and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// reconcile diffs running loops against active profiles. The newest active
// profile per key sets the cadence, the same resolution Compose itself
// applies; a changed interval restarts the loop.
func (s *Scheduler) reconcile(ctx context.Context) {
	active, err := s.profiles.AllActive(ctx)
	if err != nil {
		slog.Error("scheduler rescan failed", slog.Any("error", err))
		return
	}
	desired := make(map[Key]time.Duration)
	for _, p := range active {
		desired[Key{RegionID: p.RegionID, ServiceKey: p.ServiceKey}] = p.UpdateInterval()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	for key, loop := range s.loops {
		interval, keep := desired[key]
		if keep && interval == loop.interval {
			continue
		}
		loop.cancel()
		delete(s.loops, key)
	}
	for key, interval := range desired {
		if _, running := s.loops[key]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.loops[key] = &tickerLoop{cancel: cancel, interval: interval}
		s.wg.Add(1)
		go s.runLoop(loopCtx, key, interval)
		slog.Info("compose loop started",
			slog.String("region", string(key.RegionID)),
			slog.String("service", key.ServiceKey),
			slog.Duration("interval", interval))
	}
}

func (s *Scheduler) runLoop(ctx context.Context, key Key, interval time.Duration) {
	defer s.wg.Done()
	s.composeKey(ctx, key)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.composeKey(ctx, key)
		}
	}
}

// composeKey refreshes the model baseline, then composes. A refresh failure
// is survivable: the cache keeps the last good suggestion.
func (s *Scheduler) composeKey(ctx context.Context, key Key) {
	if _, err := s.baseline.Refresh(ctx, key.RegionID, key.ServiceKey); err != nil {
		slog.Warn("baseline refresh failed",
			slog.String("region", string(key.RegionID)),
			slog.String("service", key.ServiceKey),
			slog.Any("error", err))
	}
	if _, err := s.composer.Compose(ctx, key.RegionID, key.ServiceKey); err != nil {
		slog.Error("scheduled compose failed",
			slog.String("region", string(key.RegionID)),
			slog.String("service", key.ServiceKey),
			slog.Any("error", err))
	}
}
