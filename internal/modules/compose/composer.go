// README: The composition pipeline; merges every layer into hex state.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"alon/internal/forecast"
	"alon/internal/hexgrid"
	"alon/internal/modules/compliance"
	"alon/internal/modules/event"
	"alon/internal/modules/override"
	"alon/internal/modules/profile"
	"alon/internal/types"
)

const (
	// maxEventLift bounds the event bump relative to the baseline no matter
	// how many severe events stack on a cell.
	maxEventLift = 1.5

	// snapEpsilon stops smoothing: gaps below it jump straight to target so
	// convergence terminates instead of creeping forever.
	snapEpsilon = 0.001

	defaultHalfLife = 5 * time.Minute
	defaultInterval = time.Minute
)

// Options tune one Composer. Zero values fall back to sane defaults.
type Options struct {
	Resolution    int
	MinConfidence float64
	SweepWorkers  int64
}

// Composer owns every write into the materialized state. Writes for one
// (region, service) are serialized behind a keyed mutex; distinct keys
// compose in parallel.
type Composer struct {
	state    *StateStore
	profiles *profile.Service
	rules    *override.Service
	events   *event.Service
	baseline *forecast.Cache
	limits   *compliance.Limits
	clock    types.Clock

	resolution    int
	minConfidence float64
	sem           *semaphore.Weighted
	publisher     Publisher

	locks keyedMutex

	mu     sync.Mutex
	health map[Key]*KeyHealth
	retry  map[Key]map[hexgrid.CellID]struct{}
}

func NewComposer(
	state *StateStore,
	profiles *profile.Service,
	rules *override.Service,
	events *event.Service,
	baseline *forecast.Cache,
	limits *compliance.Limits,
	clock types.Clock,
	opts Options,
) *Composer {
	if opts.Resolution <= 0 {
		opts.Resolution = 9
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.5
	}
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = 4
	}
	return &Composer{
		state:         state,
		profiles:      profiles,
		rules:         rules,
		events:        events,
		baseline:      baseline,
		limits:        limits,
		clock:         clock,
		resolution:    opts.Resolution,
		minConfidence: opts.MinConfidence,
		sem:           semaphore.NewWeighted(opts.SweepWorkers),
		health:        make(map[Key]*KeyHealth),
		retry:         make(map[Key]map[hexgrid.CellID]struct{}),
	}
}

// SetPublisher attaches the optional state mirror. Call before Start-ing
// any trigger source.
func (c *Composer) SetPublisher(p Publisher) {
	c.publisher = p
}

// composeInput is everything one pass reads, captured once per key so every
// cell in the pass sees the same instant.
type composeInput struct {
	now        time.Time
	interval   time.Duration
	halfLife   time.Duration
	profileID  types.ID
	suggestion forecast.Suggestion
	snapshot   compliance.Snapshot
	manual     map[hexgrid.CellID]ruleWin
	scheduled  map[hexgrid.CellID]ruleWin
	bump       map[hexgrid.CellID]eventWin
}

type ruleWin struct {
	rule *override.Rule
	end  time.Time
}

type eventWin struct {
	factor float64
	until  time.Time
}

// Compose recomputes every affected cell of one (region, service). It is
// the only write path into the state store.
func (c *Composer) Compose(ctx context.Context, regionID types.ID, serviceKey string) (Stats, error) {
	key := Key{RegionID: regionID, ServiceKey: serviceKey}
	unlock := c.locks.lock(key)
	defer unlock()

	now := c.clock.Now()

	active, err := c.profiles.ActiveFor(ctx, regionID, serviceKey)
	if err != nil {
		return Stats{}, c.keyFailed(key, fmt.Errorf("load profiles: %w", err))
	}
	snapshot, err := c.limits.Snapshot(ctx, regionID, serviceKey)
	if err != nil {
		return Stats{}, c.keyFailed(key, fmt.Errorf("load limits: %w", err))
	}
	overrides, schedules, err := c.rules.ActiveRules(ctx, regionID, serviceKey, now)
	if err != nil {
		return Stats{}, c.keyFailed(key, fmt.Errorf("load rules: %w", err))
	}
	activeEvents, err := c.events.ActiveAt(ctx, regionID, now)
	if err != nil {
		return Stats{}, c.keyFailed(key, fmt.Errorf("load events: %w", err))
	}

	in := composeInput{
		now:        now,
		interval:   defaultInterval,
		halfLife:   defaultHalfLife,
		suggestion: c.baseline.Current(regionID, serviceKey),
		snapshot:   snapshot,
		manual:     winners(overrides, now),
		scheduled:  winners(schedules, now),
		bump:       c.eventBumps(activeEvents),
	}
	if len(active) > 0 {
		// With several active profiles the newest one drives cadence and
		// smoothing, matching the cap resolution in CapsFor.
		newest := active[len(active)-1]
		in.profileID = newest.ID
		in.interval = newest.UpdateInterval()
		in.halfLife = newest.SmoothingHalfLife()
	}

	affected := make(map[hexgrid.CellID]struct{})
	for _, row := range c.state.Cells(key) {
		affected[row.Cell] = struct{}{}
	}
	for cell := range in.manual {
		affected[cell] = struct{}{}
	}
	for cell := range in.scheduled {
		affected[cell] = struct{}{}
	}
	for cell := range in.bump {
		affected[cell] = struct{}{}
	}
	for cell := range c.takeRetry(key) {
		affected[cell] = struct{}{}
	}
	if len(affected) == 0 {
		c.finishCompose(key, 0, nil, now)
		return Stats{}, nil
	}

	rows := make([]HexState, 0, len(affected))
	var failures []HexError
	for cell := range affected {
		prev, hadPrev := c.state.Get(key, cell)
		row, err := c.composeCell(key, cell, prev, hadPrev, in)
		if err != nil {
			failures = append(failures, HexError{Cell: cell, Err: err, At: now})
			continue
		}
		rows = append(rows, row)
	}

	c.state.PutBatch(key, rows)
	c.finishCompose(key, len(rows), failures, now)
	c.publish(ctx, key)
	return Stats{Computed: len(rows), Failed: len(failures)}, nil
}

// composeCell runs the per-cell pipeline: baseline, event bump, schedule
// replace, override replace, clamp, smooth.
func (c *Composer) composeCell(key Key, cell hexgrid.CellID, prev HexState, hadPrev bool, in composeInput) (HexState, error) {
	target := in.suggestion.Multiplier
	var fee int64
	source := SourceML
	if in.suggestion.Confidence < c.minConfidence {
		// Low-confidence model output is discarded, not served; the shadow
		// tag tells operators a suggestion was on the floor.
		target = 1.0
		source = SourceShadow
	}
	validUntil := in.now.Add(in.interval)

	if b, ok := in.bump[cell]; ok {
		bumped := target * b.factor
		if lift := target * maxEventLift; bumped > lift {
			bumped = lift
		}
		target = bumped
		source = SourceEvent
		validUntil = b.until
	}
	if w, ok := in.scheduled[cell]; ok {
		target = w.rule.Multiplier
		fee = w.rule.AdditiveFee.Amount
		source = SourceScheduled
		validUntil = w.end
	}
	if w, ok := in.manual[cell]; ok {
		target = w.rule.Multiplier
		fee = w.rule.AdditiveFee.Amount
		source = SourceManual
		validUntil = w.end
	}

	mult, clampedFee := compliance.Clamp(compliance.Candidate{
		RegionID:    key.RegionID,
		ServiceKey:  key.ServiceKey,
		Multiplier:  target,
		AdditiveFee: types.PHP(fee),
		HexCount:    1,
	}, in.snapshot)

	if in.snapshot.EmergencyActive || key.ServiceKey == types.ServiceTaxi {
		// Frozen and metered rows carry no layer attribution and a short
		// horizon; Clamp already pinned both to par.
		source = SourceML
		validUntil = in.now.Add(in.interval)
	}

	if math.IsNaN(mult) || math.IsInf(mult, 0) {
		return HexState{}, fmt.Errorf("non-finite multiplier for cell %s", cell)
	}

	next := mult
	if source != SourceManual && !in.snapshot.EmergencyActive {
		old, elapsed := 1.0, in.interval
		if hadPrev {
			old = prev.Multiplier
			elapsed = in.now.Sub(prev.ComputedAt)
		}
		next = smooth(old, mult, elapsed, in.halfLife)
	}
	// Smoothing interpolates between old values; a freshly lowered cap must
	// still bind the written row immediately.
	if next > in.snapshot.MaxMultiplier {
		next = in.snapshot.MaxMultiplier
	}
	if next < 1.0 {
		next = 1.0
	}

	return HexState{
		RegionID:    key.RegionID,
		ServiceKey:  key.ServiceKey,
		Cell:        cell,
		Multiplier:  next,
		AdditiveFee: types.PHP(clampedFee),
		Source:      source,
		ProfileID:   in.profileID,
		ValidFrom:   in.now,
		ValidUntil:  validUntil,
		ComputedAt:  in.now,
	}, nil
}

// smooth glides old toward target with half-life decay. Manual overrides
// and the emergency freeze never come through here; a kill switch must not
// glide.
func smooth(old, target float64, elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return target
	}
	if elapsed < 0 {
		elapsed = 0
	}
	frac := 1 - math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
	next := old + (target-old)*frac
	if math.Abs(target-next) < snapEpsilon {
		return target
	}
	return next
}

// winners resolves the highest-precedence rule per cell: latest starts_at
// wins, rule id breaks ties so the order is total.
func winners(rules []*override.Rule, now time.Time) map[hexgrid.CellID]ruleWin {
	out := make(map[hexgrid.CellID]ruleWin)
	for _, r := range rules {
		_, end, ok := r.ActiveWindow(now)
		if !ok {
			continue
		}
		for _, cell := range r.HexSet {
			if cur, taken := out[cell]; taken && !outranks(r, cur.rule) {
				continue
			}
			out[cell] = ruleWin{rule: r, end: end}
		}
	}
	return out
}

func outranks(a, b *override.Rule) bool {
	if !a.StartsAt.Equal(b.StartsAt) {
		return a.StartsAt.After(b.StartsAt)
	}
	return a.ID > b.ID
}

// eventBumps folds active events into the strongest severity factor per
// cell. An event whose coverage fails is skipped, not fatal for the key.
func (c *Composer) eventBumps(events []*event.Event) map[hexgrid.CellID]eventWin {
	out := make(map[hexgrid.CellID]eventWin)
	for _, e := range events {
		factor := e.Severity.Factor()
		if factor <= 1.0 {
			continue
		}
		cells, err := e.Cells(c.resolution)
		if err != nil {
			slog.Warn("event coverage skipped",
				slog.String("event_id", string(e.ID)), slog.Any("error", err))
			continue
		}
		for _, cell := range cells {
			cur, ok := out[cell]
			switch {
			case !ok || factor > cur.factor:
				out[cell] = eventWin{factor: factor, until: e.EndTime}
			case factor == cur.factor && e.EndTime.After(cur.until):
				cur.until = e.EndTime
				out[cell] = cur
			}
		}
	}
	return out
}

// Lookup serves one cell from memory only; no store or network I/O. Rows
// past their validity keep their glided value but fall back to the baseline
// tag; cells never materialized read as the neutral baseline.
func (c *Composer) Lookup(regionID types.ID, serviceKey string, cell hexgrid.CellID) (HexState, bool) {
	key := Key{RegionID: regionID, ServiceKey: serviceKey}
	now := c.clock.Now()
	row, ok := c.state.Get(key, cell)
	if !ok {
		return HexState{
			RegionID:    regionID,
			ServiceKey:  serviceKey,
			Cell:        cell,
			Multiplier:  1.0,
			AdditiveFee: types.PHP(0),
			Source:      SourceML,
			ComputedAt:  now,
		}, false
	}
	if now.After(row.ValidUntil) {
		row.Source = SourceML
	}
	return row, true
}

// Sweep recomputes every known key plus the active-profile universe with
// bounded parallelism. Key failures are counted, not propagated, so one
// region cannot starve the rest.
func (c *Composer) Sweep(ctx context.Context) (SweepStats, error) {
	keys, err := c.allKeys(ctx)
	if err != nil {
		return SweepStats{}, err
	}
	return c.runKeys(ctx, keys)
}

// Rebuild wipes the materialized view and replays profiles, rules, and
// events through composition. State is a cache; this is the proof.
func (c *Composer) Rebuild(ctx context.Context) (SweepStats, error) {
	keys, err := c.allKeys(ctx)
	if err != nil {
		return SweepStats{}, err
	}
	c.state.Reset()
	c.mu.Lock()
	c.health = make(map[Key]*KeyHealth)
	c.retry = make(map[Key]map[hexgrid.CellID]struct{})
	c.mu.Unlock()
	slog.Info("state rebuild started", slog.Int("keys", len(keys)))
	return c.runKeys(ctx, keys)
}

// allKeys is the sweep universe: materialized keys, active profiles, and
// live rules (a rule can exist for a pair with no profile yet).
func (c *Composer) allKeys(ctx context.Context) ([]Key, error) {
	seen := make(map[Key]struct{})
	for _, key := range c.state.Keys() {
		seen[key] = struct{}{}
	}
	active, err := c.profiles.AllActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, p := range active {
		seen[Key{RegionID: p.RegionID, ServiceKey: p.ServiceKey}] = struct{}{}
	}
	rules, err := c.rules.List(ctx, override.Filter{})
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	now := c.clock.Now()
	for _, r := range rules {
		if r.Live(now) {
			seen[Key{RegionID: r.RegionID, ServiceKey: r.ServiceKey}] = struct{}{}
		}
	}
	keys := make([]Key, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RegionID != keys[j].RegionID {
			return keys[i].RegionID < keys[j].RegionID
		}
		return keys[i].ServiceKey < keys[j].ServiceKey
	})
	return keys, nil
}

func (c *Composer) runKeys(ctx context.Context, keys []Key) (SweepStats, error) {
	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			if _, err := c.Compose(gctx, key.RegionID, key.ServiceKey); err != nil {
				failed.Add(1)
				slog.Error("sweep key failed",
					slog.String("region", string(key.RegionID)),
					slog.String("service", key.ServiceKey),
					slog.Any("error", err))
			}
			return nil
		})
	}
	err := g.Wait()
	return SweepStats{Keys: len(keys), Failed: int(failed.Load())}, err
}

// Health reports per-key composition state, sorted for the status surface.
func (c *Composer) Health() []KeyHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]KeyHealth, 0, len(c.health))
	for _, h := range c.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegionID != out[j].RegionID {
			return out[i].RegionID < out[j].RegionID
		}
		return out[i].ServiceKey < out[j].ServiceKey
	})
	return out
}

func (c *Composer) takeRetry(key Key) map[hexgrid.CellID]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	cells := c.retry[key]
	delete(c.retry, key)
	return cells
}

func (c *Composer) finishCompose(key Key, computed int, failures []HexError, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.healthLocked(key)
	at := now
	h.Cells = computed
	h.FailedCells = len(failures)
	h.LastSweep = &at
	h.LastError = ""
	if len(failures) == 0 {
		return
	}
	h.LastError = failures[len(failures)-1].Err.Error()
	set := make(map[hexgrid.CellID]struct{}, len(failures))
	for _, f := range failures {
		set[f.Cell] = struct{}{}
	}
	c.retry[key] = set
	slog.Warn("composition left failed cells",
		slog.String("region", string(key.RegionID)),
		slog.String("service", key.ServiceKey),
		slog.Int("failed", len(failures)),
		slog.String("last_error", h.LastError))
}

func (c *Composer) keyFailed(key Key, err error) error {
	c.mu.Lock()
	c.healthLocked(key).LastError = err.Error()
	c.mu.Unlock()
	return err
}

func (c *Composer) healthLocked(key Key) *KeyHealth {
	h, ok := c.health[key]
	if !ok {
		h = &KeyHealth{RegionID: key.RegionID, ServiceKey: key.ServiceKey}
		c.health[key] = h
	}
	return h
}

func (c *Composer) publish(ctx context.Context, key Key) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishState(ctx, key, c.state.Cells(key)); err != nil {
		slog.Warn("state mirror publish failed",
			slog.String("region", string(key.RegionID)),
			slog.String("service", key.ServiceKey),
			slog.Any("error", err))
	}
}

// keyedMutex hands out one mutex per key so composition for a key is
// serialized while distinct keys run in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func (k *keyedMutex) lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[Key]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
