// README: Composition pipeline tests: layer precedence, smoothing, clamps,
// approval gating, the emergency freeze, and failure retry.
package compose

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"alon/internal/forecast"
	"alon/internal/hexgrid"
	"alon/internal/modules/approval"
	"alon/internal/modules/audit"
	"alon/internal/modules/compliance"
	"alon/internal/modules/event"
	"alon/internal/modules/override"
	"alon/internal/modules/profile"
	"alon/internal/types"
)

var manila = types.Point{Lat: 14.5995, Lng: 120.9842}

type stubProvider struct {
	mu    sync.Mutex
	s     forecast.Suggestion
	calls int
}

func (p *stubProvider) Baseline(context.Context, types.ID, string) (forecast.Suggestion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.s, nil
}

func (p *stubProvider) set(s forecast.Suggestion) {
	p.mu.Lock()
	p.s = s
	p.mu.Unlock()
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type composeFixture struct {
	clock     *types.FixedClock
	log       *audit.MemoryLog
	profiles  *profile.Service
	rules     *override.Service
	events    *event.Service
	approvals *approval.Service
	limits    *compliance.Limits
	provider  *stubProvider
	baseline  *forecast.Cache
	state     *StateStore
	composer  *Composer
}

func newComposeFixture(t *testing.T) *composeFixture {
	t.Helper()
	f := &composeFixture{
		clock: &types.FixedClock{T: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		log:   audit.NewMemoryLog(),
	}
	f.profiles = profile.NewService(profile.NewMemoryStore(f.log), f.clock, profile.Defaults{}, 1.5)
	f.approvals = approval.NewService(approval.NewMemoryStore(f.log), approval.NewMemoryFlagStore(f.log), f.clock, 2)
	f.limits = compliance.NewLimits(f.profiles, f.approvals, compliance.Snapshot{
		MaxMultiplier:  2.0,
		MaxAdditiveFee: 10000,
		MaxHexes:       500,
		WarnMultiplier: 2.0,
	})
	f.rules = override.NewService(override.NewMemoryStore(f.log), f.clock, f.limits, 1.5)
	f.rules.SetApprovals(f.approvals)
	f.approvals.RegisterHook(approval.TargetOverride, f.rules)
	f.profiles.SetRuleChecker(f.rules)
	f.events = event.NewService(event.NewMemoryStore(f.log), event.NewMemoryDedup(f.clock), f.clock)
	f.provider = &stubProvider{s: forecast.Suggestion{Multiplier: 1.0, Confidence: 1.0, ModelVersion: "static"}}
	f.baseline = forecast.NewCache(f.provider, f.clock)
	f.state = NewStateStore()
	f.composer = NewComposer(f.state, f.profiles, f.rules, f.events, f.baseline, f.limits, f.clock, Options{})
	return f
}

func (f *composeFixture) activeProfile(t *testing.T, region types.ID, service string) *profile.Profile {
	t.Helper()
	ctx := context.Background()
	p, err := f.profiles.Create(ctx, "ops-1", profile.CreateCommand{RegionID: region, ServiceKey: service})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if p, err = f.profiles.Transition(ctx, "ops-1", p.ID, profile.StatusFiled, p.Version); err != nil {
		t.Fatalf("file profile: %v", err)
	}
	if p, err = f.profiles.Transition(ctx, "ops-1", p.ID, profile.StatusActive, p.Version); err != nil {
		t.Fatalf("activate profile: %v", err)
	}
	return p
}

func (f *composeFixture) approvedRule(t *testing.T, cmd override.CreateCommand) *override.Rule {
	t.Helper()
	r, _, err := f.rules.Create(context.Background(), "ops-1", cmd)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r.Status != override.StatusApproved {
		t.Fatalf("rule status = %s, want auto-approved", r.Status)
	}
	return r
}

func (f *composeFixture) ingestWeather(t *testing.T, region types.ID, mm float64, condition string, radiusKm float64) *event.Event {
	t.Helper()
	e, stored, err := f.events.Ingest(context.Background(), "weather", time.Minute, event.Observation{
		Type:     event.TypeWeather,
		RegionID: region,
		Center:   manila,
		RadiusKm: radiusKm,
		Weather:  &event.WeatherSignal{RainfallMM: mm, Condition: condition},
	})
	if err != nil {
		t.Fatalf("ingest weather: %v", err)
	}
	if !stored {
		t.Fatal("observation below threshold, no event stored")
	}
	return e
}

func (f *composeFixture) compose(t *testing.T, region types.ID, service string) Stats {
	t.Helper()
	stats, err := f.composer.Compose(context.Background(), region, service)
	if err != nil {
		t.Fatalf("compose %s/%s: %v", region, service, err)
	}
	return stats
}

func (f *composeFixture) refresh(t *testing.T, region types.ID, service string) {
	t.Helper()
	if _, err := f.baseline.Refresh(context.Background(), region, service); err != nil {
		t.Fatalf("refresh baseline: %v", err)
	}
}

func cellAt(t *testing.T, lat, lng float64) hexgrid.CellID {
	t.Helper()
	c, err := hexgrid.Resolve(lat, lng, 9)
	if err != nil {
		t.Fatalf("resolve (%v, %v): %v", lat, lng, err)
	}
	return c
}

// cellsNearCenter picks n distinct cells within a few hundred meters of the
// Manila fixture point, inside any event radius of a kilometre or more.
func cellsNearCenter(t *testing.T, n int) []hexgrid.CellID {
	t.Helper()
	seen := make(map[hexgrid.CellID]bool, n)
	out := make([]hexgrid.CellID, 0, n)
	for i := 0; len(out) < n; i++ {
		c := cellAt(t, manila.Lat+float64(i)*0.003, manila.Lng)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func ruleCommand(cells []hexgrid.CellID, multiplier float64, fee int64, ends time.Time) override.CreateCommand {
	return override.CreateCommand{
		Kind:        override.KindOverride,
		RegionID:    "ncr-manila",
		ServiceKey:  types.ServiceTNVS,
		Reason:      "flooding on espana",
		Multiplier:  multiplier,
		AdditiveFee: fee,
		HexSet:      cells,
		EndsAt:      ends,
	}
}

func TestSmoothingCurve(t *testing.T) {
	oneStep := 1.0 + 0.3*(1-math.Pow(0.5, 60.0/300.0))
	cases := []struct {
		name     string
		old      float64
		target   float64
		elapsed  time.Duration
		halfLife time.Duration
		want     float64
	}{
		{"one minute of a five minute half life", 1.0, 1.3, time.Minute, 5 * time.Minute, oneStep},
		{"full half life covers half the gap", 1.0, 1.5, 5 * time.Minute, 5 * time.Minute, 1.25},
		{"tiny gap snaps to target", 1.2999, 1.3, time.Minute, 5 * time.Minute, 1.3},
		{"zero elapsed holds", 1.1, 1.3, 0, 5 * time.Minute, 1.1},
		{"negative elapsed holds", 1.1, 1.3, -time.Minute, 5 * time.Minute, 1.1},
		{"no half life jumps", 1.0, 1.8, time.Minute, 0, 1.8},
		{"already at target", 1.4, 1.4, time.Minute, 5 * time.Minute, 1.4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := smooth(c.old, c.target, c.elapsed, c.halfLife)
			if math.Abs(got-c.want) > 1e-9 {
				t.Errorf("smooth(%v, %v, %v, %v) = %v, want %v", c.old, c.target, c.elapsed, c.halfLife, got, c.want)
			}
		})
	}
}

func TestWinnersPrecedence(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC) }
	c1 := cellAt(t, manila.Lat, manila.Lng)
	c2 := cellAt(t, manila.Lat+0.003, manila.Lng)
	c3 := cellAt(t, manila.Lat+0.006, manila.Lng)

	early := &override.Rule{ID: "a", Multiplier: 1.2, HexSet: []hexgrid.CellID{c1, c2}, StartsAt: at(7, 0), EndsAt: at(12, 0)}
	late := &override.Rule{ID: "b", Multiplier: 1.4, HexSet: []hexgrid.CellID{c2, c3}, StartsAt: at(7, 30), EndsAt: at(11, 0)}
	tied := &override.Rule{ID: "c", Multiplier: 1.6, HexSet: []hexgrid.CellID{c1}, StartsAt: at(7, 0), EndsAt: at(10, 0)}

	for _, order := range [][]*override.Rule{{early, late, tied}, {tied, late, early}} {
		w := winners(order, now)
		if got := w[c1].rule.ID; got != "c" {
			t.Errorf("c1 winner = %s, want c by id tie-break", got)
		}
		if got := w[c2].rule.ID; got != "b" {
			t.Errorf("c2 winner = %s, want b by later start", got)
		}
		if got := w[c3].rule.ID; got != "b" {
			t.Errorf("c3 winner = %s, want b", got)
		}
	}

	closed := &override.Rule{ID: "d", Multiplier: 1.9, HexSet: []hexgrid.CellID{c1}, StartsAt: at(5, 0), EndsAt: at(6, 0)}
	if w := winners([]*override.Rule{closed}, now); len(w) != 0 {
		t.Errorf("closed window produced winners: %v", w)
	}
}

func TestEventBumpsStrongestWins(t *testing.T) {
	f := newComposeFixture(t)
	at := func(h, m int) time.Time { return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC) }
	high := &event.Event{ID: "e-high", Severity: event.SeverityHigh, Center: manila, RadiusKm: 0.4, EndTime: at(10, 0)}
	medium := &event.Event{ID: "e-med", Severity: event.SeverityMedium, Center: manila, RadiusKm: 0.4, EndTime: at(11, 0)}

	bumps := f.composer.eventBumps([]*event.Event{medium, high})
	if len(bumps) == 0 {
		t.Fatal("no cells bumped")
	}
	for cell, b := range bumps {
		if b.factor != 1.30 {
			t.Errorf("cell %s factor = %v, want the strongest (1.30), not a stacked product", cell, b.factor)
		}
		if !b.until.Equal(at(10, 0)) {
			t.Errorf("cell %s until = %v, want the winning event's end", cell, b.until)
		}
	}

	longer := &event.Event{ID: "e-med-2", Severity: event.SeverityMedium, Center: manila, RadiusKm: 0.4, EndTime: at(11, 30)}
	bumps = f.composer.eventBumps([]*event.Event{medium, longer})
	for cell, b := range bumps {
		if b.factor != 1.20 || !b.until.Equal(at(11, 30)) {
			t.Errorf("cell %s = (%v, %v), want equal factors extending to the later end", cell, b.factor, b.until)
		}
	}

	if bumps := f.composer.eventBumps([]*event.Event{{ID: "e-x", Center: manila, RadiusKm: 0.4}}); len(bumps) != 0 {
		t.Errorf("ungraded event produced bumps: %v", bumps)
	}
}

// TestComposeStormScenario walks the storm sequence end to end: heavy rain
// grades high, fares glide toward baseline times 1.3, converge exactly, and
// an operator override then takes its cells over at its exact value.
func TestComposeStormScenario(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	f.refresh(t, "ncr-manila", types.ServiceTNVS)
	e := f.ingestWeather(t, "ncr-manila", 12, "heavy_rain", 1.0)
	if e.Severity != event.SeverityHigh {
		t.Fatalf("12mm graded %s, want high", e.Severity)
	}
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}

	stats := f.compose(t, "ncr-manila", types.ServiceTNVS)
	if stats.Computed == 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want cells computed cleanly", stats)
	}
	firstStep := 1.0 + 0.3*(1-math.Pow(0.5, 60.0/300.0))
	for _, row := range f.state.Cells(key) {
		if row.Source != SourceEvent {
			t.Fatalf("cell %s source = %s, want event", row.Cell, row.Source)
		}
		if math.Abs(row.Multiplier-firstStep) > 1e-9 {
			t.Fatalf("cell %s = %v after one interval, want %v", row.Cell, row.Multiplier, firstStep)
		}
		if !row.ValidUntil.Equal(e.EndTime) {
			t.Errorf("cell %s valid until %v, want the event end %v", row.Cell, row.ValidUntil, e.EndTime)
		}
	}

	prev := firstStep
	converged := false
	for i := 0; i < 48 && !converged; i++ {
		f.clock.Advance(time.Minute)
		f.compose(t, "ncr-manila", types.ServiceTNVS)
		row := f.state.Cells(key)[0]
		if row.Multiplier < prev || row.Multiplier > 1.3 {
			t.Fatalf("multiplier %v left the monotone climb toward 1.3 (prev %v)", row.Multiplier, prev)
		}
		prev = row.Multiplier
		converged = row.Multiplier == 1.3
	}
	if !converged {
		t.Fatalf("multiplier never converged, stuck at %v", prev)
	}

	cells := cellsNearCenter(t, 3)
	covered := make(map[hexgrid.CellID]bool, len(cells))
	for _, c := range cells {
		covered[c] = true
	}
	f.approvedRule(t, ruleCommand(cells, 1.2, 0, f.clock.Now().Add(time.Hour)))
	f.clock.Advance(time.Minute)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	for _, row := range f.state.Cells(key) {
		if covered[row.Cell] {
			if row.Source != SourceManual || row.Multiplier != 1.2 {
				t.Fatalf("override cell %s = (%s, %v), want exactly (manual, 1.2)", row.Cell, row.Source, row.Multiplier)
			}
		} else if row.Source != SourceEvent || row.Multiplier != 1.3 {
			t.Fatalf("storm cell %s = (%s, %v), want (event, 1.3)", row.Cell, row.Source, row.Multiplier)
		}
	}
}

func TestComposeIdempotentAtOneInstant(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	f.ingestWeather(t, "ncr-manila", 12, "heavy_rain", 1.0)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}

	f.compose(t, "ncr-manila", types.ServiceTNVS)
	before := f.state.Cells(key)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	after := f.state.Cells(key)

	if !reflect.DeepEqual(before, after) {
		t.Fatal("recomposing with no time passed changed the materialized rows")
	}
}

func TestTaxiStaysAtPar(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTaxi)
	f.provider.set(forecast.Suggestion{Multiplier: 1.8, Confidence: 1.0, ModelVersion: "static"})
	f.refresh(t, "ncr-manila", types.ServiceTaxi)
	f.ingestWeather(t, "ncr-manila", 30, "typhoon", 1.0)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTaxi}

	for i := 0; i < 5; i++ {
		f.compose(t, "ncr-manila", types.ServiceTaxi)
		rows := f.state.Cells(key)
		if len(rows) == 0 {
			t.Fatal("no cells materialized for the taxi key")
		}
		for _, row := range rows {
			if row.Multiplier != 1.0 || row.AdditiveFee.Amount != 0 {
				t.Fatalf("taxi cell %s = (%v, %d), metered fares must stay at par", row.Cell, row.Multiplier, row.AdditiveFee.Amount)
			}
			if row.Source != SourceML {
				t.Errorf("taxi cell %s source = %s, want the neutral baseline tag", row.Cell, row.Source)
			}
		}
		f.clock.Advance(time.Minute)
	}
}

func TestBoundsHoldUnderStackedLayers(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	f.provider.set(forecast.Suggestion{Multiplier: 1.9, Confidence: 1.0, ModelVersion: "static"})
	f.refresh(t, "ncr-manila", types.ServiceTNVS)
	f.ingestWeather(t, "ncr-manila", 30, "typhoon", 1.0)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}

	// 1.9 baseline times the 1.45 critical bump wants 2.755; every written
	// row must still sit inside [1.0, 2.0]. Past the event end the target
	// falls back to 1.9 and rows glide down, still inside the envelope.
	for i := 0; i < 100; i++ {
		f.compose(t, "ncr-manila", types.ServiceTNVS)
		for _, row := range f.state.Cells(key) {
			if row.Multiplier < 1.0 || row.Multiplier > 2.0 {
				t.Fatalf("cell %s multiplier %v outside [1.0, 2.0] at step %d", row.Cell, row.Multiplier, i)
			}
			if row.AdditiveFee.Amount < 0 || row.AdditiveFee.Amount > 10000 {
				t.Fatalf("cell %s fee %d outside [0, 10000]", row.Cell, row.AdditiveFee.Amount)
			}
		}
		f.clock.Advance(time.Minute)
	}
	row := f.state.Cells(key)[0]
	if row.Source != SourceML || row.Multiplier != 1.9 {
		t.Fatalf("after the event row = (%s, %v), want the 1.9 baseline back", row.Source, row.Multiplier)
	}
}

func TestManualBeatsScheduleOnSharedCells(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	now := f.clock.Now()
	cells := cellsNearCenter(t, 3)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}

	sched := ruleCommand(cells[:2], 1.3, 1000, now.Add(time.Hour))
	sched.Kind = override.KindSchedule
	sched.Recurrence = override.RecurDaily
	sched.StartsAt = now.Add(-time.Hour)
	f.approvedRule(t, sched)
	f.approvedRule(t, ruleCommand(cells[1:], 1.2, 2000, now.Add(time.Hour)))

	f.compose(t, "ncr-manila", types.ServiceTNVS)
	rows := make(map[hexgrid.CellID]HexState)
	for _, row := range f.state.Cells(key) {
		rows[row.Cell] = row
	}

	scheduledOnly := rows[cells[0]]
	if scheduledOnly.Source != SourceScheduled {
		t.Fatalf("schedule-only cell source = %s, want scheduled", scheduledOnly.Source)
	}
	if scheduledOnly.Multiplier >= 1.3 || scheduledOnly.Multiplier <= 1.0 {
		t.Errorf("scheduled multiplier %v should still be gliding toward 1.3", scheduledOnly.Multiplier)
	}
	if scheduledOnly.AdditiveFee.Amount != 1000 {
		t.Errorf("scheduled fee = %d, want 1000 applied at once, fees never glide", scheduledOnly.AdditiveFee.Amount)
	}

	for _, c := range cells[1:] {
		row := rows[c]
		if row.Source != SourceManual || row.Multiplier != 1.2 || row.AdditiveFee.Amount != 2000 {
			t.Fatalf("override cell %s = (%s, %v, %d), want exactly (manual, 1.2, 2000)", c, row.Source, row.Multiplier, row.AdditiveFee.Amount)
		}
	}

	// Disabling additive fees on the active profile zeroes the fee envelope
	// on the next pass; multipliers are untouched.
	active, err := f.profiles.ActiveFor(context.Background(), "ncr-manila", types.ServiceTNVS)
	if err != nil {
		t.Fatalf("active profiles: %v", err)
	}
	p := active[0]
	off := false
	if _, _, err := f.profiles.Update(context.Background(), "ops-1", profile.UpdateCommand{
		ID: p.ID, ExpectedVersion: p.Version, AdditiveEnabled: &off,
	}); err != nil {
		t.Fatalf("disable additive: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	for _, row := range f.state.Cells(key) {
		if row.AdditiveFee.Amount != 0 {
			t.Fatalf("cell %s fee = %d after additive disabled, want 0", row.Cell, row.AdditiveFee.Amount)
		}
	}
	if row, _ := f.state.Get(key, cells[1]); row.Multiplier != 1.2 {
		t.Errorf("override multiplier moved to %v when only fees were disabled", row.Multiplier)
	}
}

func TestPendingRuleNeverMaterializes(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	now := f.clock.Now()
	cells := cellsNearCenter(t, 2)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}

	r, _, err := f.rules.Create(context.Background(), "ops-1", ruleCommand(cells, 2.0, 0, now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != override.StatusPending {
		t.Fatalf("status = %s, want pending above the threshold", r.Status)
	}

	if stats := f.compose(t, "ncr-manila", types.ServiceTNVS); stats.Computed != 0 {
		t.Fatalf("pending rule materialized %d cells", stats.Computed)
	}
	if _, err := f.approvals.Approve(context.Background(), r.ApprovalRequestID, "lead-1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if stats := f.compose(t, "ncr-manila", types.ServiceTNVS); stats.Computed != 0 {
		t.Fatal("one approval of two already materialized the rule")
	}
	if _, err := f.approvals.Approve(context.Background(), r.ApprovalRequestID, "lead-2"); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	for _, c := range cells {
		row, ok := f.state.Get(key, c)
		if !ok || row.Source != SourceManual || row.Multiplier != 2.0 {
			t.Fatalf("cell %s after quorum = (%+v, %v), want manual at exactly 2.0", c, row, ok)
		}
	}

	rejectedCells := []hexgrid.CellID{cellAt(t, manila.Lat+0.05, manila.Lng)}
	r2, _, err := f.rules.Create(context.Background(), "ops-1", ruleCommand(rejectedCells, 1.8, 0, now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("create second rule: %v", err)
	}
	if _, err := f.approvals.Reject(context.Background(), r2.ApprovalRequestID, "lead-1", "demand does not support this"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	if _, ok := f.state.Get(key, rejectedCells[0]); ok {
		t.Fatal("rejected rule materialized")
	}
}

func TestEmergencyFreezeAndThaw(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	cells := cellsNearCenter(t, 3)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}
	f.approvedRule(t, ruleCommand(cells, 1.4, 2000, f.clock.Now().Add(3*time.Hour)))
	f.compose(t, "ncr-manila", types.ServiceTNVS)

	if _, err := f.approvals.SetEmergency(context.Background(), "director-1", "earthquake response"); err != nil {
		t.Fatalf("set emergency: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	for _, row := range f.state.Cells(key) {
		if row.Multiplier != 1.0 || row.AdditiveFee.Amount != 0 || row.Source != SourceML {
			t.Fatalf("frozen cell %s = (%v, %d, %s), want (1.0, 0, ml)", row.Cell, row.Multiplier, row.AdditiveFee.Amount, row.Source)
		}
	}

	// New rules are rejected outright while the brake is on.
	_, _, err := f.rules.Create(context.Background(), "ops-2", ruleCommand(cells[:1], 1.3, 0, f.clock.Now().Add(time.Hour)))
	var cerr *compliance.Error
	if !errors.As(err, &cerr) || !cerr.Has(compliance.CodeEmergencyBrake) {
		t.Fatalf("create during freeze = %v, want EMERGENCY_BRAKE_ACTIVE", err)
	}

	if _, err := f.approvals.ClearEmergency(context.Background(), "director-1"); err != nil {
		t.Fatalf("clear emergency: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	for _, row := range f.state.Cells(key) {
		if row.Source != SourceManual || row.Multiplier != 1.4 || row.AdditiveFee.Amount != 2000 {
			t.Fatalf("thawed cell %s = (%s, %v, %d), want the override back at exactly 1.4", row.Cell, row.Source, row.Multiplier, row.AdditiveFee.Amount)
		}
	}
}

func TestShadowTagsDiscardedSuggestion(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	cells := cellsNearCenter(t, 1)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}
	f.approvedRule(t, ruleCommand(cells, 1.2, 0, f.clock.Now().Add(30*time.Minute)))
	f.compose(t, "ncr-manila", types.ServiceTNVS)

	f.provider.set(forecast.Suggestion{Multiplier: 1.8, Confidence: 0.3, ModelVersion: "gemini-2.0-flash"})
	f.refresh(t, "ncr-manila", types.ServiceTNVS)
	f.clock.Advance(31 * time.Minute) // past the override window
	f.compose(t, "ncr-manila", types.ServiceTNVS)

	row, ok := f.state.Get(key, cells[0])
	if !ok {
		t.Fatal("cell fell out of the materialized state")
	}
	if row.Source != SourceShadow {
		t.Fatalf("source = %s, want shadow for a discarded low-confidence suggestion", row.Source)
	}
	if row.Multiplier >= 1.2 || row.Multiplier <= 1.0 {
		t.Errorf("multiplier %v should be gliding from 1.2 down to the 1.0 floor", row.Multiplier)
	}

	f.provider.set(forecast.Suggestion{Multiplier: 1.8, Confidence: 0.9, ModelVersion: "gemini-2.0-flash"})
	f.refresh(t, "ncr-manila", types.ServiceTNVS)
	f.clock.Advance(time.Minute)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	row, _ = f.state.Get(key, cells[0])
	if row.Source != SourceML {
		t.Fatalf("source = %s, want ml once confidence recovers", row.Source)
	}
}

func TestFailedCellsRetryAndHeal(t *testing.T) {
	f := newComposeFixture(t)
	f.provider.set(forecast.Suggestion{Multiplier: math.NaN(), Confidence: 1.0, ModelVersion: "static"})
	f.refresh(t, "ncr-manila", types.ServiceTNVS)
	e := f.ingestWeather(t, "ncr-manila", 12, "heavy_rain", 1.0)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}

	stats := f.compose(t, "ncr-manila", types.ServiceTNVS)
	if stats.Computed != 0 || stats.Failed == 0 {
		t.Fatalf("stats = %+v, want every cell failing on a non-finite target", stats)
	}
	if rows := f.state.Cells(key); len(rows) != 0 {
		t.Fatalf("%d rows materialized from failed cells", len(rows))
	}
	var health *KeyHealth
	for _, h := range f.composer.Health() {
		if h.RegionID == key.RegionID && h.ServiceKey == key.ServiceKey {
			health = &h
			break
		}
	}
	if health == nil || health.FailedCells != stats.Failed || health.LastError == "" {
		t.Fatalf("health = %+v, want the failures on record", health)
	}

	// The event expires before the provider recovers; the retry set alone
	// must bring the failed cells back into the next pass.
	f.clock.Advance(e.EndTime.Sub(f.clock.Now()) + time.Minute)
	f.provider.set(forecast.Suggestion{Multiplier: 1.0, Confidence: 1.0, ModelVersion: "static"})
	f.refresh(t, "ncr-manila", types.ServiceTNVS)

	stats = f.compose(t, "ncr-manila", types.ServiceTNVS)
	if stats.Failed != 0 || stats.Computed == 0 {
		t.Fatalf("stats after recovery = %+v, want the retried cells computed", stats)
	}
	for _, row := range f.state.Cells(key) {
		if row.Source != SourceML || row.Multiplier != 1.0 {
			t.Fatalf("healed cell %s = (%s, %v), want the neutral baseline", row.Cell, row.Source, row.Multiplier)
		}
	}
}

func TestLookupFallbacks(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	e := f.ingestWeather(t, "ncr-manila", 12, "heavy_rain", 1.0)
	f.compose(t, "ncr-manila", types.ServiceTNVS)
	key := Key{RegionID: "ncr-manila", ServiceKey: types.ServiceTNVS}
	cell := f.state.Cells(key)[0].Cell

	row, ok := f.composer.Lookup("ncr-manila", types.ServiceTNVS, cell)
	if !ok || row.Source != SourceEvent {
		t.Fatalf("fresh lookup = (%+v, %v), want the materialized event row", row, ok)
	}

	far := cellAt(t, manila.Lat+0.5, manila.Lng)
	row, ok = f.composer.Lookup("ncr-manila", types.ServiceTNVS, far)
	if ok || row.Multiplier != 1.0 || row.AdditiveFee.Amount != 0 || row.Source != SourceML {
		t.Fatalf("unknown cell lookup = (%+v, %v), want the neutral baseline and ok=false", row, ok)
	}

	f.clock.Advance(e.EndTime.Sub(f.clock.Now()) + time.Hour)
	row, ok = f.composer.Lookup("ncr-manila", types.ServiceTNVS, cell)
	if !ok {
		t.Fatal("stale row vanished from lookup")
	}
	if row.Source != SourceML {
		t.Errorf("stale row source = %s, want the baseline re-tag", row.Source)
	}
	if row.Multiplier <= 1.0 {
		t.Errorf("stale row lost its glided value: %v", row.Multiplier)
	}
}

func TestSweepCoversProfilesAndLiveRules(t *testing.T) {
	f := newComposeFixture(t)
	f.activeProfile(t, "ncr-manila", types.ServiceTNVS)
	f.activeProfile(t, "cebu", types.ServiceTNVS)
	davaoCells := []hexgrid.CellID{cellAt(t, 7.0731, 125.6128)}
	cmd := ruleCommand(davaoCells, 1.2, 0, f.clock.Now().Add(2*time.Hour))
	cmd.RegionID = "davao"
	f.approvedRule(t, cmd)

	stats, err := f.composer.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Keys != 3 || stats.Failed != 0 {
		t.Fatalf("sweep stats = %+v, want 3 keys clean", stats)
	}
	davao := Key{RegionID: "davao", ServiceKey: types.ServiceTNVS}
	row, ok := f.state.Get(davao, davaoCells[0])
	if !ok || row.Source != SourceManual || row.Multiplier != 1.2 {
		t.Fatalf("davao cell = (%+v, %v), want the live rule materialized without any profile", row, ok)
	}
	if got := len(f.composer.Health()); got != 3 {
		t.Fatalf("health entries = %d, want one per swept key", got)
	}

	stats, err = f.composer.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if stats.Keys != 3 {
		t.Fatalf("rebuild stats = %+v, want the same universe", stats)
	}
	if _, ok := f.state.Get(davao, davaoCells[0]); !ok {
		t.Fatal("rebuild lost the rule-backed cell")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSchedulerRunsAndReconciles(t *testing.T) {
	f := newComposeFixture(t)
	p := f.activeProfile(t, "cebu", types.ServiceTNVS)
	sched := NewScheduler(f.composer, f.profiles, f.baseline, 20*time.Millisecond)

	sched.Start(context.Background())
	sched.Start(context.Background()) // second start is a no-op
	defer sched.Stop()

	key := Key{RegionID: "cebu", ServiceKey: types.ServiceTNVS}
	waitFor(t, 2*time.Second, func() bool {
		for _, h := range f.composer.Health() {
			if h.RegionID == key.RegionID && h.ServiceKey == key.ServiceKey && h.LastSweep != nil {
				return true
			}
		}
		return false
	})
	if f.provider.callCount() == 0 {
		t.Fatal("loop never refreshed the baseline")
	}

	if _, err := f.profiles.Transition(context.Background(), "ops-1", p.ID, profile.StatusRetired, p.Version); err != nil {
		t.Fatalf("retire: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.loops) == 0
	})

	sched.Stop()
}
