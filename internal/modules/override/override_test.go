// README: Rule intake, windowing, approval gating, and expiry tests.
package override

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alon/internal/hexgrid"
	"alon/internal/modules/approval"
	"alon/internal/modules/audit"
	"alon/internal/modules/compliance"
	"alon/internal/types"
)

type stubCaps struct {
	snap compliance.Snapshot
}

func (s *stubCaps) Snapshot(context.Context, types.ID, string) (compliance.Snapshot, error) {
	return s.snap, nil
}

type ruleFixture struct {
	svc       *Service
	approvals *approval.Service
	log       *audit.MemoryLog
	clock     *types.FixedClock
	caps      *stubCaps

	mu       sync.Mutex
	notified []string
}

func newRuleFixture(t *testing.T) *ruleFixture {
	t.Helper()
	f := &ruleFixture{
		clock: &types.FixedClock{T: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		log:   audit.NewMemoryLog(),
		caps: &stubCaps{snap: compliance.Snapshot{
			MaxMultiplier:  2.0,
			MaxAdditiveFee: 10000,
			MaxHexes:       500,
			WarnMultiplier: 2.0,
			ActiveProfiles: 1,
		}},
	}
	f.svc = NewService(NewMemoryStore(f.log), f.clock, f.caps, 1.5)
	f.approvals = approval.NewService(approval.NewMemoryStore(f.log), approval.NewMemoryFlagStore(f.log), f.clock, 2)
	f.approvals.RegisterHook(approval.TargetOverride, f.svc)
	f.svc.SetApprovals(f.approvals)
	f.svc.SetNotifier(func(_ context.Context, region types.ID, service string) {
		f.mu.Lock()
		f.notified = append(f.notified, string(region)+"/"+service)
		f.mu.Unlock()
	})
	return f
}

func (f *ruleFixture) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

func mustResolve(t *testing.T, lat, lng float64) hexgrid.CellID {
	t.Helper()
	c, err := hexgrid.Resolve(lat, lng, 9)
	if err != nil {
		t.Fatalf("resolve (%v, %v): %v", lat, lng, err)
	}
	return c
}

func makeCells(t *testing.T, n int) []hexgrid.CellID {
	t.Helper()
	seen := make(map[hexgrid.CellID]bool, n)
	out := make([]hexgrid.CellID, 0, n)
	for i := 0; len(out) < n; i++ {
		c := mustResolve(t, 10.0+float64(i)*0.005, 121.0)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func baseCommand(t *testing.T) CreateCommand {
	t.Helper()
	return CreateCommand{
		Kind:        KindOverride,
		RegionID:    "ncr-manila",
		ServiceKey:  types.ServiceTNVS,
		Reason:      "flooding on espana",
		Multiplier:  1.3,
		AdditiveFee: 2000,
		HexSet:      makeCells(t, 3),
		EndsAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRuleWindows(t *testing.T) {
	day := func(d, h, m int) time.Time {
		return time.Date(2025, 6, d, h, m, 0, 0, time.UTC)
	}
	nightly := &Rule{
		Kind:       KindSchedule,
		StartsAt:   day(1, 22, 0),
		EndsAt:     day(1, 23, 30),
		Recurrence: RecurDaily,
	}
	weekly := &Rule{
		Kind:       KindSchedule,
		StartsAt:   day(1, 6, 0),
		EndsAt:     day(1, 9, 0),
		Recurrence: RecurWeekly,
	}
	oneOff := &Rule{
		Kind:     KindOverride,
		StartsAt: day(1, 10, 0),
		EndsAt:   day(1, 12, 0),
	}

	cases := []struct {
		name      string
		rule      *Rule
		now       time.Time
		active    bool
		wantStart time.Time
	}{
		{"before first window", nightly, day(1, 21, 0), false, time.Time{}},
		{"inside first window", nightly, day(1, 22, 30), true, day(1, 22, 0)},
		{"inside later occurrence", nightly, day(3, 22, 30), true, day(3, 22, 0)},
		{"between occurrences", nightly, day(3, 23, 45), false, time.Time{}},
		{"weekly next sunday", weekly, day(8, 7, 0), true, day(8, 6, 0)},
		{"weekly midweek", weekly, day(4, 7, 0), false, time.Time{}},
		{"one-off inside", oneOff, day(1, 11, 0), true, day(1, 10, 0)},
		{"one-off at end", oneOff, day(1, 12, 0), false, time.Time{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			start, _, ok := c.rule.ActiveWindow(c.now)
			if ok != c.active {
				t.Fatalf("ActiveWindow(%v) ok = %v, want %v", c.now, ok, c.active)
			}
			if ok && !start.Equal(c.wantStart) {
				t.Errorf("window start = %v, want %v", start, c.wantStart)
			}
		})
	}

	if _, _, ok := oneOff.NextWindow(day(1, 13, 0)); ok {
		t.Error("one-off past its end must have no next window")
	}
	start, _, ok := nightly.NextWindow(day(3, 23, 45))
	if !ok || !start.Equal(day(4, 22, 0)) {
		t.Errorf("nightly next window = (%v, %v), want 2025-06-04 22:00", start, ok)
	}
}

func TestCreateShapeValidation(t *testing.T) {
	f := newRuleFixture(t)
	cases := []struct {
		name  string
		mod   func(*CreateCommand)
		field string
	}{
		{"missing region", func(c *CreateCommand) { c.RegionID = "" }, "region_id"},
		{"missing service", func(c *CreateCommand) { c.ServiceKey = "" }, "service_key"},
		{"missing reason", func(c *CreateCommand) { c.Reason = "" }, "reason"},
		{"discount multiplier", func(c *CreateCommand) { c.Multiplier = 0.8 }, "multiplier"},
		{"negative fee", func(c *CreateCommand) { c.AdditiveFee = -100 }, "additive_fee"},
		{"no cells", func(c *CreateCommand) { c.HexSet = nil }, "hex_set"},
		{"inverted window", func(c *CreateCommand) { c.EndsAt = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC); c.StartsAt = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC) }, "ends_at"},
		{"recurring override", func(c *CreateCommand) { c.Recurrence = RecurDaily }, "recurrence"},
		{"window longer than period", func(c *CreateCommand) {
			c.Kind = KindSchedule
			c.Recurrence = RecurDaily
			c.StartsAt = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
			c.EndsAt = c.StartsAt.Add(25 * time.Hour)
		}, "ends_at"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd := baseCommand(t)
			c.mod(&cmd)
			_, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if verr.Field != c.field {
				t.Errorf("field = %q, want %q", verr.Field, c.field)
			}
		})
	}
}

func TestCreateRejectsEveryViolationAtOnce(t *testing.T) {
	f := newRuleFixture(t)
	cmd := baseCommand(t)
	cmd.Multiplier = 5.0
	cmd.AdditiveFee = 20000

	_, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
	var cerr *compliance.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want compliance error", err)
	}
	if !cerr.Has(compliance.CodeMultiplierAboveCap) || !cerr.Has(compliance.CodeAdditiveFeeAboveCap) {
		t.Fatalf("violations = %v, want both caps reported", cerr.Violations)
	}
}

func TestOversizedHexSetCreatesNothing(t *testing.T) {
	f := newRuleFixture(t)
	cmd := baseCommand(t)
	cmd.Multiplier = 2.0 // above the approval gate, would pend if it got that far
	cmd.HexSet = makeCells(t, 501)

	_, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
	var cerr *compliance.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want compliance error", err)
	}
	if !cerr.Has(compliance.CodeTooManyHexes) {
		t.Fatalf("violations = %v, want TOO_MANY_HEXES", cerr.Violations)
	}

	reqs, err := f.approvals.List(context.Background(), approval.Filter{})
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("compliance rejection spawned %d activation requests, want none", len(reqs))
	}
	rules, err := f.svc.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("compliance rejection stored %d rules, want none", len(rules))
	}
}

func TestTaxiSurgeForbidden(t *testing.T) {
	f := newRuleFixture(t)
	cmd := baseCommand(t)
	cmd.ServiceKey = types.ServiceTaxi

	_, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
	var cerr *compliance.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want compliance error", err)
	}
	if !cerr.Has(compliance.CodeTaxiSurgeForbidden) {
		t.Fatalf("violations = %v, want TAXI_SURGE_FORBIDDEN", cerr.Violations)
	}
}

func TestEmergencyBrakeRejectsDistinctly(t *testing.T) {
	f := newRuleFixture(t)
	f.caps.snap.EmergencyActive = true

	_, _, err := f.svc.Create(context.Background(), "ops-1", baseCommand(t))
	var cerr *compliance.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want compliance error", err)
	}
	if !cerr.Has(compliance.CodeEmergencyBrake) {
		t.Fatalf("violations = %v, want EMERGENCY_BRAKE_ACTIVE", cerr.Violations)
	}
}

func TestCreateAutoApprovesAtThreshold(t *testing.T) {
	f := newRuleFixture(t)
	cmd := baseCommand(t)
	cmd.Multiplier = 1.5

	r, warns, err := f.svc.Create(context.Background(), "ops-1", cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != StatusApproved {
		t.Fatalf("status = %s, want approved at the threshold", r.Status)
	}
	if r.ApprovalRequestID != "" {
		t.Error("auto-approved rule carries an activation request")
	}
	if len(warns) != 0 {
		t.Errorf("warnings = %v, want none", warns)
	}
	if f.notifyCount() != 1 {
		t.Fatalf("composition notified %d times, want 1", f.notifyCount())
	}
}

func TestCreateAboveThresholdPends(t *testing.T) {
	f := newRuleFixture(t)
	f.caps.snap.MaxMultiplier = 3.0
	cmd := baseCommand(t)
	cmd.Multiplier = 2.5

	r, warns, err := f.svc.Create(context.Background(), "ops-1", cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != StatusPending {
		t.Fatalf("status = %s, want pending", r.Status)
	}
	if r.ApprovalRequestID == "" {
		t.Fatal("pending rule has no linked activation request")
	}
	if len(warns) != 1 || warns[0].Code != compliance.WarnHighMultiplier {
		t.Errorf("warnings = %v, want HIGH_MULTIPLIER", warns)
	}
	if f.notifyCount() != 0 {
		t.Fatal("pending rule must not trigger composition")
	}

	req, err := f.approvals.Get(context.Background(), r.ApprovalRequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.TargetID != r.ID || req.NeedsApprovals != 2 {
		t.Fatalf("request = %+v, want target %s needing 2 approvals", req, r.ID)
	}

	if _, err := f.approvals.Approve(context.Background(), req.ID, "lead-1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	mid, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.Status != StatusPending {
		t.Fatal("rule materialized after a single approval")
	}

	if _, err := f.approvals.Approve(context.Background(), req.ID, "lead-2"); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	after, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != StatusApproved {
		t.Fatalf("status after quorum = %s, want approved", after.Status)
	}
	if f.notifyCount() != 1 {
		t.Fatalf("composition notified %d times after quorum, want 1", f.notifyCount())
	}
}

func TestSingleRejectionDiscardsRule(t *testing.T) {
	f := newRuleFixture(t)
	cmd := baseCommand(t)
	cmd.Multiplier = 1.9

	r, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.approvals.Approve(context.Background(), r.ApprovalRequestID, "lead-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.approvals.Reject(context.Background(), r.ApprovalRequestID, "lead-2", "peak fares already cover this"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	after, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", after.Status)
	}
	if f.notifyCount() != 0 {
		t.Fatal("rejected rule must never trigger composition")
	}
}

func TestCancelApprovedRecomposes(t *testing.T) {
	f := newRuleFixture(t)
	r, _, err := f.svc.Create(context.Background(), "ops-1", baseCommand(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.notifyCount() != 1 {
		t.Fatalf("notify after create = %d, want 1", f.notifyCount())
	}

	cancelled, err := f.svc.Cancel(context.Background(), "ops-2", r.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if f.notifyCount() != 2 {
		t.Fatalf("notify after cancel = %d, want 2", f.notifyCount())
	}

	if _, err := f.svc.Cancel(context.Background(), "ops-2", r.ID); err == nil {
		t.Fatal("double cancel must conflict")
	}
}

func TestCancelPendingPullsLinkedRequest(t *testing.T) {
	f := newRuleFixture(t)
	cmd := baseCommand(t)
	cmd.Multiplier = 2.0

	r, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), "ops-1", r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	req, err := f.approvals.Get(context.Background(), r.ApprovalRequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != approval.StatusCancelled {
		t.Fatalf("linked request status = %s, want cancelled", req.Status)
	}
}

func TestLazyExpiryReporting(t *testing.T) {
	f := newRuleFixture(t)
	r, _, err := f.svc.Create(context.Background(), "ops-1", baseCommand(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.clock.Advance(6 * time.Hour) // past ends_at 12:00

	got, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("reported status = %s, want expired", got.Status)
	}

	expired, err := f.svc.List(context.Background(), Filter{Status: StatusExpired})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired list = %d rules, want 1", len(expired))
	}
	approved, err := f.svc.List(context.Background(), Filter{Status: StatusApproved})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(approved) != 0 {
		t.Fatal("expired rule still reported approved")
	}

	if _, err := f.svc.Cancel(context.Background(), "ops-1", r.ID); err == nil {
		t.Fatal("cancelling an expired rule must conflict")
	}
}

func TestActiveRulesSplitsKinds(t *testing.T) {
	f := newRuleFixture(t)
	now := f.clock.Now()

	if _, _, err := f.svc.Create(context.Background(), "ops-1", baseCommand(t)); err != nil {
		t.Fatalf("create override: %v", err)
	}
	sched := baseCommand(t)
	sched.Kind = KindSchedule
	sched.Recurrence = RecurDaily
	sched.StartsAt = now.Add(-time.Hour)
	sched.EndsAt = now.Add(time.Hour)
	if _, _, err := f.svc.Create(context.Background(), "ops-1", sched); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	future := baseCommand(t)
	future.StartsAt = now.Add(2 * time.Hour)
	future.EndsAt = now.Add(3 * time.Hour)
	if _, _, err := f.svc.Create(context.Background(), "ops-1", future); err != nil {
		t.Fatalf("create future override: %v", err)
	}

	overrides, schedules, err := f.svc.ActiveRules(context.Background(), "ncr-manila", types.ServiceTNVS, now)
	if err != nil {
		t.Fatalf("active rules: %v", err)
	}
	if len(overrides) != 1 || len(schedules) != 1 {
		t.Fatalf("active = %d overrides, %d schedules; want 1 and 1", len(overrides), len(schedules))
	}
}

func TestAnyLive(t *testing.T) {
	f := newRuleFixture(t)
	live, err := f.svc.AnyLive(context.Background(), "ncr-manila", types.ServiceTNVS, f.clock.Now())
	if err != nil {
		t.Fatalf("any live: %v", err)
	}
	if live {
		t.Fatal("empty store reported live rules")
	}

	r, _, err := f.svc.Create(context.Background(), "ops-1", baseCommand(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	live, err = f.svc.AnyLive(context.Background(), "ncr-manila", types.ServiceTNVS, f.clock.Now())
	if err != nil || !live {
		t.Fatalf("approved rule not reported live (live=%v err=%v)", live, err)
	}

	f.clock.Advance(6 * time.Hour)
	live, err = f.svc.AnyLive(context.Background(), "ncr-manila", types.ServiceTNVS, f.clock.Now())
	if err != nil {
		t.Fatalf("any live: %v", err)
	}
	if live {
		t.Fatalf("expired rule %s still reported live", r.ID)
	}
}

func TestUpcomingSchedules(t *testing.T) {
	f := newRuleFixture(t)
	now := f.clock.Now()

	mk := func(start time.Time, rec Recurrence) {
		cmd := baseCommand(t)
		cmd.Kind = KindSchedule
		cmd.Recurrence = rec
		cmd.StartsAt = start
		cmd.EndsAt = start.Add(90 * time.Minute)
		if _, _, err := f.svc.Create(context.Background(), "ops-1", cmd); err != nil {
			t.Fatalf("create schedule: %v", err)
		}
	}
	mk(now.Add(2*time.Hour), RecurNone)
	mk(now.Add(30*time.Minute), RecurDaily)
	mk(now.Add(100*time.Hour), RecurNone) // past the horizon

	got, err := f.svc.Upcoming(context.Background(), "ncr-manila", 24*time.Hour)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("upcoming = %d schedules, want 2", len(got))
	}
	first, _, _ := got[0].NextWindow(now)
	second, _, _ := got[1].NextWindow(now)
	if !first.Before(second) {
		t.Errorf("upcoming not sorted: %v then %v", first, second)
	}
}

func TestDedupeCells(t *testing.T) {
	f := newRuleFixture(t)
	cells := makeCells(t, 3)
	cmd := baseCommand(t)
	cmd.HexSet = append(append([]hexgrid.CellID{}, cells...), cells[0], cells[2])

	r, _, err := f.svc.Create(context.Background(), "ops-1", cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(r.HexSet) != 3 {
		t.Fatalf("hex set kept %d cells, want 3 after dedupe", len(r.HexSet))
	}
}

func TestAuditActionsPerKind(t *testing.T) {
	f := newRuleFixture(t)
	sched := baseCommand(t)
	sched.Kind = KindSchedule
	r, _, err := f.svc.Create(context.Background(), "ops-1", sched)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), "ops-1", r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	recent, err := f.log.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := map[string]bool{"schedule.create": false, "schedule.cancel": false}
	for _, e := range recent {
		if _, ok := want[e.Action]; ok {
			want[e.Action] = true
		}
	}
	for action, seen := range want {
		if !seen {
			t.Errorf("audit action %q missing from %v", action, actions(recent))
		}
	}
}

func actions(entries []audit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}
