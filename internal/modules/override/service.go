// README: Rule lifecycle: compliance-checked create, approval gating above
// the threshold, operator cancel, lazy expiry on every read.
package override

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"alon/internal/hexgrid"
	"alon/internal/modules/approval"
	"alon/internal/modules/audit"
	"alon/internal/modules/compliance"
	"alon/internal/types"
)

// CapSource captures the regulatory snapshot for create-time validation.
// Implemented by compliance.Limits.
type CapSource interface {
	Snapshot(ctx context.Context, regionID types.ID, serviceKey string) (compliance.Snapshot, error)
}

// Approvals is the slice of the approval workflow rules need.
type Approvals interface {
	Open(ctx context.Context, cmd approval.OpenCommand) (*approval.Request, error)
	Cancel(ctx context.Context, id, by types.ID) (*approval.Request, error)
}

type Service struct {
	store     Store
	clock     types.Clock
	caps      CapSource
	threshold float64

	approvals Approvals
	notify    func(ctx context.Context, regionID types.ID, serviceKey string)
}

func NewService(store Store, clock types.Clock, caps CapSource, approvalThreshold float64) *Service {
	return &Service{store: store, clock: clock, caps: caps, threshold: approvalThreshold}
}

// SetApprovals wires the approval workflow for above-threshold rules.
func (s *Service) SetApprovals(a Approvals) { s.approvals = a }

// SetNotifier wires the composition trigger fired when a rule materializes
// or stops materializing.
func (s *Service) SetNotifier(fn func(ctx context.Context, regionID types.ID, serviceKey string)) {
	s.notify = fn
}

type CreateCommand struct {
	Kind        Kind
	RegionID    types.ID
	ServiceKey  string
	Reason      string
	Multiplier  float64
	AdditiveFee int64 // centavos
	HexSet      []hexgrid.CellID
	StartsAt    time.Time
	EndsAt      time.Time
	Recurrence  Recurrence
}

// Create runs the full intake pipeline: shape check, compliance check with
// every violation reported at once, then the threshold gate. A multiplier
// above the gate leaves the rule pending behind an activation request; at
// or below it the rule is approved on the spot and composition is
// triggered. A compliance rejection creates nothing, not even the request.
func (s *Service) Create(ctx context.Context, by types.ID, cmd CreateCommand) (*Rule, []compliance.Violation, error) {
	now := s.clock.Now()
	if cmd.Kind == "" {
		cmd.Kind = KindOverride
	}
	if cmd.Recurrence == "" {
		cmd.Recurrence = RecurNone
	}
	if cmd.StartsAt.IsZero() {
		cmd.StartsAt = now
	}
	if err := s.checkShape(&cmd, now); err != nil {
		return nil, nil, err
	}
	cmd.HexSet = dedupeCells(cmd.HexSet)

	snap, err := s.caps.Snapshot(ctx, cmd.RegionID, cmd.ServiceKey)
	if err != nil {
		return nil, nil, err
	}
	res := compliance.Validate(compliance.Candidate{
		RegionID:    cmd.RegionID,
		ServiceKey:  cmd.ServiceKey,
		Multiplier:  cmd.Multiplier,
		AdditiveFee: types.PHP(cmd.AdditiveFee),
		HexCount:    len(cmd.HexSet),
	}, snap)
	if err := res.Err(); err != nil {
		return nil, nil, err
	}

	r := &Rule{
		ID:          types.ID(uuid.NewString()),
		Kind:        cmd.Kind,
		RegionID:    cmd.RegionID,
		ServiceKey:  cmd.ServiceKey,
		Reason:      cmd.Reason,
		Multiplier:  cmd.Multiplier,
		AdditiveFee: types.PHP(cmd.AdditiveFee),
		HexSet:      cmd.HexSet,
		StartsAt:    cmd.StartsAt,
		EndsAt:      cmd.EndsAt,
		Recurrence:  cmd.Recurrence,
		RequestedBy: by,
		Status:      StatusApproved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if cmd.Multiplier > s.threshold {
		if s.approvals == nil {
			return nil, nil, types.Invalid("multiplier", "rules above the threshold need the approval workflow, which is not wired")
		}
		req, err := s.approvals.Open(ctx, approval.OpenCommand{
			TargetKind:  approval.TargetOverride,
			TargetID:    r.ID,
			RequestedBy: by,
			Diff: approval.Diff{
				approval.PricingChange{Multiplier: r.Multiplier, AdditiveFee: r.AdditiveFee},
				approval.WindowChange{StartsAt: r.StartsAt, EndsAt: r.EndsAt},
			},
		})
		if err != nil {
			return nil, nil, err
		}
		r.Status = StatusPending
		r.ApprovalRequestID = req.ID
	}

	if err := s.store.Create(ctx, r, s.entry(by, string(r.Kind)+".create", r.ID)); err != nil {
		if r.Status == StatusPending {
			if _, cerr := s.approvals.Cancel(ctx, r.ApprovalRequestID, by); cerr != nil {
				slog.Error("orphaned activation request after failed rule write",
					slog.String("request_id", string(r.ApprovalRequestID)), slog.Any("error", cerr))
			}
		}
		return nil, nil, err
	}

	if r.Status == StatusApproved {
		s.changed(ctx, r)
	} else {
		slog.Info("rule pending approval",
			slog.String("rule_id", string(r.ID)),
			slog.String("kind", string(r.Kind)),
			slog.Float64("multiplier", r.Multiplier),
			slog.String("request_id", string(r.ApprovalRequestID)))
	}
	return r, res.Warnings, nil
}

// Cancel pulls a pending or approved rule. Cancelling an approved rule that
// is currently materialized triggers recomposition of its cells.
func (s *Service) Cancel(ctx context.Context, by types.ID, id types.ID) (*Rule, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if cur.StatusAt(now) == StatusExpired {
		return nil, types.Conflict("rule", "window already closed; expired rules stay on record")
	}
	if !CanTransition(cur.Status, StatusCancelled) {
		return nil, types.Conflict("rule", fmt.Sprintf("cannot cancel a %s rule", cur.Status))
	}

	updated, ok, err := s.store.UpdateStatus(ctx, id, cur.Status, StatusCancelled, s.entry(by, string(cur.Kind)+".cancel", id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Conflict("rule", fmt.Sprintf("status moved from %s while cancelling", cur.Status))
	}

	if cur.Status == StatusPending && cur.ApprovalRequestID != "" && s.approvals != nil {
		if by == cur.RequestedBy {
			if _, err := s.approvals.Cancel(ctx, cur.ApprovalRequestID, by); err != nil {
				slog.Warn("linked activation request not cancelled",
					slog.String("request_id", string(cur.ApprovalRequestID)), slog.Any("error", err))
			}
		} else {
			// The request stays open; its decision will miss the status CAS
			// and change nothing.
			slog.Info("rule cancelled by a non-requester, activation request left to its approvers",
				slog.String("rule_id", string(id)),
				slog.String("request_id", string(cur.ApprovalRequestID)))
		}
	}
	if cur.Status == StatusApproved {
		s.changed(ctx, updated)
	}
	return updated, nil
}

// RequestDecided materializes or discards the rule behind a decided
// activation request. A stale decision, one whose rule was cancelled
// independently, misses the CAS and changes nothing.
func (s *Service) RequestDecided(ctx context.Context, req *approval.Request) {
	if req.TargetKind != approval.TargetOverride {
		return
	}
	var to Status
	switch req.Status {
	case approval.StatusApproved:
		to = StatusApproved
	case approval.StatusRejected:
		to = StatusRejected
	case approval.StatusCancelled:
		to = StatusCancelled
	default:
		return
	}
	cur, err := s.store.Get(ctx, req.TargetID)
	if err != nil {
		slog.Error("decided request targets a missing rule",
			slog.String("rule_id", string(req.TargetID)), slog.Any("error", err))
		return
	}
	by := req.RequestedBy
	if req.DecidedBy != nil {
		by = *req.DecidedBy
	}
	verb := map[Status]string{StatusApproved: "approve", StatusRejected: "reject", StatusCancelled: "cancel"}[to]
	updated, ok, err := s.store.UpdateStatus(ctx, cur.ID, StatusPending, to, s.entry(by, string(cur.Kind)+"."+verb, cur.ID))
	if err != nil {
		slog.Error("rule status flip failed",
			slog.String("rule_id", string(cur.ID)), slog.Any("error", err))
		return
	}
	if !ok {
		slog.Warn("decision arrived after the rule left pending",
			slog.String("rule_id", string(cur.ID)), slog.String("decision", string(req.Status)))
		return
	}
	if to == StatusApproved {
		s.changed(ctx, updated)
	}
}

// Get reports the rule with lazy expiry applied.
func (s *Service) Get(ctx context.Context, id types.ID) (*Rule, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status = r.StatusAt(s.clock.Now())
	return r, nil
}

// List reports rules with lazy expiry applied; the status filter matches
// the effective status, so expired is queryable even though never stored.
func (s *Service) List(ctx context.Context, f Filter) ([]*Rule, error) {
	want := f.Status
	f.Status = ""
	rows, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := rows[:0]
	for _, r := range rows {
		r.Status = r.StatusAt(now)
		if want != "" && r.Status != want {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveRules returns the approved rules whose window covers the instant,
// split by kind, for the compositor.
func (s *Service) ActiveRules(ctx context.Context, regionID types.ID, serviceKey string, now time.Time) (overrides, schedules []*Rule, err error) {
	rows, err := s.store.List(ctx, Filter{RegionID: regionID, ServiceKey: serviceKey, Status: StatusApproved})
	if err != nil {
		return nil, nil, err
	}
	for _, r := range rows {
		if _, _, ok := r.ActiveWindow(now); !ok {
			continue
		}
		if r.Kind == KindSchedule {
			schedules = append(schedules, r)
		} else {
			overrides = append(overrides, r)
		}
	}
	return overrides, schedules, nil
}

// AnyLive reports whether any pending or approved rule still references the
// (region, service). Profile retirement blocks on this.
func (s *Service) AnyLive(ctx context.Context, regionID types.ID, serviceKey string, now time.Time) (bool, error) {
	rows, err := s.store.List(ctx, Filter{RegionID: regionID, ServiceKey: serviceKey})
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if r.Live(now) {
			return true, nil
		}
	}
	return false, nil
}

// Upcoming lists approved schedules whose next window opens within the
// horizon, soonest first. Feeds the status surface.
func (s *Service) Upcoming(ctx context.Context, regionID types.ID, horizon time.Duration) ([]*Rule, error) {
	rows, err := s.store.List(ctx, Filter{Kind: KindSchedule, RegionID: regionID, Status: StatusApproved})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	limit := now.Add(horizon)
	type upcoming struct {
		rule  *Rule
		start time.Time
	}
	var hits []upcoming
	for _, r := range rows {
		start, _, ok := r.NextWindow(now)
		if !ok || start.After(limit) {
			continue
		}
		hits = append(hits, upcoming{rule: r, start: start})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].start.Before(hits[j].start) })
	out := make([]*Rule, len(hits))
	for i, h := range hits {
		out[i] = h.rule
	}
	return out, nil
}

func (s *Service) checkShape(cmd *CreateCommand, now time.Time) error {
	if cmd.Kind != KindOverride && cmd.Kind != KindSchedule {
		return types.Invalid("kind", fmt.Sprintf("unknown kind %q", cmd.Kind))
	}
	if cmd.RegionID == "" {
		return types.Invalid("region_id", "required")
	}
	if cmd.ServiceKey == "" {
		return types.Invalid("service_key", "required")
	}
	if cmd.Reason == "" {
		return types.Invalid("reason", "operator actions need a reason on record")
	}
	if cmd.Multiplier < 1.0 {
		return types.Invalid("multiplier", fmt.Sprintf("%.2f below 1.0; surge never discounts", cmd.Multiplier))
	}
	if cmd.AdditiveFee < 0 {
		return types.Invalid("additive_fee", "negative fee")
	}
	if len(cmd.HexSet) == 0 {
		return types.Invalid("hex_set", "at least one cell required")
	}
	if !cmd.EndsAt.After(cmd.StartsAt) {
		return types.Invalid("ends_at", "window must end after it starts")
	}
	switch cmd.Recurrence {
	case RecurNone:
		if !cmd.EndsAt.After(now) {
			return types.Invalid("ends_at", "window already closed")
		}
	case RecurDaily, RecurWeekly:
		if cmd.Kind != KindSchedule {
			return types.Invalid("recurrence", "only schedules recur")
		}
		p := 24 * time.Hour
		if cmd.Recurrence == RecurWeekly {
			p = 7 * 24 * time.Hour
		}
		if cmd.EndsAt.Sub(cmd.StartsAt) >= p {
			return types.Invalid("ends_at", "recurring window must be shorter than its period")
		}
	default:
		return types.Invalid("recurrence", fmt.Sprintf("unknown recurrence %q", cmd.Recurrence))
	}
	return nil
}

func (s *Service) changed(ctx context.Context, r *Rule) {
	if s.notify != nil {
		s.notify(ctx, r.RegionID, r.ServiceKey)
	}
}

func (s *Service) entry(user types.ID, action string, target types.ID) audit.Entry {
	return audit.Entry{
		TargetID:  audit.Target(target),
		UserID:    user,
		Action:    action,
		CreatedAt: s.clock.Now(),
	}
}

func dedupeCells(cells []hexgrid.CellID) []hexgrid.CellID {
	if len(cells) < 2 {
		return cells
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	out := cells[:1]
	for _, c := range cells[1:] {
		if c != out[len(out)-1] {
			out = append(out, c)
		}
	}
	return out
}
