// README: Profile service: lifecycle transitions, optimistic updates, and
// the approval gate on cap raises.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alon/internal/modules/approval"
	"alon/internal/modules/audit"
	"alon/internal/modules/compliance"
	"alon/internal/types"
)

// LiveRuleChecker reports whether any approved, unexpired override or
// schedule still targets the (region, service). Implemented by the override
// manager; declared here to keep the dependency pointing one way.
type LiveRuleChecker interface {
	AnyLive(ctx context.Context, regionID types.ID, serviceKey string, now time.Time) (bool, error)
}

// Approvals is the slice of the approval service profiles need.
type Approvals interface {
	Open(ctx context.Context, cmd approval.OpenCommand) (*approval.Request, error)
}

// Defaults fill unset fields on create.
type Defaults struct {
	MaxMultiplier        float64
	SmoothingHalfLifeSec int
	UpdateIntervalSec    int
}

type Service struct {
	store     Store
	clock     types.Clock
	defaults  Defaults
	threshold float64

	rules     LiveRuleChecker
	approvals Approvals
	notify    func(ctx context.Context, regionID types.ID, serviceKey string)
}

func NewService(store Store, clock types.Clock, defaults Defaults, approvalThreshold float64) *Service {
	if defaults.MaxMultiplier <= 0 {
		defaults.MaxMultiplier = 2.0
	}
	if defaults.SmoothingHalfLifeSec <= 0 {
		defaults.SmoothingHalfLifeSec = 300
	}
	if defaults.UpdateIntervalSec <= 0 {
		defaults.UpdateIntervalSec = 60
	}
	return &Service{store: store, clock: clock, defaults: defaults, threshold: approvalThreshold}
}

// SetRuleChecker wires the override manager's live-reference check.
func (s *Service) SetRuleChecker(c LiveRuleChecker) { s.rules = c }

// SetApprovals wires the approval workflow for cap raises.
func (s *Service) SetApprovals(a Approvals) { s.approvals = a }

// SetNotifier wires the composition trigger fired when an active profile's
// parameters change.
func (s *Service) SetNotifier(fn func(ctx context.Context, regionID types.ID, serviceKey string)) {
	s.notify = fn
}

type CreateCommand struct {
	RegionID             types.ID
	ServiceKey           string
	MaxMultiplier        float64
	AdditiveEnabled      *bool
	SmoothingHalfLifeSec int
	UpdateIntervalSec    int
	ModelVersion         string
}

// Create files a new draft profile. Taxi profiles are pinned to the metered
// fare: cap 1.0 and no additive fee, whatever the caller asked for.
func (s *Service) Create(ctx context.Context, by types.ID, cmd CreateCommand) (*Profile, error) {
	if cmd.RegionID == "" {
		return nil, types.Invalid("region_id", "required")
	}
	if cmd.ServiceKey == "" {
		return nil, types.Invalid("service_key", "required")
	}

	p := &Profile{
		ID:                   types.ID(uuid.NewString()),
		RegionID:             cmd.RegionID,
		ServiceKey:           cmd.ServiceKey,
		Status:               StatusDraft,
		MaxMultiplier:        cmd.MaxMultiplier,
		AdditiveEnabled:      true,
		SmoothingHalfLifeSec: cmd.SmoothingHalfLifeSec,
		UpdateIntervalSec:    cmd.UpdateIntervalSec,
		ModelVersion:         cmd.ModelVersion,
		Version:              1,
		CreatedAt:            s.clock.Now(),
		UpdatedAt:            s.clock.Now(),
	}
	if p.MaxMultiplier == 0 {
		p.MaxMultiplier = s.defaults.MaxMultiplier
	}
	if p.SmoothingHalfLifeSec == 0 {
		p.SmoothingHalfLifeSec = s.defaults.SmoothingHalfLifeSec
	}
	if p.UpdateIntervalSec == 0 {
		p.UpdateIntervalSec = s.defaults.UpdateIntervalSec
	}
	if cmd.AdditiveEnabled != nil {
		p.AdditiveEnabled = *cmd.AdditiveEnabled
	}
	if p.ServiceKey == types.ServiceTaxi {
		p.MaxMultiplier = 1.0
		p.AdditiveEnabled = false
	}
	if err := s.checkShape(p); err != nil {
		return nil, err
	}
	// New profiles start at or below the regulatory default; a higher cap
	// only exists after an approved raise.
	if p.MaxMultiplier > s.defaults.MaxMultiplier && p.ServiceKey != types.ServiceTaxi {
		return nil, types.Invalid("max_multiplier",
			fmt.Sprintf("%.2f exceeds the %.2f default cap; create at or below it and request a cap raise", p.MaxMultiplier, s.defaults.MaxMultiplier))
	}

	rec := s.entry(by, "profile.create", p.ID)
	if err := s.store.Create(ctx, p, rec); err != nil {
		return nil, err
	}
	return p, nil
}

type UpdateCommand struct {
	ID                   types.ID
	ExpectedVersion      int
	MaxMultiplier        *float64
	AdditiveEnabled      *bool
	SmoothingHalfLifeSec *int
	UpdateIntervalSec    *int
	ModelVersion         *string
}

// Update applies the set fields under optimistic concurrency. Raising the
// multiplier cap above the approval threshold does not apply: it opens an
// activation request instead and the cap changes only once that approves.
func (s *Service) Update(ctx context.Context, by types.ID, cmd UpdateCommand) (*Profile, *approval.Request, error) {
	cur, err := s.store.Get(ctx, cmd.ID)
	if err != nil {
		return nil, nil, err
	}
	if cur.Version != cmd.ExpectedVersion {
		return cur, nil, types.Conflict("profile", fmt.Sprintf("version %d is stale, profile is at %d", cmd.ExpectedVersion, cur.Version))
	}

	if cmd.MaxMultiplier != nil && *cmd.MaxMultiplier > s.threshold && *cmd.MaxMultiplier > cur.MaxMultiplier {
		if s.approvals == nil {
			return cur, nil, types.Invalid("max_multiplier", "cap raises above the threshold need the approval workflow, which is not wired")
		}
		enabled := cur.AdditiveEnabled
		if cmd.AdditiveEnabled != nil {
			enabled = *cmd.AdditiveEnabled
		}
		req, err := s.approvals.Open(ctx, approval.OpenCommand{
			TargetKind:  approval.TargetProfile,
			TargetID:    cur.ID,
			RequestedBy: by,
			Diff:        approval.Diff{approval.CapChange{MaxMultiplier: *cmd.MaxMultiplier, AdditiveEnabled: enabled}},
		})
		if err != nil {
			return cur, nil, err
		}
		slog.Info("profile cap raise pending approval",
			slog.String("profile_id", string(cur.ID)),
			slog.Float64("requested_cap", *cmd.MaxMultiplier),
			slog.String("request_id", string(req.ID)))
		return cur, req, nil
	}

	next := *cur
	if cmd.MaxMultiplier != nil {
		next.MaxMultiplier = *cmd.MaxMultiplier
	}
	if cmd.AdditiveEnabled != nil {
		next.AdditiveEnabled = *cmd.AdditiveEnabled
	}
	if cmd.SmoothingHalfLifeSec != nil {
		next.SmoothingHalfLifeSec = *cmd.SmoothingHalfLifeSec
	}
	if cmd.UpdateIntervalSec != nil {
		next.UpdateIntervalSec = *cmd.UpdateIntervalSec
	}
	if cmd.ModelVersion != nil {
		next.ModelVersion = *cmd.ModelVersion
	}
	if next.ServiceKey == types.ServiceTaxi {
		next.MaxMultiplier = 1.0
		next.AdditiveEnabled = false
	}
	if err := s.checkShape(&next); err != nil {
		return nil, nil, err
	}
	next.UpdatedAt = s.clock.Now()

	updated, ok, err := s.store.Update(ctx, &next, cmd.ExpectedVersion, s.entry(by, "profile.update", next.ID))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return updated, nil, types.Conflict("profile", fmt.Sprintf("version %d is stale, profile is at %d", cmd.ExpectedVersion, updated.Version))
	}
	if updated.Status == StatusActive {
		s.changed(ctx, updated)
	}
	return updated, nil, nil
}

// Transition moves the profile through its lifecycle. Retiring an active
// profile is refused while approved overrides or schedules still target its
// (region, service).
func (s *Service) Transition(ctx context.Context, by types.ID, id types.ID, to Status, expectedVersion int) (*Profile, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return cur, types.Conflict("profile", fmt.Sprintf("cannot move %s to %s", cur.Status, to))
	}
	if cur.Status == StatusActive && to == StatusRetired && s.rules != nil {
		live, err := s.rules.AnyLive(ctx, cur.RegionID, cur.ServiceKey, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if live {
			return cur, types.Conflict("profile", "live overrides or schedules still reference this (region, service)")
		}
	}

	next := *cur
	next.Status = to
	next.UpdatedAt = s.clock.Now()
	updated, ok, err := s.store.Update(ctx, &next, expectedVersion, s.entry(by, "profile.transition", id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return updated, types.Conflict("profile", fmt.Sprintf("version %d is stale, profile is at %d", expectedVersion, updated.Version))
	}
	if to == StatusActive || to == StatusRetired {
		s.changed(ctx, updated)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Profile, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Profile, error) {
	return s.store.List(ctx, f)
}

// ActiveFor lists the active profiles on one (region, service). More than
// one entry is legal and surfaces as a compliance warning downstream.
func (s *Service) ActiveFor(ctx context.Context, regionID types.ID, serviceKey string) ([]*Profile, error) {
	return s.store.List(ctx, Filter{RegionID: regionID, ServiceKey: serviceKey, Status: StatusActive})
}

// AllActive lists every active profile, the compositor's sweep universe.
func (s *Service) AllActive(ctx context.Context) ([]*Profile, error) {
	return s.store.List(ctx, Filter{Status: StatusActive})
}

// CapsFor reports the regulatory envelope the active profiles impose on one
// (region, service). With several active profiles the newest one carries
// the caps and the count is surfaced so validators can warn. Without any,
// the configured defaults apply.
func (s *Service) CapsFor(ctx context.Context, regionID types.ID, serviceKey string) (compliance.Caps, error) {
	active, err := s.ActiveFor(ctx, regionID, serviceKey)
	if err != nil {
		return compliance.Caps{}, err
	}
	if len(active) == 0 {
		return compliance.Caps{
			MaxMultiplier:   s.defaults.MaxMultiplier,
			AdditiveEnabled: true,
		}, nil
	}
	newest := active[len(active)-1]
	return compliance.Caps{
		MaxMultiplier:   newest.MaxMultiplier,
		AdditiveEnabled: newest.AdditiveEnabled,
		ActiveProfiles:  len(active),
	}, nil
}

// RequestDecided applies an approved cap raise. Rejections need no action:
// the cap never changed.
func (s *Service) RequestDecided(ctx context.Context, r *approval.Request) {
	if r.TargetKind != approval.TargetProfile || r.Status != approval.StatusApproved {
		return
	}
	var change *approval.CapChange
	for _, c := range r.Diff {
		if v, ok := c.(approval.CapChange); ok {
			change = &v
			break
		}
	}
	if change == nil {
		slog.Error("approved profile request carries no cap change", slog.String("request_id", string(r.ID)))
		return
	}

	for attempt := 0; attempt < 5; attempt++ {
		cur, err := s.store.Get(ctx, r.TargetID)
		if err != nil {
			slog.Error("cap raise target vanished", slog.String("profile_id", string(r.TargetID)), slog.Any("error", err))
			return
		}
		next := *cur
		next.MaxMultiplier = change.MaxMultiplier
		next.AdditiveEnabled = change.AdditiveEnabled
		next.UpdatedAt = s.clock.Now()
		updated, ok, err := s.store.Update(ctx, &next, cur.Version, s.entry(r.RequestedBy, "profile.cap_raise", cur.ID))
		if err != nil {
			slog.Error("cap raise apply failed", slog.String("profile_id", string(cur.ID)), slog.Any("error", err))
			return
		}
		if ok {
			slog.Info("profile cap raised",
				slog.String("profile_id", string(cur.ID)),
				slog.Float64("max_multiplier", change.MaxMultiplier))
			if updated.Status == StatusActive {
				s.changed(ctx, updated)
			}
			return
		}
	}
	slog.Error("cap raise lost the version race repeatedly", slog.String("profile_id", string(r.TargetID)))
}

func (s *Service) checkShape(p *Profile) error {
	if p.MaxMultiplier < 1.0 || p.MaxMultiplier > 10.0 {
		return types.Invalid("max_multiplier", fmt.Sprintf("%.2f outside [1.0, 10.0]", p.MaxMultiplier))
	}
	if p.SmoothingHalfLifeSec < 1 || p.SmoothingHalfLifeSec > 86400 {
		return types.Invalid("smoothing_half_life_sec", fmt.Sprintf("%d outside [1, 86400]", p.SmoothingHalfLifeSec))
	}
	if p.UpdateIntervalSec < 5 || p.UpdateIntervalSec > 3600 {
		return types.Invalid("update_interval_sec", fmt.Sprintf("%d outside [5, 3600]", p.UpdateIntervalSec))
	}
	return nil
}

func (s *Service) changed(ctx context.Context, p *Profile) {
	if s.notify != nil {
		s.notify(ctx, p.RegionID, p.ServiceKey)
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
