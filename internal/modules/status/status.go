// README: Operational snapshot; one read aggregating every module's health.
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"alon/internal/modules/approval"
	"alon/internal/modules/audit"
	"alon/internal/modules/compose"
	"alon/internal/modules/event"
	"alon/internal/modules/override"
	"alon/internal/modules/profile"
	"alon/internal/types"
)

const (
	recentAuditLimit = 10
	scheduleHorizon  = 24 * time.Hour
)

// PollerHealth decouples the builder from a running supervisor; deployments
// without external feeds simply never set one.
type PollerHealth interface {
	Health() []event.SourceHealth
}

// Builder assembles reports from live services. Pure reads, no side effects.
type Builder struct {
	profiles  *profile.Service
	rules     *override.Service
	approvals *approval.Service
	trail     audit.Recorder
	state     *compose.StateStore
	composer  *compose.Composer
	clock     types.Clock

	pollers PollerHealth
}

func NewBuilder(
	profiles *profile.Service,
	rules *override.Service,
	approvals *approval.Service,
	trail audit.Recorder,
	state *compose.StateStore,
	composer *compose.Composer,
	clock types.Clock,
) *Builder {
	return &Builder{
		profiles:  profiles,
		rules:     rules,
		approvals: approvals,
		trail:     trail,
		state:     state,
		composer:  composer,
		clock:     clock,
	}
}

// SetPollers wires the event supervisor's health feed.
func (b *Builder) SetPollers(p PollerHealth) { b.pollers = p }

// ProfileSummary counts rotation state. MultiActive lists every
// (region, service) carrying more than one active profile; each is a
// standing compliance warning.
type ProfileSummary struct {
	Active      int      `json:"active"`
	MultiActive []string `json:"multi_active,omitempty"`
}

// KeySummary describes the materialized state of one (region, service).
type KeySummary struct {
	RegionID      types.ID `json:"region_id"`
	ServiceKey    string   `json:"service_key"`
	Cells         int      `json:"cells"`
	AvgMultiplier float64  `json:"avg_multiplier"`
	MaxMultiplier float64  `json:"max_multiplier"`
}

// ScheduleWindow is an upcoming occurrence of an approved schedule.
type ScheduleWindow struct {
	Rule   *override.Rule `json:"rule"`
	Opens  time.Time      `json:"opens"`
	Closes time.Time      `json:"closes"`
}

// Report is the full operational snapshot.
type Report struct {
	GeneratedAt     time.Time            `json:"generated_at"`
	Region          types.ID             `json:"region,omitempty"`
	Profiles        ProfileSummary       `json:"profiles"`
	Keys            []KeySummary         `json:"keys"`
	ActiveOverrides int                  `json:"active_overrides"`
	Upcoming        []ScheduleWindow     `json:"upcoming_schedules"`
	Emergency       *approval.Flag       `json:"emergency"`
	Sources         []event.SourceHealth `json:"sources,omitempty"`
	Composition     []compose.KeyHealth  `json:"composition"`
	RecentAudit     []audit.Entry        `json:"recent_audit"`
}

// Build assembles the snapshot, optionally narrowed to one region. An empty
// region reports the whole deployment.
func (b *Builder) Build(ctx context.Context, region types.ID) (*Report, error) {
	now := b.clock.Now()
	r := &Report{GeneratedAt: now, Region: region}

	active, err := b.profiles.List(ctx, profile.Filter{RegionID: region, Status: profile.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("list active profiles: %w", err)
	}
	perKey := make(map[string]int)
	for _, p := range active {
		perKey[string(p.RegionID)+"/"+p.ServiceKey]++
	}
	r.Profiles.Active = len(active)
	for key, n := range perKey {
		if n > 1 {
			r.Profiles.MultiActive = append(r.Profiles.MultiActive, key)
		}
	}
	sort.Strings(r.Profiles.MultiActive)

	for _, key := range b.state.Keys() {
		if region != "" && key.RegionID != region {
			continue
		}
		rows := b.state.Cells(key)
		if len(rows) == 0 {
			continue
		}
		sum, max := 0.0, 0.0
		for _, row := range rows {
			sum += row.Multiplier
			if row.Multiplier > max {
				max = row.Multiplier
			}
		}
		r.Keys = append(r.Keys, KeySummary{
			RegionID:      key.RegionID,
			ServiceKey:    key.ServiceKey,
			Cells:         len(rows),
			AvgMultiplier: sum / float64(len(rows)),
			MaxMultiplier: max,
		})
	}

	overrides, err := b.rules.List(ctx, override.Filter{
		Kind:     override.KindOverride,
		RegionID: region,
		Status:   override.StatusApproved,
	})
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	for _, rule := range overrides {
		if _, _, ok := rule.ActiveWindow(now); ok {
			r.ActiveOverrides++
		}
	}

	upcoming, err := b.rules.Upcoming(ctx, region, scheduleHorizon)
	if err != nil {
		return nil, fmt.Errorf("upcoming schedules: %w", err)
	}
	for _, rule := range upcoming {
		opens, closes, ok := rule.NextWindow(now)
		if !ok {
			continue
		}
		r.Upcoming = append(r.Upcoming, ScheduleWindow{Rule: rule, Opens: opens, Closes: closes})
	}

	flag, err := b.approvals.Emergency(ctx)
	if err != nil {
		return nil, fmt.Errorf("emergency flag: %w", err)
	}
	r.Emergency = flag

	if b.pollers != nil {
		r.Sources = b.pollers.Health()
	}
	for _, h := range b.composer.Health() {
		if region != "" && h.RegionID != region {
			continue
		}
		r.Composition = append(r.Composition, h)
	}

	r.RecentAudit, err = b.trail.Recent(ctx, recentAuditLimit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	return r, nil
}
