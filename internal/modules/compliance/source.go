// README: Snapshot assembly. Validate and Clamp stay pure; Limits is the
// one place that gathers the regulatory facts they consume.
package compliance

import (
	"context"

	"alon/internal/types"
)

// Caps is what the profile store knows about one (region, service).
type Caps struct {
	MaxMultiplier   float64
	AdditiveEnabled bool
	ActiveProfiles  int
}

// ProfileCaps is implemented by the profile service.
type ProfileCaps interface {
	CapsFor(ctx context.Context, regionID types.ID, serviceKey string) (Caps, error)
}

// BrakeCheck is implemented by the approval service's emergency flag.
type BrakeCheck interface {
	EmergencyActive(ctx context.Context) (bool, error)
}

// Limits builds Snapshots for validators and the compositor. The fixed caps
// come from configuration at startup; the live facts come from the profile
// store and the emergency flag at call time.
type Limits struct {
	profiles ProfileCaps
	brake    BrakeCheck
	fixed    Snapshot
}

func NewLimits(profiles ProfileCaps, brake BrakeCheck, fixed Snapshot) *Limits {
	return &Limits{profiles: profiles, brake: brake, fixed: fixed}
}

// Snapshot captures the regulatory envelope for one (region, service) at
// this instant. A profile that disables additive fees zeroes the fee cap.
func (l *Limits) Snapshot(ctx context.Context, regionID types.ID, serviceKey string) (Snapshot, error) {
	snap := l.fixed
	caps, err := l.profiles.CapsFor(ctx, regionID, serviceKey)
	if err != nil {
		return Snapshot{}, err
	}
	if caps.ActiveProfiles > 0 {
		snap.MaxMultiplier = caps.MaxMultiplier
		if !caps.AdditiveEnabled {
			snap.MaxAdditiveFee = 0
		}
	}
	snap.ActiveProfiles = caps.ActiveProfiles

	active, err := l.brake.EmergencyActive(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.EmergencyActive = active
	return snap, nil
}
