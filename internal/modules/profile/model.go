// README: Pricing profile aggregate; baseline parameters per (region, service).
package profile

import (
	"time"

	"alon/internal/types"
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusFiled   Status = "filed"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// AllowedTransitions represents the profile lifecycle as code. Retired is
// terminal; there is no way back into rotation.
var AllowedTransitions = map[Status][]Status{
	StatusDraft:  {StatusFiled},
	StatusFiled:  {StatusActive},
	StatusActive: {StatusRetired},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Profile carries the baseline pricing parameters for one (region, service).
// One active profile per pair is expected; more than one is surfaced as a
// compliance warning, not rejected.
type Profile struct {
	ID                   types.ID  `json:"id"`
	RegionID             types.ID  `json:"region_id"`
	ServiceKey           string    `json:"service_key"`
	Status               Status    `json:"status"`
	MaxMultiplier        float64   `json:"max_multiplier"`
	AdditiveEnabled      bool      `json:"additive_enabled"`
	SmoothingHalfLifeSec int       `json:"smoothing_half_life_sec"`
	UpdateIntervalSec    int       `json:"update_interval_sec"`
	ModelVersion         string    `json:"model_version"`
	Version              int       `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// SmoothingHalfLife is the decay constant for rider-visible price movement.
func (p *Profile) SmoothingHalfLife() time.Duration {
	if p.SmoothingHalfLifeSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.SmoothingHalfLifeSec) * time.Second
}

// UpdateInterval is the recompute cadence for this profile's keys.
func (p *Profile) UpdateInterval() time.Duration {
	if p.UpdateIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(p.UpdateIntervalSec) * time.Second
}
