// README: Materialized surge state; the only view the fare path reads.
package compose

import (
	"time"

	"alon/internal/hexgrid"
	"alon/internal/types"
)

// Source tags the layer that won precedence for a row.
type Source string

const (
	SourceML        Source = "ml"
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
	SourceEvent     Source = "event"
	// SourceShadow marks cells where a low-confidence model suggestion was
	// discarded; the row carries the neutral baseline instead.
	SourceShadow Source = "shadow"
)

// Key addresses one composed surface.
type Key struct {
	RegionID   types.ID `json:"region_id"`
	ServiceKey string   `json:"service_key"`
}

// HexState is the materialized pricing for one cell. Exactly one row per
// (region, service, cell). Always a derived view; Rebuild can reproduce
// every row from the profile, rule, and event stores.
type HexState struct {
	RegionID    types.ID       `json:"region_id"`
	ServiceKey  string         `json:"service_key"`
	Cell        hexgrid.CellID `json:"h3_index"`
	Multiplier  float64        `json:"multiplier"`
	AdditiveFee types.Money    `json:"additive_fee"`
	Source      Source         `json:"source"`
	ProfileID   types.ID       `json:"profile_id,omitempty"`
	ValidFrom   time.Time      `json:"valid_from"`
	ValidUntil  time.Time      `json:"valid_until"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// HexError is one cell's failed composition. The cell keeps its previous
// row and is retried on the next trigger.
type HexError struct {
	Cell hexgrid.CellID
	Err  error
	At   time.Time
}

// Stats reports one composition pass over a key.
type Stats struct {
	Computed int `json:"computed"`
	Failed   int `json:"failed"`
}

// SweepStats reports a pass over every known key.
type SweepStats struct {
	Keys   int `json:"keys"`
	Failed int `json:"failed"`
}

// KeyHealth is one key's composition state for the status surface.
type KeyHealth struct {
	RegionID    types.ID   `json:"region_id"`
	ServiceKey  string     `json:"service_key"`
	Cells       int        `json:"cells"`
	FailedCells int        `json:"failed_cells"`
	LastError   string     `json:"last_error,omitempty"`
	LastSweep   *time.Time `json:"last_sweep,omitempty"`
}
