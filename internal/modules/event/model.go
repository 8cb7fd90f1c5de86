// README: Surge events; external conditions graded into severity tiers.
package event

import (
	"time"

	"alon/internal/hexgrid"
	"alon/internal/types"
)

// Type is the external condition class an event came from.
type Type string

const (
	TypeWeather         Type = "weather"
	TypeTrafficIncident Type = "traffic_incident"
	TypeFlightArrival   Type = "flight_arrival"
	TypeFlightDeparture Type = "flight_departure"
	TypeConcert         Type = "concert"
)

// Severity grades how strongly an event should push fares.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Factor is the multiplicative bump a severity applies to the baseline.
func (s Severity) Factor() float64 {
	switch s {
	case SeverityLow:
		return 1.10
	case SeverityMedium:
		return 1.20
	case SeverityHigh:
		return 1.30
	case SeverityCritical:
		return 1.45
	}
	return 1.0
}

// MaxRadiusKm bounds every event's reach regardless of source claims.
const MaxRadiusKm = 25.0

// DefaultRadiusKm is the per-kind reach applied when a source reports none.
func DefaultRadiusKm(t Type) float64 {
	switch t {
	case TypeWeather:
		return 8
	case TypeTrafficIncident:
		return 3
	case TypeFlightArrival, TypeFlightDeparture:
		return 6
	case TypeConcert:
		return 2
	}
	return 3
}

// DefaultDuration applies when a source reports no end time.
const DefaultDuration = time.Hour

// Event is one graded external condition. Immutable once created.
type Event struct {
	ID        types.ID    `json:"id"`
	Type      Type        `json:"event_type"`
	RegionID  types.ID    `json:"region_id"`
	Severity  Severity    `json:"severity"`
	Center    types.Point `json:"center"`
	RadiusKm  float64     `json:"radius_km"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Source    string      `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
}

// ActiveAt reports whether the event covers the instant.
func (e *Event) ActiveAt(now time.Time) bool {
	return !now.Before(e.StartTime) && now.Before(e.EndTime)
}

// Cells returns the cells the event reaches at the given resolution.
func (e *Event) Cells(res int) ([]hexgrid.CellID, error) {
	return hexgrid.CellsWithinKm(e.Center, e.RadiusKm, res)
}

// Signal payloads, one per source kind. An Observation carries exactly one.

type WeatherSignal struct {
	RainfallMM float64
	WindKPH    float64
	Condition  string // clear|rain|heavy_rain|thunderstorm|typhoon
}

type TrafficSignal struct {
	Severity string // low|medium|high|critical, graded by the source
}

type FlightSignal struct {
	DelayMin   int
	Passengers int
}

type CrowdSignal struct {
	ExpectedAttendance int
}

// Observation is one raw reading from a source, before thresholding. Only
// the payload matching Type is consulted.
type Observation struct {
	Type      Type
	RegionID  types.ID
	Center    types.Point
	RadiusKm  float64
	StartTime time.Time
	EndTime   time.Time

	Weather *WeatherSignal
	Traffic *TrafficSignal
	Flight  *FlightSignal
	Crowd   *CrowdSignal
}
