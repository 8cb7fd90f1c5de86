// README: Traffic source; grades corridor congestion ratios into incidents.
package event

import (
	"context"
	"log/slog"
	"time"

	"alon/internal/config"
	"alon/internal/types"
)

// CongestionRatio reports current-to-freeflow travel time for one segment.
// Implemented by the maps client; an interface here keeps polls testable
// without dialing the API.
type CongestionRatio interface {
	Ratio(ctx context.Context, origin, dest types.Point) (float64, error)
}

// TrafficSource probes configured road corridors each tick.
type TrafficSource struct {
	interval  time.Duration
	corridors []config.Corridor
	ratios    CongestionRatio
}

func NewTrafficSource(cfg config.TrafficConfig, ratios CongestionRatio) *TrafficSource {
	return &TrafficSource{
		interval:  cfg.Interval(),
		corridors: cfg.Corridors,
		ratios:    ratios,
	}
}

func (s *TrafficSource) Name() string            { return "traffic" }
func (s *TrafficSource) Interval() time.Duration { return s.interval }

// gradeCongestion maps a travel-time ratio to a severity. Low-grade
// corridors still produce observations; the ingest threshold drops them.
func gradeCongestion(ratio float64) Severity {
	switch {
	case ratio >= 2.0:
		return SeverityCritical
	case ratio >= 1.6:
		return SeverityHigh
	case ratio >= 1.3:
		return SeverityMedium
	}
	return SeverityLow
}

// Poll probes every corridor. A corridor failure is logged and skipped; the
// poll itself fails only when no corridor could be read.
func (s *TrafficSource) Poll(ctx context.Context) ([]Observation, error) {
	if len(s.corridors) == 0 {
		return nil, nil
	}
	var (
		out     []Observation
		lastErr error
		failed  int
	)
	for _, c := range s.corridors {
		origin := types.Point{Lat: c.OriginLat, Lng: c.OriginLng}
		dest := types.Point{Lat: c.DestLat, Lng: c.DestLng}
		ratio, err := s.ratios.Ratio(ctx, origin, dest)
		if err != nil {
			failed++
			lastErr = err
			slog.Warn("corridor probe failed",
				slog.String("corridor", c.Name), slog.Any("error", err))
			continue
		}
		out = append(out, Observation{
			Type:     TypeTrafficIncident,
			RegionID: types.ID(c.RegionID),
			Center: types.Point{
				Lat: (c.OriginLat + c.DestLat) / 2,
				Lng: (c.OriginLng + c.DestLng) / 2,
			},
			Traffic: &TrafficSignal{Severity: string(gradeCongestion(ratio))},
		})
	}
	if failed == len(s.corridors) {
		return nil, lastErr
	}
	return out, nil
}
