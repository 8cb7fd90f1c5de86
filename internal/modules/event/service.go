// README: Ingestion: threshold, dedup, persist, trigger composition.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"alon/internal/hexgrid"
	"alon/internal/modules/audit"
	"alon/internal/types"
)

type Service struct {
	store Store
	dedup DedupStore
	clock types.Clock

	notify func(ctx context.Context, regionID types.ID)
}

func NewService(store Store, dedup DedupStore, clock types.Clock) *Service {
	return &Service{store: store, dedup: dedup, clock: clock}
}

// SetNotifier wires the composition trigger fired when an event lands in a
// region.
func (s *Service) SetNotifier(fn func(ctx context.Context, regionID types.ID)) {
	s.notify = fn
}

// Ingest turns one observation into at most one stored event. Readings
// below their kind's trigger and readings already claimed for the same
// (source, type, region, bucket) produce nothing; both outcomes are normal.
func (s *Service) Ingest(ctx context.Context, source string, interval time.Duration, o Observation) (*Event, bool, error) {
	sev, ok := Evaluate(o)
	if !ok {
		return nil, false, nil
	}
	if o.RegionID == "" {
		return nil, false, types.Invalid("region_id", "observation carries no region")
	}
	if err := hexgrid.CheckCoords(o.Center.Lat, o.Center.Lng); err != nil {
		return nil, false, err
	}

	now := s.clock.Now()
	if o.StartTime.IsZero() {
		o.StartTime = now
	}
	if o.EndTime.IsZero() || !o.EndTime.After(o.StartTime) {
		o.EndTime = o.StartTime.Add(DefaultDuration)
	}
	if o.RadiusKm <= 0 {
		o.RadiusKm = DefaultRadiusKm(o.Type)
	}
	if o.RadiusKm > MaxRadiusKm {
		o.RadiusKm = MaxRadiusKm
	}

	if interval <= 0 {
		interval = time.Minute
	}
	bucket := o.StartTime.Truncate(interval)
	key := fmt.Sprintf("%s|%s|%s|%d", source, o.Type, o.RegionID, bucket.Unix())
	claimed, err := s.dedup.Claim(ctx, key, 2*interval)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		slog.Debug("duplicate observation dropped",
			slog.String("source", source), slog.String("key", key))
		return nil, false, nil
	}

	e := &Event{
		ID:        types.ID(uuid.NewString()),
		Type:      o.Type,
		RegionID:  o.RegionID,
		Severity:  sev,
		Center:    o.Center,
		RadiusKm:  o.RadiusKm,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		Source:    source,
		CreatedAt: now,
	}
	rec := audit.Entry{
		TargetID:  audit.Target(e.ID),
		UserID:    types.ID("source/" + source),
		Action:    "event.ingest",
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, e, rec); err != nil {
		return nil, false, err
	}

	slog.Info("surge event ingested",
		slog.String("source", source),
		slog.String("type", string(e.Type)),
		slog.String("region", string(e.RegionID)),
		slog.String("severity", string(e.Severity)),
		slog.Float64("radius_km", e.RadiusKm))
	if s.notify != nil {
		s.notify(ctx, e.RegionID)
	}
	return e, true, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Event, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Event, error) {
	return s.store.List(ctx, f)
}

// ActiveAt lists events currently covering the region, for the compositor
// and the status surface.
func (s *Service) ActiveAt(ctx context.Context, regionID types.ID, now time.Time) ([]*Event, error) {
	return s.store.ActiveAt(ctx, regionID, now)
}

// Summarize renders the region's live events one per line for the forecast
// prompt. Empty when nothing is active.
func (s *Service) Summarize(ctx context.Context, regionID types.ID) string {
	events, err := s.ActiveAt(ctx, regionID, s.clock.Now())
	if err != nil || len(events) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s severity, %.1fkm radius, until %s)",
			e.Type, e.Severity, e.RadiusKm, e.EndTime.Format(time.RFC3339))
	}
	return b.String()
}
