package event

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

// PGStore is the Postgres Store.
type PGStore struct {
	db      *pgxpool.Pool
	auditor *audit.PGLog
}

func NewPGStore(db *pgxpool.Pool, auditor *audit.PGLog) *PGStore {
	return &PGStore{db: db, auditor: auditor}
}

const eventCols = `
	id, event_type, region_id, severity, center_lat, center_lng, radius_km,
	start_time, end_time, source, created_at`

func (s *PGStore) Create(ctx context.Context, e *Event, rec audit.Entry) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO surge_events (
				id, event_type, region_id, severity, center_lat, center_lng, radius_km,
				start_time, end_time, source, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			string(e.ID), string(e.Type), string(e.RegionID), string(e.Severity),
			e.Center.Lat, e.Center.Lng, e.RadiusKm, e.StartTime, e.EndTime,
			e.Source, e.CreatedAt)
		if err != nil {
			return err
		}
		rec.NewValue = audit.Snapshot(e)
		return s.auditor.AppendTx(ctx, tx, rec)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Event, error) {
	row := s.db.QueryRow(ctx, `SELECT`+eventCols+` FROM surge_events WHERE id = $1`, string(id))
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+eventCols+`
		FROM surge_events
		WHERE ($1 = '' OR event_type = $1)
		  AND ($2 = '' OR region_id = $2)
		ORDER BY start_time, id`,
		string(f.Type), string(f.RegionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PGStore) ActiveAt(ctx context.Context, regionID types.ID, now time.Time) ([]*Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+eventCols+`
		FROM surge_events
		WHERE ($1 = '' OR region_id = $1)
		  AND start_time <= $2 AND end_time > $2
		ORDER BY start_time, id`,
		string(regionID), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID, &e.Type, &e.RegionID, &e.Severity, &e.Center.Lat, &e.Center.Lng,
		&e.RadiusKm, &e.StartTime, &e.EndTime, &e.Source, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
