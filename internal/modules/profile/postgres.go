package profile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

// PGStore is the Postgres Store. Row change and audit entry commit in one
// transaction; the version guard rides in the UPDATE's WHERE clause.
type PGStore struct {
	db      *pgxpool.Pool
	auditor *audit.PGLog
}

func NewPGStore(db *pgxpool.Pool, auditor *audit.PGLog) *PGStore {
	return &PGStore{db: db, auditor: auditor}
}

const profileCols = `
	id, region_id, service_key, status, max_multiplier, additive_enabled,
	smoothing_half_life_sec, update_interval_sec, model_version, version,
	created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, p *Profile, rec audit.Entry) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO pricing_profiles (
				id, region_id, service_key, status, max_multiplier, additive_enabled,
				smoothing_half_life_sec, update_interval_sec, model_version, version,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			string(p.ID), string(p.RegionID), p.ServiceKey, string(p.Status),
			p.MaxMultiplier, p.AdditiveEnabled, p.SmoothingHalfLifeSec,
			p.UpdateIntervalSec, p.ModelVersion, p.Version, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		rec.NewValue = audit.Snapshot(p)
		return s.auditor.AppendTx(ctx, tx, rec)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Profile, error) {
	row := s.db.QueryRow(ctx, `SELECT`+profileCols+` FROM pricing_profiles WHERE id = $1`, string(id))
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+profileCols+`
		FROM pricing_profiles
		WHERE ($1 = '' OR region_id = $1)
		  AND ($2 = '' OR service_key = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at, id`,
		string(f.RegionID), f.ServiceKey, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) Update(ctx context.Context, p *Profile, expectedVersion int, rec audit.Entry) (*Profile, bool, error) {
	var out *Profile
	applied := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT`+profileCols+` FROM pricing_profiles WHERE id = $1 FOR UPDATE`, string(p.ID))
		old, err := scanProfile(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if old.Version != expectedVersion {
			out = old
			return nil
		}
		next := *p
		next.Version = old.Version + 1
		next.CreatedAt = old.CreatedAt
		_, err = tx.Exec(ctx, `
			UPDATE pricing_profiles
			SET status = $2, max_multiplier = $3, additive_enabled = $4,
			    smoothing_half_life_sec = $5, update_interval_sec = $6,
			    model_version = $7, version = $8, updated_at = $9
			WHERE id = $1`,
			string(next.ID), string(next.Status), next.MaxMultiplier,
			next.AdditiveEnabled, next.SmoothingHalfLifeSec, next.UpdateIntervalSec,
			next.ModelVersion, next.Version, next.UpdatedAt)
		if err != nil {
			return err
		}
		rec.OldValue = audit.Snapshot(old)
		rec.NewValue = audit.Snapshot(&next)
		if err := s.auditor.AppendTx(ctx, tx, rec); err != nil {
			return err
		}
		out = &next
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID, &p.RegionID, &p.ServiceKey, &p.Status, &p.MaxMultiplier,
		&p.AdditiveEnabled, &p.SmoothingHalfLifeSec, &p.UpdateIntervalSec,
		&p.ModelVersion, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
