package override

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alon/internal/hexgrid"
	"alon/internal/modules/audit"
	"alon/internal/types"
)

// PGStore is the Postgres Store. The hex set rides as a text[] of cell ids
// in their hex form so rows stay readable from psql.
type PGStore struct {
	db      *pgxpool.Pool
	auditor *audit.PGLog
}

func NewPGStore(db *pgxpool.Pool, auditor *audit.PGLog) *PGStore {
	return &PGStore{db: db, auditor: auditor}
}

const ruleCols = `
	id, kind, region_id, service_key, reason, multiplier, additive_fee_centavos,
	hex_set, starts_at, ends_at, recurrence, requested_by, status,
	approval_request_id, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, r *Rule, rec audit.Entry) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO surge_rules (
				id, kind, region_id, service_key, reason, multiplier, additive_fee_centavos,
				hex_set, starts_at, ends_at, recurrence, requested_by, status,
				approval_request_id, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			string(r.ID), string(r.Kind), string(r.RegionID), r.ServiceKey, r.Reason,
			r.Multiplier, r.AdditiveFee.Amount, cellsToText(r.HexSet),
			r.StartsAt, r.EndsAt, string(r.Recurrence), string(r.RequestedBy),
			string(r.Status), string(r.ApprovalRequestID), r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return err
		}
		rec.NewValue = audit.Snapshot(r)
		return s.auditor.AppendTx(ctx, tx, rec)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Rule, error) {
	row := s.db.QueryRow(ctx, `SELECT`+ruleCols+` FROM surge_rules WHERE id = $1`, string(id))
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+ruleCols+`
		FROM surge_rules
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR region_id = $2)
		  AND ($3 = '' OR service_key = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at, id`,
		string(f.Kind), string(f.RegionID), f.ServiceKey, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, rec audit.Entry) (*Rule, bool, error) {
	var out *Rule
	applied := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT`+ruleCols+` FROM surge_rules WHERE id = $1 FOR UPDATE`, string(id))
		old, err := scanRule(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if old.Status != from {
			out = old
			return nil
		}
		next := *old
		next.Status = to
		next.UpdatedAt = rec.CreatedAt
		_, err = tx.Exec(ctx,
			`UPDATE surge_rules SET status = $2, updated_at = $3 WHERE id = $1`,
			string(id), string(to), next.UpdatedAt)
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

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		r     Rule
		fee   int64
		cells []string
	)
	err := row.Scan(
		&r.ID, &r.Kind, &r.RegionID, &r.ServiceKey, &r.Reason, &r.Multiplier,
		&fee, &cells, &r.StartsAt, &r.EndsAt, &r.Recurrence, &r.RequestedBy,
		&r.Status, &r.ApprovalRequestID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.AdditiveFee = types.PHP(fee)
	r.HexSet, err = cellsFromText(cells)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func cellsToText(cells []hexgrid.CellID) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.String()
	}
	return out
}

func cellsFromText(cells []string) ([]hexgrid.CellID, error) {
	out := make([]hexgrid.CellID, len(cells))
	for i, s := range cells {
		c, err := hexgrid.ParseCell(s)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
