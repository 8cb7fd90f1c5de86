package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

// PGStore is the Postgres Store. Mutators run SELECT ... FOR UPDATE plus
// the write and the audit insert in one transaction, so the CAS decision,
// the row change, and the trail entry commit together.
type PGStore struct {
	db      *pgxpool.Pool
	auditor *audit.PGLog
}

func NewPGStore(db *pgxpool.Pool, auditor *audit.PGLog) *PGStore {
	return &PGStore{db: db, auditor: auditor}
}

const requestCols = `
	id, target_kind, target_id, requested_by, diff, status,
	needs_approvals, current_approvals, approved_by, emergency_blocked,
	created_at, decided_at, decided_by, decision_note`

func (s *PGStore) Create(ctx context.Context, r *Request, rec audit.Entry) error {
	diff, err := json.Marshal(r.Diff)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO activation_requests (
				id, target_kind, target_id, requested_by, diff, status,
				needs_approvals, current_approvals, approved_by, emergency_blocked, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			string(r.ID), r.TargetKind, string(r.TargetID), string(r.RequestedBy),
			diff, string(r.Status), r.NeedsApprovals, r.CurrentApprovals,
			idsToStrings(r.ApprovedBy), r.EmergencyBlocked, r.CreatedAt)
		if err != nil {
			return err
		}
		rec.NewValue = audit.Snapshot(r)
		return s.auditor.AppendTx(ctx, tx, rec)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT`+requestCols+` FROM activation_requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	q := `SELECT` + requestCols + ` FROM activation_requests WHERE ($1 = '' OR status = $1) AND ($2 = '' OR target_id = $2) ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, q, string(f.Status), string(f.TargetID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) RecordApproval(ctx context.Context, id, approver types.ID, expectCount int, at time.Time, rec audit.Entry) (*Request, bool, error) {
	var out *Request
	applied := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		old, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if old.Status != StatusPending || old.EmergencyBlocked ||
			old.CurrentApprovals != expectCount || old.HasApprover(approver) {
			out = old
			return nil
		}
		next := *old
		next.ApprovedBy = append(append([]types.ID(nil), old.ApprovedBy...), approver)
		next.CurrentApprovals = old.CurrentApprovals + 1
		if next.CurrentApprovals >= next.NeedsApprovals {
			next.Status = StatusApproved
			t := at
			next.DecidedAt = &t
			by := approver
			next.DecidedBy = &by
		}
		_, err = tx.Exec(ctx, `
			UPDATE activation_requests
			SET current_approvals = $2, approved_by = $3, status = $4,
			    decided_at = $5, decided_by = $6
			WHERE id = $1`,
			string(id), next.CurrentApprovals, idsToStrings(next.ApprovedBy),
			string(next.Status), next.DecidedAt, idPtr(next.DecidedBy))
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

func (s *PGStore) Decide(ctx context.Context, id types.ID, to Status, by types.ID, note string, at time.Time, rec audit.Entry) (*Request, bool, error) {
	var out *Request
	applied := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		old, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(old.Status, to) {
			out = old
			return nil
		}
		next := *old
		next.Status = to
		t := at
		next.DecidedAt = &t
		b := by
		next.DecidedBy = &b
		next.DecisionNote = note
		_, err = tx.Exec(ctx, `
			UPDATE activation_requests
			SET status = $2, decided_at = $3, decided_by = $4, decision_note = $5
			WHERE id = $1`,
			string(id), string(to), at, string(by), note)
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

func (s *PGStore) SetBlocked(ctx context.Context, blocked bool) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE activation_requests
		SET emergency_blocked = $1
		WHERE status = 'pending' AND emergency_blocked <> $1`, blocked)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func lockRequest(ctx context.Context, tx pgx.Tx, id types.ID) (*Request, error) {
	row := tx.QueryRow(ctx, `SELECT`+requestCols+` FROM activation_requests WHERE id = $1 FOR UPDATE`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var diff []byte
	var approvedBy []string
	var decidedAt *time.Time
	var decidedBy *string
	var note *string
	err := row.Scan(
		&r.ID, &r.TargetKind, &r.TargetID, &r.RequestedBy, &diff, &r.Status,
		&r.NeedsApprovals, &r.CurrentApprovals, &approvedBy, &r.EmergencyBlocked,
		&r.CreatedAt, &decidedAt, &decidedBy, &note)
	if err != nil {
		return nil, err
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &r.Diff); err != nil {
			return nil, err
		}
	}
	for _, a := range approvedBy {
		r.ApprovedBy = append(r.ApprovedBy, types.ID(a))
	}
	r.DecidedAt = decidedAt
	if decidedBy != nil {
		b := types.ID(*decidedBy)
		r.DecidedBy = &b
	}
	if note != nil {
		r.DecisionNote = *note
	}
	return &r, nil
}

func idsToStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

// PGFlagStore persists emergency flags.
type PGFlagStore struct {
	db      *pgxpool.Pool
	auditor *audit.PGLog
}

func NewPGFlagStore(db *pgxpool.Pool, auditor *audit.PGLog) *PGFlagStore {
	return &PGFlagStore{db: db, auditor: auditor}
}

func (s *PGFlagStore) Get(ctx context.Context, key string) (*Flag, error) {
	row := s.db.QueryRow(ctx, `
		SELECT flag_key, active, reason, set_by, set_at
		FROM emergency_flags WHERE flag_key = $1`, key)
	var f Flag
	var reason, setBy *string
	var setAt *time.Time
	err := row.Scan(&f.FlagKey, &f.Active, &reason, &setBy, &setAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Flag{FlagKey: key}, nil
	}
	if err != nil {
		return nil, err
	}
	if reason != nil {
		f.Reason = *reason
	}
	if setBy != nil {
		f.SetBy = types.ID(*setBy)
	}
	f.SetAt = setAt
	return &f, nil
}

func (s *PGFlagStore) Upsert(ctx context.Context, f Flag, rec audit.Entry) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		old, err := s.Get(ctx, f.FlagKey)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO emergency_flags (flag_key, active, reason, set_by, set_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (flag_key) DO UPDATE
			SET active = $2, reason = $3, set_by = $4, set_at = $5`,
			f.FlagKey, f.Active, f.Reason, string(f.SetBy), f.SetAt)
		if err != nil {
			return err
		}
		rec.OldValue = audit.Snapshot(old)
		rec.NewValue = audit.Snapshot(f)
		return s.auditor.AppendTx(ctx, tx, rec)
	})
}
