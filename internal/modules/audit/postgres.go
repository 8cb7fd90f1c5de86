package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alon/internal/types"
)

// PGLog persists the trail in Postgres. Callers that mutate inside a
// transaction append through AppendTx with the same tx so the entry commits
// or rolls back with the mutation.
type PGLog struct {
	db *pgxpool.Pool
}

func NewPGLog(db *pgxpool.Pool) *PGLog {
	return &PGLog{db: db}
}

const insertEntry = `
	INSERT INTO audit_log (id, target_id, user_id, action, old_value, new_value, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (l *PGLog) Append(ctx context.Context, e Entry) error {
	fill(&e)
	_, err := l.db.Exec(ctx, insertEntry,
		string(e.ID), idPtr(e.TargetID), string(e.UserID), e.Action,
		[]byte(e.OldValue), []byte(e.NewValue), e.CreatedAt)
	return err
}

// AppendTx writes the entry inside the caller's transaction.
func (l *PGLog) AppendTx(ctx context.Context, tx pgx.Tx, e Entry) error {
	fill(&e)
	_, err := tx.Exec(ctx, insertEntry,
		string(e.ID), idPtr(e.TargetID), string(e.UserID), e.Action,
		[]byte(e.OldValue), []byte(e.NewValue), e.CreatedAt)
	return err
}

func (l *PGLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.Query(ctx, `
		SELECT id, target_id, user_id, action, old_value, new_value, created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var target *string
		if err := rows.Scan(&e.ID, &target, &e.UserID, &e.Action, &e.OldValue, &e.NewValue, &e.CreatedAt); err != nil {
			return nil, err
		}
		if target != nil {
			t := types.ID(*target)
			e.TargetID = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func fill(e *Entry) {
	if e.ID == "" {
		e.ID = types.ID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
