package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tx/internal/txerr"
)

// AttemptOutcome is the result of one recorded attempt at a task.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
)

// Attempt is one recorded try at solving a task (spec §3).
type Attempt struct {
	ID        string
	TaskID    string
	Approach  string
	Outcome   AttemptOutcome
	Reason    *string
	CreatedAt time.Time
}

// AttemptRepo provides row-level CRUD for attempts.
type AttemptRepo struct{ s *Store }

func (s *Store) Attempts() *AttemptRepo { return &AttemptRepo{s} }

func (r *AttemptRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert records a new attempt.
func (r *AttemptRepo) Insert(ctx context.Context, q Queryer, a *Attempt) error {
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO attempts (id, task_id, approach, outcome, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Approach, string(a.Outcome), a.Reason, rfc3339(a.CreatedAt))
	if err != nil {
		return txerr.Database("insert attempt", err)
	}
	return nil
}

// Get fetches an attempt by id.
func (r *AttemptRepo) Get(ctx context.Context, q Queryer, id string) (*Attempt, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, task_id, approach, outcome, reason, created_at FROM attempts WHERE id = ?`, id)
	var a Attempt
	var outcome, createdAt string
	var reason sql.NullString
	if err := row.Scan(&a.ID, &a.TaskID, &a.Approach, &outcome, &reason, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, txerr.Newf(txerr.CodeAttemptNotFound, "attempt %s not found", id)
		}
		return nil, txerr.Database("get attempt", err)
	}
	a.Outcome = AttemptOutcome(outcome)
	if reason.Valid {
		v := reason.String
		a.Reason = &v
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, txerr.Database("parse attempt created_at", err)
	}
	return &a, nil
}

// ListByTask returns every attempt for a task, oldest first.
func (r *AttemptRepo) ListByTask(ctx context.Context, q Queryer, taskID string) ([]*Attempt, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, task_id, approach, outcome, reason, created_at FROM attempts WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, txerr.Database("list attempts", err)
	}
	defer rows.Close()
	var out []*Attempt
	for rows.Next() {
		var a Attempt
		var outcome, createdAt string
		var reason sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Approach, &outcome, &reason, &createdAt); err != nil {
			return nil, txerr.Database("scan attempt", err)
		}
		a.Outcome = AttemptOutcome(outcome)
		if reason.Valid {
			v := reason.String
			a.Reason = &v
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, txerr.Database("parse attempt created_at", err)
		}
		out = append(out, &a)
	}
	return out, nil
}
