package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tx/internal/txerr"
)

// Status is a task's lifecycle state (spec §3).
type Status string

const (
	StatusBacklog   Status = "backlog"
	StatusPlanning  Status = "planning"
	StatusReady     Status = "ready"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is the row shape for the tasks table.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      Status
	ParentID    *string
	Score       int
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// TaskTransition is one audit-log row for a status change (spec §4.1).
type TaskTransition struct {
	ID         int64
	TaskID     string
	FromStatus Status
	ToStatus   Status
	Reason     string
	CreatedAt  time.Time
}

// TaskRepo provides row-level CRUD for tasks and their transition log.
// Grounded on the teacher's task.Store (internal/domain/task/store.go),
// generalized from the teacher's single-table chat-task model to the
// DAG-shaped Task row in spec §3.
type TaskRepo struct{ s *Store }

func (s *Store) Tasks() *TaskRepo { return &TaskRepo{s} }

func (r *TaskRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert writes a new task row. Callers are responsible for defaulting
// Status/CreatedAt/UpdatedAt before calling.
func (r *TaskRepo) Insert(ctx context.Context, q Queryer, t *Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "marshal task metadata", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, parent_id, score, metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.ParentID, t.Score, string(meta),
		rfc3339(t.CreatedAt), rfc3339(t.UpdatedAt), nullableTime(t.CompletedAt))
	if err != nil {
		return txerr.Database("insert task", err)
	}
	return nil
}

// Get fetches a single task by id.
func (r *TaskRepo) Get(ctx context.Context, q Queryer, id string) (*Task, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, title, description, status, parent_id, score, metadata, created_at, updated_at, completed_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txerr.Newf(txerr.CodeTaskNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database("get task", err)
	}
	return t, nil
}

// Exists reports whether a task id is present, without materializing a row.
func (r *TaskRepo) Exists(ctx context.Context, q Queryer, id string) (bool, error) {
	var x int
	err := r.q(q).QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, txerr.Database("check task exists", err)
	}
	return true, nil
}

// UpdateFields patches the non-status-transition-governed fields. status is
// written separately via SetStatus/ForceStatus so every change is logged.
func (r *TaskRepo) UpdateFields(ctx context.Context, q Queryer, id string, title, description *string, parentID **string, score *int, metadata map[string]string) error {
	t, err := r.Get(ctx, q, id)
	if err != nil {
		return err
	}
	if title != nil {
		t.Title = *title
	}
	if description != nil {
		t.Description = *description
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	if score != nil {
		t.Score = *score
	}
	if metadata != nil {
		t.Metadata = metadata
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "marshal task metadata", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		UPDATE tasks SET title=?, description=?, parent_id=?, score=?, metadata=?, updated_at=?
		WHERE id=?`, t.Title, t.Description, t.ParentID, t.Score, string(meta), rfc3339(now()), id)
	if err != nil {
		return txerr.Database("update task fields", err)
	}
	return nil
}

// SetStatus writes the new status and a transition row atomically (same
// Queryer; caller supplies a transaction when the update must be atomic
// with other writes). Stamps/clears completed_at per the done invariant.
func (r *TaskRepo) SetStatus(ctx context.Context, q Queryer, id string, from, to Status, reason string) error {
	n := now()
	var completedAt any
	if to == StatusDone {
		completedAt = rfc3339(n)
	} else {
		completedAt = nil
	}
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE tasks SET status=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		string(to), completedAt, rfc3339(n), id, string(from))
	if err != nil {
		return txerr.Database("set task status", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return txerr.Newf(txerr.CodeTaskNotFound, "task %s not found or status changed concurrently", id)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`, id, string(from), string(to), reason, rfc3339(n))
	if err != nil {
		return txerr.Database("insert task transition", err)
	}
	return nil
}

// Transitions returns the audit trail for a task, oldest first.
func (r *TaskRepo) Transitions(ctx context.Context, q Queryer, id string) ([]TaskTransition, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, reason, created_at
		FROM task_transitions WHERE task_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, txerr.Database("list task transitions", err)
	}
	defer rows.Close()

	var out []TaskTransition
	for rows.Next() {
		var tr TaskTransition
		var from, to, createdAt string
		var reason sql.NullString
		if err := rows.Scan(&tr.ID, &tr.TaskID, &from, &to, &reason, &createdAt); err != nil {
			return nil, txerr.Database("scan task transition", err)
		}
		tr.FromStatus, tr.ToStatus = Status(from), Status(to)
		tr.Reason = reason.String
		if t, err := parseTime(createdAt); err == nil {
			tr.CreatedAt = t
		}
		out = append(out, tr)
	}
	return out, nil
}

// ListByStatus returns tasks matching any of the given statuses. Filtering
// by the full set (not just statuses[0]) is required (spec §9 open question ii).
func (r *TaskRepo) ListByStatus(ctx context.Context, q Queryer, statuses []Status, limit int) ([]*Task, error) {
	if len(statuses) == 0 {
		return r.list(ctx, q, "", nil, limit)
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	where := fmt.Sprintf("WHERE status IN (%s)", strings.Join(placeholders, ","))
	return r.list(ctx, q, where, args, limit)
}

func (r *TaskRepo) list(ctx context.Context, q Queryer, where string, args []any, limit int) ([]*Task, error) {
	query := `SELECT id, title, description, status, parent_id, score, metadata, created_at, updated_at, completed_at
		FROM tasks ` + where + ` ORDER BY score DESC, created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txerr.Database("list tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, txerr.Database("scan task", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Children returns direct children of parentID.
func (r *TaskRepo) Children(ctx context.Context, q Queryer, parentID string) ([]*Task, error) {
	return r.list(ctx, q, "WHERE parent_id = ?", []any{parentID}, 0)
}

// Delete removes a single task row.
func (r *TaskRepo) Delete(ctx context.Context, q Queryer, id string) error {
	_, err := r.q(q).ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return txerr.Database("delete task", err)
	}
	return nil
}

// DeleteMany removes a batch of task ids in one statement, after removing
// their transition-log rows (which reference the tasks).
func (r *TaskRepo) DeleteMany(ctx context.Context, q Queryer, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	if _, err := r.q(q).ExecContext(ctx, `DELETE FROM task_transitions WHERE task_id IN (`+strings.Join(placeholders, ",")+`)`, args...); err != nil {
		return txerr.Database("delete task transitions", err)
	}
	_, err := r.q(q).ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return txerr.Database("delete tasks", err)
	}
	return nil
}

// BlockersOf returns, for each id in ids, the list of blocker task ids —
// batched in a single round trip (spec §4.1: "must be O(1) round trips").
func (r *TaskRepo) BlockersOf(ctx context.Context, q Queryer, ids []string) (map[string][]string, error) {
	return r.depEdges(ctx, q, ids, "blocked_id", "blocker_id")
}

// BlocksOf returns, for each id in ids, the list of task ids it blocks.
func (r *TaskRepo) BlocksOf(ctx context.Context, q Queryer, ids []string) (map[string][]string, error) {
	return r.depEdges(ctx, q, ids, "blocker_id", "blocked_id")
}

func (r *TaskRepo) depEdges(ctx context.Context, q Queryer, ids []string, keyCol, valCol string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM task_dependencies WHERE %s IN (%s)`,
		keyCol, valCol, keyCol, strings.Join(placeholders, ","))
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txerr.Database("batch dependency lookup", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, txerr.Database("scan dependency row", err)
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var status, metadata, createdAt, updatedAt string
	var parentID, completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &parentID, &t.Score, &metadata, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	return hydrateTask(&t, status, metadata, createdAt, updatedAt, parentID, completedAt)
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var status, metadata, createdAt, updatedAt string
	var parentID, completedAt sql.NullString
	if err := rows.Scan(&t.ID, &t.Title, &t.Description, &status, &parentID, &t.Score, &metadata, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	return hydrateTask(&t, status, metadata, createdAt, updatedAt, parentID, completedAt)
}

func hydrateTask(t *Task, status, metadata, createdAt, updatedAt string, parentID, completedAt sql.NullString) (*Task, error) {
	t.Status = Status(status)
	if parentID.Valid {
		v := parentID.String
		t.ParentID = &v
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return rfc3339(*t)
}
