package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tx/internal/txerr"
)

// WorkerStatus is a registered worker's liveness state (spec §3).
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is the row shape for the workers table.
type Worker struct {
	ID              string
	Name            string
	Hostname        string
	PID             int
	Status          WorkerStatus
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	CurrentTaskID   *string
	Capabilities    []string
}

// WorkerRepo provides row-level CRUD for workers.
type WorkerRepo struct{ s *Store }

func (s *Store) Workers() *WorkerRepo { return &WorkerRepo{s} }

func (r *WorkerRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert registers a new worker row.
func (r *WorkerRepo) Insert(ctx context.Context, q Queryer, w *Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "marshal worker capabilities", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO workers (id, name, hostname, pid, status, registered_at, last_heartbeat_at, current_task_id, capabilities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Hostname, w.PID, string(w.Status), rfc3339(w.RegisteredAt), rfc3339(w.LastHeartbeatAt),
		w.CurrentTaskID, string(caps))
	if err != nil {
		return txerr.Database("insert worker", err)
	}
	return nil
}

// Get fetches a worker by id.
func (r *WorkerRepo) Get(ctx context.Context, q Queryer, id string) (*Worker, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, name, hostname, pid, status, registered_at, last_heartbeat_at, current_task_id, capabilities
		FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txerr.Newf(txerr.CodeWorkerNotFound, "worker %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database("get worker", err)
	}
	return w, nil
}

// Heartbeat bumps last_heartbeat_at to now.
func (r *WorkerRepo) Heartbeat(ctx context.Context, q Queryer, id string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`, rfc3339(now()), id)
	if err != nil {
		return txerr.Database("worker heartbeat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return txerr.Newf(txerr.CodeWorkerNotFound, "worker %s not found", id)
	}
	return nil
}

// SetStatus updates a worker's status (and current task pointer).
func (r *WorkerRepo) SetStatus(ctx context.Context, q Queryer, id string, status WorkerStatus, currentTaskID *string) error {
	_, err := r.q(q).ExecContext(ctx, `UPDATE workers SET status = ?, current_task_id = ? WHERE id = ?`,
		string(status), currentTaskID, id)
	if err != nil {
		return txerr.Database("set worker status", err)
	}
	return nil
}

// FindDead returns workers whose last_heartbeat_at is older than cutoff.
func (r *WorkerRepo) FindDead(ctx context.Context, q Queryer, cutoff time.Time) ([]*Worker, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, name, hostname, pid, status, registered_at, last_heartbeat_at, current_task_id, capabilities
		FROM workers WHERE last_heartbeat_at < ? AND status != ?`, rfc3339(cutoff), string(WorkerOffline))
	if err != nil {
		return nil, txerr.Database("find dead workers", err)
	}
	defer rows.Close()
	var out []*Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, txerr.Database("scan worker", err)
		}
		out = append(out, w)
	}
	return out, nil
}

func scanWorker(row *sql.Row) (*Worker, error) {
	var w Worker
	var status, registeredAt, lastHeartbeatAt, caps string
	var pid sql.NullInt64
	var currentTaskID sql.NullString
	if err := row.Scan(&w.ID, &w.Name, &w.Hostname, &pid, &status, &registeredAt, &lastHeartbeatAt, &currentTaskID, &caps); err != nil {
		return nil, err
	}
	return hydrateWorker(&w, pid, status, registeredAt, lastHeartbeatAt, currentTaskID, caps)
}

func scanWorkerRows(rows *sql.Rows) (*Worker, error) {
	var w Worker
	var status, registeredAt, lastHeartbeatAt, caps string
	var pid sql.NullInt64
	var currentTaskID sql.NullString
	if err := rows.Scan(&w.ID, &w.Name, &w.Hostname, &pid, &status, &registeredAt, &lastHeartbeatAt, &currentTaskID, &caps); err != nil {
		return nil, err
	}
	return hydrateWorker(&w, pid, status, registeredAt, lastHeartbeatAt, currentTaskID, caps)
}

func hydrateWorker(w *Worker, pid sql.NullInt64, status, registeredAt, lastHeartbeatAt string, currentTaskID sql.NullString, caps string) (*Worker, error) {
	w.PID = int(pid.Int64)
	w.Status = WorkerStatus(status)
	if currentTaskID.Valid {
		v := currentTaskID.String
		w.CurrentTaskID = &v
	}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, err
	}
	var err error
	if w.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if w.LastHeartbeatAt, err = parseTime(lastHeartbeatAt); err != nil {
		return nil, err
	}
	return w, nil
}
