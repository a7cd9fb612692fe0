package store

import (
	"context"
	"database/sql"
	"time"

	"tx/internal/txerr"
)

// OrchestratorStatus is the singleton orchestrator's lifecycle state
// (spec §4.6).
type OrchestratorStatus string

const (
	OrchestratorStopped  OrchestratorStatus = "stopped"
	OrchestratorStarting OrchestratorStatus = "starting"
	OrchestratorRunning  OrchestratorStatus = "running"
	OrchestratorStopping OrchestratorStatus = "stopping"
)

// OrchestratorState is the singleton row tracking the reconciliation loop.
type OrchestratorState struct {
	Status                   OrchestratorStatus
	PID                      *int
	StartedAt                *time.Time
	WorkerPoolSize           int
	HeartbeatIntervalSeconds int
	LeaseDurationMinutes     int
	ReconcileIntervalSeconds int
	LastReconcileAt          *time.Time
}

// OrchestratorStateRepo manages the single-row orchestrator_state table.
type OrchestratorStateRepo struct{ s *Store }

func (s *Store) OrchestratorState() *OrchestratorStateRepo { return &OrchestratorStateRepo{s} }

func (r *OrchestratorStateRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Get reads the singleton row.
func (r *OrchestratorStateRepo) Get(ctx context.Context, q Queryer) (*OrchestratorState, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT status, pid, started_at, worker_pool_size, heartbeat_interval_seconds,
			lease_duration_minutes, reconcile_interval_seconds, last_reconcile_at
		FROM orchestrator_state WHERE id = 1`)
	var st OrchestratorState
	var status string
	var pid sql.NullInt64
	var startedAt, lastReconcile sql.NullString
	if err := row.Scan(&status, &pid, &startedAt, &st.WorkerPoolSize, &st.HeartbeatIntervalSeconds,
		&st.LeaseDurationMinutes, &st.ReconcileIntervalSeconds, &lastReconcile); err != nil {
		return nil, txerr.Database("get orchestrator state", err)
	}
	st.Status = OrchestratorStatus(status)
	if pid.Valid {
		v := int(pid.Int64)
		st.PID = &v
	}
	var err error
	if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, txerr.Database("parse orchestrator started_at", err)
	}
	if st.LastReconcileAt, err = parseTimePtr(lastReconcile); err != nil {
		return nil, txerr.Database("parse orchestrator last_reconcile_at", err)
	}
	return &st, nil
}

// CompareAndSwapStatus performs the CAS guard on the lifecycle column
// (spec §4.6: "transitions are guarded by compare-and-swap on the status
// column; double-start fails with OrchestratorError").
func (r *OrchestratorStateRepo) CompareAndSwapStatus(ctx context.Context, q Queryer, from, to OrchestratorStatus) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE orchestrator_state SET status = ? WHERE id = 1 AND status = ?`, string(to), string(from))
	if err != nil {
		return false, txerr.Database("cas orchestrator status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetRunning records pid/startedAt and the configured cadences on a
// successful start.
func (r *OrchestratorStateRepo) SetRunning(ctx context.Context, q Queryer, pid, workerPoolSize, heartbeatIntervalSeconds, leaseDurationMinutes, reconcileIntervalSeconds int) error {
	_, err := r.q(q).ExecContext(ctx, `
		UPDATE orchestrator_state SET pid = ?, started_at = ?, worker_pool_size = ?,
			heartbeat_interval_seconds = ?, lease_duration_minutes = ?, reconcile_interval_seconds = ?
		WHERE id = 1`, pid, rfc3339(now()), workerPoolSize, heartbeatIntervalSeconds, leaseDurationMinutes, reconcileIntervalSeconds)
	if err != nil {
		return txerr.Database("set orchestrator running", err)
	}
	return nil
}

// StampReconcile records lastReconcileAt = now.
func (r *OrchestratorStateRepo) StampReconcile(ctx context.Context, q Queryer) error {
	_, err := r.q(q).ExecContext(ctx, `UPDATE orchestrator_state SET last_reconcile_at = ? WHERE id = 1`, rfc3339(now()))
	if err != nil {
		return txerr.Database("stamp reconcile time", err)
	}
	return nil
}

// Reset clears pid/startedAt on stop.
func (r *OrchestratorStateRepo) Reset(ctx context.Context, q Queryer) error {
	_, err := r.q(q).ExecContext(ctx, `UPDATE orchestrator_state SET pid = NULL, started_at = NULL WHERE id = 1`)
	if err != nil {
		return txerr.Database("reset orchestrator state", err)
	}
	return nil
}
