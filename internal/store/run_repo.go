package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tx/internal/txerr"
)

// RunStatus is an external agent process's lifecycle state (spec §3).
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run tracks one external agent process.
type Run struct {
	ID              string
	TaskID          *string
	Agent           string
	Status          RunStatus
	PID             *int
	ProcessGroupID  *int
	StartedAt       time.Time
	EndedAt         *time.Time
	ExitCode        *int
	TranscriptPath  *string
	StderrPath      *string
	StdoutPath      *string
	ErrorMessage    *string
	Metadata        map[string]string
}

// RunHeartbeat is the one-per-run byte/activity counter row (spec §4.5).
type RunHeartbeat struct {
	RunID           string
	LastCheckAt     time.Time
	LastActivityAt  time.Time
	StdoutBytes     int64
	StderrBytes     int64
	TranscriptBytes int64
	LastDeltaBytes  int64
}

// RunRepo provides row-level CRUD for runs and their heartbeat state.
type RunRepo struct{ s *Store }

func (s *Store) Runs() *RunRepo { return &RunRepo{s} }

func (r *RunRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert writes a new run row plus its zeroed heartbeat row.
func (r *RunRepo) Insert(ctx context.Context, q Queryer, run *Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "marshal run metadata", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO runs (id, task_id, agent, status, pid, process_group_id, started_at, ended_at, exit_code,
			transcript_path, stderr_path, stdout_path, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Agent, string(run.Status), run.PID, run.ProcessGroupID, rfc3339(run.StartedAt),
		nullableTime(run.EndedAt), run.ExitCode, run.TranscriptPath, run.StderrPath, run.StdoutPath, run.ErrorMessage, string(meta))
	if err != nil {
		return txerr.Database("insert run", err)
	}
	n := now()
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO run_heartbeats (run_id, last_check_at, last_activity_at, stdout_bytes, stderr_bytes, transcript_bytes, last_delta_bytes)
		VALUES (?, ?, ?, 0, 0, 0, 0)`, run.ID, rfc3339(n), rfc3339(n))
	if err != nil {
		return txerr.Database("insert run heartbeat", err)
	}
	return nil
}

// Get fetches a run by id.
func (r *RunRepo) Get(ctx context.Context, q Queryer, id string) (*Run, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, task_id, agent, status, pid, process_group_id, started_at, ended_at, exit_code,
			transcript_path, stderr_path, stdout_path, error_message, metadata
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txerr.Newf(txerr.CodeRunNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database("get run", err)
	}
	return run, nil
}

// SetTerminal stamps a run as finished.
func (r *RunRepo) SetTerminal(ctx context.Context, q Queryer, id string, status RunStatus, exitCode *int, errMsg *string) error {
	_, err := r.q(q).ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, exit_code = ?, error_message = ? WHERE id = ?`,
		string(status), rfc3339(now()), exitCode, errMsg, id)
	if err != nil {
		return txerr.Database("set run terminal", err)
	}
	return nil
}

// Heartbeat returns the heartbeat row for a run.
func (r *RunRepo) Heartbeat(ctx context.Context, q Queryer, runID string) (*RunHeartbeat, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT run_id, last_check_at, last_activity_at, stdout_bytes, stderr_bytes, transcript_bytes, last_delta_bytes
		FROM run_heartbeats WHERE run_id = ?`, runID)
	var h RunHeartbeat
	var lastCheck, lastActivity string
	if err := row.Scan(&h.RunID, &lastCheck, &lastActivity, &h.StdoutBytes, &h.StderrBytes, &h.TranscriptBytes, &h.LastDeltaBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, txerr.Newf(txerr.CodeRunNotFound, "no heartbeat for run %s", runID)
		}
		return nil, txerr.Database("get run heartbeat", err)
	}
	var err error
	if h.LastCheckAt, err = parseTime(lastCheck); err != nil {
		return nil, txerr.Database("parse heartbeat check time", err)
	}
	if h.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, txerr.Database("parse heartbeat activity time", err)
	}
	return &h, nil
}

// UpsertHeartbeat applies the monotone-activity rule from spec §4.5/§9:
// lastActivityAt advances only when delta bytes > 0 or the caller supplies
// an explicit newer activityAt; lastCheckAt always advances to now.
func (r *RunRepo) UpsertHeartbeat(ctx context.Context, q Queryer, runID string, stdoutBytes, stderrBytes, transcriptBytes int64, explicitActivityAt *time.Time) error {
	cur, err := r.Heartbeat(ctx, q, runID)
	if err != nil {
		return err
	}
	n := now()
	delta := (stdoutBytes - cur.StdoutBytes) + (stderrBytes - cur.StderrBytes) + (transcriptBytes - cur.TranscriptBytes)

	activity := cur.LastActivityAt
	if delta > 0 {
		activity = n
	}
	if explicitActivityAt != nil && explicitActivityAt.After(activity) {
		activity = *explicitActivityAt
	}

	_, err = r.q(q).ExecContext(ctx, `
		UPDATE run_heartbeats SET last_check_at = ?, last_activity_at = ?, stdout_bytes = ?, stderr_bytes = ?,
			transcript_bytes = ?, last_delta_bytes = ? WHERE run_id = ?`,
		rfc3339(n), rfc3339(activity), stdoutBytes, stderrBytes, transcriptBytes, delta, runID)
	if err != nil {
		return txerr.Database("upsert run heartbeat", err)
	}
	return nil
}

// RunWithHeartbeat pairs a Run with its heartbeat row for listStalled.
type RunWithHeartbeat struct {
	Run       *Run
	Heartbeat *RunHeartbeat
}

// ListRunning returns every run in status=running joined with its
// heartbeat row, for the reaper's stalled-run scan (spec §4.5).
func (r *RunRepo) ListRunning(ctx context.Context, q Queryer) ([]RunWithHeartbeat, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT r.id, r.task_id, r.agent, r.status, r.pid, r.process_group_id, r.started_at, r.ended_at, r.exit_code,
			r.transcript_path, r.stderr_path, r.stdout_path, r.error_message, r.metadata,
			h.run_id, h.last_check_at, h.last_activity_at, h.stdout_bytes, h.stderr_bytes, h.transcript_bytes, h.last_delta_bytes
		FROM runs r JOIN run_heartbeats h ON h.run_id = r.id
		WHERE r.status = 'running'`)
	if err != nil {
		return nil, txerr.Database("list running runs", err)
	}
	defer rows.Close()

	var out []RunWithHeartbeat
	for rows.Next() {
		var run Run
		var h RunHeartbeat
		var status, startedAt, metadata string
		var taskID, endedAt, transcriptPath, stderrPath, stdoutPath, errMsg sql.NullString
		var pid, pgid, exitCode sql.NullInt64
		var hRunID, lastCheck, lastActivity string

		if err := rows.Scan(&run.ID, &taskID, &run.Agent, &status, &pid, &pgid, &startedAt, &endedAt, &exitCode,
			&transcriptPath, &stderrPath, &stdoutPath, &errMsg, &metadata,
			&hRunID, &lastCheck, &lastActivity, &h.StdoutBytes, &h.StderrBytes, &h.TranscriptBytes, &h.LastDeltaBytes); err != nil {
			return nil, txerr.Database("scan running run", err)
		}

		run.Status = RunStatus(status)
		if taskID.Valid {
			v := taskID.String
			run.TaskID = &v
		}
		if pid.Valid {
			v := int(pid.Int64)
			run.PID = &v
		}
		if pgid.Valid {
			v := int(pgid.Int64)
			run.ProcessGroupID = &v
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			run.ExitCode = &v
		}
		if transcriptPath.Valid {
			v := transcriptPath.String
			run.TranscriptPath = &v
		}
		if stderrPath.Valid {
			v := stderrPath.String
			run.StderrPath = &v
		}
		if stdoutPath.Valid {
			v := stdoutPath.String
			run.StdoutPath = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			run.ErrorMessage = &v
		}
		if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
			return nil, txerr.Database("unmarshal run metadata", err)
		}
		var perr error
		if run.StartedAt, perr = parseTime(startedAt); perr != nil {
			return nil, txerr.Database("parse run started_at", perr)
		}
		if run.EndedAt, perr = parseTimePtr(endedAt); perr != nil {
			return nil, txerr.Database("parse run ended_at", perr)
		}

		h.RunID = hRunID
		if h.LastCheckAt, perr = parseTime(lastCheck); perr != nil {
			return nil, txerr.Database("parse heartbeat check time", perr)
		}
		if h.LastActivityAt, perr = parseTime(lastActivity); perr != nil {
			return nil, txerr.Database("parse heartbeat activity time", perr)
		}

		rc := run
		hc := h
		out = append(out, RunWithHeartbeat{Run: &rc, Heartbeat: &hc})
	}
	return out, nil
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var status, startedAt, metadata string
	var taskID, endedAt, transcriptPath, stderrPath, stdoutPath, errMsg sql.NullString
	var pid, pgid, exitCode sql.NullInt64
	if err := row.Scan(&run.ID, &taskID, &run.Agent, &status, &pid, &pgid, &startedAt, &endedAt, &exitCode,
		&transcriptPath, &stderrPath, &stdoutPath, &errMsg, &metadata); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if taskID.Valid {
		v := taskID.String
		run.TaskID = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		run.PID = &v
	}
	if pgid.Valid {
		v := int(pgid.Int64)
		run.ProcessGroupID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	if transcriptPath.Valid {
		v := transcriptPath.String
		run.TranscriptPath = &v
	}
	if stderrPath.Valid {
		v := stderrPath.String
		run.StderrPath = &v
	}
	if stdoutPath.Valid {
		v := stdoutPath.String
		run.StdoutPath = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		run.ErrorMessage = &v
	}
	if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
		return nil, err
	}
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
