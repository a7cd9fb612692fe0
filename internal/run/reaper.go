package run

import (
	"context"
	"syscall"
	"time"

	"tx/internal/claim"
	"tx/internal/store"
	"tx/internal/task"
)

// terminationGrace is the pause between SIGTERM and SIGKILL when reaping a
// stalled run (spec §4.5: "SIGTERM, 2s grace, SIGKILL"). The teacher's
// devops/process.Manager.killProcess uses a 5s grace for long-lived managed
// services; agent runs are reaped far more aggressively since a stalled one
// is actively holding a task lease.
const terminationGrace = 2 * time.Second

// exitCodeKilled is the conventional exit code recorded for a process
// terminated by SIGKILL (128 + SIGKILL's signal number 9).
const exitCodeKilled = 137

// StalledReason names why listStalled flagged a run (spec §4.5).
type StalledReason string

const (
	ReasonTranscriptIdle StalledReason = "transcript_idle"
	ReasonHeartbeatStale StalledReason = "heartbeat_stale"
)

// StalledRun pairs a running Run with the reason it was flagged.
type StalledRun struct {
	Run    *store.Run
	Reason StalledReason
}

// ListStalledParams parameterizes ListStalled.
type ListStalledParams struct {
	TranscriptIdleSeconds int
	// HeartbeatLagSeconds, when nonzero, additionally flags runs whose
	// heartbeat scanner itself has gone quiet (the reporting process died
	// without exiting), distinct from the agent producing no output.
	HeartbeatLagSeconds int
}

// ListStalled scans every running Run and flags ones whose heartbeat
// indicates the agent process has stopped making progress (spec §4.5).
func (s *Service) ListStalled(ctx context.Context, p ListStalledParams) ([]StalledRun, error) {
	rows, err := s.store.Runs().ListRunning(ctx, nil)
	if err != nil {
		return nil, err
	}
	n := time.Now().UTC()
	var out []StalledRun
	for _, rw := range rows {
		idleFor := n.Sub(rw.Heartbeat.LastActivityAt)
		if idleFor >= time.Duration(p.TranscriptIdleSeconds)*time.Second {
			out = append(out, StalledRun{Run: rw.Run, Reason: ReasonTranscriptIdle})
			continue
		}
		if p.HeartbeatLagSeconds > 0 {
			checkLag := n.Sub(rw.Heartbeat.LastCheckAt)
			if checkLag >= time.Duration(p.HeartbeatLagSeconds)*time.Second {
				out = append(out, StalledRun{Run: rw.Run, Reason: ReasonHeartbeatStale})
			}
		}
	}
	return out, nil
}

// ReapParams controls ReapStalled.
type ReapParams struct {
	ListStalledParams
	// ResetTask forces the run's task back to ready after termination,
	// default true (spec §4.5).
	ResetTask *bool
	DryRun    bool
}

// ReapedRun reports the outcome of reaping one stalled run.
type ReapedRun struct {
	Run    *store.Run
	Reason StalledReason
}

// ReapStalled terminates the process tree of every stalled run, marks the
// run cancelled, releases the run's task claim, and (unless disabled) moves
// the task back to ready so another worker can pick it up (spec §4.5).
func (s *Service) ReapStalled(ctx context.Context, claims *claim.Service, tasks *task.Engine, p ReapParams) ([]ReapedRun, error) {
	stalled, err := s.ListStalled(ctx, p.ListStalledParams)
	if err != nil {
		return nil, err
	}
	resetTask := true
	if p.ResetTask != nil {
		resetTask = *p.ResetTask
	}

	var out []ReapedRun
	for _, sr := range stalled {
		if p.DryRun {
			out = append(out, ReapedRun{Run: sr.Run, Reason: sr.Reason})
			continue
		}
		if err := s.killProcessTree(sr.Run); err != nil {
			s.logger.Warn("failed to terminate stalled run process tree", "runId", sr.Run.ID, "error", err)
		}

		exitCode := exitCodeKilled
		errMsg := "reaped: " + string(sr.Reason)
		if err := s.store.Runs().SetTerminal(ctx, nil, sr.Run.ID, store.RunCancelled, &exitCode, &errMsg); err != nil {
			return out, err
		}

		if sr.Run.TaskID != nil {
			if active, err := claims.GetActiveClaim(ctx, *sr.Run.TaskID); err == nil && active != nil {
				if err := claims.Release(ctx, *sr.Run.TaskID, active.WorkerID); err != nil {
					s.logger.Warn("failed to release claim for reaped run", "runId", sr.Run.ID, "error", err)
				}
			}
			if resetTask {
				if err := tasks.ForceStatus(ctx, *sr.Run.TaskID, store.StatusReady, "reaped: "+string(sr.Reason)); err != nil {
					s.logger.Warn("failed to reset task after reaping run", "runId", sr.Run.ID, "error", err)
				}
			}
		}

		out = append(out, ReapedRun{Run: sr.Run, Reason: sr.Reason})
	}
	return out, nil
}

// killProcessTree sends SIGTERM to the run's process group, waits up to
// terminationGrace for it to exit, and escalates to SIGKILL — the same
// escalation shape as the teacher's devops/process.Manager.killProcess,
// shortened from its 5s grace to the spec's 2s.
func (s *Service) killProcessTree(r *store.Run) error {
	if r.PID == nil {
		return nil
	}
	target := *r.PID
	if r.ProcessGroupID != nil && *r.ProcessGroupID > 0 {
		target = -*r.ProcessGroupID
	}

	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(terminationGrace)
	for time.Now().Before(deadline) {
		if !processAlive(*r.PID) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// processAlive reports whether pid refers to a live OS process (teacher's
// devops/process.isProcessAlive, via the standard signal-0 probe).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
