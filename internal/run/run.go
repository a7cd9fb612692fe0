// Package run tracks external agent processes (Run + RunHeartbeat, spec
// §4.5) and reaps stalled ones by terminating their process tree.
// Grounded on the teacher's external/subprocess spawn wiring and
// devops/process.Manager's killProcess escalation
// (internal/devops/process/manager.go), generalized from a named,
// singleton managed process to many concurrently tracked agent Runs, one
// per task attempt.
package run

import (
	"context"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"tx/internal/id"
	"tx/internal/store"
	"tx/internal/txlog"
)

// Service tracks Run rows and their heartbeat state.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: txlog.Component(logger, "run")}
}

// StartParams are the inputs to Start.
type StartParams struct {
	TaskID         *string
	Agent          string
	Cmd            *exec.Cmd
	TranscriptPath *string
	StderrPath     *string
	StdoutPath     *string
	Metadata       map[string]string
}

// Start spawns cmd (if not already started) in its own process group so
// the entire descendant tree can be terminated as a unit later, and
// records a Run row pointing at it.
func (s *Service) Start(ctx context.Context, p StartParams) (*store.Run, error) {
	if p.Cmd.SysProcAttr == nil {
		p.Cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	p.Cmd.SysProcAttr.Setpgid = true

	if p.Cmd.Process == nil {
		if err := p.Cmd.Start(); err != nil {
			return nil, err
		}
	}

	pid := p.Cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	r := &store.Run{
		ID:             id.Run(),
		TaskID:         p.TaskID,
		Agent:          p.Agent,
		Status:         store.RunRunning,
		PID:            &pid,
		ProcessGroupID: &pgid,
		StartedAt:      time.Now().UTC(),
		TranscriptPath: p.TranscriptPath,
		StderrPath:     p.StderrPath,
		StdoutPath:     p.StdoutPath,
		Metadata:       meta,
	}
	if err := s.store.Runs().Insert(ctx, nil, r); err != nil {
		return nil, err
	}

	go func() {
		_ = p.Cmd.Wait()
	}()
	return r, nil
}

// Get fetches a run by id.
func (s *Service) Get(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.Runs().Get(ctx, nil, runID)
}

// Heartbeat updates byte counters for a run, applying the monotone-
// activity rule (spec §4.5, §9).
func (s *Service) Heartbeat(ctx context.Context, runID string, stdoutBytes, stderrBytes, transcriptBytes int64, activityAt *time.Time) error {
	return s.store.Runs().UpsertHeartbeat(ctx, nil, runID, stdoutBytes, stderrBytes, transcriptBytes, activityAt)
}

// Finish stamps a run's terminal state directly (used by a caller that
// observed natural process exit, as opposed to the reaper).
func (s *Service) Finish(ctx context.Context, runID string, status store.RunStatus, exitCode *int, errMsg *string) error {
	return s.store.Runs().SetTerminal(ctx, nil, runID, status, exitCode, errMsg)
}
