// Package worker implements worker registration, heartbeats, and
// dead-worker detection (spec §4.3). Grounded on the teacher's process
// liveness checks in internal/devops/process/manager.go (pid-based
// IsRunning), generalized from a single managed subprocess to a registry
// of many cooperating agent-worker processes.
package worker

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"tx/internal/id"
	"tx/internal/store"
	"tx/internal/txlog"
)

// Service implements worker registration and liveness checks.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: txlog.Component(logger, "worker")}
}

// RegisterParams are the inputs to Register.
type RegisterParams struct {
	Name         string
	Hostname     string
	PID          int
	Capabilities []string
}

// Register inserts a new worker row in status=idle (spec §4.3).
func (s *Service) Register(ctx context.Context, p RegisterParams) (*store.Worker, error) {
	n := time.Now().UTC()
	w := &store.Worker{
		ID:              id.Worker(),
		Name:            p.Name,
		Hostname:        p.Hostname,
		PID:             p.PID,
		Status:          store.WorkerIdle,
		RegisteredAt:    n,
		LastHeartbeatAt: n,
		Capabilities:    p.Capabilities,
	}
	if err := s.store.Workers().Insert(ctx, nil, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Heartbeat bumps lastHeartbeatAt to now (spec §4.3: missing heartbeats do
// not expire a worker directly — only the reconciler decides that).
func (s *Service) Heartbeat(ctx context.Context, workerID string) error {
	return s.store.Workers().Heartbeat(ctx, nil, workerID)
}

// Get fetches a worker by id.
func (s *Service) Get(ctx context.Context, workerID string) (*store.Worker, error) {
	return s.store.Workers().Get(ctx, nil, workerID)
}

// FindDeadParams parameterizes FindDead.
type FindDeadParams struct {
	HeartbeatAgeSeconds int
	ProbeLiveness       bool
}

// FindDead returns workers whose heartbeat is older than the cutoff and,
// when ProbeLiveness is set, whose OS process is confirmed not alive
// (spec §4.3: the liveness probe is optional; the age threshold alone is
// sufficient).
func (s *Service) FindDead(ctx context.Context, p FindDeadParams) ([]*store.Worker, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(p.HeartbeatAgeSeconds) * time.Second)
	candidates, err := s.store.Workers().FindDead(ctx, nil, cutoff)
	if err != nil {
		return nil, err
	}
	if !p.ProbeLiveness {
		return candidates, nil
	}
	var out []*store.Worker
	for _, w := range candidates {
		if !processAlive(w.PID) {
			out = append(out, w)
		}
	}
	return out, nil
}

// MarkOffline flips a worker's status to offline and clears its current task.
func (s *Service) MarkOffline(ctx context.Context, workerID string) error {
	return s.store.Workers().SetStatus(ctx, nil, workerID, store.WorkerOffline, nil)
}

// processAlive reports whether pid refers to a live OS process. Signal 0
// performs no action but still validates existence/permission, the
// standard Unix liveness probe (also used by the teacher's
// ManagedProcess.IsRunning).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
