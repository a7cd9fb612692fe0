// Package kernel is the composition root: one function builds every
// storage-backed service from a config and returns a single facade, the
// way a CLI command or test harness should depend on the whole system.
// Grounded on the teacher's internal/di.BuildContainer/Container pair
// (internal/di/container.go), generalized from an LLM-agent dependency
// graph (session stores, tool registry, MCP) to the coordination kernel's
// own graph (store, task/dependency/worker/claim/run/outbox services, the
// retrieval engine, and promotion).
package kernel

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"tx/internal/claim"
	"tx/internal/dependency"
	"tx/internal/learning"
	"tx/internal/learning/vector"
	"tx/internal/orchestrator"
	"tx/internal/outbox"
	"tx/internal/promotion"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txconfig"
	"tx/internal/worker"
)

// embeddingDimensions is the vector width the learning store is opened
// with. Callers whose embedder produces a different width must not wire
// vector search; a mismatch surfaces as CodeEmbeddingDimMismatch rather
// than silently truncating.
const embeddingDimensions = 1536

// Kernel is the fully wired facade: every exported field is ready to use
// once Build returns successfully.
type Kernel struct {
	Store *store.Store

	Tasks        *task.Engine
	Dependencies *dependency.Engine
	Workers      *worker.Service
	Claims       *claim.Service
	Runs         *run.Service
	Outbox       *outbox.Service
	Retrieval    *learning.Engine
	Promotion    *promotion.Service
	Orchestrator *orchestrator.Orchestrator

	Config txconfig.Config
}

// Build opens the store, applies migrations, and wires every service
// against it. Callers own the returned Kernel's lifetime and must call
// Close when done.
func Build(ctx context.Context, cfg txconfig.Config, logger *slog.Logger) (*Kernel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(ctx, cfg.StoragePath, logger)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	tasks := task.New(s, logger)
	deps := dependency.New(s, logger)
	workers := worker.New(s, logger)
	claims := claim.New(s, logger)
	runs := run.New(s, logger)
	ob := outbox.New(s, logger)

	vectors, err := vector.Open("learnings", embeddingDimensions)
	if err != nil {
		s.Close()
		return nil, err
	}

	retrieval, err := learning.New(s.Learnings(), vectors, 256, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	promote := promotion.New(s, tasks, vectors, nil, logger)

	metrics := orchestrator.MustNewMetrics(prometheus.NewRegistry())
	orch := orchestrator.New(s, workers, claims, tasks, logger, metrics)

	return &Kernel{
		Store:        s,
		Tasks:        tasks,
		Dependencies: deps,
		Workers:      workers,
		Claims:       claims,
		Runs:         runs,
		Outbox:       ob,
		Retrieval:    retrieval,
		Promotion:    promote,
		Orchestrator: orch,
		Config:       cfg,
	}, nil
}

// Close releases the kernel's storage handle, stopping the orchestrator
// loop first if it is running.
func (k *Kernel) Close(ctx context.Context) error {
	if k.Orchestrator != nil {
		_ = k.Orchestrator.Stop(ctx, true)
	}
	return k.Store.Close()
}
