// Package orchestrator implements the reconciliation loop (spec §4.6): a
// singleton lifecycle guarded by compare-and-swap on OrchestratorState, and
// an idempotent reconcile pass that repairs dead workers, expired claims,
// and drifted task statuses. Grounded on the teacher's
// config.RuntimeConfigWatcher lifecycle (mutex-guarded start/stop, a
// stopCh, async.Go-launched background loop reacting to ctx.Done) and on
// devops/process.Manager's Recover sweep shape, generalized from a
// file-watch debounce loop to a fixed-interval reconcile ticker.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"tx/internal/async"
	"tx/internal/claim"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txerr"
	"tx/internal/txlog"
	"tx/internal/worker"
)

// StartParams configures a reconciliation run (spec §4.6).
type StartParams struct {
	WorkerPoolSize           int
	HeartbeatIntervalSeconds int
	LeaseDurationMinutes     int
	ReconcileIntervalSeconds int
}

// ReconcileResult tallies what one pass changed.
type ReconcileResult struct {
	DeadWorkersReaped      int
	ExpiredClaimsReleased  int
	OrphanedTasksRecovered int
	StaleStatesFixed       int
}

// Orchestrator owns the reconcile loop's singleton lifecycle.
type Orchestrator struct {
	store   *store.Store
	workers *worker.Service
	claims  *claim.Service
	tasks   *task.Engine
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	params   StartParams
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New builds an orchestrator wired to the given services. metrics may be
// nil, in which case reconcile counters are not exported.
func New(s *store.Store, workers *worker.Service, claims *claim.Service, tasks *task.Engine, logger *slog.Logger, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		store:   s,
		workers: workers,
		claims:  claims,
		tasks:   tasks,
		logger:  txlog.Component(logger, "orchestrator"),
		metrics: metrics,
	}
}

// Start transitions stopped→starting→running and launches the reconcile
// ticker. Double-start fails with OrchestratorError (spec §4.6).
func (o *Orchestrator) Start(ctx context.Context, p StartParams) error {
	o.mu.Lock()
	if o.stopCh != nil {
		o.mu.Unlock()
		return txerr.New(txerr.CodeOrchestratorError, "orchestrator already running")
	}

	ok, err := o.store.OrchestratorState().CompareAndSwapStatus(ctx, nil, store.OrchestratorStopped, store.OrchestratorStarting)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if !ok {
		o.mu.Unlock()
		return txerr.New(txerr.CodeOrchestratorError, "orchestrator is not in stopped state")
	}

	if err := o.store.OrchestratorState().SetRunning(ctx, nil, osPID(), p.WorkerPoolSize, p.HeartbeatIntervalSeconds, p.LeaseDurationMinutes, p.ReconcileIntervalSeconds); err != nil {
		o.mu.Unlock()
		return err
	}
	if _, err := o.store.OrchestratorState().CompareAndSwapStatus(ctx, nil, store.OrchestratorStarting, store.OrchestratorRunning); err != nil {
		o.mu.Unlock()
		return err
	}

	o.params = p
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.stopOnce = sync.Once{}
	stopCh, doneCh := o.stopCh, o.doneCh
	o.mu.Unlock()

	async.Go(txlog.PanicLogger{Logger: o.logger}, "orchestrator.loop", func() {
		defer close(doneCh)
		o.loop(ctx, stopCh, time.Duration(p.ReconcileIntervalSeconds)*time.Second)
	})
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := o.Reconcile(ctx); err != nil {
				o.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// Stop transitions running→stopping→stopped. When graceful, it waits for
// any in-flight reconcile pass (and the loop goroutine) to finish first
// (spec §4.6).
func (o *Orchestrator) Stop(ctx context.Context, graceful bool) error {
	o.mu.Lock()
	stopCh, doneCh := o.stopCh, o.doneCh
	o.mu.Unlock()
	if stopCh == nil {
		return nil
	}

	if _, err := o.store.OrchestratorState().CompareAndSwapStatus(ctx, nil, store.OrchestratorRunning, store.OrchestratorStopping); err != nil {
		return err
	}

	o.stopOnce.Do(func() { close(stopCh) })
	if graceful {
		<-doneCh
	}

	if err := o.store.OrchestratorState().Reset(ctx, nil); err != nil {
		return err
	}
	_, err := o.store.OrchestratorState().CompareAndSwapStatus(ctx, nil, store.OrchestratorStopping, store.OrchestratorStopped)

	o.mu.Lock()
	o.stopCh = nil
	o.doneCh = nil
	o.mu.Unlock()
	return err
}

// Reconcile runs one idempotent repair pass (spec §4.6, steps 1-6). It is
// safe to call directly, outside the loop, which is the explicit contract
// tests and CLIs use.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	start := time.Now()
	var result ReconcileResult

	heartbeatAge := o.params.HeartbeatIntervalSeconds
	if heartbeatAge <= 0 {
		heartbeatAge = 30
	}

	// 1. Dead workers -> offline.
	dead, err := o.workers.FindDead(ctx, worker.FindDeadParams{HeartbeatAgeSeconds: 3 * heartbeatAge})
	if err != nil {
		return result, err
	}
	for _, w := range dead {
		if w.Status == store.WorkerOffline {
			continue
		}
		// 2. Release active claims owned by the dead worker. This runs
		// before MarkOffline because ReleaseByWorker resets the worker to idle.
		n, err := o.claims.ReleaseByWorker(ctx, w.ID)
		if err != nil {
			return result, err
		}
		result.ExpiredClaimsReleased += n

		if err := o.workers.MarkOffline(ctx, w.ID); err != nil {
			return result, err
		}
		result.DeadWorkersReaped++
	}

	// 3. Release all expired claims.
	expired, err := o.claims.GetExpired(ctx)
	if err != nil {
		return result, err
	}
	for _, c := range expired {
		if err := o.claims.Expire(ctx, c.ID); err != nil {
			return result, err
		}
		result.ExpiredClaimsReleased++
	}

	// 4. Active tasks with no active claim -> ready.
	active, err := o.tasks.ListWithDeps(ctx, task.ListParams{Statuses: []store.Status{store.StatusActive}})
	if err != nil {
		return result, err
	}
	for _, t := range active {
		hasClaim, err := o.store.Claims().ActiveForTask(ctx, nil, t.ID)
		if err != nil {
			return result, err
		}
		if hasClaim {
			continue
		}
		if err := o.tasks.ForceStatus(ctx, t.ID, store.StatusReady, "orphaned: no active claim"); err != nil {
			return result, err
		}
		result.OrphanedTasksRecovered++
	}

	// 5. ready-with-unfinished-blocker -> blocked, blocked-with-all-done -> ready.
	readyAndBlocked, err := o.tasks.ListWithDeps(ctx, task.ListParams{Statuses: []store.Status{store.StatusReady, store.StatusBlocked}})
	if err != nil {
		return result, err
	}
	for _, t := range readyAndBlocked {
		switch {
		case t.Status == store.StatusReady && !t.IsReady:
			if err := o.tasks.ForceStatus(ctx, t.ID, store.StatusBlocked, "blocker unfinished"); err != nil {
				return result, err
			}
			result.StaleStatesFixed++
		case t.Status == store.StatusBlocked && t.IsReady:
			if err := o.tasks.ForceStatus(ctx, t.ID, store.StatusReady, "blockers done"); err != nil {
				return result, err
			}
			result.StaleStatesFixed++
		}
	}

	// 6. Stamp lastReconcileAt.
	if err := o.store.OrchestratorState().StampReconcile(ctx, nil); err != nil {
		return result, err
	}

	if o.metrics != nil {
		o.metrics.deadWorkersReaped.Add(float64(result.DeadWorkersReaped))
		o.metrics.expiredClaimsReleased.Add(float64(result.ExpiredClaimsReleased))
		o.metrics.orphanedTasksRecovered.Add(float64(result.OrphanedTasksRecovered))
		o.metrics.staleStatesFixed.Add(float64(result.StaleStatesFixed))
		o.metrics.reconcileDuration.Observe(time.Since(start).Seconds())
	}
	return result, nil
}

func osPID() int { return os.Getpid() }
