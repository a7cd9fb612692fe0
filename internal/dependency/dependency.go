// Package dependency implements the cycle-safe dependency engine (spec
// §4.2): atomic addBlocker with reachability-based cycle detection, and
// removeBlocker. Grounded on the teacher's write-lock-guarded mutation
// pattern in internal/domain/task/store.go (TryClaimTask, SetStatus),
// generalized from a single-row CAS to a graph-wide reachability check
// held inside the same BEGIN IMMEDIATE transaction as the insert.
package dependency

import (
	"context"
	"log/slog"

	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

// Engine adds/removes dependency edges with cycle safety.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: s, logger: txlog.Component(logger, "dependency")}
}

// AddBlocker records that blockerID must complete before blockedID is
// workable. The existence check, cycle check, and insert all run inside a
// single write-intent transaction (spec §4.2 steps 1-5); the two-phase
// "check then insert" outside a transaction is explicitly forbidden.
func (e *Engine) AddBlocker(ctx context.Context, blockedID, blockerID string) error {
	if blockerID == blockedID {
		return txerr.Newf(txerr.CodeCircularDependency, "task %s cannot block itself", blockedID)
	}

	return e.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		tasks := e.store.Tasks()
		if ok, err := tasks.Exists(ctx, q, blockerID); err != nil {
			return err
		} else if !ok {
			return txerr.Newf(txerr.CodeTaskNotFound, "blocker task %s not found", blockerID)
		}
		if ok, err := tasks.Exists(ctx, q, blockedID); err != nil {
			return err
		} else if !ok {
			return txerr.Newf(txerr.CodeTaskNotFound, "blocked task %s not found", blockedID)
		}

		deps := e.store.Dependencies()
		// A new edge blocker->blocked closes a cycle iff blocked can
		// already reach blocker (i.e. blocked is already, transitively,
		// a blocker of blockerID).
		reachable, err := deps.Reachable(ctx, q, blockedID, blockerID)
		if err != nil {
			return err
		}
		if reachable {
			return txerr.Newf(txerr.CodeCircularDependency, "adding %s -> %s would create a cycle", blockerID, blockedID)
		}

		if err := deps.Insert(ctx, q, blockerID, blockedID); err != nil {
			return err
		}
		e.logger.Debug("added dependency", "blocker", blockerID, "blocked", blockedID)
		return nil
	})
}

// RemoveBlocker deletes an edge, failing with DependencyNotFound if none
// matched.
func (e *Engine) RemoveBlocker(ctx context.Context, blockedID, blockerID string) error {
	return e.store.WithTx(ctx, func(ctx context.Context, q store.Queryer) error {
		removed, err := e.store.Dependencies().Remove(ctx, q, blockerID, blockedID)
		if err != nil {
			return err
		}
		if !removed {
			return txerr.Newf(txerr.CodeDependencyNotFound, "no dependency %s -> %s", blockerID, blockedID)
		}
		return nil
	})
}
