// Package task implements the task engine (spec §4.1): creation with
// validation, matrix-governed status transitions, batched dependency
// hydration, readiness evaluation, and cascading removal. Grounded on the
// teacher's task.Store consumer pattern (internal/domain/task), generalized
// from the teacher's flat chat-task model to the DAG-shaped Task row plus
// the blockedBy/blocks/children hydration spec §4.1 requires.
package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"tx/internal/id"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

// WithDeps is the REQUIRED external shape for a returned task (spec §6):
// the task plus its hydrated blockedBy/blocks/children id lists and the
// derived isReady boolean.
type WithDeps struct {
	*store.Task
	BlockedBy []string `json:"blockedBy"`
	Blocks    []string `json:"blocks"`
	Children  []string `json:"children"`
	IsReady   bool     `json:"isReady"`
}

// Engine is the task lifecycle service.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: s, logger: txlog.Component(logger, "task")}
}

// CreateParams are the validated inputs to Create.
type CreateParams struct {
	Title       string
	Description string
	ParentID    *string
	Score       int
	Metadata    map[string]string
}

// Create validates and inserts a new task in status=backlog (spec §4.1).
func (e *Engine) Create(ctx context.Context, p CreateParams) (*store.Task, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, txerr.New(txerr.CodeValidationError, "title must not be empty")
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}

	t := &store.Task{
		ID:          id.Task(),
		Title:       title,
		Description: p.Description,
		Status:      store.StatusBacklog,
		ParentID:    p.ParentID,
		Score:       p.Score,
		Metadata:    p.Metadata,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	err := e.store.WithTx(ctx, func(ctx context.Context, q store.Queryer) error {
		if p.ParentID != nil {
			if ok, err := e.store.Tasks().Exists(ctx, q, *p.ParentID); err != nil {
				return err
			} else if !ok {
				return txerr.Newf(txerr.CodeTaskNotFound, "parent task %s not found", *p.ParentID)
			}
		}
		return e.store.Tasks().Insert(ctx, q, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateParams are the optional fields Update may patch.
type UpdateParams struct {
	Title       *string
	Description *string
	ParentID    **string
	Score       *int
	Metadata    map[string]string
	Status      *store.Status
	Reason      string
}

// Update patches non-status fields and, if Status is set, validates the
// transition against the matrix (spec §4.1) before applying it.
func (e *Engine) Update(ctx context.Context, taskID string, p UpdateParams) (*store.Task, error) {
	err := e.store.WithTx(ctx, func(ctx context.Context, q store.Queryer) error {
		cur, err := e.store.Tasks().Get(ctx, q, taskID)
		if err != nil {
			return err
		}

		if p.Title != nil || p.Description != nil || p.ParentID != nil || p.Score != nil || p.Metadata != nil {
			if err := e.store.Tasks().UpdateFields(ctx, q, taskID, p.Title, p.Description, p.ParentID, p.Score, p.Metadata); err != nil {
				return err
			}
		}

		if p.Status != nil && *p.Status != cur.Status {
			if !transitionAllowed(cur.Status, *p.Status) {
				return txerr.Newf(txerr.CodeInvalidTransition, "cannot transition task %s from %s to %s", taskID, cur.Status, *p.Status)
			}
			if err := e.store.Tasks().SetStatus(ctx, q, taskID, cur.Status, *p.Status, p.Reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.store.Tasks().Get(ctx, nil, taskID)
}

// ForceStatus bypasses the transition matrix; reserved for the
// reconciler (spec §4.1).
func (e *Engine) ForceStatus(ctx context.Context, taskID string, to store.Status, reason string) error {
	return e.store.WithTx(ctx, func(ctx context.Context, q store.Queryer) error {
		cur, err := e.store.Tasks().Get(ctx, q, taskID)
		if err != nil {
			return err
		}
		if cur.Status == to {
			return nil
		}
		return e.store.Tasks().SetStatus(ctx, q, taskID, cur.Status, to, reason)
	})
}

// Get returns the bare task row.
func (e *Engine) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return e.store.Tasks().Get(ctx, nil, taskID)
}

// GetWithDeps returns a task hydrated with blockedBy/blocks/children and
// the derived isReady flag.
func (e *Engine) GetWithDeps(ctx context.Context, taskID string) (*WithDeps, error) {
	t, err := e.store.Tasks().Get(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	batch, err := e.GetWithDepsBatch(ctx, []string{taskID})
	if err != nil {
		return nil, err
	}
	if wd, ok := batch[taskID]; ok {
		return wd, nil
	}
	// Defensive fallback: should be unreachable since t was just fetched.
	return &WithDeps{Task: t}, nil
}

// GetWithDepsBatch hydrates many tasks. blockedBy and blocks lists load in
// one batched query each (spec §4.1); task rows, children, and blocker
// statuses are read with one query per task.
func (e *Engine) GetWithDepsBatch(ctx context.Context, ids []string) (map[string]*WithDeps, error) {
	tasks := e.store.Tasks()
	out := make(map[string]*WithDeps, len(ids))
	fetched := map[string]*store.Task{}
	for _, id := range ids {
		t, err := tasks.Get(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		fetched[id] = t
	}
	return e.hydrate(ctx, fetched)
}

func (e *Engine) hydrate(ctx context.Context, fetched map[string]*store.Task) (map[string]*WithDeps, error) {
	tasks := e.store.Tasks()
	ids := make([]string, 0, len(fetched))
	for id := range fetched {
		ids = append(ids, id)
	}

	blockedBy, err := tasks.BlockersOf(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	blocks, err := tasks.BlocksOf(ctx, nil, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*WithDeps, len(fetched))
	for id, t := range fetched {
		children, err := tasks.Children(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		childIDs := make([]string, len(children))
		for i, c := range children {
			childIDs[i] = c.ID
		}

		wd := &WithDeps{
			Task:      t,
			BlockedBy: blockedBy[id],
			Blocks:    blocks[id],
			Children:  childIDs,
		}
		wd.IsReady, err = e.isReady(ctx, t, wd.BlockedBy)
		if err != nil {
			return nil, err
		}
		out[id] = wd
	}
	return out, nil
}

// isReady implements spec §4.1's derived predicate: status workable AND
// every blocker is done.
func (e *Engine) isReady(ctx context.Context, t *store.Task, blockedBy []string) (bool, error) {
	switch t.Status {
	case store.StatusBacklog, store.StatusReady, store.StatusPlanning:
	default:
		return false, nil
	}
	for _, blockerID := range blockedBy {
		blocker, err := e.store.Tasks().Get(ctx, nil, blockerID)
		if err != nil {
			return false, err
		}
		if blocker.Status != store.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// ListParams filters ListWithDeps.
type ListParams struct {
	Statuses []store.Status
	Limit    int
}

// ListWithDeps returns hydrated tasks, filtering by the FULL status set
// (spec §9 open question ii: never collapse to the first element).
func (e *Engine) ListWithDeps(ctx context.Context, p ListParams) ([]*WithDeps, error) {
	rows, err := e.store.Tasks().ListByStatus(ctx, nil, p.Statuses, p.Limit)
	if err != nil {
		return nil, err
	}
	fetched := make(map[string]*store.Task, len(rows))
	order := make([]string, len(rows))
	for i, t := range rows {
		fetched[t.ID] = t
		order[i] = t.ID
	}
	hydrated, err := e.hydrate(ctx, fetched)
	if err != nil {
		return nil, err
	}
	out := make([]*WithDeps, len(order))
	for i, id := range order {
		out[i] = hydrated[id]
	}
	return out, nil
}

// RemoveParams controls Remove's cascade behavior.
type RemoveParams struct {
	Cascade bool
}

// Remove deletes a task. With Cascade, the entire subtree and all
// dependency rows referencing any deleted task are removed atomically
// (spec §4.1).
func (e *Engine) Remove(ctx context.Context, taskID string, p RemoveParams) error {
	return e.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		ids := []string{taskID}
		if p.Cascade {
			subtree, err := e.collectSubtree(ctx, q, taskID)
			if err != nil {
				return err
			}
			ids = subtree
		}

		deleting := make(map[string]bool, len(ids))
		for _, tid := range ids {
			deleting[tid] = true
		}

		deps := e.store.Dependencies()
		edges, err := deps.AllEdges(ctx, q)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if deleting[edge[0]] || deleting[edge[1]] {
				if _, err := deps.Remove(ctx, q, edge[0], edge[1]); err != nil {
					return err
				}
			}
		}
		return e.store.Tasks().DeleteMany(ctx, q, ids)
	})
}

func (e *Engine) collectSubtree(ctx context.Context, q store.Queryer, rootID string) ([]string, error) {
	tasks := e.store.Tasks()
	out := []string{rootID}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := tasks.Children(ctx, q, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c.ID)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}
