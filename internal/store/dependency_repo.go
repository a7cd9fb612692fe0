package store

import (
	"context"

	"tx/internal/txerr"
)

// DependencyRepo owns the task_dependencies edge table. Cycle safety lives
// one layer up (internal/dependency), which wraps Insert/Reachable inside
// a single WithImmediateTx call per spec §4.2's "check then insert must
// share a write-intent transaction" contract.
type DependencyRepo struct{ s *Store }

func (s *Store) Dependencies() *DependencyRepo { return &DependencyRepo{s} }

func (r *DependencyRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert adds a blocker -> blocked edge.
func (r *DependencyRepo) Insert(ctx context.Context, q Queryer, blockerID, blockedID string) error {
	_, err := r.q(q).ExecContext(ctx, `
		INSERT INTO task_dependencies (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		blockerID, blockedID, rfc3339(now()))
	if err != nil {
		return txerr.Database("insert dependency", err)
	}
	return nil
}

// Remove deletes a blocker -> blocked edge, reporting whether one existed.
func (r *DependencyRepo) Remove(ctx context.Context, q Queryer, blockerID, blockedID string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	if err != nil {
		return false, txerr.Database("remove dependency", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Reachable reports whether `to` is reachable from `from` by following
// blocker -> blocked edges forward, using an in-memory BFS with
// visited-set deduplication (spec §9: "an equivalent in-memory BFS over
// an adjacency map is acceptable provided the write-intent transaction is
// held throughout check+insert" — the caller is responsible for that).
func (r *DependencyRepo) Reachable(ctx context.Context, q Queryer, from, to string) (bool, error) {
	visited := map[string]bool{from: true}
	frontier := []string{from}

	for len(frontier) > 0 {
		rows, err := r.q(q).QueryContext(ctx,
			buildInQuery(`SELECT blocked_id FROM task_dependencies WHERE blocker_id IN (%s)`, len(frontier)),
			toArgs(frontier)...)
		if err != nil {
			return false, txerr.Database("reachability scan", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, txerr.Database("scan reachability row", err)
			}
			if id == to {
				rows.Close()
				return true, nil
			}
			if !visited[id] {
				visited[id] = true
				next = append(next, id)
			}
		}
		rows.Close()
		frontier = next
	}
	return false, nil
}

// AllEdges returns every (blocker, blocked) pair, used by task removal and
// compaction to find the edges that touch deleted tasks; reachability
// always uses Reachable's incremental BFS.
func (r *DependencyRepo) AllEdges(ctx context.Context, q Queryer) ([][2]string, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT blocker_id, blocked_id FROM task_dependencies`)
	if err != nil {
		return nil, txerr.Database("list dependency edges", err)
	}
	defer rows.Close()
	var out [][2]string
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, txerr.Database("scan dependency edge", err)
		}
		out = append(out, [2]string{a, b})
	}
	return out, nil
}
