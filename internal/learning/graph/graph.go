// Package graph implements the optional BFS expansion stage over the
// learning->learning edge graph (spec §4.8 step 4). Grounded on the
// teacher's memory graph-edge traversal in internal/memory, generalized
// from chat-memory association edges to typed, decay-weighted Learning
// edges.
package graph

import (
	"context"

	"tx/internal/store"
)

// Expanded is one learning reached via graph expansion from a seed.
type Expanded struct {
	LearningID string
	Hops       int
	Path       []string
	SourceEdge string
	Weight     float64
}

// Params controls Expand.
type Params struct {
	Depth          int
	PermittedTypes []string
	DecayFactor    float64
	MaxNodes       int
}

// Expand performs a breadth-first walk from seedIDs up to Depth hops,
// applying DecayFactor multiplicatively per hop and stopping once MaxNodes
// distinct new nodes have been discovered (spec §4.8 step 4).
func Expand(ctx context.Context, repo *store.LearningRepo, seedIDs []string, p Params) ([]Expanded, error) {
	if p.Depth <= 0 || len(seedIDs) == 0 {
		return nil, nil
	}
	decay := p.DecayFactor
	if decay <= 0 {
		decay = 1
	}

	visited := map[string]bool{}
	for _, id := range seedIDs {
		visited[id] = true
	}

	type frontierNode struct {
		id     string
		path   []string
		weight float64
	}
	frontier := make([]frontierNode, len(seedIDs))
	for i, id := range seedIDs {
		frontier[i] = frontierNode{id: id, path: []string{id}, weight: 1}
	}

	var out []Expanded
	for hop := 1; hop <= p.Depth && len(frontier) > 0; hop++ {
		ids := make([]string, len(frontier))
		for i, f := range frontier {
			ids[i] = f.id
		}
		edgesBySource, err := repo.EdgesFrom(ctx, nil, ids, p.PermittedTypes)
		if err != nil {
			return nil, err
		}

		var next []frontierNode
		for _, f := range frontier {
			for _, e := range edgesBySource[f.id] {
				if visited[e.TargetID] {
					continue
				}
				if p.MaxNodes > 0 && len(out) >= p.MaxNodes {
					return out, nil
				}
				visited[e.TargetID] = true
				weight := f.weight * decay
				path := append(append([]string{}, f.path...), e.TargetID)
				out = append(out, Expanded{
					LearningID: e.TargetID,
					Hops:       hop,
					Path:       path,
					SourceEdge: e.EdgeType,
					Weight:     weight,
				})
				next = append(next, frontierNode{id: e.TargetID, path: path, weight: weight})
			}
		}
		frontier = next
	}
	return out, nil
}
