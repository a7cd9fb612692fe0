// Package rerank defines the pluggable reranker stage (spec §4.8 step 5).
package rerank

import "context"

// Candidate is the minimal shape a reranker scores.
type Candidate struct {
	LearningID string
	Content    string
	Score      float64
}

// Reranker returns a relevance score in [0,1] for each candidate, given the
// original query. Implementations may call out to a cross-encoder model;
// the zero-value NoOp below is the mandatory fallback when none is wired.
type Reranker interface {
	Score(ctx context.Context, query string, candidates []Candidate) ([]float64, error)
}

// NoOp passes each candidate's existing running score through unchanged,
// the default when no external reranker is configured.
type NoOp struct{}

func (NoOp) Score(_ context.Context, _ string, candidates []Candidate) ([]float64, error) {
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = c.Score
	}
	return out, nil
}
