// Package lexical wraps the store's FTS5 three-tier query (spec §4.8 step
// 1) and converts its BM25 ranking into the decayed rank score the fusion
// stage expects. Grounded on the teacher's HybridStore lexical branch
// (internal/memory/hybrid_store.go).
package lexical

import (
	"context"

	"tx/internal/store"
)

// Hit is a lexical match with its decayed rank score.
type Hit struct {
	LearningID string
	Rank       int
	Score      float64
}

// Search runs the three-tier FTS query and assigns decayed rank scores,
// score = 1 / (1 + rank*0.1), so the first hit scores ~0.91 and score
// decays smoothly thereafter (spec §4.8 step 1).
func Search(ctx context.Context, repo *store.LearningRepo, query string, limit int) ([]Hit, error) {
	hits, err := repo.LexicalSearch(ctx, nil, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{
			LearningID: h.LearningID,
			Rank:       h.Rank,
			Score:      1 / (1 + float64(h.Rank)*0.1),
		}
	}
	return out, nil
}
