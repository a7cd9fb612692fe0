// Package learning implements the hybrid retrieval pipeline (spec §4.8):
// lexical search, vector search, Reciprocal Rank Fusion, optional graph
// expansion, optional reranking, optional MMR diversification, and
// feedback weighting. Grounded on the teacher's HybridStore.Search
// (internal/memory/hybrid_store.go), generalized from a two-way lexical/
// vector blend into the full seven-stage pipeline spec §4.8 names.
package learning

import (
	"context"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"tx/internal/learning/graph"
	"tx/internal/learning/lexical"
	"tx/internal/learning/rerank"
	"tx/internal/learning/vector"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

// rrfK is the Reciprocal Rank Fusion constant (spec §4.8 step 3).
const rrfK = 60

// feedbackNeutral is the default outcome score a learning with no recorded
// usage is assumed to have (spec §9: "feedback score default 0.5").
const feedbackNeutral = 0.5

// MMRParams configures the optional diversification stage.
type MMRParams struct {
	Enabled        bool
	Lambda         float64
	CategoryCapTop int // cap on results per category within the top N (spec: "top five")
}

// RetrievalOptions gates each pipeline stage (spec §4.8).
type RetrievalOptions struct {
	Limit          int
	MinScore       float64
	Category       *string
	SourceType     *store.SourceType
	UseLexical     bool
	UseVector      bool
	QueryEmbedding []float32 // precomputed by the caller; the engine never calls an embedding model itself
	GraphExpansion *graph.Params
	Reranker       rerank.Reranker
	MMR            *MMRParams
	ApplyFeedback  bool
}

// LearningWithScore pairs a Learning with its final fused score.
type LearningWithScore struct {
	Learning *store.Learning
	Score    float64
	Hops     int      // >0 if reached via graph expansion, 0 for direct hits
	Path     []string // graph-expansion path, nil for direct hits
}

// Engine runs the retrieval pipeline against a learning repo and an
// optional vector store.
type Engine struct {
	repo    *store.LearningRepo
	vectors *vector.Store
	cache   *lru.Cache[string, []float32]
	logger  *slog.Logger
}

// New builds a retrieval engine. vectors may be nil to disable the vector
// search stage entirely (lexical-only retrieval). cacheSize bounds the
// query-embedding LRU cache; 0 disables caching.
func New(repo *store.LearningRepo, vectors *vector.Store, cacheSize int, logger *slog.Logger) (*Engine, error) {
	e := &Engine{repo: repo, vectors: vectors, logger: txlog.Component(logger, "learning")}
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, txerr.Wrap(txerr.CodeDatabaseError, "create query embedding cache", err)
		}
		e.cache = c
	}
	return e, nil
}

// CacheEmbedding stores a precomputed query embedding under query, so a
// repeated query within the cache window skips recomputation by the
// caller's embedding model.
func (e *Engine) CacheEmbedding(query string, embedding []float32) {
	if e.cache != nil {
		e.cache.Add(query, embedding)
	}
}

// CachedEmbedding returns a previously cached embedding for query, if any.
func (e *Engine) CachedEmbedding(query string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(query)
}

// Retrieve runs the full pipeline and returns a ranked, filtered,
// limit-truncated list of LearningWithScore (spec §4.8).
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrievalOptions) ([]LearningWithScore, error) {
	fanInLimit := opts.Limit * 4
	if fanInLimit < 20 {
		fanInLimit = 20
	}

	ranks := map[string][]int{} // learningId -> list of 1-based ranks across sources

	if opts.UseLexical {
		hits, err := lexical.Search(ctx, e.repo, query, fanInLimit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			ranks[h.LearningID] = append(ranks[h.LearningID], h.Rank)
		}
	}

	if opts.UseVector && e.vectors != nil {
		if len(opts.QueryEmbedding) == 0 {
			return nil, txerr.New(txerr.CodeEmbeddingUnavailable, "vector search requested without a query embedding")
		}
		hits, err := e.vectors.Search(ctx, opts.QueryEmbedding, fanInLimit)
		if err != nil {
			return nil, err
		}
		for i, h := range hits {
			ranks[h.ID] = append(ranks[h.ID], i+1)
		}
	}

	// Reciprocal Rank Fusion (spec §4.8 step 3): rrf = sum(1/(k+rank_i)).
	type scored struct {
		id    string
		score float64
	}
	fused := make([]scored, 0, len(ranks))
	for id, rs := range ranks {
		var sum float64
		for _, r := range rs {
			sum += 1.0 / float64(rrfK+r)
		}
		fused = append(fused, scored{id: id, score: sum})
	}
	sort.Slice(fused, func(i, j int) bool { return fused[i].score > fused[j].score })

	seedCount := opts.Limit
	if seedCount <= 0 || seedCount > len(fused) {
		seedCount = len(fused)
	}

	results := make([]LearningWithScore, 0, len(fused))
	idsNeeded := make([]string, 0, len(fused))
	for _, f := range fused {
		idsNeeded = append(idsNeeded, f.id)
	}

	// Graph expansion (spec §4.8 step 4), seeded from the top-K RRF hits.
	var expansions []graph.Expanded
	if opts.GraphExpansion != nil && seedCount > 0 {
		seeds := make([]string, 0, seedCount)
		for i := 0; i < seedCount && i < len(fused); i++ {
			seeds = append(seeds, fused[i].id)
		}
		var err error
		expansions, err = graph.Expand(ctx, e.repo, seeds, *opts.GraphExpansion)
		if err != nil {
			return nil, err
		}
		for _, exp := range expansions {
			idsNeeded = append(idsNeeded, exp.LearningID)
		}
	}

	learnings, err := e.repo.GetMany(ctx, nil, dedupe(idsNeeded))
	if err != nil {
		return nil, err
	}

	fusedScore := map[string]float64{}
	for _, f := range fused {
		fusedScore[f.id] = f.score
	}
	for _, exp := range expansions {
		if _, ok := fusedScore[exp.LearningID]; !ok {
			fusedScore[exp.LearningID] = exp.Weight
		}
	}
	expansionByID := map[string]graph.Expanded{}
	for _, exp := range expansions {
		expansionByID[exp.LearningID] = exp
	}

	for id, score := range fusedScore {
		l, ok := learnings[id]
		if !ok {
			continue
		}
		lws := LearningWithScore{Learning: l, Score: score}
		if exp, ok := expansionByID[id]; ok {
			lws.Hops = exp.Hops
			lws.Path = exp.Path
		}
		results = append(results, lws)
	}

	// Reranker (spec §4.8 step 5): combine with the running score.
	if opts.Reranker != nil && len(results) > 0 {
		cands := make([]rerank.Candidate, len(results))
		for i, r := range results {
			cands[i] = rerank.Candidate{LearningID: r.Learning.ID, Content: r.Learning.Content, Score: r.Score}
		}
		scores, err := opts.Reranker.Score(ctx, query, cands)
		if err != nil {
			return nil, txerr.Wrap(txerr.CodeRerankerUnavailable, "rerank", err)
		}
		if len(scores) != len(results) {
			return nil, txerr.New(txerr.CodeRerankerUnavailable, "reranker returned a mismatched score count")
		}
		for i := range results {
			results[i].Score = (results[i].Score + scores[i]) / 2
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	// MMR diversification (spec §4.8 step 6).
	if opts.MMR != nil && opts.MMR.Enabled {
		results = mmrDiversify(results, *opts.MMR)
	}

	// Feedback weighting (spec §4.8 step 7).
	if opts.ApplyFeedback {
		for i, r := range results {
			fb := feedbackNeutral
			if r.Learning.OutcomeScore != nil {
				fb = *r.Learning.OutcomeScore
			}
			results[i].Score *= fb
		}
		sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}

	out := make([]LearningWithScore, 0, len(results))
	for _, r := range results {
		if r.Score < opts.MinScore {
			continue
		}
		if opts.Category != nil && (r.Learning.Category == nil || *r.Learning.Category != *opts.Category) {
			continue
		}
		if opts.SourceType != nil && r.Learning.SourceType != *opts.SourceType {
			continue
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// mmrDiversify greedily selects results maximizing
// lambda*relevance - (1-lambda)*maxSim(alreadyPicked), capping any single
// category at categoryCapTop occurrences within the returned top five
// (spec §4.8 step 6).
func mmrDiversify(results []LearningWithScore, p MMRParams) []LearningWithScore {
	if len(results) == 0 {
		return results
	}
	lambda := p.Lambda
	if lambda <= 0 {
		lambda = 0.5
	}
	capTop := p.CategoryCapTop
	if capTop <= 0 {
		capTop = 5
	}

	remaining := append([]LearningWithScore{}, results...)
	var picked []LearningWithScore
	categoryCount := map[string]int{}

	for len(remaining) > 0 {
		bestIdx := -1
		bestVal := -1.0
		for i, cand := range remaining {
			if len(picked) < 5 && cand.Learning.Category != nil {
				if categoryCount[*cand.Learning.Category] >= capTop {
					continue
				}
			}
			maxSim := 0.0
			for _, p := range picked {
				if sim := keywordSimilarity(cand.Learning, p.Learning); sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*cand.Score - (1-lambda)*maxSim
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			// every remaining candidate is capped out; take the rest as-is
			picked = append(picked, remaining...)
			break
		}
		chosen := remaining[bestIdx]
		picked = append(picked, chosen)
		if chosen.Learning.Category != nil {
			categoryCount[*chosen.Learning.Category]++
		}
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return picked
}

// keywordSimilarity approximates content similarity via Jaccard overlap of
// keyword sets, used only to penalize near-duplicate picks during MMR; the
// fused relevance score itself comes from lexical/vector/graph fusion, not
// this helper.
func keywordSimilarity(a, b *store.Learning) float64 {
	if len(a.Keywords) == 0 || len(b.Keywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a.Keywords))
	for _, k := range a.Keywords {
		set[k] = true
	}
	var overlap int
	union := len(set)
	for _, k := range b.Keywords {
		if set[k] {
			overlap++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(overlap) / float64(union)
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
