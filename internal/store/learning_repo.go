package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"tx/internal/txerr"
)

// SourceType identifies where a Learning originated (spec §3).
type SourceType string

const (
	SourceCompaction SourceType = "compaction"
	SourceRun        SourceType = "run"
	SourceManual     SourceType = "manual"
	SourceClaudeMD   SourceType = "claude_md"
)

// Learning is a stored contextual-learning row.
type Learning struct {
	ID           string
	Content      string
	SourceType   SourceType
	SourceRef    *string
	CreatedAt    time.Time
	Keywords     []string
	Category     *string
	UsageCount   int
	LastUsedAt   *time.Time
	OutcomeScore *float64
	Embedding    []float32
}

// LearningRepo provides row-level CRUD for learnings, their full-text
// shadow index, feedback, and the (learning->learning) edge graph.
// Grounded on the teacher's HybridStore (internal/memory/hybrid_store.go)
// and rag.VectorStore (internal/rag/store.go), generalized from chat
// memory to the coordination kernel's Learning rows.
type LearningRepo struct{ s *Store }

func (s *Store) Learnings() *LearningRepo { return &LearningRepo{s} }

func (r *LearningRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert writes a new learning row and its FTS shadow entry.
func (r *LearningRepo) Insert(ctx context.Context, q Queryer, l *Learning) error {
	keywords, err := json.Marshal(l.Keywords)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "marshal learning keywords", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO learnings (id, content, source_type, source_ref, created_at, keywords, category, usage_count, last_used_at, outcome_score, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Content, string(l.SourceType), l.SourceRef, rfc3339(l.CreatedAt), string(keywords), l.Category,
		l.UsageCount, nullableTime(l.LastUsedAt), l.OutcomeScore, encodeEmbedding(l.Embedding))
	if err != nil {
		return txerr.Database("insert learning", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO learnings_fts (rowid, id, content, keywords) VALUES ((SELECT rowid FROM learnings WHERE id = ?), ?, ?, ?)`,
		l.ID, l.ID, l.Content, strings.Join(l.Keywords, " "))
	if err != nil {
		return txerr.Database("insert learning fts row", err)
	}
	return nil
}

// Get fetches a learning by id.
func (r *LearningRepo) Get(ctx context.Context, q Queryer, id string) (*Learning, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, content, source_type, source_ref, created_at, keywords, category, usage_count, last_used_at, outcome_score, embedding
		FROM learnings WHERE id = ?`, id)
	l, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txerr.Newf(txerr.CodeLearningNotFound, "learning %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database("get learning", err)
	}
	return l, nil
}

// GetMany batch-fetches learnings by id, used to hydrate scored candidates
// after a lexical/vector search returns only ids and scores.
func (r *LearningRepo) GetMany(ctx context.Context, q Queryer, ids []string) (map[string]*Learning, error) {
	out := map[string]*Learning{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.q(q).QueryContext(ctx,
		buildInQuery(`SELECT id, content, source_type, source_ref, created_at, keywords, category, usage_count, last_used_at, outcome_score, embedding
			FROM learnings WHERE id IN (%s)`, len(ids)), toArgs(ids)...)
	if err != nil {
		return nil, txerr.Database("batch get learnings", err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLearningRows(rows)
		if err != nil {
			return nil, txerr.Database("scan learning", err)
		}
		out[l.ID] = l
	}
	return out, nil
}

// All returns every learning row, used by brute-force vector search and by
// compaction's dedup pass over a modestly sized corpus.
func (r *LearningRepo) All(ctx context.Context, q Queryer) ([]*Learning, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, content, source_type, source_ref, created_at, keywords, category, usage_count, last_used_at, outcome_score, embedding
		FROM learnings`)
	if err != nil {
		return nil, txerr.Database("list learnings", err)
	}
	defer rows.Close()
	var out []*Learning
	for rows.Next() {
		l, err := scanLearningRows(rows)
		if err != nil {
			return nil, txerr.Database("scan learning", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// LexicalHit is one row from the full-text search, ranked by BM25.
type LexicalHit struct {
	LearningID string
	Rank       int // 1-based position in BM25 order
	BM25       float64
}

// LexicalSearch builds the three-tier query from spec §4.8 step 1 (exact
// phrase OR proximity-10 OR term-OR) against the FTS5 index and returns
// hits ordered by BM25 (bm25() returns negative scores where a lower value
// is better relevance in SQLite's convention, so ORDER BY bm25(...)
// ascending is correct). The FTS table is contentless, so learning ids are
// read from the learnings row with the same rowid.
func (r *LearningRepo) LexicalSearch(ctx context.Context, q Queryer, query string, limit int) ([]LexicalHit, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	phrase := `"` + strings.Join(terms, " ") + `"`
	proximity := "NEAR(" + strings.Join(terms, " ") + ", 10)"
	orClause := strings.Join(terms, " OR ")
	ftsQuery := phrase + " OR (" + proximity + ") OR (" + orClause + ")"

	rows, err := r.q(q).QueryContext(ctx, `
		SELECT l.id, bm25(learnings_fts) FROM learnings_fts JOIN learnings l ON l.rowid = learnings_fts.rowid
		WHERE learnings_fts MATCH ? ORDER BY bm25(learnings_fts) ASC LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeRetrievalError, "lexical search", err)
	}
	defer rows.Close()
	var out []LexicalHit
	rank := 1
	for rows.Next() {
		var id string
		var bm25 float64
		if err := rows.Scan(&id, &bm25); err != nil {
			return nil, txerr.Database("scan lexical hit", err)
		}
		out = append(out, LexicalHit{LearningID: id, Rank: rank, BM25: bm25})
		rank++
	}
	return out, nil
}

// RecordUsage folds an outcome observation into usageCount/lastUsedAt/
// outcomeScore via an exponential moving average (SPEC_FULL.md supplemented
// feature 4: learning usage feedback).
func (r *LearningRepo) RecordUsage(ctx context.Context, q Queryer, id string, outcome float64, alpha float64) error {
	l, err := r.Get(ctx, q, id)
	if err != nil {
		return err
	}
	score := outcome
	if l.OutcomeScore != nil {
		score = alpha*outcome + (1-alpha)*(*l.OutcomeScore)
	}
	_, err = r.q(q).ExecContext(ctx, `
		UPDATE learnings SET usage_count = usage_count + 1, last_used_at = ?, outcome_score = ? WHERE id = ?`,
		rfc3339(now()), score, id)
	if err != nil {
		return txerr.Database("record learning usage", err)
	}
	return nil
}

// InsertEdge adds a (source -> target) learning graph edge, used both for
// promotion provenance (DERIVED_FROM) and general graph-expansion edges.
func (r *LearningRepo) InsertEdge(ctx context.Context, q Queryer, sourceID, targetID, edgeType string) error {
	_, err := r.q(q).ExecContext(ctx, `
		INSERT OR IGNORE INTO learning_edges (source_id, target_id, edge_type, created_at) VALUES (?, ?, ?, ?)`,
		sourceID, targetID, edgeType, rfc3339(now()))
	if err != nil {
		return txerr.Database("insert learning edge", err)
	}
	return nil
}

// EdgeHit is one hop in the graph-expansion BFS.
type EdgeHit struct {
	TargetID string
	EdgeType string
}

// EdgesFrom returns outgoing edges from a set of learning ids, filtered to
// permittedTypes when non-empty (spec §4.8 step 4: graph expansion).
func (r *LearningRepo) EdgesFrom(ctx context.Context, q Queryer, ids []string, permittedTypes []string) (map[string][]EdgeHit, error) {
	out := map[string][]EdgeHit{}
	if len(ids) == 0 {
		return out, nil
	}
	query := buildInQuery(`SELECT source_id, target_id, edge_type FROM learning_edges WHERE source_id IN (%s)`, len(ids))
	args := toArgs(ids)
	if len(permittedTypes) > 0 {
		query += " AND edge_type IN " + buildInQuery("(%s)", len(permittedTypes))
		args = append(args, toArgs(permittedTypes)...)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txerr.Database("edges from", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src, tgt, et string
		if err := rows.Scan(&src, &tgt, &et); err != nil {
			return nil, txerr.Database("scan edge", err)
		}
		out[src] = append(out[src], EdgeHit{TargetID: tgt, EdgeType: et})
	}
	return out, nil
}

func scanLearning(row *sql.Row) (*Learning, error) {
	var l Learning
	var sourceType, createdAt, keywords string
	var sourceRef, category, lastUsedAt sql.NullString
	var outcomeScore sql.NullFloat64
	var embedding []byte
	if err := row.Scan(&l.ID, &l.Content, &sourceType, &sourceRef, &createdAt, &keywords, &category, &l.UsageCount, &lastUsedAt, &outcomeScore, &embedding); err != nil {
		return nil, err
	}
	return hydrateLearning(&l, sourceType, createdAt, keywords, sourceRef, category, lastUsedAt, outcomeScore, embedding)
}

func scanLearningRows(rows *sql.Rows) (*Learning, error) {
	var l Learning
	var sourceType, createdAt, keywords string
	var sourceRef, category, lastUsedAt sql.NullString
	var outcomeScore sql.NullFloat64
	var embedding []byte
	if err := rows.Scan(&l.ID, &l.Content, &sourceType, &sourceRef, &createdAt, &keywords, &category, &l.UsageCount, &lastUsedAt, &outcomeScore, &embedding); err != nil {
		return nil, err
	}
	return hydrateLearning(&l, sourceType, createdAt, keywords, sourceRef, category, lastUsedAt, outcomeScore, embedding)
}

func hydrateLearning(l *Learning, sourceType, createdAt, keywords string, sourceRef, category, lastUsedAt sql.NullString, outcomeScore sql.NullFloat64, embedding []byte) (*Learning, error) {
	l.SourceType = SourceType(sourceType)
	if sourceRef.Valid {
		v := sourceRef.String
		l.SourceRef = &v
	}
	if category.Valid {
		v := category.String
		l.Category = &v
	}
	if outcomeScore.Valid {
		v := outcomeScore.Float64
		l.OutcomeScore = &v
	}
	if err := json.Unmarshal([]byte(keywords), &l.Keywords); err != nil {
		return nil, err
	}
	var err error
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if l.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return nil, err
	}
	l.Embedding = decodeEmbedding(embedding)
	return l, nil
}

// encodeEmbedding/decodeEmbedding store a float32 vector as a little-endian
// byte blob. Embeddings are never serialized in external output (spec §6).
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
