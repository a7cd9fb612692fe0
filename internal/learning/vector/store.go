// Package vector wraps an embedded chromem-go collection as the cosine
// similarity engine for learning retrieval (spec §4.8 step 2). Grounded on
// the teacher's rag.VectorStore (internal/rag/store.go, store_test.go),
// generalized from chat-memory documents to Learning rows keyed by their
// own id.
package vector

import (
	"context"

	"github.com/philippgille/chromem-go"

	"tx/internal/txerr"
)

// Embedder produces float32 embeddings for text. Implementations call out
// to an embedding model; Dimensions reports the fixed vector width so
// callers can validate before querying (spec §4.8: dimension mismatch is a
// hard error, never a silent zero score).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Document is one embedded learning, indexed by its learning id.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Hit is one cosine-similarity match, with similarity already scaled from
// chromem-go's [-1,1] cosine range to the [0,1] range spec §4.8 requires.
type Hit struct {
	ID         string
	Similarity float64
}

// Store is an in-memory chromem-go collection over Learning embeddings.
type Store struct {
	collection *chromem.Collection
	dimensions int
}

// Open creates a named collection in a fresh in-memory chromem-go
// database; nothing carries over from an earlier Open call. chromem-go
// requires an EmbeddingFunc at collection-creation time even though every
// call site here supplies precomputed embeddings directly; a func that
// errors if invoked documents that expectation.
func Open(collection string, dimensions int) (*Store, error) {
	db := chromem.NewDB()
	c, err := db.CreateCollection(collection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, txerr.New(txerr.CodeEmbeddingUnavailable, "collection requires precomputed embeddings; no query-time embedder configured")
	})
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeDatabaseError, "open vector collection", err)
	}
	return &Store{collection: c, dimensions: dimensions}, nil
}

// Upsert adds or replaces a document's embedding in the collection.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	if len(doc.Embedding) != s.dimensions {
		return txerr.Newf(txerr.CodeEmbeddingDimMismatch, "embedding has %d dimensions, collection expects %d", len(doc.Embedding), s.dimensions)
	}
	_ = s.collection.Delete(ctx, nil, nil, doc.ID)
	return s.collection.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
}

// Delete removes documents by id.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}

// Count returns the number of embedded documents.
func (s *Store) Count() int { return s.collection.Count() }

// Search returns the nResults nearest documents to queryEmbedding, scaling
// chromem-go's cosine similarity ([-1,1]) to [0,1] (spec §4.8 step 2).
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, nResults int) ([]Hit, error) {
	if len(queryEmbedding) != s.dimensions {
		return nil, txerr.Newf(txerr.CodeEmbeddingDimMismatch, "query embedding has %d dimensions, collection expects %d", len(queryEmbedding), s.dimensions)
	}
	if nResults > s.collection.Count() {
		nResults = s.collection.Count()
	}
	if nResults <= 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, queryEmbedding, nResults, nil, nil)
	if err != nil {
		return nil, txerr.Wrap(txerr.CodeRetrievalError, "vector search", err)
	}
	out := make([]Hit, len(results))
	for i, r := range results {
		out[i] = Hit{ID: r.ID, Similarity: (float64(r.Similarity) + 1) / 2}
	}
	return out, nil
}
