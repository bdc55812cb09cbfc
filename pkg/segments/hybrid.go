package segments

import "context"

// HybridStore serves vector search and document ranking from one backend
// (typically Qdrant) and text search plus resolution from another
// (typically Postgres).
type HybridStore struct {
	Vector   VectorSearcher
	Ranker   DocumentRanker
	Text     TextSearcher
	Resolve  Resolver
	closeFns []func() error
}

// NewHybridStore composes a Qdrant searcher with a Postgres store.
func NewHybridStore(vector *QdrantSearcher, pg *PostgresStore) *HybridStore {
	return &HybridStore{
		Vector:   vector,
		Ranker:   vector,
		Text:     pg,
		Resolve:  pg,
		closeFns: []func() error{vector.Close, pg.Close},
	}
}

func (s *HybridStore) SearchVector(ctx context.Context, embedding []float32, limit int, scope Scope) ([]Hit, error) {
	return s.Vector.SearchVector(ctx, embedding, limit, scope)
}

func (s *HybridStore) SearchText(ctx context.Context, query string, limit int, scope Scope) ([]Hit, error) {
	return s.Text.SearchText(ctx, query, limit, scope)
}

func (s *HybridStore) TopDocuments(ctx context.Context, embedding []float32, limit int) ([]DocumentRef, error) {
	return s.Ranker.TopDocuments(ctx, embedding, limit)
}

func (s *HybridStore) ResolveSegments(ctx context.Context, keys []SegmentKey) (map[SegmentKey]ResolvedSegment, error) {
	return s.Resolve.ResolveSegments(ctx, keys)
}

func (s *HybridStore) Close() error {
	var firstErr error
	for _, closeFn := range s.closeFns {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Store = (*HybridStore)(nil)
