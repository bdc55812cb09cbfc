// Package segments defines the segment store capability and its adapters.
//
// Documents are stored elsewhere; this package only reads indexed segments:
// vector similarity search, full-text search, document ranking for the
// probe prefilter, and batch resolution of citation keys.
package segments

import "context"

// SegmentKey identifies one segment within a document.
type SegmentKey struct {
	DocumentID int64
	Ordinal    int
}

// Hit is one search result.
//
// Score is a similarity in [0,1] for vector search and a relevance rank
// value for text search; callers compare hits only within one search type.
type Hit struct {
	DocumentID int64
	Ordinal    int
	Title      string
	Text       string
	Score      float64
}

// Key returns the hit's segment key.
func (h Hit) Key() SegmentKey {
	return SegmentKey{DocumentID: h.DocumentID, Ordinal: h.Ordinal}
}

// DocumentRef is a ranked document reference from the prefilter.
type DocumentRef struct {
	ID    int64
	Title string
}

// ResolvedSegment is the display bundle for a cited segment.
type ResolvedSegment struct {
	Key      SegmentKey
	Title    string
	Snippet  string
	Link     string
	PageHint string
}

// Scope restricts searches. DocumentID pins a single document and wins
// over DocumentIDs, which restricts to a set. The zero value means no
// restriction.
type Scope struct {
	DocumentID  int64
	DocumentIDs []int64
}

// VectorSearcher runs dense similarity search over segment embeddings.
type VectorSearcher interface {
	SearchVector(ctx context.Context, embedding []float32, limit int, scope Scope) ([]Hit, error)
}

// TextSearcher runs full-text search over segment text.
type TextSearcher interface {
	SearchText(ctx context.Context, query string, limit int, scope Scope) ([]Hit, error)
}

// DocumentRanker returns the documents most similar to a query embedding.
type DocumentRanker interface {
	TopDocuments(ctx context.Context, embedding []float32, limit int) ([]DocumentRef, error)
}

// Resolver resolves segment keys to display bundles in one batch.
// Missing keys are simply absent from the result map.
type Resolver interface {
	ResolveSegments(ctx context.Context, keys []SegmentKey) (map[SegmentKey]ResolvedSegment, error)
}

// Store is the full segment store capability.
type Store interface {
	VectorSearcher
	TextSearcher
	DocumentRanker
	Resolver
	Close() error
}
