package segments

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/doclens/doclens/pkg/config"
)

// QdrantSearcher implements vector search and document ranking over a
// Qdrant collection. Segment payloads carry document_id, ordinal, title
// and text fields.
type QdrantSearcher struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantSearcher connects to a Qdrant instance.
func NewQdrantSearcher(cfg config.QdrantConfig) (*QdrantSearcher, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "segments"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", host, port, err)
	}

	return &QdrantSearcher{
		client:     client,
		collection: collection,
	}, nil
}

func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

// SearchVector returns segments by cosine similarity, best first.
func (s *QdrantSearcher) SearchVector(ctx context.Context, embedding []float32, limit int, scope Scope) ([]Hit, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if scope.DocumentID != 0 {
		searchRequest.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchInt("document_id", scope.DocumentID),
			},
		}
	} else if len(scope.DocumentIDs) > 0 {
		searchRequest.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchInts("document_id", scope.DocumentIDs...),
			},
		}
	}

	pointsClient := s.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	hits := make([]Hit, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		hit := Hit{Score: float64(point.Score)}
		if v, ok := point.Payload["document_id"]; ok {
			hit.DocumentID = v.GetIntegerValue()
		}
		if v, ok := point.Payload["ordinal"]; ok {
			hit.Ordinal = int(v.GetIntegerValue())
		}
		if v, ok := point.Payload["title"]; ok {
			hit.Title = v.GetStringValue()
		}
		if v, ok := point.Payload["text"]; ok {
			hit.Text = v.GetStringValue()
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// TopDocuments ranks documents by their best-scoring segment. Qdrant has
// no group-by, so we over-fetch segments and deduplicate in rank order.
func (s *QdrantSearcher) TopDocuments(ctx context.Context, embedding []float32, limit int) ([]DocumentRef, error) {
	hits, err := s.SearchVector(ctx, embedding, limit*4, Scope{})
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, limit)
	refs := make([]DocumentRef, 0, limit)
	for _, hit := range hits {
		if seen[hit.DocumentID] {
			continue
		}
		seen[hit.DocumentID] = true
		refs = append(refs, DocumentRef{ID: hit.DocumentID, Title: hit.Title})
		if len(refs) >= limit {
			break
		}
	}

	return refs, nil
}

var (
	_ VectorSearcher = (*QdrantSearcher)(nil)
	_ DocumentRanker = (*QdrantSearcher)(nil)
)
