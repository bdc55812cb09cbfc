package segments

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore implements Store over a pgvector-enabled Postgres.
//
// Expected schema:
//
//	documents(id bigint primary key, title text, link text)
//	segments(document_id bigint, ordinal int, text text, page_hint text,
//	         embedding vector, tsv tsvector, primary key (document_id, ordinal))
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool, used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// vectorLiteral renders an embedding as a pgvector input literal.
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// SearchVector returns segments by cosine similarity, best first.
// Scores are 1 - cosine distance, clamped to [0,1].
func (s *PostgresStore) SearchVector(ctx context.Context, embedding []float32, limit int, scope Scope) ([]Hit, error) {
	query := `
		SELECT seg.document_id, seg.ordinal, doc.title, seg.text,
		       GREATEST(0, LEAST(1, 1 - (seg.embedding <=> $1::vector))) AS score
		FROM segments seg
		JOIN documents doc ON doc.id = seg.document_id
		WHERE ($3::bigint = 0 OR seg.document_id = $3)
		  AND (cardinality($4::bigint[]) = 0 OR seg.document_id = ANY($4::bigint[]))
		ORDER BY seg.embedding <=> $1::vector
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, vectorLiteral(embedding), limit, scope.DocumentID, pq.Array(scope.DocumentIDs))
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	return scanHits(rows)
}

// SearchText returns segments by full-text relevance, best first.
func (s *PostgresStore) SearchText(ctx context.Context, query string, limit int, scope Scope) ([]Hit, error) {
	sqlQuery := `
		SELECT seg.document_id, seg.ordinal, doc.title, seg.text,
		       ts_rank(seg.tsv, plainto_tsquery('english', $1)) AS score
		FROM segments seg
		JOIN documents doc ON doc.id = seg.document_id
		WHERE seg.tsv @@ plainto_tsquery('english', $1)
		  AND ($3::bigint = 0 OR seg.document_id = $3)
		  AND (cardinality($4::bigint[]) = 0 OR seg.document_id = ANY($4::bigint[]))
		ORDER BY score DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, sqlQuery, query, limit, scope.DocumentID, pq.Array(scope.DocumentIDs))
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	defer rows.Close()

	return scanHits(rows)
}

// TopDocuments ranks documents by their best segment similarity.
func (s *PostgresStore) TopDocuments(ctx context.Context, embedding []float32, limit int) ([]DocumentRef, error) {
	query := `
		SELECT doc.id, doc.title
		FROM documents doc
		JOIN segments seg ON seg.document_id = doc.id
		GROUP BY doc.id, doc.title
		ORDER BY MIN(seg.embedding <=> $1::vector)
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, vectorLiteral(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("document ranking failed: %w", err)
	}
	defer rows.Close()

	var refs []DocumentRef
	for rows.Next() {
		var ref DocumentRef
		if err := rows.Scan(&ref.ID, &ref.Title); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ResolveSegments fetches display bundles for the given keys in one query.
func (s *PostgresStore) ResolveSegments(ctx context.Context, keys []SegmentKey) (map[SegmentKey]ResolvedSegment, error) {
	if len(keys) == 0 {
		return map[SegmentKey]ResolvedSegment{}, nil
	}

	docIDs := make([]int64, len(keys))
	ordinals := make([]int64, len(keys))
	for i, key := range keys {
		docIDs[i] = key.DocumentID
		ordinals[i] = int64(key.Ordinal)
	}

	query := `
		SELECT seg.document_id, seg.ordinal, doc.title, seg.text, doc.link,
		       COALESCE(seg.page_hint, '')
		FROM segments seg
		JOIN documents doc ON doc.id = seg.document_id
		JOIN unnest($1::bigint[], $2::bigint[]) AS want(document_id, ordinal)
		  ON want.document_id = seg.document_id AND want.ordinal = seg.ordinal`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(docIDs), pq.Array(ordinals))
	if err != nil {
		return nil, fmt.Errorf("segment resolution failed: %w", err)
	}
	defer rows.Close()

	resolved := make(map[SegmentKey]ResolvedSegment, len(keys))
	for rows.Next() {
		var seg ResolvedSegment
		if err := rows.Scan(&seg.Key.DocumentID, &seg.Key.Ordinal, &seg.Title, &seg.Snippet, &seg.Link, &seg.PageHint); err != nil {
			return nil, fmt.Errorf("failed to scan resolved segment: %w", err)
		}
		resolved[seg.Key] = seg
	}
	return resolved, rows.Err()
}

func scanHits(rows *sql.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.DocumentID, &hit.Ordinal, &hit.Title, &hit.Text, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
