package postgres

import (
	"context"
	"fmt"

	"github.com/veridata/veribot"
)

// InsertChunk stores one chunk with its embedding and full-text vector.
func (s *Store) InsertChunk(ctx context.Context, tenantID, filename, content string, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, tenant_id, filename, content, embedding, fts_vector)
		 VALUES ($1, $2, $3, $4, $5::vector, to_tsvector('english', $4))`,
		veribot.NewID(), tenantID, filename, content, serializeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("postgres: insert chunk %s: %w", filename, err)
	}
	return nil
}

// hybridSearchSQL fuses a vector sub-ranking and a keyword sub-ranking with
// reciprocal rank fusion. Both CTEs order before their LIMIT so truncation is
// deterministic and keeps the best-ranked rows.
const hybridSearchSQL = `WITH vector_search AS (
		SELECT id, ROW_NUMBER() OVER (ORDER BY embedding <=> $1::vector) AS rank
		FROM documents
		WHERE tenant_id = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $4
	),
	keyword_search AS (
		SELECT id, ROW_NUMBER() OVER (ORDER BY ts_rank_cd(fts_vector, websearch_to_tsquery('english', $3)) DESC) AS rank
		FROM documents
		WHERE tenant_id = $2 AND fts_vector @@ websearch_to_tsquery('english', $3)
		ORDER BY rank
		LIMIT $4
	)
	SELECT
		d.id, d.filename, d.content,
		COALESCE(1.0 / (vs.rank + 60), 0.0) + COALESCE(1.0 / (ks.rank + 60), 0.0) AS score
	FROM documents d
	LEFT JOIN vector_search vs ON d.id = vs.id
	LEFT JOIN keyword_search ks ON d.id = ks.id
	WHERE vs.id IS NOT NULL OR ks.id IS NOT NULL
	ORDER BY score DESC, d.embedding <=> $1::vector ASC, d.created_at ASC
	LIMIT $4`

// HybridSearch fuses a vector sub-ranking (cosine distance) and a keyword
// sub-ranking (ts_rank_cd over websearch_to_tsquery) with reciprocal rank
// fusion: score = 1/(rank_vec+60) + 1/(rank_text+60), missing rank
// contributing 0. Ties break by vector distance, then insertion time.
func (s *Store) HybridSearch(ctx context.Context, tenantID string, queryVec []float32, queryText string, k int) ([]veribot.Hit, error) {
	embStr := serializeEmbedding(queryVec)
	rows, err := s.pool.Query(ctx, hybridSearchSQL, embStr, tenantID, queryText, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: hybrid search: %w", err)
	}
	defer rows.Close()

	var hits []veribot.Hit
	for rows.Next() {
		var h veribot.Hit
		if err := rows.Scan(&h.ChunkID, &h.Filename, &h.Content, &h.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// DeleteDocument removes all chunks with the given filename for the tenant.
// A single DELETE, so all-or-nothing.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, filename string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND filename = $2`,
		tenantID, filename)
	if err != nil {
		return fmt.Errorf("postgres: delete document %s: %w", filename, err)
	}
	return nil
}

// ListDocuments returns the distinct filenames a tenant has ingested, newest
// first.
func (s *Store) ListDocuments(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT filename FROM documents
		 WHERE tenant_id = $1
		 GROUP BY filename
		 ORDER BY max(created_at) DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("postgres: scan filename: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
