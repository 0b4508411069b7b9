package postgres

import (
	"context"
	"fmt"

	"github.com/veridata/veribot"
)

// --- ChatMemory ---

// CreateSession allocates a new chat session for the tenant.
func (s *Store) CreateSession(ctx context.Context, tenantID string) (string, error) {
	id := veribot.NewID()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, tenant_id) VALUES ($1, $2)`,
		id, tenantID)
	if err != nil {
		return "", fmt.Errorf("postgres: create session: %w", err)
	}
	return id, nil
}

// Append adds one turn. Ordering uses the database clock.
func (s *Store) Append(ctx context.Context, sessionID, role, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content) VALUES ($1, $2, $3, $4)`,
		veribot.NewID(), sessionID, role, content)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

// History returns the transcript in chronological order. When limit > 0, the
// most recent limit turns are selected first and then reversed so callers
// receive a natural dialogue.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]veribot.Message, error) {
	q := `SELECT id, session_id, role, content, created_at
	      FROM chat_messages
	      WHERE session_id = $1
	      ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		q = `SELECT id, session_id, role, content, created_at
		     FROM chat_messages
		     WHERE session_id = $1
		     ORDER BY created_at DESC
		     LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	defer rows.Close()

	var msgs []veribot.Message
	for rows.Next() {
		var m veribot.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// PurgeSession deletes the transcript and the session row.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres: purge messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres: purge session: %w", err)
	}
	return tx.Commit(ctx)
}

// --- QueryCache ---

// Lookup finds the nearest cached query by cosine similarity and returns its
// answer when similarity exceeds threshold.
func (s *Store) Lookup(ctx context.Context, tenantID string, embedding []float32, threshold float64) (string, bool, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT answer_text, 1 - (embedding <=> $1::vector) AS similarity
		 FROM query_cache
		 WHERE tenant_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT 1`,
		embStr, tenantID)
	if err != nil {
		return "", false, fmt.Errorf("postgres: cache lookup: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var answer string
	var similarity float64
	if err := rows.Scan(&answer, &similarity); err != nil {
		return "", false, fmt.Errorf("postgres: scan cache row: %w", err)
	}
	if similarity < threshold {
		return "", false, nil
	}
	return answer, true, nil
}

// Store inserts a cache entry.
func (s *Store) Store(ctx context.Context, tenantID, query, answer string, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO query_cache (id, tenant_id, query_text, embedding, answer_text)
		 VALUES ($1, $2, $3, $4::vector, $5)`,
		veribot.NewID(), tenantID, query, serializeEmbedding(embedding), answer)
	if err != nil {
		return fmt.Errorf("postgres: cache store: %w", err)
	}
	return nil
}
