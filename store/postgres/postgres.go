// Package postgres implements all veribot persistence interfaces on a single
// PostgreSQL database: pgvector for vector similarity, tsvector for keyword
// search, and plain relational tables for tenants, bindings, quotas, and chat
// transcripts.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veridata/veribot"
)

// Store implements veribot.TenantRegistry, SessionStore, QuotaGuard,
// DocumentStore, ChatMemory, and QueryCache backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Init drops and recreates the vector
// tables when an existing embedding column was declared with a different
// dimension, since embeddings from different models are not comparable.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Default: pgvector's 40. Applied during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var (
	_ veribot.TenantRegistry = (*Store)(nil)
	_ veribot.SessionStore   = (*Store)(nil)
	_ veribot.QuotaGuard     = (*Store)(nil)
	_ veribot.DocumentStore  = (*Store)(nil)
	_ veribot.ChatMemory     = (*Store)(nil)
	_ veribot.QueryCache     = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// vectorTables are the tables carrying an embedding column. They are dropped
// and recreated when the configured dimension changes.
var vectorTables = []string{"documents", "query_cache"}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent). When a
// configured embedding dimension differs from what an existing vector table
// was created with, that table is rebuilt empty; the stale embeddings would
// be useless against the new model anyway.
func (s *Store) Init(ctx context.Context) error {
	if s.cfg.embeddingDimension > 0 {
		for _, table := range vectorTables {
			existing, err := s.embeddingDimension(ctx, table)
			if err != nil {
				return fmt.Errorf("postgres: inspect %s embedding: %w", table, err)
			}
			if dimensionChanged(existing, s.cfg.embeddingDimension) {
				if _, err := s.pool.Exec(ctx, "DROP TABLE "+table); err != nil {
					return fmt.Errorf("postgres: rebuild %s: %w", table, err)
				}
			}
		}
	}

	for _, stmt := range s.initStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	return nil
}

// embeddingDimension reads the declared dimension of a table's embedding
// column from the catalog. Returns 0 when the table or column does not exist
// or the column is an untyped vector. For pgvector columns the type modifier
// is the dimension itself.
func (s *Store) embeddingDimension(ctx context.Context, table string) (int, error) {
	var typmod int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((
			SELECT a.atttypmod FROM pg_attribute a
			WHERE a.attrelid = to_regclass($1)
			  AND a.attname = 'embedding'
			  AND NOT a.attisdropped), 0)`,
		table).Scan(&typmod)
	if err != nil {
		return 0, fmt.Errorf("query atttypmod: %w", err)
	}
	if typmod < 0 {
		return 0, nil
	}
	return typmod, nil
}

// dimensionChanged reports whether an existing typed embedding column no
// longer matches the configured dimension. Untyped columns (0) never force a
// rebuild.
func dimensionChanged(existing, configured int) bool {
	return existing > 0 && configured > 0 && existing != configured
}

func (s *Store) initStatements() []string {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			preferred_languages TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS tenant_keys (
			channel TEXT NOT NULL,
			key TEXT NOT NULL,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			PRIMARY KEY (channel, key)
		)`,

		`CREATE TABLE IF NOT EXISTS global_configs (
			tenant_id TEXT PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
			config JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS tenant_quotas (
			tenant_id TEXT PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
			usage_count INTEGER NOT NULL DEFAULT 0,
			quota_limit INTEGER NOT NULL DEFAULT 0
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding %s,
			fts_vector TSVECTOR,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS documents_tenant_filename_idx ON documents(tenant_id, filename)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS documents_embedding_idx ON documents USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS documents_fts_idx ON documents USING gin(fts_vector)`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages(session_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS query_cache (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			query_text TEXT NOT NULL,
			embedding %s,
			answer_text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS query_cache_embedding_idx ON query_cache USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS bindings (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			chat_session_id TEXT,
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, external_id)
		)`,
	}
}

// --- TenantRegistry ---

// CreateTenant inserts a tenant with its channel keys and quota row.
// Admin-facing; not used on the message path.
func (s *Store) CreateTenant(ctx context.Context, t veribot.Tenant, keys map[string]string, quotaLimit int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (id, name, preferred_languages) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, preferred_languages = EXCLUDED.preferred_languages`,
		t.ID, t.Name, strings.Join(t.PreferredLanguages, ",")); err != nil {
		return fmt.Errorf("postgres: upsert tenant: %w", err)
	}
	for channel, key := range keys {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tenant_keys (channel, key, tenant_id) VALUES ($1, $2, $3)
			 ON CONFLICT (channel, key) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
			channel, key, t.ID); err != nil {
			return fmt.Errorf("postgres: upsert tenant key: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenant_quotas (tenant_id, usage_count, quota_limit) VALUES ($1, 0, $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET quota_limit = EXCLUDED.quota_limit`,
		t.ID, quotaLimit); err != nil {
		return fmt.Errorf("postgres: upsert quota: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteTenant removes a tenant. The cascading foreign keys take its channel
// keys, config, quota row, documents, sessions, transcripts, cache entries,
// and bindings with it.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("postgres: delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, veribot.ErrUnknownTenant)
	}
	return nil
}

// ResolveTenant maps (channel, key) to a tenant.
func (s *Store) ResolveTenant(ctx context.Context, channel, key string) (veribot.Tenant, error) {
	var t veribot.Tenant
	var langs string
	err := s.pool.QueryRow(ctx,
		`SELECT t.id, t.name, t.preferred_languages
		 FROM tenant_keys k JOIN tenants t ON t.id = k.tenant_id
		 WHERE k.channel = $1 AND k.key = $2`,
		channel, key).Scan(&t.ID, &t.Name, &langs)
	if errors.Is(err, pgx.ErrNoRows) {
		return veribot.Tenant{}, fmt.Errorf("%s/%s: %w", channel, key, veribot.ErrUnknownTenant)
	}
	if err != nil {
		return veribot.Tenant{}, fmt.Errorf("postgres: resolve tenant: %w", err)
	}
	t.PreferredLanguages = splitLanguages(langs)
	return t, nil
}

// Tenant fetches a tenant by id.
func (s *Store) Tenant(ctx context.Context, tenantID string) (veribot.Tenant, error) {
	var t veribot.Tenant
	var langs string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, preferred_languages FROM tenants WHERE id = $1`,
		tenantID).Scan(&t.ID, &t.Name, &langs)
	if errors.Is(err, pgx.ErrNoRows) {
		return veribot.Tenant{}, fmt.Errorf("tenant %s: %w", tenantID, veribot.ErrUnknownTenant)
	}
	if err != nil {
		return veribot.Tenant{}, fmt.Errorf("postgres: get tenant: %w", err)
	}
	t.PreferredLanguages = splitLanguages(langs)
	return t, nil
}

// Config returns the tenant's JSONB config bundle. A missing row yields an
// empty bundle, not an error; absence of specific bags is surfaced on use.
func (s *Store) Config(ctx context.Context, tenantID string) (veribot.TenantConfig, error) {
	var cfg veribot.TenantConfig
	err := s.pool.QueryRow(ctx,
		`SELECT config FROM global_configs WHERE tenant_id = $1`,
		tenantID).Scan(&cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return veribot.TenantConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load config: %w", err)
	}
	return cfg, nil
}

// SaveConfig upserts the tenant's config bundle.
func (s *Store) SaveConfig(ctx context.Context, tenantID string, cfg veribot.TenantConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO global_configs (tenant_id, config, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		tenantID, cfg)
	if err != nil {
		return fmt.Errorf("postgres: save config: %w", err)
	}
	return nil
}

func splitLanguages(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// serializeEmbedding converts a float32 slice to pgvector text format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
