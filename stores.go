package veribot

import "context"

// TenantRegistry resolves channel-native tenant keys and serves tenant
// configuration. Implementations: store/postgres.
type TenantRegistry interface {
	// ResolveTenant maps a channel and its tenant key (Evolution instance
	// name, Telegram bot token, Chatwoot slug) to a tenant. Returns
	// ErrUnknownTenant when no tenant claims the key.
	ResolveTenant(ctx context.Context, channel, key string) (Tenant, error)
	// Tenant fetches a tenant by id.
	Tenant(ctx context.Context, tenantID string) (Tenant, error)
	// Config returns the tenant's configuration bundle.
	Config(ctx context.Context, tenantID string) (TenantConfig, error)
}

// SessionStore persists conversation bindings: the mapping from a
// channel-native conversation id to internal session and pause state.
type SessionStore interface {
	// EnsureBinding returns the binding for (tenantID, externalID),
	// creating an unpaused one when none exists. Concurrent calls for the
	// same pair return the same binding.
	EnsureBinding(ctx context.Context, tenantID, externalID string) (Binding, error)
	// SetPaused flips the pause flag.
	SetPaused(ctx context.Context, bindingID string, paused bool) error
	// AttachSession records the chat session id on a binding that has
	// none. A binding's session id never changes once set.
	AttachSession(ctx context.Context, bindingID, sessionID string) error
	// DeleteBinding removes the binding, ending the conversation's local
	// state. Used after a resolved conversation is summarized.
	DeleteBinding(ctx context.Context, bindingID string) error
}

// QuotaGuard admits or rejects billable messages against tenant quotas.
type QuotaGuard interface {
	// Admit atomically checks usage_count < quota_limit and increments.
	// Returns ErrQuotaExceeded when the tenant is out of budget. Two
	// concurrent calls at limit-1 admit exactly one.
	Admit(ctx context.Context, tenantID string) error
	// Usage reports current consumption and the limit.
	Usage(ctx context.Context, tenantID string) (used, limit int, err error)
	// ResetUsage zeroes the usage counter. Called by the billing cycle,
	// not by the orchestrator.
	ResetUsage(ctx context.Context, tenantID string) error
}

// DocumentStore is the hybrid retrieval index: chunk content with vector and
// full-text representations, searched with reciprocal rank fusion.
type DocumentStore interface {
	// InsertChunk stores one chunk with its embedding and a derived
	// text-search representation.
	InsertChunk(ctx context.Context, tenantID, filename, content string, embedding []float32) error
	// HybridSearch runs vector and keyword retrieval and fuses the
	// rankings, returning the top k hits.
	HybridSearch(ctx context.Context, tenantID string, queryVec []float32, queryText string, k int) ([]Hit, error)
	// DeleteDocument removes all chunks with the given filename,
	// all-or-nothing.
	DeleteDocument(ctx context.Context, tenantID, filename string) error
	// ListDocuments returns the distinct filenames a tenant has ingested.
	ListDocuments(ctx context.Context, tenantID string) ([]string, error)
}

// ChatMemory persists per-session transcripts.
type ChatMemory interface {
	// CreateSession allocates a new chat session for the tenant.
	CreateSession(ctx context.Context, tenantID string) (string, error)
	// Append adds one turn. Role is "user" or "ai".
	Append(ctx context.Context, sessionID, role, content string) error
	// History returns the session transcript in chronological order,
	// capped to the most recent limit turns (0 = all).
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// PurgeSession deletes the transcript after summarization.
	PurgeSession(ctx context.Context, sessionID string) error
}

// QueryCache is the opt-in semantic answer cache. Lookup compares the query
// embedding against stored entries; a hit above the similarity threshold
// short-circuits the pipeline.
type QueryCache interface {
	Lookup(ctx context.Context, tenantID string, embedding []float32, threshold float64) (answer string, ok bool, err error)
	Store(ctx context.Context, tenantID, query, answer string, embedding []float32) error
}
