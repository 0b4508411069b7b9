package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veridata/veribot"
)

// --- SessionStore ---

// EnsureBinding returns the binding for (tenantID, externalID), creating an
// unpaused one when none exists. The unique (tenant_id, external_id)
// constraint makes concurrent creation race-free: the loser of the insert
// race reads the winner's row.
func (s *Store) EnsureBinding(ctx context.Context, tenantID, externalID string) (veribot.Binding, error) {
	var b veribot.Binding
	var sessionID *string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO bindings (id, tenant_id, external_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, external_id) DO UPDATE SET updated_at = now()
		 RETURNING id, tenant_id, external_id, chat_session_id, paused, updated_at`,
		veribot.NewID(), tenantID, externalID).
		Scan(&b.ID, &b.TenantID, &b.ExternalID, &sessionID, &b.Paused, &b.UpdatedAt)
	if err != nil {
		return veribot.Binding{}, fmt.Errorf("postgres: ensure binding: %w", err)
	}
	if sessionID != nil {
		b.ChatSessionID = *sessionID
	}
	return b, nil
}

// SetPaused flips the pause flag.
func (s *Store) SetPaused(ctx context.Context, bindingID string, paused bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bindings SET paused = $2, updated_at = now() WHERE id = $1`,
		bindingID, paused)
	if err != nil {
		return fmt.Errorf("postgres: set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set paused: binding %s not found", bindingID)
	}
	return nil
}

// AttachSession records the chat session on a binding that has none. The
// session id is immutable once set; a concurrent attach loses silently and
// the caller re-reads the binding.
func (s *Store) AttachSession(ctx context.Context, bindingID, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE bindings SET chat_session_id = $2, updated_at = now()
		 WHERE id = $1 AND chat_session_id IS NULL`,
		bindingID, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: attach session: %w", err)
	}
	return nil
}

// DeleteBinding removes the binding.
func (s *Store) DeleteBinding(ctx context.Context, bindingID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bindings WHERE id = $1`, bindingID)
	if err != nil {
		return fmt.Errorf("postgres: delete binding: %w", err)
	}
	return nil
}

// --- QuotaGuard ---

// Admit atomically increments the tenant's usage when under the limit. The
// single UPDATE with the usage_count < quota_limit predicate linearizes
// concurrent admissions: at limit-1, exactly one of two concurrent calls
// matches the predicate. A quota_limit of 0 means unmetered. A tenant with no
// quota row is admitted unmetered.
func (s *Store) Admit(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenant_quotas
		 SET usage_count = usage_count + 1
		 WHERE tenant_id = $1 AND (quota_limit = 0 OR usage_count < quota_limit)`,
		tenantID)
	if err != nil {
		return fmt.Errorf("postgres: quota admit: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenant_quotas WHERE tenant_id = $1)`,
		tenantID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: quota admit: %w", err)
	}
	if !exists {
		return nil
	}
	return fmt.Errorf("tenant %s: %w", tenantID, veribot.ErrQuotaExceeded)
}

// Usage reports current consumption and the limit.
func (s *Store) Usage(ctx context.Context, tenantID string) (used, limit int, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT usage_count, quota_limit FROM tenant_quotas WHERE tenant_id = $1`,
		tenantID).Scan(&used, &limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: quota usage: %w", err)
	}
	return used, limit, nil
}

// ResetUsage zeroes the usage counter. Driven by the billing cycle.
func (s *Store) ResetUsage(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenant_quotas SET usage_count = 0 WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("postgres: quota reset: %w", err)
	}
	return nil
}
