package veribot

import "context"

// CRM is one back-end of the summary fan-out. Lead sync is upsert by email or
// phone; UpdateLeadSummary locates the lead the same way and attaches the
// summary as a timestamped note in the adapter's native model. Adapters skip
// with a log when both identifiers are missing, they never fail on that.
// Implementations: crm/espocrm, crm/hubspot.
type CRM interface {
	// Name returns the adapter name ("espocrm", "hubspot").
	Name() string
	// Configured reports whether the tenant carries credentials for this
	// adapter. Unconfigured adapters are skipped by the fan-out.
	Configured(cfg TenantConfig) bool
	// SyncLead upserts a lead keyed by email or phone.
	SyncLead(ctx context.Context, cfg TenantConfig, name, email, phone string) error
	// SyncContact upserts a contact record.
	SyncContact(ctx context.Context, cfg TenantConfig, contact Sender) error
	// UpdateLeadSummary attaches a conversation summary to the lead.
	UpdateLeadSummary(ctx context.Context, cfg TenantConfig, email, phone string, s Summary) error
}
