package veribot

import "context"

// Conversation status values passed to Channel.SetStatus. StatusOpen hands
// the conversation to a human agent; StatusPending keeps it bot-owned.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
)

// Channel is the outbound side of a messaging integration. Credentials are
// per tenant, so every call takes the tenant's config bundle.
// Implementations: channels/evolution, channels/telegram, channels/chatwoot.
type Channel interface {
	// Name returns the channel name ("evolution", "telegram", "chatwoot").
	Name() string
	// SendText delivers a message to the conversation identified by
	// externalID (phone number, chat id, or conversation id).
	SendText(ctx context.Context, cfg TenantConfig, externalID, text string) error
	// SetStatus transitions the conversation to the given status.
	// Channels without a status model treat this as a no-op.
	SetStatus(ctx context.Context, cfg TenantConfig, externalID, status string) error
}
