package veribot

import (
	"encoding/json"
	"time"
)

// --- Domain types (database records) ---

// Tenant is one customer of the platform. A tenant owns its documents, chat
// sessions, conversation bindings, and configuration bundle.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// PreferredLanguages is an ordered list of BCP-47 tags used to derive
	// the language instruction embedded in answer prompts.
	PreferredLanguages []string `json:"preferred_languages"`
}

// Hit is one ranked chunk returned by DocumentStore.HybridSearch.
type Hit struct {
	ChunkID  string  `json:"id"`
	Filename string  `json:"filename"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// Message is one turn of a chat session's transcript. Role is "user" or "ai".
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Binding links a channel-native conversation identifier to internal session
// and pause state. ChatSessionID is empty until the first successful agent
// run creates a session; thereafter it is immutable for the life of the
// conversation.
type Binding struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ExternalID    string    `json:"external_id"`
	ChatSessionID string    `json:"chat_session_id,omitempty"`
	Paused        bool      `json:"paused"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// --- Inbound events ---

// EventKind classifies a normalized webhook event.
type EventKind int

const (
	KindText EventKind = iota
	KindAudio
	KindStatusChange
	KindContact
	KindCreated
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAudio:
		return "audio"
	case KindStatusChange:
		return "status_change"
	case KindContact:
		return "contact"
	case KindCreated:
		return "created"
	default:
		return "unknown"
	}
}

// Attachment is a media item carried by an inbound event. Data is populated
// when the channel delivers bytes inline; URL when the channel hosts the file.
type Attachment struct {
	URL      string
	MimeType string
	FileType string // "audio", "image", "file"
	Data     []byte
}

// Sender identifies the human on the other side of a conversation, as far as
// the channel exposes it.
type Sender struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// InboundEvent is the channel-neutral form of a webhook payload. Channels
// produce it (channels/*.Parse*) and the Orchestrator consumes it.
type InboundEvent struct {
	Channel    string // "evolution", "telegram", "chatwoot"
	TenantKey  string // instance name, bot token, or chatwoot slug
	ExternalID string // jid phone, chat id, or conversation id
	// MessageID is the channel's message identifier, used to drop
	// redelivered webhooks. Empty for events without one.
	MessageID string
	FromUs    bool
	Kind       EventKind
	Text       string
	Attachments []Attachment
	Sender     *Sender
	// Status carries the new conversation status for KindStatusChange.
	Status string
	// ConversationCreatedAt is the channel-reported conversation start
	// (Unix seconds); zero when the channel does not report it.
	ConversationCreatedAt int64
	// Raw keeps the original payload for adapters that need
	// channel-specific fields (contact sync).
	Raw json.RawMessage
}

// --- Conversation summary (CRM-shaped) ---

// ContactInfo is the contact block of a conversation summary.
type ContactInfo struct {
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Address  string `json:"address,omitempty"`
	Industry string `json:"industry,omitempty"`
}

// Summary is the structured output of conversation summarization, consumed by
// CRM adapters.
type Summary struct {
	PurchaseIntent    string      `json:"purchase_intent"`    // High|Medium|Low|None
	UrgencyLevel      string      `json:"urgency_level"`      // Urgent|Normal|Low
	SentimentScore    string      `json:"sentiment_score"`    // Positive|Neutral|Negative
	DetectedBudget    *float64    `json:"detected_budget"`
	AISummary         string      `json:"ai_summary"`
	ContactInfo       ContactInfo `json:"contact_info"`
	ClientDescription string      `json:"client_description"`
	ConversationStart string      `json:"conversation_start"` // DD/MM/YYYY HH:MM
	ConversationEnd   string      `json:"conversation_end"`   // DD/MM/YYYY HH:MM
}

// --- LLM protocol types ---

// ChatMessage is one message in an LLM conversation. Role is "system",
// "user", "assistant", or "tool".
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	Images     []ImageData `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ImageData is inline image content for multimodal messages.
type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse carries either final text or one or more tool calls.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage is token accounting for one or more LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
