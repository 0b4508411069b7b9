// Package chatwoot integrates Chatwoot: inbound webhook normalization across
// its event types and outbound replies plus conversation status transitions.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veridata/veribot"
)

// ChannelName is the identifier used for tenant key resolution and logging.
const ChannelName = "chatwoot"

// webhook is the union of the Chatwoot webhook payload shapes we consume.
// Chatwoot sends different top-level fields per event type.
type webhook struct {
	Event       string `json:"event"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	// Status is top-level for conversation_* events. ID is the message id
	// for message_created and the conversation id for conversation_* events.
	Status       string `json:"status"`
	ID           int64  `json:"id"`
	Conversation struct {
		ID        int64  `json:"id"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"created_at"`
	} `json:"conversation"`
	Sender struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		PhoneNumber string `json:"phone_number"`
	} `json:"sender"`
	Meta struct {
		Sender struct {
			Name        string `json:"name"`
			Email       string `json:"email"`
			PhoneNumber string `json:"phone_number"`
		} `json:"sender"`
	} `json:"meta"`
	// Contact fields are top-level for contact_* events.
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Attachments []struct {
		DataURL  string `json:"data_url"`
		FileType string `json:"file_type"`
	} `json:"attachments"`
}

// ParseWebhook normalizes a Chatwoot webhook body. slug is the tenant key
// taken from the webhook URL path.
//
// Event mapping:
//   - message_created with message_type "incoming" and a bot-owned
//     conversation (status "pending" or absent) → text/audio message
//   - conversation_status_changed → status change
//   - conversation_created → created (lead sync)
//   - contact_created, contact_updated → contact sync
//
// Outgoing messages and conversations a human agent already owns (status
// "open") are ignored.
func ParseWebhook(slug string, body []byte) (veribot.InboundEvent, error) {
	var w webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return veribot.InboundEvent{}, fmt.Errorf("chatwoot: parse webhook: %w", err)
	}

	ev := veribot.InboundEvent{
		Channel:   ChannelName,
		TenantKey: slug,
		Raw:       json.RawMessage(body),
	}

	switch w.Event {
	case "message_created":
		if w.MessageType != "incoming" {
			ev.FromUs = true
			return ev, nil
		}
		if w.Conversation.Status != "" && w.Conversation.Status != "pending" {
			return veribot.InboundEvent{}, fmt.Errorf(
				"chatwoot: conversation %d owned by agent: %w", w.Conversation.ID, veribot.ErrIgnoredEvent)
		}
		ev.ExternalID = strconv.FormatInt(w.Conversation.ID, 10)
		if w.ID != 0 {
			ev.MessageID = strconv.FormatInt(w.ID, 10)
		}
		ev.Kind = veribot.KindText
		ev.Text = w.Content
		ev.ConversationCreatedAt = w.Conversation.CreatedAt
		if w.Sender.Name != "" || w.Sender.Email != "" || w.Sender.PhoneNumber != "" {
			ev.Sender = &veribot.Sender{
				Name:  w.Sender.Name,
				Email: w.Sender.Email,
				Phone: w.Sender.PhoneNumber,
			}
		}
		for _, a := range w.Attachments {
			ev.Attachments = append(ev.Attachments, veribot.Attachment{
				URL:      a.DataURL,
				FileType: a.FileType,
				MimeType: mimeFor(a.FileType, a.DataURL),
			})
			if a.FileType == "audio" {
				ev.Kind = veribot.KindAudio
			}
		}
		if ev.Text == "" && ev.Kind == veribot.KindText {
			return veribot.InboundEvent{}, fmt.Errorf("chatwoot: no text content: %w", veribot.ErrEmptyMessage)
		}
		return ev, nil

	case "conversation_status_changed":
		ev.Kind = veribot.KindStatusChange
		ev.ExternalID = strconv.FormatInt(w.ID, 10)
		ev.Status = w.Status
		return ev, nil

	case "conversation_created":
		ev.Kind = veribot.KindCreated
		ev.ExternalID = strconv.FormatInt(w.ID, 10)
		if s := w.Meta.Sender; s.Name != "" || s.Email != "" || s.PhoneNumber != "" {
			ev.Sender = &veribot.Sender{Name: s.Name, Email: s.Email, Phone: s.PhoneNumber}
		}
		return ev, nil

	case "contact_created", "contact_updated":
		ev.Kind = veribot.KindContact
		ev.Sender = &veribot.Sender{Name: w.Name, Email: w.Email, Phone: w.PhoneNumber}
		return ev, nil

	default:
		return veribot.InboundEvent{}, fmt.Errorf("chatwoot: event %q: %w", w.Event, veribot.ErrIgnoredEvent)
	}
}

// mimeFor guesses a MIME type from the Chatwoot file type and URL extension.
func mimeFor(fileType, url string) string {
	if fileType != "audio" {
		return ""
	}
	switch {
	case strings.HasSuffix(url, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(url, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(url, ".m4a"):
		return "audio/mp4"
	default:
		return "audio/ogg"
	}
}

// Channel implements veribot.Channel over the Chatwoot platform API.
type Channel struct {
	client *http.Client
}

// Option configures a Channel.
type Option func(*Channel)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Channel) { ch.client = c }
}

var _ veribot.Channel = (*Channel)(nil)

// NewChannel creates a Chatwoot outbound channel.
func NewChannel(opts ...Option) *Channel {
	ch := &Channel{client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ChannelName }

// SendText posts an outgoing, non-private message to the conversation.
func (ch *Channel) SendText(ctx context.Context, cfg veribot.TenantConfig, externalID, text string) error {
	cc, err := cfg.Chatwoot()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"content":      text,
		"message_type": "outgoing",
		"private":      false,
	})
	if err != nil {
		return fmt.Errorf("chatwoot: marshal send: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%s/messages",
		strings.TrimRight(cc.BaseURL, "/"), cc.AccountID, externalID)
	return ch.post(ctx, cc.APIKey, url, payload)
}

// SetStatus transitions the conversation via toggle_status.
func (ch *Channel) SetStatus(ctx context.Context, cfg veribot.TenantConfig, externalID, status string) error {
	cc, err := cfg.Chatwoot()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"status": status})
	if err != nil {
		return fmt.Errorf("chatwoot: marshal status: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%s/toggle_status",
		strings.TrimRight(cc.BaseURL, "/"), cc.AccountID, externalID)
	return ch.post(ctx, cc.APIKey, url, payload)
}

func (ch *Channel) post(ctx context.Context, apiKey, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chatwoot: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", apiKey)

	resp, err := ch.client.Do(req)
	if err != nil {
		return fmt.Errorf("chatwoot: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &veribot.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}
