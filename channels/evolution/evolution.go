// Package evolution integrates the Evolution API (self-hosted WhatsApp
// gateway): inbound webhook normalization and outbound text delivery.
package evolution

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veridata/veribot"
)

// ChannelName is the identifier used for tenant key resolution and logging.
const ChannelName = "evolution"

// webhook is the subset of the Evolution webhook payload we consume.
type webhook struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
			AudioMessage struct {
				URL      string `json:"url"`
				Mimetype string `json:"mimetype"`
			} `json:"audioMessage"`
			// Base64 carries the decoded media when the Evolution
			// instance runs with WEBHOOK_BASE64 enabled.
			Base64 string `json:"base64"`
		} `json:"message"`
	} `json:"data"`
}

// ParseWebhook normalizes an Evolution webhook body. Only messages.upsert
// events produce a message; everything else returns ErrIgnoredEvent.
func ParseWebhook(body []byte) (veribot.InboundEvent, error) {
	var w webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return veribot.InboundEvent{}, fmt.Errorf("evolution: parse webhook: %w", err)
	}
	if w.Event != "messages.upsert" {
		return veribot.InboundEvent{}, fmt.Errorf("evolution: event %q: %w", w.Event, veribot.ErrIgnoredEvent)
	}

	jid := w.Data.Key.RemoteJid
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	ev := veribot.InboundEvent{
		Channel:    ChannelName,
		TenantKey:  w.Instance,
		ExternalID: jid,
		MessageID:  w.Data.Key.ID,
		FromUs:     w.Data.Key.FromMe,
		Kind:       veribot.KindText,
		Raw:        json.RawMessage(body),
	}
	if w.Data.PushName != "" {
		ev.Sender = &veribot.Sender{Name: w.Data.PushName, Phone: jid}
	}

	switch {
	case w.Data.Message.Conversation != "":
		ev.Text = w.Data.Message.Conversation
	case w.Data.Message.ExtendedTextMessage.Text != "":
		ev.Text = w.Data.Message.ExtendedTextMessage.Text
	case w.Data.Message.AudioMessage.Mimetype != "" || w.Data.Message.AudioMessage.URL != "":
		ev.Kind = veribot.KindAudio
		att := veribot.Attachment{
			URL:      w.Data.Message.AudioMessage.URL,
			MimeType: normalizeMime(w.Data.Message.AudioMessage.Mimetype),
			FileType: "audio",
		}
		if w.Data.Message.Base64 != "" {
			data, err := base64.StdEncoding.DecodeString(w.Data.Message.Base64)
			if err != nil {
				return veribot.InboundEvent{}, fmt.Errorf("evolution: decode media: %w", err)
			}
			att.Data = data
		}
		ev.Attachments = []veribot.Attachment{att}
	default:
		return veribot.InboundEvent{}, fmt.Errorf("evolution: no text content: %w", veribot.ErrEmptyMessage)
	}
	return ev, nil
}

// normalizeMime strips codec parameters ("audio/ogg; codecs=opus" →
// "audio/ogg").
func normalizeMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.TrimSpace(m)
}

// Channel implements veribot.Channel over the Evolution HTTP API.
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

// NewChannel creates an Evolution outbound channel. Credentials come from the
// tenant config on every call.
func NewChannel(opts ...Option) *Channel {
	ch := &Channel{client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ChannelName }

// SendText posts a text message to the given number via the tenant's
// Evolution instance.
func (ch *Channel) SendText(ctx context.Context, cfg veribot.TenantConfig, externalID, text string) error {
	ec, err := cfg.Evolution()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"number": externalID,
		"text":   text,
		"options": map[string]any{
			"delay":    1200,
			"presence": "composing",
		},
	})
	if err != nil {
		return fmt.Errorf("evolution: marshal send: %w", err)
	}

	url := strings.TrimRight(ec.BaseURL, "/") + "/message/sendText/" + ec.Instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("evolution: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", ec.APIKey)

	resp, err := ch.client.Do(req)
	if err != nil {
		return fmt.Errorf("evolution: send text: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &veribot.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// SetStatus is a no-op: WhatsApp conversations have no status model.
func (ch *Channel) SetStatus(ctx context.Context, cfg veribot.TenantConfig, externalID, status string) error {
	return nil
}
