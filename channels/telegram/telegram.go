// Package telegram integrates the Telegram Bot API: inbound webhook
// normalization, voice download, and outbound text delivery.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/veridata/veribot"
)

// ChannelName is the identifier used for tenant key resolution and logging.
const ChannelName = "telegram"

const apiBase = "https://api.telegram.org"

// update is the subset of a Telegram update we consume.
type update struct {
	Message struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Username  string `json:"username"`
		} `json:"from"`
		Text  string `json:"text"`
		Voice struct {
			FileID   string `json:"file_id"`
			MimeType string `json:"mime_type"`
		} `json:"voice"`
	} `json:"message"`
}

// ParseWebhook normalizes a Telegram update. token is the bot token taken
// from the webhook URL path; it doubles as the tenant key.
func ParseWebhook(token string, body []byte) (veribot.InboundEvent, error) {
	var u update
	if err := json.Unmarshal(body, &u); err != nil {
		return veribot.InboundEvent{}, fmt.Errorf("telegram: parse update: %w", err)
	}
	if u.Message.Chat.ID == 0 {
		return veribot.InboundEvent{}, fmt.Errorf("telegram: no message: %w", veribot.ErrIgnoredEvent)
	}

	ev := veribot.InboundEvent{
		Channel:    ChannelName,
		TenantKey:  token,
		ExternalID: strconv.FormatInt(u.Message.Chat.ID, 10),
		Kind:       veribot.KindText,
		Text:       u.Message.Text,
		Raw:        json.RawMessage(body),
	}
	if u.Message.MessageID != 0 {
		ev.MessageID = strconv.FormatInt(u.Message.MessageID, 10)
	}
	if name := senderName(u); name != "" {
		ev.Sender = &veribot.Sender{Name: name}
	}

	if u.Message.Voice.FileID != "" {
		ev.Kind = veribot.KindAudio
		mime := u.Message.Voice.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		ev.Attachments = []veribot.Attachment{{
			URL:      u.Message.Voice.FileID,
			MimeType: mime,
			FileType: "audio",
		}}
		return ev, nil
	}
	if ev.Text == "" {
		return veribot.InboundEvent{}, fmt.Errorf("telegram: no text content: %w", veribot.ErrEmptyMessage)
	}
	return ev, nil
}

func senderName(u update) string {
	f := u.Message.From
	switch {
	case f.FirstName != "" && f.LastName != "":
		return f.FirstName + " " + f.LastName
	case f.FirstName != "":
		return f.FirstName
	default:
		return f.Username
	}
}

// FetchVoice downloads a voice message by file id: getFile for the path, then
// the file endpoint for the bytes.
func FetchVoice(ctx context.Context, client *http.Client, token, fileID string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/bot%s/getFile?file_id=%s", apiBase, token, fileID), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create getFile request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: getFile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &veribot.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	var parsed struct {
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("telegram: decode getFile response: %w", err)
	}
	if parsed.Result.FilePath == "" {
		return nil, fmt.Errorf("telegram: getFile returned no path")
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/file/bot%s/%s", apiBase, token, parsed.Result.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create download request: %w", err)
	}
	dlResp, err := client.Do(dlReq)
	if err != nil {
		return nil, fmt.Errorf("telegram: download voice: %w", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(dlResp.Body)
		return nil, &veribot.ErrHTTP{Status: dlResp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(dlResp.Body)
}

// Channel implements veribot.Channel over the Telegram Bot API.
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

// NewChannel creates a Telegram outbound channel.
func NewChannel(opts ...Option) *Channel {
	ch := &Channel{client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ChannelName }

// SendText posts a Markdown message to the chat.
func (ch *Channel) SendText(ctx context.Context, cfg veribot.TenantConfig, externalID, text string) error {
	tc, err := cfg.Telegram()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id":    externalID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal send: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", apiBase, tc.BotToken), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ch.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &veribot.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// SetStatus is a no-op: Telegram chats have no status model.
func (ch *Channel) SetStatus(ctx context.Context, cfg veribot.TenantConfig, externalID, status string) error {
	return nil
}
