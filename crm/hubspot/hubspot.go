// Package hubspot implements the veribot.CRM interface against the HubSpot
// CRM v3 API. Contacts are upserted via the search endpoint; conversation
// summaries become engagement notes associated with the contact.
package hubspot

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

	"github.com/yuin/goldmark"

	"github.com/veridata/veribot"
)

const apiBase = "https://api.hubapi.com"

// noteToContactAssociation is HubSpot's defined association type id for
// note → contact.
const noteToContactAssociation = 202

// CRM implements veribot.CRM for HubSpot.
type CRM struct {
	client  *http.Client
	baseURL string
	md      goldmark.Markdown
}

// Option configures the adapter.
type Option func(*CRM)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(h *CRM) { h.client = c }
}

// WithBaseURL overrides the API base, mainly for tests.
func WithBaseURL(u string) Option {
	return func(h *CRM) { h.baseURL = strings.TrimRight(u, "/") }
}

var _ veribot.CRM = (*CRM)(nil)

// New creates a HubSpot adapter. Credentials come from tenant config per call.
func New(opts ...Option) *CRM {
	h := &CRM{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: apiBase,
		md:      goldmark.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the adapter name.
func (h *CRM) Name() string { return "hubspot" }

// Configured reports whether the tenant carries a "hubspot" bag with a token.
func (h *CRM) Configured(cfg veribot.TenantConfig) bool {
	hc, err := cfg.HubSpot()
	return err == nil && hc.Token() != ""
}

// SyncLead upserts a contact keyed by email, falling back to phone. HubSpot
// has no separate lead object in the v3 contacts model.
func (h *CRM) SyncLead(ctx context.Context, cfg veribot.TenantConfig, name, email, phone string) error {
	hc, err := cfg.HubSpot()
	if err != nil {
		return err
	}
	if email == "" && phone == "" {
		return nil
	}

	props := map[string]string{}
	first, last := splitName(name)
	if first != "" {
		props["firstname"] = first
	}
	if last != "" {
		props["lastname"] = last
	}
	if email != "" {
		props["email"] = email
	}
	if phone != "" {
		props["phone"] = phone
	}

	id, err := h.findContact(ctx, hc, email, phone)
	if err != nil {
		return err
	}
	if id != "" {
		return h.send(ctx, hc, http.MethodPatch, "/crm/v3/objects/contacts/"+id,
			map[string]any{"properties": props}, nil)
	}
	return h.send(ctx, hc, http.MethodPost, "/crm/v3/objects/contacts",
		map[string]any{"properties": props}, nil)
}

// SyncContact upserts a contact record.
func (h *CRM) SyncContact(ctx context.Context, cfg veribot.TenantConfig, contact veribot.Sender) error {
	return h.SyncLead(ctx, cfg, contact.Name, contact.Email, contact.Phone)
}

// UpdateLeadSummary locates the contact and attaches the summary as a note.
// The markdown summary body is rendered to HTML, which is what the notes API
// expects.
func (h *CRM) UpdateLeadSummary(ctx context.Context, cfg veribot.TenantConfig, email, phone string, s veribot.Summary) error {
	hc, err := cfg.HubSpot()
	if err != nil {
		return err
	}
	if email == "" && phone == "" {
		return nil
	}

	id, err := h.findContact(ctx, hc, email, phone)
	if err != nil {
		return err
	}
	if id == "" {
		if err := h.SyncLead(ctx, cfg, s.ContactInfo.Name, email, phone); err != nil {
			return err
		}
		if id, err = h.findContact(ctx, hc, email, phone); err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("hubspot: contact not found after upsert")
		}
	}

	body, err := h.renderNote(s)
	if err != nil {
		return err
	}
	note := map[string]any{
		"properties": map[string]string{
			"hs_timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
			"hs_note_body": body,
		},
		"associations": []map[string]any{{
			"to": map[string]string{"id": id},
			"types": []map[string]any{{
				"associationCategory": "HUBSPOT_DEFINED",
				"associationTypeId":   noteToContactAssociation,
			}},
		}},
	}
	return h.send(ctx, hc, http.MethodPost, "/crm/v3/objects/notes", note, nil)
}

// renderNote builds the note body: markdown summary converted to HTML.
func (h *CRM) renderNote(s veribot.Summary) (string, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "**Conversation summary** (%s – %s)\n\n", s.ConversationStart, s.ConversationEnd)
	md.WriteString(s.AISummary)
	fmt.Fprintf(&md, "\n\n- Purchase intent: %s\n- Urgency: %s\n- Sentiment: %s\n",
		s.PurchaseIntent, s.UrgencyLevel, s.SentimentScore)
	if s.DetectedBudget != nil {
		fmt.Fprintf(&md, "- Detected budget: %.2f\n", *s.DetectedBudget)
	}
	if s.ClientDescription != "" {
		fmt.Fprintf(&md, "- Client: %s\n", s.ClientDescription)
	}

	var html bytes.Buffer
	if err := h.md.Convert([]byte(md.String()), &html); err != nil {
		return "", fmt.Errorf("hubspot: render note: %w", err)
	}
	return html.String(), nil
}

// findContact searches by email, then phone.
func (h *CRM) findContact(ctx context.Context, hc veribot.HubSpotConfig, email, phone string) (string, error) {
	if email != "" {
		if id, err := h.search(ctx, hc, "email", email); err != nil || id != "" {
			return id, err
		}
	}
	if phone != "" {
		return h.search(ctx, hc, "phone", phone)
	}
	return "", nil
}

func (h *CRM) search(ctx context.Context, hc veribot.HubSpotConfig, property, value string) (string, error) {
	body := map[string]any{
		"filterGroups": []map[string]any{{
			"filters": []map[string]string{{
				"propertyName": property,
				"operator":     "EQ",
				"value":        value,
			}},
		}},
		"limit": 1,
	}
	var parsed struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := h.send(ctx, hc, http.MethodPost, "/crm/v3/objects/contacts/search", body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Results) == 0 {
		return "", nil
	}
	return parsed.Results[0].ID, nil
}

// send issues one API call. out, when non-nil, receives the decoded response.
func (h *CRM) send(ctx context.Context, hc veribot.HubSpotConfig, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hubspot: marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("hubspot: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+hc.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("hubspot: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &veribot.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: veribot.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("hubspot: decode response: %w", err)
		}
	}
	return nil
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
