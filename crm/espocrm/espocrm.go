// Package espocrm implements the veribot.CRM interface against the EspoCRM
// REST API. Leads are upserted by email or phone; conversation summaries
// become Notes parented to the lead.
package espocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veridata/veribot"
)

// CRM implements veribot.CRM for EspoCRM.
type CRM struct {
	client *http.Client
}

// Option configures the adapter.
type Option func(*CRM)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *CRM) { e.client = c }
}

var _ veribot.CRM = (*CRM)(nil)

// New creates an EspoCRM adapter. Credentials come from tenant config per
// call.
func New(opts ...Option) *CRM {
	e := &CRM{client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the adapter name.
func (e *CRM) Name() string { return "espocrm" }

// Configured reports whether the tenant carries an "espocrm" bag.
func (e *CRM) Configured(cfg veribot.TenantConfig) bool {
	return cfg.Has("espocrm")
}

// SyncLead upserts a Lead keyed by email, falling back to phone.
func (e *CRM) SyncLead(ctx context.Context, cfg veribot.TenantConfig, name, email, phone string) error {
	ec, err := cfg.EspoCRM()
	if err != nil {
		return err
	}
	if email == "" && phone == "" {
		return nil
	}

	id, err := e.findLead(ctx, ec, email, phone)
	if err != nil {
		return err
	}

	first, last := splitName(name)
	fields := map[string]any{}
	if first != "" {
		fields["firstName"] = first
	}
	if last != "" {
		fields["lastName"] = last
	}
	if email != "" {
		fields["emailAddress"] = email
	}
	if phone != "" {
		fields["phoneNumber"] = phone
	}

	if id != "" {
		return e.send(ctx, ec, http.MethodPut, "/api/v1/Lead/"+id, fields, nil)
	}
	if fields["lastName"] == nil {
		// EspoCRM requires lastName on create.
		fields["lastName"] = firstNonEmpty(name, email, phone)
	}
	return e.send(ctx, ec, http.MethodPost, "/api/v1/Lead", fields, nil)
}

// SyncContact upserts a Contact record.
func (e *CRM) SyncContact(ctx context.Context, cfg veribot.TenantConfig, contact veribot.Sender) error {
	ec, err := cfg.EspoCRM()
	if err != nil {
		return err
	}
	if contact.Email == "" && contact.Phone == "" {
		return nil
	}

	id, err := e.findEntity(ctx, ec, "Contact", contact.Email, contact.Phone)
	if err != nil {
		return err
	}

	first, last := splitName(contact.Name)
	fields := map[string]any{}
	if first != "" {
		fields["firstName"] = first
	}
	if last != "" {
		fields["lastName"] = last
	}
	if contact.Email != "" {
		fields["emailAddress"] = contact.Email
	}
	if contact.Phone != "" {
		fields["phoneNumber"] = contact.Phone
	}

	if id != "" {
		return e.send(ctx, ec, http.MethodPut, "/api/v1/Contact/"+id, fields, nil)
	}
	if fields["lastName"] == nil {
		fields["lastName"] = firstNonEmpty(contact.Name, contact.Email, contact.Phone)
	}
	return e.send(ctx, ec, http.MethodPost, "/api/v1/Contact", fields, nil)
}

// UpdateLeadSummary locates the lead and attaches the summary as a Note. The
// lead record's description is updated with the AI summary as well.
func (e *CRM) UpdateLeadSummary(ctx context.Context, cfg veribot.TenantConfig, email, phone string, s veribot.Summary) error {
	ec, err := cfg.EspoCRM()
	if err != nil {
		return err
	}
	if email == "" && phone == "" {
		return nil
	}

	id, err := e.findLead(ctx, ec, email, phone)
	if err != nil {
		return err
	}
	if id == "" {
		if err := e.SyncLead(ctx, cfg, s.ContactInfo.Name, email, phone); err != nil {
			return err
		}
		if id, err = e.findLead(ctx, ec, email, phone); err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("espocrm: lead not found after upsert")
		}
	}

	if s.AISummary != "" {
		if err := e.send(ctx, ec, http.MethodPut, "/api/v1/Lead/"+id,
			map[string]any{"description": s.AISummary}, nil); err != nil {
			return err
		}
	}
	note := map[string]any{
		"type":       "Post",
		"parentType": "Lead",
		"parentId":   id,
		"post":       formatNote(s),
	}
	return e.send(ctx, ec, http.MethodPost, "/api/v1/Note", note, nil)
}

// formatNote renders the summary as the note body.
func formatNote(s veribot.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation summary (%s – %s)\n\n", s.ConversationStart, s.ConversationEnd)
	b.WriteString(s.AISummary)
	fmt.Fprintf(&b, "\n\nPurchase intent: %s\nUrgency: %s\nSentiment: %s",
		s.PurchaseIntent, s.UrgencyLevel, s.SentimentScore)
	if s.DetectedBudget != nil {
		fmt.Fprintf(&b, "\nDetected budget: %.2f", *s.DetectedBudget)
	}
	if s.ClientDescription != "" {
		fmt.Fprintf(&b, "\nClient: %s", s.ClientDescription)
	}
	return b.String()
}

func (e *CRM) findLead(ctx context.Context, ec veribot.EspoCRMConfig, email, phone string) (string, error) {
	return e.findEntity(ctx, ec, "Lead", email, phone)
}

// findEntity searches an entity type by email address, then phone number.
func (e *CRM) findEntity(ctx context.Context, ec veribot.EspoCRMConfig, entity, email, phone string) (string, error) {
	if email != "" {
		if id, err := e.search(ctx, ec, entity, "emailAddress", email); err != nil || id != "" {
			return id, err
		}
	}
	if phone != "" {
		return e.search(ctx, ec, entity, "phoneNumber", phone)
	}
	return "", nil
}

func (e *CRM) search(ctx context.Context, ec veribot.EspoCRMConfig, entity, attribute, value string) (string, error) {
	q := url.Values{}
	q.Set("maxSize", "1")
	q.Set("where[0][type]", "equals")
	q.Set("where[0][attribute]", attribute)
	q.Set("where[0][value]", value)

	var parsed struct {
		List []struct {
			ID string `json:"id"`
		} `json:"list"`
	}
	err := e.send(ctx, ec, http.MethodGet, "/api/v1/"+entity+"?"+q.Encode(), nil, &parsed)
	if err != nil {
		return "", err
	}
	if len(parsed.List) == 0 {
		return "", nil
	}
	return parsed.List[0].ID, nil
}

// send issues one API call. out, when non-nil, receives the decoded response.
func (e *CRM) send(ctx context.Context, ec veribot.EspoCRMConfig, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("espocrm: marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(ec.BaseURL, "/")+path, rd)
	if err != nil {
		return fmt.Errorf("espocrm: create request: %w", err)
	}
	req.Header.Set("X-Api-Key", ec.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("espocrm: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &veribot.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("espocrm: decode response: %w", err)
		}
	}
	return nil
}

// splitName divides a display name into first and last parts.
func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
