package espocrm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veridata/veribot"
)

type call struct {
	method, path, query string
	body                map[string]any
}

// crmServer records every API call and answers searches from ids.
func crmServer(t *testing.T, searchIDs map[string]string) (*httptest.Server, *[]call) {
	t.Helper()
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&c.body)
		}
		calls = append(calls, c)
		if r.Method == http.MethodGet {
			value := r.URL.Query().Get("where[0][value]")
			if id, ok := searchIDs[value]; ok {
				_ = json.NewEncoder(w).Encode(map[string]any{"list": []map[string]string{{"id": id}}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"list": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "created"})
	}))
	return srv, &calls
}

func espoConfig(baseURL string) veribot.TenantConfig {
	return veribot.TenantConfig{"espocrm": json.RawMessage(`{
		"base_url": "` + baseURL + `", "api_key": "espo-key"
	}`)}
}

func TestSyncLeadCreatesWhenMissing(t *testing.T) {
	srv, calls := crmServer(t, nil)
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	err := crm.SyncLead(context.Background(), espoConfig(srv.URL), "Ada Lovelace", "ada@example.com", "+123")
	if err != nil {
		t.Fatalf("SyncLead: %v", err)
	}
	last := (*calls)[len(*calls)-1]
	if last.method != http.MethodPost || last.path != "/api/v1/Lead" {
		t.Fatalf("last call = %s %s, want POST /api/v1/Lead", last.method, last.path)
	}
	if last.body["firstName"] != "Ada" || last.body["lastName"] != "Lovelace" {
		t.Errorf("name fields = %v", last.body)
	}
	if last.body["emailAddress"] != "ada@example.com" || last.body["phoneNumber"] != "+123" {
		t.Errorf("contact fields = %v", last.body)
	}
}

func TestSyncLeadUpdatesExisting(t *testing.T) {
	srv, calls := crmServer(t, map[string]string{"ada@example.com": "lead-7"})
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	err := crm.SyncLead(context.Background(), espoConfig(srv.URL), "Ada", "ada@example.com", "")
	if err != nil {
		t.Fatalf("SyncLead: %v", err)
	}
	last := (*calls)[len(*calls)-1]
	if last.method != http.MethodPut || last.path != "/api/v1/Lead/lead-7" {
		t.Fatalf("last call = %s %s, want PUT to the existing lead", last.method, last.path)
	}
}

func TestSyncLeadPhoneFallbackSearch(t *testing.T) {
	srv, calls := crmServer(t, map[string]string{"+123": "lead-9"})
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	err := crm.SyncLead(context.Background(), espoConfig(srv.URL), "Ada", "ada@example.com", "+123")
	if err != nil {
		t.Fatalf("SyncLead: %v", err)
	}
	// Email search misses, phone search hits, then PUT.
	var searches int
	for _, c := range *calls {
		if c.method == http.MethodGet {
			searches++
		}
	}
	if searches != 2 {
		t.Errorf("got %d searches, want email then phone", searches)
	}
	last := (*calls)[len(*calls)-1]
	if last.path != "/api/v1/Lead/lead-9" {
		t.Errorf("last call path = %s", last.path)
	}
}

func TestSyncLeadNoIdentifiersIsNoop(t *testing.T) {
	srv, calls := crmServer(t, nil)
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	if err := crm.SyncLead(context.Background(), espoConfig(srv.URL), "Ada", "", ""); err != nil {
		t.Fatalf("SyncLead: %v", err)
	}
	if len(*calls) != 0 {
		t.Errorf("made %d API calls for a contact with no identifiers", len(*calls))
	}
}

func TestSyncLeadSingleWordNameBecomesLastName(t *testing.T) {
	srv, calls := crmServer(t, nil)
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	if err := crm.SyncLead(context.Background(), espoConfig(srv.URL), "Ada", "ada@example.com", ""); err != nil {
		t.Fatalf("SyncLead: %v", err)
	}
	last := (*calls)[len(*calls)-1]
	if last.body["lastName"] != "Ada" {
		t.Errorf("lastName = %v, want the single-word name", last.body["lastName"])
	}
	if _, ok := last.body["firstName"]; ok {
		t.Errorf("firstName set for a single-word name: %v", last.body)
	}
}

func TestSyncContactTargetsContactEntity(t *testing.T) {
	srv, calls := crmServer(t, nil)
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	err := crm.SyncContact(context.Background(), espoConfig(srv.URL),
		veribot.Sender{Name: "Ada Lovelace", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("SyncContact: %v", err)
	}
	last := (*calls)[len(*calls)-1]
	if last.path != "/api/v1/Contact" {
		t.Errorf("last call path = %s, want the Contact entity", last.path)
	}
}

func TestUpdateLeadSummaryWritesDescriptionAndNote(t *testing.T) {
	srv, calls := crmServer(t, map[string]string{"ada@example.com": "lead-7"})
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	s := veribot.Summary{
		PurchaseIntent:    "High",
		UrgencyLevel:      "Urgent",
		SentimentScore:    "Positive",
		AISummary:         "Wants 50 seats.",
		ConversationStart: "01/03/2026 09:30",
		ConversationEnd:   "01/03/2026 10:45",
	}
	err := crm.UpdateLeadSummary(context.Background(), espoConfig(srv.URL), "ada@example.com", "", s)
	if err != nil {
		t.Fatalf("UpdateLeadSummary: %v", err)
	}

	var putDesc, postNote *call
	for i := range *calls {
		c := &(*calls)[i]
		switch {
		case c.method == http.MethodPut && c.path == "/api/v1/Lead/lead-7":
			putDesc = c
		case c.method == http.MethodPost && c.path == "/api/v1/Note":
			postNote = c
		}
	}
	if putDesc == nil || putDesc.body["description"] != "Wants 50 seats." {
		t.Errorf("lead description not updated: %+v", putDesc)
	}
	if postNote == nil {
		t.Fatal("no Note created")
	}
	if postNote.body["parentType"] != "Lead" || postNote.body["parentId"] != "lead-7" {
		t.Errorf("note parent = %v", postNote.body)
	}
	post, _ := postNote.body["post"].(string)
	for _, want := range []string{"Wants 50 seats.", "Purchase intent: High", "01/03/2026 09:30"} {
		if !strings.Contains(post, want) {
			t.Errorf("note body missing %q:\n%s", want, post)
		}
	}
}

func TestUpdateLeadSummaryCreatesMissingLead(t *testing.T) {
	// Searches miss until the lead is created, then resolve to the new id.
	var calls []call
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{method: r.Method, path: r.URL.Path}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		calls = append(calls, c)
		switch {
		case r.Method == http.MethodGet && created:
			_ = json.NewEncoder(w).Encode(map[string]any{"list": []map[string]string{{"id": "lead-new"}}})
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"list": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/Lead":
			created = true
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "lead-new"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "x"})
		}
	}))
	defer srv.Close()
	crm := New(WithHTTPClient(srv.Client()))

	s := veribot.Summary{AISummary: "text", ContactInfo: veribot.ContactInfo{Name: "Ada"}}
	err := crm.UpdateLeadSummary(context.Background(), espoConfig(srv.URL), "new@example.com", "", s)
	if err != nil {
		t.Fatalf("UpdateLeadSummary: %v", err)
	}
	last := calls[len(calls)-1]
	if last.path != "/api/v1/Note" || last.body["parentId"] != "lead-new" {
		t.Errorf("note = %+v, want attached to the freshly created lead", last)
	}
}

func TestConfigured(t *testing.T) {
	crm := New()
	if crm.Configured(veribot.TenantConfig{}) {
		t.Error("Configured = true with no bag")
	}
	if !crm.Configured(espoConfig("https://crm.example.com")) {
		t.Error("Configured = false with an espocrm bag")
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in, first, last string
	}{
		{"", "", ""},
		{"Ada", "", "Ada"},
		{"Ada Lovelace", "Ada", "Lovelace"},
		{"Ada King Lovelace", "Ada", "King Lovelace"},
	}
	for _, tt := range tests {
		first, last := splitName(tt.in)
		if first != tt.first || last != tt.last {
			t.Errorf("splitName(%q) = %q, %q, want %q, %q", tt.in, first, last, tt.first, tt.last)
		}
	}
}
