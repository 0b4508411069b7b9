package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veridata/veribot"
)

func TestBuildBodyRoles(t *testing.T) {
	msgs := []veribot.ChatMessage{
		veribot.SystemMessage("sys"),
		veribot.UserMessage("question"),
		{Role: "assistant", ToolCalls: []veribot.ToolCall{
			{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)},
		}},
		veribot.ToolResultMessage("c1", "result text"),
	}
	body := buildBody(msgs, nil, "gpt-4o-mini")
	if body.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", body.Model)
	}
	if len(body.Messages) != 4 {
		t.Fatalf("got %d messages", len(body.Messages))
	}
	asst := body.Messages[2]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Type != "function" {
		t.Fatalf("assistant tool calls = %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Name != "lookup" || asst.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Errorf("function = %+v", asst.ToolCalls[0].Function)
	}
	tool := body.Messages[3]
	if tool.Role != "tool" || tool.ToolCallID != "c1" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestBuildBodyImagesBecomeDataURLs(t *testing.T) {
	msgs := []veribot.ChatMessage{{
		Role:    "user",
		Content: "describe this",
		Images:  []veribot.ImageData{{MimeType: "image/png", Base64: "aGVsbG8="}},
	}}
	body := buildBody(msgs, nil, "m")
	parts, ok := body.Messages[0].Content.([]contentPart)
	if !ok {
		t.Fatalf("Content = %T, want content parts", body.Messages[0].Content)
	}
	if len(parts) != 2 || parts[0].Type != "text" {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].ImageURL.URL != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("image URL = %q", parts[1].ImageURL.URL)
	}
}

func TestBuildBodyTools(t *testing.T) {
	tools := []veribot.ToolDefinition{{
		Name:        "search",
		Description: "find things",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}
	body := buildBody(nil, tools, "m")
	if len(body.Tools) != 1 || body.Tools[0].Type != "function" {
		t.Fatalf("Tools = %+v", body.Tools)
	}
	if body.Tools[0].Function.Name != "search" {
		t.Errorf("Function = %+v", body.Tools[0].Function)
	}
}

func TestParseResponseNoChoices(t *testing.T) {
	_, err := parseResponse(chatResponse{})
	var llmErr *veribot.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %v, want *ErrLLM", err)
	}
}

func TestChatRoundTrip(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "hi",
					"tool_calls": []map[string]any{{
						"id":   "c9",
						"type": "function",
						"function": map[string]string{
							"name":      "search",
							"arguments": `{"query":"refunds"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	p := NewProvider("key", "gpt-4o-mini", srv.URL, WithHTTPClient(srv.Client()))
	resp, err := p.Chat(context.Background(), veribot.ChatRequest{
		Messages: []veribot.ChatMessage{veribot.UserMessage("q")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotAuth != "Bearer key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Errorf("request model = %q", gotBody.Model)
	}
	if resp.Content != "hi" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Args) != `{"query":"refunds"}` {
		t.Errorf("Args = %s", resp.ToolCalls[0].Args)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestChatHTTPErrorCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewProvider("key", "m", srv.URL, WithHTTPClient(srv.Client()))
	_, err := p.Complete(context.Background(), "q")
	var httpErr *veribot.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *ErrHTTP", err)
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.RetryAfter.Seconds() != 17 {
		t.Errorf("ErrHTTP = %+v", httpErr)
	}
}

func TestTranscribeAudio(t *testing.T) {
	var gotFilename, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotModel = r.FormValue("model")
		if fhs := r.MultipartForm.File["file"]; len(fhs) == 1 {
			gotFilename = fhs[0].Filename
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	p := NewProvider("key", "m", srv.URL, WithHTTPClient(srv.Client()))
	text, err := p.TranscribeAudio(context.Background(), []byte{1, 2, 3}, "audio/ogg")
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if gotFilename != "audio.ogg" {
		t.Errorf("filename = %q, want extension from the mime type", gotFilename)
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q, want the whisper default", gotModel)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct{ mime, want string }{
		{"audio/ogg", ".ogg"},
		{"audio/mpeg", ".mp3"},
		{"audio/wav", ".wav"},
		{"audio/mp4", ".m4a"},
		{"application/octet-stream", ".bin"},
	}
	for _, tt := range tests {
		if got := extensionFor(tt.mime); got != tt.want {
			t.Errorf("extensionFor(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestEmbedBatchOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 {
			t.Errorf("input = %v", req.Input)
		}
		if req.Dimensions != 1536 {
			t.Errorf("dimensions = %d", req.Dimensions)
		}
		// Deliberately out of order; the client must reorder by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{2}},
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer srv.Close()

	e := NewEmbedding("key", "text-embedding-3-small", srv.URL, 1536)
	e.client = srv.Client()
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vectors out of order: %v", vecs)
	}
}

func TestEmbedMissingIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedding("key", "m", srv.URL, 0)
	e.client = srv.Client()
	_, err := e.Embed(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "missing embedding") {
		t.Fatalf("err = %v, want missing-embedding error", err)
	}
}
