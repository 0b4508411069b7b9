// Package openaicompat implements veribot.Provider for any OpenAI-compatible
// chat completions API (OpenAI, OpenRouter, Groq, Together, DeepSeek,
// Mistral, Ollama, vLLM, Azure OpenAI, ...), plus the embeddings and audio
// transcription endpoints.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/veridata/veribot"
)

// Provider implements veribot.Provider against an OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string

	transcriptionModel string
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported by Name() (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithTranscriptionModel sets the model used by TranscribeAudio
// (default "whisper-1").
func WithTranscriptionModel(model string) ProviderOption {
	return func(p *Provider) { p.transcriptionModel = model }
}

var (
	_ veribot.Provider         = (*Provider)(nil)
	_ veribot.AudioTranscriber = (*Provider)(nil)
)

// NewProvider creates an OpenAI-compatible chat provider. baseURL is the API
// base (e.g. "https://api.openai.com/v1"); endpoint paths are appended.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              model,
		baseURL:            baseURL,
		client:             &http.Client{Timeout: 60 * time.Second},
		name:               "openai",
		transcriptionModel: "whisper-1",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Complete sends a single-prompt request and returns the raw text.
func (p *Provider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.Chat(ctx, veribot.ChatRequest{
		Messages: []veribot.ChatMessage{veribot.UserMessage(prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req veribot.ChatRequest) (veribot.ChatResponse, error) {
	return p.doRequest(ctx, buildBody(req.Messages, req.Tools, p.model))
}

// ChatWithTools sends a chat request with tool definitions.
func (p *Provider) ChatWithTools(ctx context.Context, req veribot.ChatRequest, tools []veribot.ToolDefinition) (veribot.ChatResponse, error) {
	return p.doRequest(ctx, buildBody(req.Messages, tools, p.model))
}

// TranscribeAudio posts the audio to the transcriptions endpoint.
func (p *Provider) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "audio"+extensionFor(mimeType))
	if err != nil {
		return "", p.errLLM("build transcription form: " + err.Error())
	}
	if _, err := part.Write(data); err != nil {
		return "", p.errLLM("write transcription form: " + err.Error())
	}
	if err := w.WriteField("model", p.transcriptionModel); err != nil {
		return "", p.errLLM("write transcription form: " + err.Error())
	}
	if err := w.Close(); err != nil {
		return "", p.errLLM("close transcription form: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", p.errLLM("create transcription request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", p.errLLM("transcription request failed: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", p.httpErr(resp)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", p.errLLM("decode transcription response: " + err.Error())
	}
	return parsed.Text, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".bin"
	}
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body chatRequest) (veribot.ChatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return veribot.ChatResponse{}, p.errLLM(fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return veribot.ChatResponse{}, p.errLLM(fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return veribot.ChatResponse{}, p.errLLM(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return veribot.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return veribot.ChatResponse{}, p.errLLM(fmt.Sprintf("decode response: %v", err))
	}
	return parseResponse(chatResp)
}

func (p *Provider) errLLM(msg string) error {
	return &veribot.ErrLLM{Provider: p.name, Message: msg}
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &veribot.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: veribot.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// --- Embedding provider ---

// Embedding implements veribot.EmbeddingProvider against the /embeddings
// endpoint.
type Embedding struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
	name    string
}

var _ veribot.EmbeddingProvider = (*Embedding)(nil)

// NewEmbedding creates an OpenAI-compatible embedding provider.
func NewEmbedding(apiKey, model, baseURL string, dims int) *Embedding {
	return &Embedding{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
		name:    "openai",
	}
}

// Name returns the provider name.
func (e *Embedding) Name() string { return e.name }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

// Embed embeds all texts in one batch request.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := map[string]any{
		"model": e.model,
		"input": texts,
	}
	if e.dims > 0 {
		body["dimensions"] = e.dims
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &veribot.ErrLLM{Provider: e.name, Message: "marshal embed request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, &veribot.ErrLLM{Provider: e.name, Message: "create embed request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &veribot.ErrLLM{Provider: e.name, Message: "embed request failed: " + err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &veribot.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: veribot.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &veribot.ErrLLM{Provider: e.name, Message: "decode embed response: " + err.Error()}
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, &veribot.ErrLLM{Provider: e.name, Message: fmt.Sprintf("missing embedding for input %d", i)}
		}
	}
	return out, nil
}
