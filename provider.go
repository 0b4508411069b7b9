package veribot

import "context"

// Logical LLM steps. The Registry routes each step to a (provider, model)
// pair, so tenants can run cheap models for query rewriting and a stronger
// model for answer generation.
const (
	StepContextualize    = "contextualize"
	StepHyDE             = "hyde"
	StepRerank           = "rerank"
	StepGeneration       = "generation"
	StepSmallTalk        = "small_talk"
	StepTranscription    = "transcription"
	StepImageDescription = "image_description"
	StepSummarization    = "summarization"
)

// Provider abstracts the LLM backend.
type Provider interface {
	// Complete sends a single-prompt request and returns raw text. Used by
	// the pipeline steps (contextualize, hyde, rerank, summarization).
	Complete(ctx context.Context, prompt string) (string, error)
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions, returns response (may contain tool calls).
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "openai").
	Name() string
}

// AudioTranscriber is implemented by providers that can turn speech into text.
type AudioTranscriber interface {
	// TranscribeAudio returns the transcript of the given audio bytes.
	TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error)
}

// ImageDescriber is implemented by providers that can describe image content.
type ImageDescriber interface {
	// DescribeImage returns a textual description of the given image bytes.
	DescribeImage(ctx context.Context, data []byte, mimeType, prompt string) (string, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
