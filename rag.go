package veribot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Engine is the retrieval-augmented generation pipeline: ingestion (chunk,
// embed, index) and querying (contextualize, HyDE, hybrid retrieval, rerank,
// answer). Providers are resolved per step through the Registry so tenants
// can route cheap models to query rewriting and a stronger model to answers.
type Engine struct {
	registry *Registry
	tenants  TenantRegistry
	docs     DocumentStore
	memory   ChatMemory
	cache    QueryCache

	chunker      Chunker
	topK         int
	historyLimit int
	defaultHyDE  bool
	defaultRank  bool

	logger *slog.Logger
	tracer Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineLogger sets the structured logger.
func EngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// EngineTracer sets the tracer for pipeline spans.
func EngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// EngineTopK sets the post-rerank result count (default: 5).
func EngineTopK(k int) EngineOption {
	return func(e *Engine) { e.topK = k }
}

// EngineHistoryLimit caps the history turns fed to contextualization and
// answer prompts (default: 10).
func EngineHistoryLimit(n int) EngineOption {
	return func(e *Engine) { e.historyLimit = n }
}

// EngineChunker replaces the default sentence splitter.
func EngineChunker(c Chunker) EngineOption {
	return func(e *Engine) { e.chunker = c }
}

// EngineQueryCache enables the semantic answer cache. The cache is consulted
// only for tenants whose rag config sets cache_threshold > 0.
func EngineQueryCache(qc QueryCache) EngineOption {
	return func(e *Engine) { e.cache = qc }
}

// EngineDefaults sets the deployment defaults for HyDE and reranking, used
// when a tenant's rag config leaves them unset.
func EngineDefaults(useHyDE, useRerank bool) EngineOption {
	return func(e *Engine) {
		e.defaultHyDE = useHyDE
		e.defaultRank = useRerank
	}
}

// NewEngine creates a RAG engine over the given registry and stores.
func NewEngine(reg *Registry, tenants TenantRegistry, docs DocumentStore, memory ChatMemory, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:     reg,
		tenants:      tenants,
		docs:         docs,
		memory:       memory,
		chunker:      NewSentenceSplitter(),
		topK:         5,
		historyLimit: 10,
		defaultHyDE:  false,
		defaultRank:  true,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Ingestion ---

// IngestDocument chunks, embeds, and indexes text under (tenantID, filename).
// Re-ingesting a filename replaces its chunks. An embedding batch failure
// aborts the file; a single chunk insert failure is logged and the remaining
// chunks proceed.
func (e *Engine) IngestDocument(ctx context.Context, tenantID, filename, text string) error {
	ctx, span := e.startSpan(ctx, "rag.ingest",
		StringAttr("tenant_id", tenantID),
		StringAttr("filename", filename))
	defer e.endSpan(span)

	chunks := e.chunker.Chunk(text)
	if len(chunks) == 0 {
		return fmt.Errorf("ingest %s: no content", filename)
	}

	emb, err := e.registry.Embedder()
	if err != nil {
		return fmt.Errorf("ingest %s: %w", filename, err)
	}
	vecs, err := emb.Embed(ctx, chunks)
	if err != nil {
		e.spanError(span, err)
		return fmt.Errorf("ingest %s: embed: %w", filename, err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("ingest %s: embedder returned %d vectors for %d chunks", filename, len(vecs), len(chunks))
	}

	if err := e.docs.DeleteDocument(ctx, tenantID, filename); err != nil {
		return fmt.Errorf("ingest %s: delete previous: %w", filename, err)
	}

	var inserted int
	for i, c := range chunks {
		if err := e.docs.InsertChunk(ctx, tenantID, filename, c, vecs[i]); err != nil {
			e.logger.Warn("chunk insert failed, continuing",
				"tenant_id", tenantID,
				"filename", filename,
				"chunk", i,
				"error", err)
			continue
		}
		inserted++
	}
	if inserted == 0 {
		return fmt.Errorf("ingest %s: all %d chunk inserts failed", filename, len(chunks))
	}
	e.logger.Info("document ingested",
		"tenant_id", tenantID,
		"filename", filename,
		"chunks", inserted)
	return nil
}

// IngestImage describes the image with the configured vision model and
// indexes the description, prefixed so retrieval can distinguish visual
// sources.
func (e *Engine) IngestImage(ctx context.Context, tenantID string, cfg TenantConfig, filename string, data []byte, mimeType string) error {
	p, err := e.registry.For(StepImageDescription, cfg)
	if err != nil {
		return fmt.Errorf("ingest image %s: %w", filename, err)
	}
	d, ok := p.(ImageDescriber)
	if !ok {
		return fmt.Errorf("ingest image %s: provider %s cannot describe images", filename, p.Name())
	}
	desc, err := d.DescribeImage(ctx, data, mimeType, ImageDescriptionPrompt)
	if err != nil {
		return fmt.Errorf("ingest image %s: describe: %w", filename, err)
	}
	text := fmt.Sprintf("[IMAGE DESCRIPTION for %s]\n%s", filename, desc)
	return e.IngestDocument(ctx, tenantID, filename, text)
}

// DeleteDocument removes a document's chunks from the index.
func (e *Engine) DeleteDocument(ctx context.Context, tenantID, filename string) error {
	return e.docs.DeleteDocument(ctx, tenantID, filename)
}

// --- Query ---

// QueryRequest parameterizes one pipeline run.
type QueryRequest struct {
	TenantID  string
	Query     string
	SessionID string
	// SmallTalk routes to the no-retrieval branch. Set by the caller
	// (in practice the agent's intent routing).
	SmallTalk bool
	// ExternalContext is appended to the retrieved context verbatim.
	ExternalContext string
	// SkipPersist leaves ChatMemory untouched; set by callers that manage
	// the transcript themselves.
	SkipPersist bool
}

// QueryResult is the pipeline output.
type QueryResult struct {
	Answer         string
	UsedReferences bool
}

// Query runs the full pipeline: contextualize against history, optional HyDE
// expansion, hybrid retrieval with optional LLM reranking, language-aware
// answer generation, and transcript persistence.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	ctx, span := e.startSpan(ctx, "rag.query",
		StringAttr("tenant_id", req.TenantID),
		BoolAttr("small_talk", req.SmallTalk))
	defer e.endSpan(span)

	tenant, err := e.tenants.Tenant(ctx, req.TenantID)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: tenant %s: %w", req.TenantID, err)
	}
	cfg, err := e.tenants.Config(ctx, req.TenantID)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: config %s: %w", req.TenantID, err)
	}
	langInstruction := LanguageInstruction(tenant.PreferredLanguages)

	var history []Message
	if req.SessionID != "" {
		history, err = e.memory.History(ctx, req.SessionID, e.historyLimit)
		if err != nil {
			e.logger.Warn("history fetch failed, continuing without history",
				"session_id", req.SessionID, "error", err)
			history = nil
		}
	}
	historyStr := formatHistory(history)

	searchQuery := req.Query
	if len(history) > 0 {
		if rewritten, err := e.complete(ctx, StepContextualize, cfg,
			renderContextualizePrompt(historyStr, req.Query)); err != nil {
			e.logger.Warn("contextualize failed, using raw query", "error", err)
		} else if s := strings.TrimSpace(rewritten); s != "" {
			searchQuery = s
		}
	}

	var result QueryResult
	if req.SmallTalk {
		answer, err := e.complete(ctx, StepSmallTalk, cfg,
			renderSmallTalkPrompt(langInstruction, historyStr, searchQuery))
		if err != nil {
			e.spanError(span, err)
			return QueryResult{}, fmt.Errorf("query: small talk: %w", err)
		}
		result = QueryResult{Answer: strings.TrimSpace(answer)}
	} else {
		result, err = e.answerWithRetrieval(ctx, cfg, req, searchQuery, langInstruction, historyStr)
		if err != nil {
			e.spanError(span, err)
			return QueryResult{}, err
		}
	}

	if !req.SkipPersist && req.SessionID != "" {
		if err := e.memory.Append(ctx, req.SessionID, "user", req.Query); err != nil {
			e.logger.Warn("persist user turn failed", "session_id", req.SessionID, "error", err)
		} else if err := e.memory.Append(ctx, req.SessionID, "ai", result.Answer); err != nil {
			e.logger.Warn("persist ai turn failed", "session_id", req.SessionID, "error", err)
		}
	}
	return result, nil
}

func (e *Engine) answerWithRetrieval(ctx context.Context, cfg TenantConfig, req QueryRequest, searchQuery, langInstruction, historyStr string) (QueryResult, error) {
	ragCfg := cfg.RAG()

	emb, err := e.registry.Embedder()
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: %w", err)
	}

	// Cache lookup keyed on the contextualized query embedding.
	var queryVec []float32
	if e.cache != nil && ragCfg.CacheThreshold > 0 {
		vecs, err := emb.Embed(ctx, []string{searchQuery})
		if err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
			if answer, ok, err := e.cache.Lookup(ctx, req.TenantID, queryVec, ragCfg.CacheThreshold); err != nil {
				e.logger.Warn("query cache lookup failed", "error", err)
			} else if ok {
				e.logger.Debug("query cache hit", "tenant_id", req.TenantID)
				return QueryResult{Answer: answer, UsedReferences: true}, nil
			}
		}
	}

	hits, err := e.retrieve(ctx, cfg, req.TenantID, searchQuery, queryVec)
	if err != nil {
		return QueryResult{}, err
	}

	var contextStr strings.Builder
	for i, h := range hits {
		if i > 0 {
			contextStr.WriteString("\n\n")
		}
		fmt.Fprintf(&contextStr, "[%s]\n%s", h.Filename, h.Content)
	}
	if req.ExternalContext != "" {
		if contextStr.Len() > 0 {
			contextStr.WriteString("\n\n")
		}
		contextStr.WriteString(req.ExternalContext)
	}

	answer, err := e.complete(ctx, StepGeneration, cfg,
		renderRAGAnswerPrompt(langInstruction, historyStr, contextStr.String(), searchQuery))
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: generation: %w", err)
	}
	answer = strings.TrimSpace(answer)

	if e.cache != nil && ragCfg.CacheThreshold > 0 && queryVec != nil {
		if err := e.cache.Store(ctx, req.TenantID, searchQuery, answer, queryVec); err != nil {
			e.logger.Warn("query cache store failed", "error", err)
		}
	}
	return QueryResult{Answer: answer, UsedReferences: len(hits) > 0}, nil
}

// Search runs the retrieval half of the pipeline (HyDE, hybrid search,
// rerank) without answer generation. Used by the agent's knowledge tool.
func (e *Engine) Search(ctx context.Context, tenantID string, cfg TenantConfig, query string) ([]Hit, error) {
	ctx, span := e.startSpan(ctx, "rag.search", StringAttr("tenant_id", tenantID))
	defer e.endSpan(span)
	hits, err := e.retrieve(ctx, cfg, tenantID, query, nil)
	if err != nil {
		e.spanError(span, err)
	}
	return hits, err
}

// retrieve embeds the search text (HyDE passage when enabled), runs hybrid
// search, and optionally reranks against the original query. queryVec, when
// non-nil, is the precomputed embedding of searchQuery and is reused unless
// HyDE replaces the embedded text.
func (e *Engine) retrieve(ctx context.Context, cfg TenantConfig, tenantID, searchQuery string, queryVec []float32) ([]Hit, error) {
	ragCfg := cfg.RAG()
	useHyDE := boolOr(ragCfg.UseHyDE, e.defaultHyDE)
	useRerank := boolOr(ragCfg.UseRerank, e.defaultRank)

	emb, err := e.registry.Embedder()
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	// HyDE embeds the hypothetical passage; reranking below still uses the
	// original query.
	embedText := searchQuery
	if useHyDE {
		passage, err := e.complete(ctx, StepHyDE, cfg, renderHyDEPrompt(searchQuery))
		if err != nil {
			e.logger.Warn("hyde failed, embedding raw query", "error", err)
		} else if s := strings.TrimSpace(passage); s != "" {
			embedText = s
			queryVec = nil
		}
	}

	if queryVec == nil {
		vecs, err := emb.Embed(ctx, []string{embedText})
		if err != nil {
			return nil, fmt.Errorf("retrieve: embed query: %w", err)
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("retrieve: embedder returned %d vectors", len(vecs))
		}
		queryVec = vecs[0]
	}

	k := e.topK
	if useRerank {
		k = e.topK * 4
	}
	hits, err := e.docs.HybridSearch(ctx, tenantID, queryVec, searchQuery, k)
	if err != nil {
		return nil, fmt.Errorf("retrieve: hybrid search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	if useRerank {
		hits = e.rerank(ctx, cfg, searchQuery, hits)
		if len(hits) > e.topK {
			hits = hits[:e.topK]
		}
	}
	return hits, nil
}

// rerank scores each candidate 0-10 with the rerank step model and re-sorts
// descending. A failed or malformed score counts as 0. A provider resolution
// failure keeps the pre-rerank order.
func (e *Engine) rerank(ctx context.Context, cfg TenantConfig, query string, hits []Hit) []Hit {
	p, err := e.registry.For(StepRerank, cfg)
	if err != nil {
		e.logger.Warn("rerank provider unavailable, keeping pre-rerank order", "error", err)
		return hits
	}
	scored := make([]Hit, len(hits))
	copy(scored, hits)
	for i := range scored {
		out, err := p.Complete(ctx, renderRerankPrompt(query, scored[i].Content))
		if err != nil {
			e.logger.Warn("rerank call failed, scoring 0", "chunk_id", scored[i].ChunkID, "error", err)
			scored[i].Score = 0
			continue
		}
		var parsed struct {
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(stripCodeFence(out)), &parsed); err != nil {
			e.logger.Warn("rerank returned malformed JSON, scoring 0", "chunk_id", scored[i].ChunkID, "error", err)
			scored[i].Score = 0
			continue
		}
		scored[i].Score = parsed.Score
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// complete resolves the step provider and runs a single completion.
func (e *Engine) complete(ctx context.Context, step string, cfg TenantConfig, prompt string) (string, error) {
	p, err := e.registry.For(step, cfg)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx, prompt)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.Start(ctx, name, attrs...)
}

func (e *Engine) endSpan(s Span) {
	if s != nil {
		s.End()
	}
}

func (e *Engine) spanError(s Span, err error) {
	if s != nil {
		s.Error(err)
	}
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}
