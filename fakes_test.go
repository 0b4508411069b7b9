package veribot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Shared fakes for orchestrator, engine, agent, and summarizer tests.

type fakeProvider struct {
	mu       sync.Mutex
	name     string
	prompts  []string
	chatReqs []ChatRequest
	toolDefs [][]ToolDefinition

	// completeFn, when set, answers Complete calls; otherwise completes is
	// consumed as a FIFO queue.
	completeFn  func(prompt string) (string, error)
	completes   []string
	completeErr error

	// chatResponses is consumed one per ChatWithTools call.
	chatResponses []ChatResponse
	chatErr       error
}

func (p *fakeProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.completeErr != nil {
		return "", p.completeErr
	}
	if p.completeFn != nil {
		return p.completeFn(prompt)
	}
	if len(p.completes) == 0 {
		return "", fmt.Errorf("fakeProvider: no scripted completion")
	}
	out := p.completes[0]
	p.completes = p.completes[1:]
	return out, nil
}

func (p *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.ChatWithTools(ctx, req, nil)
}

func (p *fakeProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatReqs = append(p.chatReqs, req)
	p.toolDefs = append(p.toolDefs, tools)
	if p.chatErr != nil {
		return ChatResponse{}, p.chatErr
	}
	if len(p.chatResponses) == 0 {
		return ChatResponse{}, fmt.Errorf("fakeProvider: no scripted chat response")
	}
	out := p.chatResponses[0]
	p.chatResponses = p.chatResponses[1:]
	return out, nil
}

type fakeTranscriber struct {
	fakeProvider
	transcript    string
	transcribeErr error
	audio         [][]byte
}

func (p *fakeTranscriber) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	p.audio = append(p.audio, data)
	if p.transcribeErr != nil {
		return "", p.transcribeErr
	}
	return p.transcript, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	dims  int
	texts []string
	err   error
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, texts...)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int {
	if e.dims == 0 {
		return 2
	}
	return e.dims
}

func (e *fakeEmbedder) Name() string { return "fake-embed" }

// testRegistry routes every step to the given provider.
func testRegistry(p Provider, emb EmbeddingProvider) *Registry {
	steps := make(map[string]StepRoute)
	for _, step := range []string{
		StepContextualize, StepHyDE, StepRerank, StepGeneration,
		StepSmallTalk, StepTranscription, StepImageDescription, StepSummarization,
	} {
		steps[step] = StepRoute{Provider: "fake"}
	}
	reg := NewRegistry(LLMConfig{DefaultModel: "test-model", Steps: steps})
	reg.Register("fake", func(model string) (Provider, error) { return p, nil })
	if emb != nil {
		reg.SetEmbedder(emb)
	}
	return reg
}

type fakeTenants struct {
	tenant  Tenant
	cfg     TenantConfig
	byKey   map[string]string // channel+"/"+key -> tenant id
	cfgErr  error
	keyErr  error
	tenErr  error
}

func (f *fakeTenants) ResolveTenant(ctx context.Context, channel, key string) (Tenant, error) {
	if f.keyErr != nil {
		return Tenant{}, f.keyErr
	}
	if f.byKey != nil {
		if _, ok := f.byKey[channel+"/"+key]; !ok {
			return Tenant{}, fmt.Errorf("%s/%s: %w", channel, key, ErrUnknownTenant)
		}
	}
	return f.tenant, nil
}

func (f *fakeTenants) Tenant(ctx context.Context, tenantID string) (Tenant, error) {
	if f.tenErr != nil {
		return Tenant{}, f.tenErr
	}
	return f.tenant, nil
}

func (f *fakeTenants) Config(ctx context.Context, tenantID string) (TenantConfig, error) {
	if f.cfgErr != nil {
		return nil, f.cfgErr
	}
	if f.cfg == nil {
		return TenantConfig{}, nil
	}
	return f.cfg, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	bindings map[string]*Binding // tenantID+"/"+externalID
	paused   map[string]bool     // bindingID
	deleted  []string
	attached map[string]string
	nextID   int
}

func (f *fakeSessions) EnsureBinding(ctx context.Context, tenantID, externalID string) (Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindings == nil {
		f.bindings = make(map[string]*Binding)
	}
	key := tenantID + "/" + externalID
	if b, ok := f.bindings[key]; ok {
		out := *b
		out.Paused = f.paused[b.ID]
		if sid, ok := f.attached[b.ID]; ok && out.ChatSessionID == "" {
			out.ChatSessionID = sid
		}
		return out, nil
	}
	f.nextID++
	b := &Binding{
		ID:         fmt.Sprintf("bind-%d", f.nextID),
		TenantID:   tenantID,
		ExternalID: externalID,
		UpdatedAt:  time.Now(),
	}
	f.bindings[key] = b
	return *b, nil
}

func (f *fakeSessions) SetPaused(ctx context.Context, bindingID string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused == nil {
		f.paused = make(map[string]bool)
	}
	f.paused[bindingID] = paused
	return nil
}

func (f *fakeSessions) AttachSession(ctx context.Context, bindingID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = make(map[string]string)
	}
	f.attached[bindingID] = sessionID
	return nil
}

func (f *fakeSessions) DeleteBinding(ctx context.Context, bindingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, bindingID)
	return nil
}

type fakeQuota struct {
	mu       sync.Mutex
	admitErr error
	admitted int
}

func (f *fakeQuota) Admit(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return f.admitErr
	}
	f.admitted++
	return nil
}

func (f *fakeQuota) Usage(ctx context.Context, tenantID string) (int, int, error) {
	return f.admitted, 0, nil
}

func (f *fakeQuota) ResetUsage(ctx context.Context, tenantID string) error {
	f.admitted = 0
	return nil
}

type insertedChunk struct {
	tenantID, filename, content string
	embedding                   []float32
}

type fakeDocs struct {
	mu        sync.Mutex
	hits      []Hit
	searchErr error
	inserted  []insertedChunk
	insertErr error
	deleted   []string
	searches  int
	lastK     int
	lastQuery string
}

func (f *fakeDocs) InsertChunk(ctx context.Context, tenantID, filename, content string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, insertedChunk{tenantID, filename, content, embedding})
	return nil
}

func (f *fakeDocs) HybridSearch(ctx context.Context, tenantID string, queryVec []float32, queryText string, k int) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	f.lastK = k
	f.lastQuery = queryText
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeDocs) DeleteDocument(ctx context.Context, tenantID, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, filename)
	return nil
}

func (f *fakeDocs) ListDocuments(ctx context.Context, tenantID string) ([]string, error) {
	return nil, nil
}

type fakeMemory struct {
	mu       sync.Mutex
	messages map[string][]Message
	appends  []Message
	histErr  error
	purged   []string
	created  int
}

func (f *fakeMemory) CreateSession(ctx context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("sess-%d", f.created), nil
}

func (f *fakeMemory) Append(ctx context.Context, sessionID, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Now()}
	if f.messages == nil {
		f.messages = make(map[string][]Message)
	}
	f.messages[sessionID] = append(f.messages[sessionID], m)
	f.appends = append(f.appends, m)
	return nil
}

func (f *fakeMemory) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	msgs := f.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeMemory) PurgeSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, sessionID)
	delete(f.messages, sessionID)
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	answer   string
	hit      bool
	lookups  int
	stored   []string
}

func (f *fakeCache) Lookup(ctx context.Context, tenantID string, embedding []float32, threshold float64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.answer, f.hit, nil
}

func (f *fakeCache) Store(ctx context.Context, tenantID, query, answer string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, query)
	return nil
}

type fakeChannel struct {
	mu       sync.Mutex
	name     string
	sent     []string
	statuses []string
	sendErr  error
}

func (c *fakeChannel) Name() string {
	if c.name == "" {
		return "fakechan"
	}
	return c.name
}

func (c *fakeChannel) SendText(ctx context.Context, cfg TenantConfig, externalID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) SetStatus(ctx context.Context, cfg TenantConfig, externalID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return nil
}

type fakeCRM struct {
	mu         sync.Mutex
	name       string
	configured bool
	leads      []string
	contacts   []Sender
	summaries  []Summary
	err        error
}

func (c *fakeCRM) Name() string { return c.name }

func (c *fakeCRM) Configured(cfg TenantConfig) bool { return c.configured }

func (c *fakeCRM) SyncLead(ctx context.Context, cfg TenantConfig, name, email, phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.leads = append(c.leads, name)
	return nil
}

func (c *fakeCRM) SyncContact(ctx context.Context, cfg TenantConfig, contact Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.contacts = append(c.contacts, contact)
	return nil
}

func (c *fakeCRM) UpdateLeadSummary(ctx context.Context, cfg TenantConfig, email, phone string, s Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.summaries = append(c.summaries, s)
	return nil
}

// fakeTool answers every call with a fixed result.
type fakeTool struct {
	defs    []ToolDefinition
	result  ToolResult
	err     error
	calls   []json.RawMessage
}

func (t *fakeTool) Definitions() []ToolDefinition { return t.defs }

func (t *fakeTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t.calls = append(t.calls, args)
	if t.err != nil {
		return ToolResult{}, t.err
	}
	return t.result, nil
}

func rawCfg(key, val string) TenantConfig {
	return TenantConfig{key: json.RawMessage(val)}
}
