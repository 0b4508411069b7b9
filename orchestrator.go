package veribot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Magic-word commands. Matched case-insensitively against the trimmed message
// text, before pause and quota gating.
var (
	pauseWords  = map[string]bool{"#stop": true, "#human": true, "#humano": true, "#parar": true, "#pause": true}
	resumeWords = map[string]bool{"#bot": true, "#start": true, "#iniciar": true, "#resume": true, "#auto": true}
)

const (
	pauseConfirmation  = "⏸️ Bot paused. Human agent can now take over."
	resumeConfirmation = "🤖 Bot active. I am back!"

	// fallbackAnswer is sent when the agent fails; the conversation is
	// handed to a human in the same turn.
	fallbackAnswer = "I apologize, but I encountered an internal error."
)

// ToolsFunc builds the tool registry for one agent turn. sessionID is the
// conversation's chat session, empty on the first turn. Wired by the
// application so the root package stays free of tool implementations.
type ToolsFunc func(tenant Tenant, cfg TenantConfig, sessionID string) *ToolRegistry

// dedupWindow is how long processed message ids are remembered. Channels
// redeliver within minutes; anything older is a new message.
const dedupWindow = 10 * time.Minute

// Orchestrator drives the per-message pipeline: normalize, gate, transcribe,
// run the agent, reply, and persist. One instance serves all tenants and
// channels.
type Orchestrator struct {
	tenants  TenantRegistry
	sessions SessionStore
	quota    QuotaGuard
	memory   ChatMemory
	engine   *Engine
	registry *Registry

	channels map[string]Channel
	crms     []CRM
	summarizer *Summarizer
	toolsFor   ToolsFunc

	historyLimit int
	agentMaxIter int
	logger       *slog.Logger
	tracer       Tracer

	// convLocks serializes concurrent turns of the same conversation so
	// memory writes do not interleave.
	convLocks keyedMutex

	// dedup drops redelivered webhook events by message id.
	dedup dedupCache
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// OrchestratorLogger sets the structured logger.
func OrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// OrchestratorTracer sets the tracer.
func OrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// OrchestratorHistoryLimit caps the transcript turns fed to the agent
// (default: 10).
func OrchestratorHistoryLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// OrchestratorAgentMaxIter sets the agent iteration budget (default: 6).
func OrchestratorAgentMaxIter(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.agentMaxIter = n }
}

// OrchestratorTools sets the per-turn tool builder.
func OrchestratorTools(f ToolsFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.toolsFor = f }
}

// OrchestratorSummarizer sets the summarizer used on conversation close.
func OrchestratorSummarizer(s *Summarizer) OrchestratorOption {
	return func(o *Orchestrator) { o.summarizer = s }
}

// OrchestratorCRMs sets the adapters for lead and contact sync events.
func OrchestratorCRMs(crms ...CRM) OrchestratorOption {
	return func(o *Orchestrator) { o.crms = crms }
}

// NewOrchestrator creates an orchestrator. Channels are keyed by their Name.
func NewOrchestrator(
	tenants TenantRegistry,
	sessions SessionStore,
	quota QuotaGuard,
	memory ChatMemory,
	engine *Engine,
	registry *Registry,
	channels []Channel,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		tenants:      tenants,
		sessions:     sessions,
		quota:        quota,
		memory:       memory,
		engine:       engine,
		registry:     registry,
		channels:     make(map[string]Channel, len(channels)),
		historyLimit: 10,
		agentMaxIter: defaultAgentMaxIter,
		logger:       nopLogger,
		dedup:        dedupCache{window: dedupWindow},
	}
	for _, c := range channels {
		o.channels[c.Name()] = c
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleEvent dispatches a normalized inbound event. The returned error is
// either a non-error disposition (see Ignorable) or a genuine failure the
// transport should surface.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev InboundEvent) error {
	if ev.FromUs {
		// Loop prevention: never react to our own messages.
		return fmt.Errorf("event from us: %w", ErrIgnoredEvent)
	}
	// Channels redeliver webhooks they consider unacknowledged; a replayed
	// message id must not produce a second agent run and reply.
	if ev.MessageID != "" {
		key := ev.Channel + "/" + ev.TenantKey + "/" + ev.MessageID
		if o.dedup.remember(key, time.Now()) {
			return fmt.Errorf("message %s already delivered: %w", ev.MessageID, ErrIgnoredEvent)
		}
	}
	switch ev.Kind {
	case KindText, KindAudio:
		return o.handleMessage(ctx, ev)
	case KindStatusChange:
		if ev.Status == "resolved" {
			return o.HandleResolution(ctx, ev)
		}
		return fmt.Errorf("status %q: %w", ev.Status, ErrIgnoredEvent)
	case KindContact:
		return o.HandleContactSync(ctx, ev)
	case KindCreated:
		return o.HandleLeadSync(ctx, ev)
	default:
		return fmt.Errorf("kind %s: %w", ev.Kind, ErrIgnoredEvent)
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, ev InboundEvent) error {
	ctx, span := o.startSpan(ctx, "orchestrator.message",
		StringAttr("channel", ev.Channel),
		StringAttr("kind", ev.Kind.String()))
	defer endSpan(span)

	tenant, err := o.tenants.ResolveTenant(ctx, ev.Channel, ev.TenantKey)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", ev.Channel, ev.TenantKey, err)
	}
	cfg, err := o.tenants.Config(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("config %s: %w", tenant.ID, err)
	}
	ch, ok := o.channels[ev.Channel]
	if !ok {
		return fmt.Errorf("channel %q not registered: %w", ev.Channel, ErrIgnoredEvent)
	}

	unlock := o.convLocks.lock(tenant.ID + "/" + ev.ExternalID)
	defer unlock()

	binding, err := o.sessions.EnsureBinding(ctx, tenant.ID, ev.ExternalID)
	if err != nil {
		return fmt.Errorf("binding %s/%s: %w", tenant.ID, ev.ExternalID, err)
	}

	text := strings.TrimSpace(ev.Text)

	// Magic words run before pause and quota gating.
	switch {
	case pauseWords[strings.ToLower(text)]:
		if err := o.sessions.SetPaused(ctx, binding.ID, true); err != nil {
			return fmt.Errorf("pause binding %s: %w", binding.ID, err)
		}
		o.logger.Info("conversation paused by command", "tenant_id", tenant.ID, "external_id", ev.ExternalID)
		return ch.SendText(ctx, cfg, ev.ExternalID, pauseConfirmation)
	case resumeWords[strings.ToLower(text)]:
		if err := o.sessions.SetPaused(ctx, binding.ID, false); err != nil {
			return fmt.Errorf("resume binding %s: %w", binding.ID, err)
		}
		o.logger.Info("conversation resumed by command", "tenant_id", tenant.ID, "external_id", ev.ExternalID)
		return ch.SendText(ctx, cfg, ev.ExternalID, resumeConfirmation)
	}

	if binding.Paused {
		return fmt.Errorf("binding %s: %w", binding.ID, ErrPaused)
	}
	if err := o.quota.Admit(ctx, tenant.ID); err != nil {
		return fmt.Errorf("tenant %s: %w", tenant.ID, err)
	}

	if ev.Kind == KindAudio && text == "" {
		text = o.transcribe(ctx, cfg, ev.Attachments)
	}
	if text == "" {
		return fmt.Errorf("tenant %s: %w", tenant.ID, ErrEmptyMessage)
	}

	var history []Message
	if binding.ChatSessionID != "" {
		history, err = o.memory.History(ctx, binding.ChatSessionID, o.historyLimit)
		if err != nil {
			o.logger.Warn("history fetch failed, running without history",
				"session_id", binding.ChatSessionID, "error", err)
			history = nil
		}
	}

	answer, requiresHuman := o.runAgent(ctx, tenant, cfg, binding.ChatSessionID, history, text)

	// The chat session is created lazily on the first successful turn.
	sessionID := binding.ChatSessionID
	if sessionID == "" {
		sessionID, err = o.memory.CreateSession(ctx, tenant.ID)
		if err != nil {
			o.logger.Error("session create failed, turn will not be persisted", "tenant_id", tenant.ID, "error", err)
			sessionID = ""
		} else if err := o.sessions.AttachSession(ctx, binding.ID, sessionID); err != nil {
			o.logger.Error("attach session failed", "binding_id", binding.ID, "error", err)
		}
	}
	if sessionID != "" {
		if err := o.memory.Append(ctx, sessionID, "user", text); err != nil {
			o.logger.Warn("persist user turn failed", "session_id", sessionID, "error", err)
		} else if err := o.memory.Append(ctx, sessionID, "ai", answer); err != nil {
			o.logger.Warn("persist ai turn failed", "session_id", sessionID, "error", err)
		}
	}

	if err := ch.SendText(ctx, cfg, ev.ExternalID, answer); err != nil {
		return fmt.Errorf("send reply %s/%s: %w", ev.Channel, ev.ExternalID, err)
	}

	status := StatusPending
	if requiresHuman {
		status = StatusOpen
	}
	if err := ch.SetStatus(ctx, cfg, ev.ExternalID, status); err != nil {
		// The user already has the reply; a failed status flip is logged,
		// not propagated.
		o.logger.Warn("status transition failed",
			"channel", ev.Channel, "external_id", ev.ExternalID, "status", status, "error", err)
	}
	return nil
}

// runAgent executes one agent turn. Every failure path still yields a
// user-visible answer; agent failure flips the handoff flag.
func (o *Orchestrator) runAgent(ctx context.Context, tenant Tenant, cfg TenantConfig, sessionID string, history []Message, text string) (answer string, requiresHuman bool) {
	provider, err := o.registry.For(StepGeneration, cfg)
	if err != nil {
		o.logger.Error("generation provider unavailable", "tenant_id", tenant.ID, "error", err)
		return fallbackAnswer, true
	}
	tools := NewToolRegistry()
	if o.toolsFor != nil {
		tools = o.toolsFor(tenant, cfg, sessionID)
	}
	agent := NewAgent(provider, tools, o.systemPrompt(tenant, cfg),
		AgentMaxIter(o.agentMaxIter),
		AgentLogger(o.logger),
		AgentTracer(o.tracer))

	result, err := agent.Run(ctx, history, text)
	if err != nil {
		o.logger.Error("agent run failed", "tenant_id", tenant.ID, "error", err)
		return fallbackAnswer, true
	}
	return result.Answer, result.RequiresHuman
}

// systemPrompt assembles the agent instructions from the assistant identity,
// the tenant's language preferences, custom instructions, and handoff rules.
func (o *Orchestrator) systemPrompt(tenant Tenant, cfg TenantConfig) string {
	var b strings.Builder
	b.WriteString("You are Veribot 🤖, an AI assistant for ")
	b.WriteString(tenant.Name)
	b.WriteString(".\n")
	b.WriteString("Answer using the search_knowledge_base tool for factual questions about documents. ")
	b.WriteString("Use lookup_pricing for price questions. ")
	b.WriteString("Call transfer_to_human when the user asks for a human or you cannot help.\n")
	b.WriteString(LanguageInstruction(tenant.PreferredLanguages))
	client := cfg.Client()
	if client.CustomInstructions != "" {
		b.WriteString("\n")
		b.WriteString(client.CustomInstructions)
	}
	if rules := cfg.RAG().HandoffRules; rules != "" {
		b.WriteString("\nHandoff rules: ")
		b.WriteString(rules)
	}
	return b.String()
}

// transcribe turns audio attachments into text. Any failure yields an empty
// transcript, which the caller treats as an empty message.
func (o *Orchestrator) transcribe(ctx context.Context, cfg TenantConfig, atts []Attachment) string {
	p, err := o.registry.For(StepTranscription, cfg)
	if err != nil {
		o.logger.Warn("transcription provider unavailable", "error", err)
		return ""
	}
	t, ok := p.(AudioTranscriber)
	if !ok {
		o.logger.Warn("provider cannot transcribe audio", "provider", p.Name())
		return ""
	}
	var parts []string
	for _, a := range atts {
		if a.FileType != "audio" || len(a.Data) == 0 {
			continue
		}
		txt, err := t.TranscribeAudio(ctx, a.Data, a.MimeType)
		if err != nil {
			o.logger.Warn("transcription failed", "mime", a.MimeType, "error", err)
			continue
		}
		if s := strings.TrimSpace(txt); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// HandleResolution runs the conversation-close path: summarize the bound
// session, fan out to CRMs, then purge the session and the binding.
func (o *Orchestrator) HandleResolution(ctx context.Context, ev InboundEvent) error {
	ctx, span := o.startSpan(ctx, "orchestrator.resolution", StringAttr("channel", ev.Channel))
	defer endSpan(span)

	tenant, err := o.tenants.ResolveTenant(ctx, ev.Channel, ev.TenantKey)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", ev.Channel, ev.TenantKey, err)
	}
	cfg, err := o.tenants.Config(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("config %s: %w", tenant.ID, err)
	}

	unlock := o.convLocks.lock(tenant.ID + "/" + ev.ExternalID)
	defer unlock()

	binding, err := o.sessions.EnsureBinding(ctx, tenant.ID, ev.ExternalID)
	if err != nil {
		return fmt.Errorf("binding %s/%s: %w", tenant.ID, ev.ExternalID, err)
	}
	if binding.ChatSessionID == "" {
		return fmt.Errorf("binding %s has no session: %w", binding.ID, ErrIgnoredEvent)
	}

	if o.summarizer != nil {
		start := time.Unix(ev.ConversationCreatedAt, 0)
		if ev.ConversationCreatedAt == 0 {
			start = time.Time{}
		}
		if err := o.summarizer.SummarizeAndSync(ctx, cfg, binding.ChatSessionID, start); err != nil {
			// Summary failure must not block the purge.
			o.logger.Error("summarize and sync failed", "session_id", binding.ChatSessionID, "error", err)
		}
	}

	if err := o.memory.PurgeSession(ctx, binding.ChatSessionID); err != nil {
		return fmt.Errorf("purge session %s: %w", binding.ChatSessionID, err)
	}
	if err := o.sessions.DeleteBinding(ctx, binding.ID); err != nil {
		return fmt.Errorf("delete binding %s: %w", binding.ID, err)
	}
	o.logger.Info("conversation resolved and purged",
		"tenant_id", tenant.ID, "external_id", ev.ExternalID)
	return nil
}

// HandleLeadSync fans a new conversation's contact out to every configured
// CRM as a lead.
func (o *Orchestrator) HandleLeadSync(ctx context.Context, ev InboundEvent) error {
	if ev.Sender == nil {
		return fmt.Errorf("no sender: %w", ErrIgnoredEvent)
	}
	return o.fanOutCRM(ctx, ev, "lead sync", func(ctx context.Context, crm CRM, cfg TenantConfig) error {
		return crm.SyncLead(ctx, cfg, ev.Sender.Name, ev.Sender.Email, ev.Sender.Phone)
	})
}

// HandleContactSync fans a contact create/update out to every configured CRM.
func (o *Orchestrator) HandleContactSync(ctx context.Context, ev InboundEvent) error {
	if ev.Sender == nil {
		return fmt.Errorf("no sender: %w", ErrIgnoredEvent)
	}
	return o.fanOutCRM(ctx, ev, "contact sync", func(ctx context.Context, crm CRM, cfg TenantConfig) error {
		return crm.SyncContact(ctx, cfg, *ev.Sender)
	})
}

// fanOutCRM runs op against each configured adapter concurrently with
// per-adapter error isolation.
func (o *Orchestrator) fanOutCRM(ctx context.Context, ev InboundEvent, what string, op func(context.Context, CRM, TenantConfig) error) error {
	tenant, err := o.tenants.ResolveTenant(ctx, ev.Channel, ev.TenantKey)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", ev.Channel, ev.TenantKey, err)
	}
	cfg, err := o.tenants.Config(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("config %s: %w", tenant.ID, err)
	}
	var wg sync.WaitGroup
	for _, crm := range o.crms {
		if !crm.Configured(cfg) {
			continue
		}
		wg.Add(1)
		go func(crm CRM) {
			defer wg.Done()
			if err := op(ctx, crm, cfg); err != nil {
				o.logger.Error(what+" failed", "crm", crm.Name(), "tenant_id", tenant.ID, "error", err)
			}
		}(crm)
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.Start(ctx, name, attrs...)
}

func endSpan(s Span) {
	if s != nil {
		s.End()
	}
}

// dedupCache is a TTL set of processed message keys. Expired entries are
// pruned on insert, so the map stays bounded by the delivery rate within one
// window.
type dedupCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// remember records key and reports whether it was already present within the
// window.
func (d *dedupCache) remember(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]time.Time)
	}
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = now
	return false
}

// keyedMutex serializes work per string key. Entries are reference counted so
// the map does not grow with conversation count.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
