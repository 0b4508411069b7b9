package veribot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type orchFixture struct {
	orch     *Orchestrator
	tenants  *fakeTenants
	sessions *fakeSessions
	quota    *fakeQuota
	memory   *fakeMemory
	channel  *fakeChannel
	provider *fakeTranscriber
}

func newOrchFixture(t *testing.T, opts ...OrchestratorOption) *orchFixture {
	t.Helper()
	tenants := &fakeTenants{tenant: Tenant{ID: "t1", Name: "Acme"}}
	sessions := &fakeSessions{}
	quota := &fakeQuota{}
	memory := &fakeMemory{}
	channel := &fakeChannel{name: "fakechan"}
	provider := &fakeTranscriber{}
	emb := &fakeEmbedder{}
	reg := testRegistry(provider, emb)
	engine := NewEngine(reg, tenants, &fakeDocs{}, memory)

	orch := NewOrchestrator(tenants, sessions, quota, memory, engine, reg,
		[]Channel{channel}, opts...)
	return &orchFixture{
		orch:     orch,
		tenants:  tenants,
		sessions: sessions,
		quota:    quota,
		memory:   memory,
		channel:  channel,
		provider: provider,
	}
}

func textEvent(text string) InboundEvent {
	return InboundEvent{
		Channel:    "fakechan",
		TenantKey:  "key",
		ExternalID: "ext-1",
		Kind:       KindText,
		Text:       text,
	}
}

func TestRedeliveredMessageDropped(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.chatResponses = []ChatResponse{
		{Content: "first reply"},
		{Content: "second reply"},
	}

	ev := textEvent("hello")
	ev.MessageID = "msg-42"
	if err := f.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	err := f.orch.HandleEvent(context.Background(), ev)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("err = %v, want ErrIgnoredEvent for a redelivery", err)
	}
	if len(f.channel.sent) != 1 {
		t.Errorf("sent = %v, want exactly one reply", f.channel.sent)
	}
	if len(f.provider.chatReqs) != 1 {
		t.Errorf("agent runs = %d, want 1", len(f.provider.chatReqs))
	}
	if f.quota.admitted != 1 {
		t.Errorf("admitted = %d, want the replay dropped before quota", f.quota.admitted)
	}
}

func TestDistinctMessageIDsBothProcessed(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.chatResponses = []ChatResponse{
		{Content: "first reply"},
		{Content: "second reply"},
	}

	for _, id := range []string{"msg-1", "msg-2"} {
		ev := textEvent("hello")
		ev.MessageID = id
		if err := f.orch.HandleEvent(context.Background(), ev); err != nil {
			t.Fatalf("delivery %s: %v", id, err)
		}
	}
	if len(f.channel.sent) != 2 {
		t.Errorf("sent = %v, want two replies", f.channel.sent)
	}
}

func TestDedupWindowExpires(t *testing.T) {
	d := dedupCache{window: time.Minute}
	now := time.Now()
	if d.remember("k", now) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.remember("k", now.Add(30*time.Second)) {
		t.Fatal("replay within the window not detected")
	}
	if d.remember("k", now.Add(2*time.Minute)) {
		t.Fatal("entry survived past the window")
	}
}

func TestHandleEventFromUsIgnored(t *testing.T) {
	f := newOrchFixture(t)
	ev := textEvent("hello")
	ev.FromUs = true

	err := f.orch.HandleEvent(context.Background(), ev)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("err = %v, want ErrIgnoredEvent", err)
	}
	if len(f.channel.sent) != 0 {
		t.Error("reply sent for our own message")
	}
	if f.quota.admitted != 0 {
		t.Error("quota consumed for our own message")
	}
}

func TestMagicWordPause(t *testing.T) {
	f := newOrchFixture(t)

	if err := f.orch.HandleEvent(context.Background(), textEvent("  #STOP  ")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.channel.sent) != 1 || f.channel.sent[0] != pauseConfirmation {
		t.Errorf("sent = %v, want the pause confirmation", f.channel.sent)
	}
	if !f.sessions.paused["bind-1"] {
		t.Error("binding not paused")
	}
	if f.quota.admitted != 0 {
		t.Error("magic word consumed quota")
	}
}

func TestMagicWordResumeWhilePaused(t *testing.T) {
	f := newOrchFixture(t)
	// Pause first, then resume: the resume command must bypass the pause gate.
	if err := f.orch.HandleEvent(context.Background(), textEvent("#human")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.orch.HandleEvent(context.Background(), textEvent("#bot")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.sessions.paused["bind-1"] {
		t.Error("binding still paused after #bot")
	}
	if len(f.channel.sent) != 2 || f.channel.sent[1] != resumeConfirmation {
		t.Errorf("sent = %v, want the resume confirmation last", f.channel.sent)
	}
}

func TestPausedConversationDropsMessages(t *testing.T) {
	f := newOrchFixture(t)
	if err := f.orch.HandleEvent(context.Background(), textEvent("#pause")); err != nil {
		t.Fatalf("pause: %v", err)
	}

	err := f.orch.HandleEvent(context.Background(), textEvent("are you there?"))
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
	if len(f.channel.sent) != 1 {
		t.Errorf("sent = %v, want only the pause confirmation", f.channel.sent)
	}
	if f.quota.admitted != 0 {
		t.Error("paused message consumed quota")
	}
}

func TestQuotaExceededDropsBeforeLLM(t *testing.T) {
	f := newOrchFixture(t)
	f.quota.admitErr = ErrQuotaExceeded

	err := f.orch.HandleEvent(context.Background(), textEvent("hello"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if len(f.provider.chatReqs) != 0 {
		t.Error("model called for an over-quota tenant")
	}
	if len(f.channel.sent) != 0 {
		t.Error("reply sent for an over-quota tenant")
	}
}

func TestUnknownTenantIgnored(t *testing.T) {
	f := newOrchFixture(t)
	f.tenants.byKey = map[string]string{} // nothing resolves

	err := f.orch.HandleEvent(context.Background(), textEvent("hello"))
	if !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("err = %v, want ErrUnknownTenant", err)
	}
}

func TestMessageTurnRepliesAndPersists(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.chatResponses = []ChatResponse{{Content: "Hi, I can help."}}

	if err := f.orch.HandleEvent(context.Background(), textEvent("hello")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.channel.sent) != 1 || f.channel.sent[0] != "Hi, I can help." {
		t.Errorf("sent = %v", f.channel.sent)
	}
	// First turn lazily creates and attaches a session.
	if f.memory.created != 1 {
		t.Errorf("sessions created = %d, want 1", f.memory.created)
	}
	if f.sessions.attached["bind-1"] != "sess-1" {
		t.Errorf("attached = %v, want bind-1 -> sess-1", f.sessions.attached)
	}
	if len(f.memory.appends) != 2 {
		t.Fatalf("appends = %d, want user + ai", len(f.memory.appends))
	}
	if f.memory.appends[0].Content != "hello" || f.memory.appends[1].Content != "Hi, I can help." {
		t.Errorf("persisted = %+v", f.memory.appends)
	}
	// Bot keeps the conversation: status stays pending.
	if len(f.channel.statuses) != 1 || f.channel.statuses[0] != StatusPending {
		t.Errorf("statuses = %v, want [pending]", f.channel.statuses)
	}
	if f.quota.admitted != 1 {
		t.Errorf("admitted = %d, want 1", f.quota.admitted)
	}
}

func TestHandoffFlipsStatusOpen(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.chatResponses = []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: HandoffToolName}}},
		{Content: "Connecting you with a colleague."},
	}

	if err := f.orch.HandleEvent(context.Background(), textEvent("I need a human")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.channel.statuses) != 1 || f.channel.statuses[0] != StatusOpen {
		t.Errorf("statuses = %v, want [open]", f.channel.statuses)
	}
}

func TestAgentFailureSendsFallbackAndOpens(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.chatErr = errors.New("model on fire")

	if err := f.orch.HandleEvent(context.Background(), textEvent("hello")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.channel.sent) != 1 || f.channel.sent[0] != fallbackAnswer {
		t.Errorf("sent = %v, want the fallback answer", f.channel.sent)
	}
	if len(f.channel.statuses) != 1 || f.channel.statuses[0] != StatusOpen {
		t.Errorf("statuses = %v, want [open] on agent failure", f.channel.statuses)
	}
}

func TestAudioTranscribedBeforeAgent(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.transcript = "what are your opening hours"
	f.provider.chatResponses = []ChatResponse{{Content: "We open at nine."}}

	ev := textEvent("")
	ev.Kind = KindAudio
	ev.Attachments = []Attachment{{FileType: "audio", MimeType: "audio/ogg", Data: []byte{1, 2, 3}}}

	if err := f.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.provider.audio) != 1 {
		t.Fatalf("transcriber called %d times, want 1", len(f.provider.audio))
	}
	if len(f.memory.appends) == 0 || f.memory.appends[0].Content != "what are your opening hours" {
		t.Errorf("user turn = %+v, want the transcript", f.memory.appends)
	}
}

func TestAudioTranscriptionFailureDropsAsEmpty(t *testing.T) {
	f := newOrchFixture(t)
	f.provider.transcribeErr = errors.New("codec error")

	ev := textEvent("")
	ev.Kind = KindAudio
	ev.Attachments = []Attachment{{FileType: "audio", MimeType: "audio/ogg", Data: []byte{1}}}

	err := f.orch.HandleEvent(context.Background(), ev)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if len(f.channel.sent) != 0 {
		t.Error("reply sent despite failed transcription")
	}
}

func TestResolutionSummarizesAndPurges(t *testing.T) {
	crm := &fakeCRM{name: "espocrm", configured: true}
	tenants := &fakeTenants{tenant: Tenant{ID: "t1", Name: "Acme"}}
	memory := &fakeMemory{messages: map[string][]Message{
		"sess-9": {
			{Role: "user", Content: "I want to buy now", CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		},
	}}
	provider := &fakeTranscriber{}
	provider.completes = []string{`{"purchase_intent":"High","urgency_level":"Urgent","sentiment_score":"Positive","ai_summary":"Ready to buy.","contact_info":{"email":"a@b.c"}}`}
	reg := testRegistry(provider, &fakeEmbedder{})
	sessions := &fakeSessions{}
	channel := &fakeChannel{name: "fakechan"}
	engine := NewEngine(reg, tenants, &fakeDocs{}, memory)
	summarizer := NewSummarizer(reg, memory, []CRM{crm})

	orch := NewOrchestrator(tenants, sessions, &fakeQuota{}, memory, engine, reg,
		[]Channel{channel}, OrchestratorSummarizer(summarizer))

	// Bind and attach the session first.
	b, _ := sessions.EnsureBinding(context.Background(), "t1", "ext-1")
	_ = sessions.AttachSession(context.Background(), b.ID, "sess-9")

	ev := InboundEvent{
		Channel: "fakechan", TenantKey: "key", ExternalID: "ext-1",
		Kind: KindStatusChange, Status: "resolved",
	}
	if err := orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(crm.summaries) != 1 {
		t.Fatalf("CRM received %d summaries, want 1", len(crm.summaries))
	}
	if crm.summaries[0].PurchaseIntent != "High" {
		t.Errorf("PurchaseIntent = %q", crm.summaries[0].PurchaseIntent)
	}
	if len(memory.purged) != 1 || memory.purged[0] != "sess-9" {
		t.Errorf("purged = %v, want [sess-9]", memory.purged)
	}
	if len(sessions.deleted) != 1 {
		t.Errorf("deleted bindings = %v, want the resolved binding", sessions.deleted)
	}
}

func TestResolutionWithoutSessionIgnored(t *testing.T) {
	f := newOrchFixture(t)
	ev := InboundEvent{
		Channel: "fakechan", TenantKey: "key", ExternalID: "ext-1",
		Kind: KindStatusChange, Status: "resolved",
	}
	err := f.orch.HandleEvent(context.Background(), ev)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("err = %v, want ErrIgnoredEvent", err)
	}
}

func TestNonResolvedStatusIgnored(t *testing.T) {
	f := newOrchFixture(t)
	ev := InboundEvent{
		Channel: "fakechan", TenantKey: "key", ExternalID: "ext-1",
		Kind: KindStatusChange, Status: "snoozed",
	}
	err := f.orch.HandleEvent(context.Background(), ev)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("err = %v, want ErrIgnoredEvent", err)
	}
}

func TestLeadSyncFansOutToConfiguredCRMs(t *testing.T) {
	configured := &fakeCRM{name: "espocrm", configured: true}
	skipped := &fakeCRM{name: "hubspot", configured: false}
	f := newOrchFixture(t, OrchestratorCRMs(configured, skipped))

	ev := InboundEvent{
		Channel: "fakechan", TenantKey: "key", ExternalID: "conv-1",
		Kind:   KindCreated,
		Sender: &Sender{Name: "Ada", Email: "ada@example.com"},
	}
	if err := f.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(configured.leads) != 1 || configured.leads[0] != "Ada" {
		t.Errorf("configured CRM leads = %v", configured.leads)
	}
	if len(skipped.leads) != 0 {
		t.Error("unconfigured CRM was called")
	}
}

func TestContactSyncFailureIsolated(t *testing.T) {
	failing := &fakeCRM{name: "espocrm", configured: true, err: errors.New("api down")}
	healthy := &fakeCRM{name: "hubspot", configured: true}
	f := newOrchFixture(t, OrchestratorCRMs(failing, healthy))

	ev := InboundEvent{
		Channel: "fakechan", TenantKey: "key",
		Kind:   KindContact,
		Sender: &Sender{Name: "Ada", Phone: "+123"},
	}
	if err := f.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(healthy.contacts) != 1 {
		t.Errorf("healthy CRM contacts = %v, want the sync despite the other failing", healthy.contacts)
	}
}

func TestSystemPromptCarriesTenantPieces(t *testing.T) {
	f := newOrchFixture(t)
	f.tenants.tenant.PreferredLanguages = []string{"pt-BR"}
	f.tenants.cfg = TenantConfig{
		"client_config": []byte(`{"custom_instructions": "Never discuss competitors."}`),
		"rag":           []byte(`{"handoff_rules": "Escalate billing disputes."}`),
	}
	f.provider.chatResponses = []ChatResponse{{Content: "olá"}}

	if err := f.orch.HandleEvent(context.Background(), textEvent("oi")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	sys := f.provider.chatReqs[0].Messages[0]
	if sys.Role != "system" {
		t.Fatalf("first message role = %q, want system", sys.Role)
	}
	for _, want := range []string{
		"Veribot 🤖", "Acme", "Brazilian Portuguese",
		"Never discuss competitors.", "Escalate billing disputes.",
	} {
		if !strings.Contains(sys.Content, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys.Content)
		}
	}
}
