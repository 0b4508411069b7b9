package veribot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// summaryTimeLayout renders conversation_start/conversation_end.
const summaryTimeLayout = "02/01/2006 15:04"

// Summarizer turns a closed conversation's transcript into a structured CRM
// summary and fans it out to every configured adapter. Summarization degrades
// instead of failing: a bad model response yields a neutral summary carrying
// the raw text.
type Summarizer struct {
	registry *Registry
	memory   ChatMemory
	crms     []CRM
	logger   *slog.Logger
	tracer   Tracer
	now      func() time.Time
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// SummarizerLogger sets the structured logger.
func SummarizerLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = l }
}

// SummarizerTracer sets the tracer.
func SummarizerTracer(t Tracer) SummarizerOption {
	return func(s *Summarizer) { s.tracer = t }
}

// SummarizerClock replaces the wall clock, for tests.
func SummarizerClock(now func() time.Time) SummarizerOption {
	return func(s *Summarizer) { s.now = now }
}

// NewSummarizer creates a summarizer fanning out to the given CRM adapters.
func NewSummarizer(reg *Registry, memory ChatMemory, crms []CRM, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		registry: reg,
		memory:   memory,
		crms:     crms,
		logger:   nopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize produces the structured summary for a session. start is the
// channel-reported conversation start; when zero, the first transcript
// message's timestamp is used.
func (s *Summarizer) Summarize(ctx context.Context, cfg TenantConfig, sessionID string, start time.Time) (Summary, error) {
	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "summarizer.summarize", StringAttr("session_id", sessionID))
		defer span.End()
	}

	history, err := s.memory.History(ctx, sessionID, 0)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: history: %w", sessionID, err)
	}
	if len(history) == 0 {
		s.logger.Warn("no history for session", "session_id", sessionID)
		return s.degraded("No history available.", start, start), nil
	}
	if start.IsZero() {
		start = history[0].CreatedAt
	}
	end := s.now()

	p, err := s.registry.For(StepSummarization, cfg)
	if err != nil {
		return s.degraded("Summarization unavailable: "+err.Error(), start, end), nil
	}
	out, err := p.Complete(ctx, renderSummaryPrompt(formatHistory(history)))
	if err != nil {
		s.logger.Error("summarization call failed", "session_id", sessionID, "error", err)
		return s.degraded("Error: "+err.Error(), start, end), nil
	}

	var summary Summary
	if err := json.Unmarshal([]byte(stripCodeFence(out)), &summary); err != nil {
		s.logger.Error("summary JSON decode failed", "session_id", sessionID, "error", err)
		return s.degraded(out, start, end), nil
	}
	summary.ConversationStart = start.Format(summaryTimeLayout)
	summary.ConversationEnd = end.Format(summaryTimeLayout)
	return summary, nil
}

// SummarizeAndSync summarizes the session and delivers the result to each
// configured CRM concurrently. Adapter failures are isolated; the first
// history-fetch error is the only failure that propagates.
func (s *Summarizer) SummarizeAndSync(ctx context.Context, cfg TenantConfig, sessionID string, start time.Time) error {
	summary, err := s.Summarize(ctx, cfg, sessionID, start)
	if err != nil {
		return err
	}

	email := summary.ContactInfo.Email
	phone := summary.ContactInfo.Phone

	var wg sync.WaitGroup
	for _, crm := range s.crms {
		if !crm.Configured(cfg) {
			continue
		}
		wg.Add(1)
		go func(crm CRM) {
			defer wg.Done()
			if err := crm.UpdateLeadSummary(ctx, cfg, email, phone, summary); err != nil {
				s.logger.Error("summary sync failed",
					"crm", crm.Name(), "session_id", sessionID, "error", err)
				return
			}
			s.logger.Info("summary synced", "crm", crm.Name(), "session_id", sessionID)
		}(crm)
	}
	wg.Wait()
	return nil
}

// degraded builds the fallback summary shape used on any summarization
// failure.
func (s *Summarizer) degraded(text string, start, end time.Time) Summary {
	sum := Summary{
		PurchaseIntent: "None",
		UrgencyLevel:   "Low",
		SentimentScore: "Neutral",
		AISummary:      text,
	}
	if !start.IsZero() {
		sum.ConversationStart = start.Format(summaryTimeLayout)
	}
	if !end.IsZero() {
		sum.ConversationEnd = end.Format(summaryTimeLayout)
	}
	return sum
}
