package veribot

import (
	"context"
	"fmt"
	"log/slog"
)

const defaultAgentMaxIter = 6

// HandoffToolName is the tool the model calls to escalate to a human agent.
// The agent intercepts it instead of dispatching to the registry.
const HandoffToolName = "transfer_to_human"

// Agent runs a bounded tool-using loop over a chat provider: model call, tool
// execution, model call again, until the model produces final text or the
// iteration budget runs out.
type Agent struct {
	provider     Provider
	tools        *ToolRegistry
	systemPrompt string
	maxIter      int
	logger       *slog.Logger
	tracer       Tracer
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// AgentMaxIter sets the iteration budget (default: 6).
func AgentMaxIter(n int) AgentOption {
	return func(a *Agent) { a.maxIter = n }
}

// AgentLogger sets the structured logger.
func AgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// AgentTracer sets the tracer for run spans.
func AgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// NewAgent creates an agent over the given provider and tools.
func NewAgent(provider Provider, tools *ToolRegistry, systemPrompt string, opts ...AgentOption) *Agent {
	a := &Agent{
		provider:     provider,
		tools:        tools,
		systemPrompt: systemPrompt,
		maxIter:      defaultAgentMaxIter,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RunResult is the outcome of one agent turn.
type RunResult struct {
	Answer string
	// RequiresHuman is true iff the model called transfer_to_human at any
	// point during this turn.
	RequiresHuman bool
	Usage         Usage
}

// Run executes one conversation turn: the prior transcript plus the current
// user message. Termination is guaranteed by the iteration budget; when the
// budget is exhausted the last model text (if any) is returned.
func (a *Agent) Run(ctx context.Context, history []Message, userText string) (RunResult, error) {
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.run", IntAttr("history_len", len(history)))
		defer span.End()
	}

	msgs := make([]ChatMessage, 0, len(history)+2)
	if a.systemPrompt != "" {
		msgs = append(msgs, SystemMessage(a.systemPrompt))
	}
	for _, m := range history {
		role := m.Role
		if role == "ai" {
			role = "assistant"
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, UserMessage(userText))

	defs := a.tools.AllDefinitions()
	defs = append(defs, ToolDefinition{
		Name:        HandoffToolName,
		Description: "Transfer the conversation to a human agent. Call this when the user asks for a human or the request is beyond your capabilities.",
		Parameters:  emptyObjectSchema,
	})

	var result RunResult
	var lastText string
	for i := 0; i < a.maxIter; i++ {
		resp, err := a.provider.ChatWithTools(ctx, ChatRequest{Messages: msgs}, defs)
		if err != nil {
			return RunResult{}, fmt.Errorf("agent: model call %d: %w", i+1, err)
		}
		result.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result.Answer = resp.Content
			return result, nil
		}
		if resp.Content != "" {
			lastText = resp.Content
		}

		msgs = append(msgs, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if call.Name == HandoffToolName {
				result.RequiresHuman = true
				msgs = append(msgs, ToolResultMessage(call.ID, "Handing the conversation to a human agent."))
				continue
			}
			tr, err := a.tools.Execute(ctx, call.Name, call.Args)
			if err != nil {
				// Surface the failure to the model as a tool message
				// so it can recover or apologize.
				a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
				msgs = append(msgs, ToolResultMessage(call.ID, "tool error: "+err.Error()))
				continue
			}
			content := tr.Content
			if tr.Error != "" {
				content = "tool error: " + tr.Error
			}
			msgs = append(msgs, ToolResultMessage(call.ID, content))
		}
	}

	a.logger.Warn("agent iteration budget exhausted", "max_iter", a.maxIter)
	if lastText != "" {
		result.Answer = lastText
		return result, nil
	}
	return result, fmt.Errorf("agent: no final answer after %d iterations", a.maxIter)
}

var emptyObjectSchema = []byte(`{"type":"object","properties":{}}`)
