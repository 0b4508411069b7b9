// Package knowledge exposes the tenant's document store to the agent as a
// search tool.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veridata/veribot"
)

// ToolName is the function name the model calls.
const ToolName = "search_knowledge_base"

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "The search query, phrased as the information need"
		}
	},
	"required": ["query"]
}`)

// Tool implements veribot.Tool over Engine.Query, scoped to one tenant's
// conversation. Each lookup runs the full pipeline: contextualization against
// the session history, cache lookup, retrieval, and answer generation.
type Tool struct {
	engine    *veribot.Engine
	tenantID  string
	sessionID string
}

var _ veribot.Tool = (*Tool)(nil)

// New creates a knowledge search tool bound to one tenant's documents and the
// current chat session. sessionID may be empty for a conversation's first
// turn; the pipeline then skips contextualization.
func New(engine *veribot.Engine, tenantID, sessionID string) *Tool {
	return &Tool{engine: engine, tenantID: tenantID, sessionID: sessionID}
}

// Definitions returns the tool declaration.
func (t *Tool) Definitions() []veribot.ToolDefinition {
	return []veribot.ToolDefinition{{
		Name:        ToolName,
		Description: "Search the knowledge base for information relevant to the user's question. Use this whenever the user asks about products, services, policies, or any factual topic.",
		Parameters:  searchSchema,
	}}
}

// Execute runs one pipeline query and returns the grounded answer. The
// orchestrator owns transcript persistence, so the pipeline is told to skip
// its own.
func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (veribot.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return veribot.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if params.Query == "" {
		return veribot.ToolResult{Error: "query is required"}, nil
	}

	result, err := t.engine.Query(ctx, veribot.QueryRequest{
		TenantID:    t.tenantID,
		Query:       params.Query,
		SessionID:   t.sessionID,
		SkipPersist: true,
	})
	if err != nil {
		return veribot.ToolResult{}, fmt.Errorf("knowledge search: %w", err)
	}
	answer := strings.TrimSpace(result.Answer)
	if answer == "" {
		return veribot.ToolResult{Content: "No relevant information found in the knowledge base."}, nil
	}
	return veribot.ToolResult{Content: answer}, nil
}
