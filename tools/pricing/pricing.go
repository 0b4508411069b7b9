// Package pricing serves the tenant's configured price list to the agent.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veridata/veribot"
)

// ToolName is the function name the model calls.
const ToolName = "lookup_pricing"

var lookupSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"item": {
			"type": "string",
			"description": "Optional product or service name to filter by"
		}
	}
}`)

// Tool implements veribot.Tool over the tenant's price list.
type Tool struct {
	items []veribot.PricingItem
}

var _ veribot.Tool = (*Tool)(nil)

// New creates a pricing tool from the tenant's client config.
func New(items []veribot.PricingItem) *Tool {
	return &Tool{items: items}
}

// Definitions returns the tool declaration.
func (t *Tool) Definitions() []veribot.ToolDefinition {
	return []veribot.ToolDefinition{{
		Name:        ToolName,
		Description: "Look up prices for products and services. Optionally filter by item name.",
		Parameters:  lookupSchema,
	}}
}

// Execute returns matching price list rows, or the full list when no filter
// is given.
func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (veribot.ToolResult, error) {
	var params struct {
		Item string `json:"item"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return veribot.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
		}
	}

	matches := t.items
	if params.Item != "" {
		needle := strings.ToLower(params.Item)
		matches = nil
		for _, it := range t.items {
			if strings.Contains(strings.ToLower(it.Name), needle) ||
				strings.Contains(strings.ToLower(it.Description), needle) {
				matches = append(matches, it)
			}
		}
	}
	if len(matches) == 0 {
		return veribot.ToolResult{Content: "No pricing information available for that item."}, nil
	}

	var b strings.Builder
	for i, it := range matches {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", it.Name, it.Price)
		if it.Description != "" {
			fmt.Fprintf(&b, " (%s)", it.Description)
		}
	}
	return veribot.ToolResult{Content: b.String()}, nil
}
