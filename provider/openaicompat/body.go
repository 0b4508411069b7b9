package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/veridata/veribot"
)

// Wire types for the chat completions protocol.

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string      `json:"type"`
	Function wireToolDef `json:"function"`
}

type wireToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// buildBody converts provider-neutral messages into the chat completions
// payload. Tool calls round-trip through the API's function-call shape;
// images become data-URL content parts.
func buildBody(messages []veribot.ChatMessage, tools []veribot.ToolDefinition, model string) chatRequest {
	body := chatRequest{Model: model}

	for _, m := range messages {
		switch m.Role {
		case "assistant":
			wm := wireMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireFunction{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			body.Messages = append(body.Messages, wm)
		case "tool":
			body.Messages = append(body.Messages, wireMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			if len(m.Images) > 0 {
				parts := make([]contentPart, 0, len(m.Images)+1)
				if m.Content != "" {
					parts = append(parts, contentPart{Type: "text", Text: m.Content})
				}
				for _, img := range m.Images {
					parts = append(parts, contentPart{
						Type: "image_url",
						ImageURL: &imageURLPart{
							URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
						},
					})
				}
				body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: parts})
				continue
			}
			body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
		}
	}

	for _, t := range tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// parseResponse converts a decoded wire response into the neutral form.
func parseResponse(resp chatResponse) (veribot.ChatResponse, error) {
	out := veribot.ChatResponse{
		Usage: veribot.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out, &veribot.ErrLLM{Provider: "openai", Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, veribot.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}
