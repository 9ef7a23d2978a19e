package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentfleet/internal/llm"

	"github.com/go-resty/resty/v2"
)

const DefaultBaseURL = "http://localhost:11434"

// Client is an llm.Provider for the Ollama chat API.
type Client struct {
	http  *resty.Client
	model string
	// KeepAlive is forwarded so the model stays loaded between agent cycles.
	KeepAlive string
}

func New(baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: httpClient, model: model, KeepAlive: "10m"}
}

func (c *Client) SupportsTools() bool {
	return true
}

func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	chatReq := ChatRequest{
		Model:     c.model,
		Messages:  chatMessages(req),
		Tools:     chatTools(req.Tools),
		KeepAlive: c.KeepAlive,
	}
	if req.Temperature != 0 {
		chatReq.Options = map[string]any{"temperature": req.Temperature}
	}

	var chatResp ChatResponse
	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatReq).
		Post("/api/chat")
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	// decoded by hand: some proxies drop the JSON content type
	if err := json.Unmarshal(resp.Body(), &chatResp); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	slog.Debug("ollama chat", "model", c.model, "tools", len(chatReq.Tools), "tool_calls", len(chatResp.Message.ToolCalls), "elapsed", time.Since(started))

	calls := toolCalls(chatResp.Message.ToolCalls)
	return &llm.CompletionResponse{
		Message: llm.Message{
			Role:      llm.Role(chatResp.Message.Role),
			Content:   chatResp.Message.Content,
			ToolCalls: calls,
		},
		ToolCalls:    calls,
		FinishReason: chatResp.DoneReason,
	}, nil
}

func chatMessages(req llm.CompletionRequest) []Message {
	out := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, Message{Role: string(llm.RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := Message{Role: string(m.Role), Content: m.Content}
		// tool results are matched by tool_name, not name
		if m.Role == llm.RoleTool {
			msg.ToolName = m.Name
		} else {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				Function: ToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		out = append(out, msg)
	}
	return out
}

func chatTools(tools []llm.Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters().Map(),
			},
		})
	}
	return out
}

// toolCalls normalizes arguments: some models send them as a JSON string
// holding the object.
func toolCalls(calls []ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := tc.Function.Arguments
		var encoded string
		if json.Unmarshal(args, &encoded) == nil {
			args = json.RawMessage(encoded)
		}
		out = append(out, llm.ToolCall{
			ID:       tc.ID,
			Function: llm.ToolCallFunction{Name: tc.Function.Name, Arguments: args},
		})
	}
	return out
}
