// Package openai adapts an OpenAI-compatible chat endpoint (OpenAI, DeepSeek,
// vLLM, LM Studio) to llm.Provider through eino.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentfleet/internal/llm"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type chatModel interface {
	model.BaseChatModel
	WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error)
}

type Client struct {
	model chatModel
	name  string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	cm, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: init chat model: %w", err)
	}
	return &Client{model: cm, name: cfg.Model}, nil
}

func (c *Client) SupportsTools() bool {
	return true
}

func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var chat model.BaseChatModel = c.model
	if len(req.Tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(req.Tools))
		for _, t := range req.Tools {
			infos = append(infos, toolInfo(t))
		}
		bound, err := c.model.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("openai: bind tools: %w", err)
		}
		chat = bound
	}

	var opts []model.Option
	if req.Temperature != 0 {
		opts = append(opts, model.WithTemperature(float32(req.Temperature)))
	}

	started := time.Now()
	out, err := chat.Generate(ctx, toMessages(req), opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: generate: %w", err)
	}

	toolCalls := make([]llm.ToolCall, 0, len(out.ToolCalls))
	for _, tc := range out.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, llm.ToolCall{
			ID: tc.ID,
			Function: llm.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	finish := ""
	if out.ResponseMeta != nil {
		finish = out.ResponseMeta.FinishReason
	}
	slog.Debug("openai chat", "model", c.name, "tools", len(req.Tools), "tool_calls", len(toolCalls), "finish_reason", finish, "elapsed", time.Since(started))

	return &llm.CompletionResponse{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			Content:   out.Content,
			ToolCalls: toolCalls,
		},
		ToolCalls:    toolCalls,
		FinishReason: finish,
	}, nil
}

func toMessages(req llm.CompletionRequest) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, schema.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg := &schema.Message{
			Role:    schema.RoleType(m.Role),
			Content: m.Content,
		}
		if m.Role == llm.RoleTool {
			msg.ToolCallID = m.ToolCallID
		} else {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}
	return messages
}

func toolInfo(t llm.Tool) *schema.ToolInfo {
	params := t.Parameters()
	props := make(map[string]*schema.ParameterInfo, len(params.Properties))
	required := make(map[string]bool, len(params.Required))
	for _, name := range params.Required {
		required[name] = true
	}
	for name, prop := range params.Properties {
		info := parameterInfo(prop)
		info.Required = required[name]
		props[name] = info
	}
	return &schema.ToolInfo{
		Name:        t.Name(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(props),
	}
}

func parameterInfo(s *llm.Schema) *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Type: schema.DataType(s.Type),
		Desc: s.Description,
		Enum: s.Enum,
	}
	if s.Items != nil {
		info.ElemInfo = parameterInfo(s.Items)
	}
	if len(s.Properties) > 0 {
		info.SubParams = make(map[string]*schema.ParameterInfo, len(s.Properties))
		required := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			required[name] = true
		}
		for name, prop := range s.Properties {
			sub := parameterInfo(prop)
			sub.Required = required[name]
			info.SubParams[name] = sub
		}
	}
	return info
}
