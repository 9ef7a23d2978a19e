package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

const defaultMaxIterations = 10

// ErrMaxIterations is returned when the model keeps calling tools past the
// iteration budget.
var ErrMaxIterations = errors.New("llm: tool loop iteration limit reached")

// Client runs the tool-calling loop on top of a Provider. Tools are scoped
// to a single call, so one Client is shared by every agent.
type Client struct {
	provider Provider
}

func New(provider Provider) *Client {
	return &Client{provider: provider}
}

func (c *Client) Complete(ctx context.Context, prompt string, opts ...CompletionOption) (*CompletionResponse, error) {
	req := CompletionRequest{
		Messages:      []Message{{Role: RoleUser, Content: prompt}},
		MaxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(&req)
	}

	byName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		byName[t.Name()] = t
	}
	req.Tools = sortedTools(byName)
	if len(req.Tools) == 0 || !c.provider.SupportsTools() {
		return c.provider.Complete(ctx, req)
	}
	return c.loop(ctx, req, byName)
}

func sortedTools(byName map[string]Tool) []Tool {
	out := make([]Tool, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

type CompletionOption func(*CompletionRequest)

func WithSystemPrompt(prompt string) CompletionOption {
	return func(req *CompletionRequest) { req.SystemPrompt = prompt }
}

func WithTemperature(temp float64) CompletionOption {
	return func(req *CompletionRequest) { req.Temperature = temp }
}

func WithMaxIterations(n int) CompletionOption {
	return func(req *CompletionRequest) { req.MaxIterations = n }
}

// WithTools offers tools for this call. A later tool replaces an earlier one
// with the same name.
func WithTools(tools ...Tool) CompletionOption {
	return func(req *CompletionRequest) { req.Tools = append(req.Tools, tools...) }
}

// WithStopAfterTools ends the loop as soon as one round of tool calls has
// run, returning the response that requested them.
func WithStopAfterTools() CompletionOption {
	return func(req *CompletionRequest) { req.StopAfterTools = true }
}

func (c *Client) loop(ctx context.Context, req CompletionRequest, tools map[string]Tool) (*CompletionResponse, error) {
	history := make([]Message, 0, len(req.Messages)+4)
	if req.SystemPrompt != "" {
		history = append(history, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	history = append(history, req.Messages...)

	for round := 1; round <= req.MaxIterations; round++ {
		resp, err := c.provider.Complete(ctx, CompletionRequest{
			Messages:    history,
			Tools:       req.Tools,
			Temperature: req.Temperature,
		})
		if err != nil {
			return nil, err
		}
		calls := resp.ToolCalls
		if len(calls) == 0 {
			calls = resp.Message.ToolCalls
		}
		if len(calls) == 0 {
			return resp, nil
		}
		resp.ToolCalls = calls
		resp.Message.ToolCalls = calls
		slog.Debug("llm tool round", "round", round, "calls", len(calls))

		history = append(history, resp.Message)
		for _, call := range calls {
			history = append(history, runTool(ctx, tools, call))
		}
		if req.StopAfterTools {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("%w (%d)", ErrMaxIterations, req.MaxIterations)
}

// runTool executes one call and returns the tool message fed back to the
// model. Failures are reported to the model, not to the caller.
func runTool(ctx context.Context, tools map[string]Tool, call ToolCall) Message {
	msg := Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Function.Name}
	tool, ok := tools[call.Function.Name]
	if !ok {
		slog.Warn("llm requested unknown tool", "tool", call.Function.Name)
		msg.Content = errorContent(fmt.Errorf("tool not found: %s", call.Function.Name))
		return msg
	}
	result, err := tool.Execute(ctx, call.Function.Arguments)
	if err != nil {
		msg.Content = errorContent(err)
		return msg
	}
	payload, err := json.Marshal(result)
	if err != nil {
		msg.Content = errorContent(fmt.Errorf("marshal result: %w", err))
		return msg
	}
	msg.Content = string(payload)
	return msg
}

func errorContent(err error) string {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(payload)
}
