package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptProvider replays responses in order and records every request.
type scriptProvider struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	requests  []CompletionRequest
	noTools   bool
	err       error
}

func (p *scriptProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.requests) > len(p.responses) {
		return &CompletionResponse{Message: Message{Role: RoleAssistant, Content: "done"}}, nil
	}
	return p.responses[len(p.requests)-1], nil
}

func (p *scriptProvider) SupportsTools() bool { return !p.noTools }

func callResponse(name, args string) *CompletionResponse {
	call := ToolCall{ID: "call_" + name, Function: ToolCallFunction{Name: name, Arguments: json.RawMessage(args)}}
	return &CompletionResponse{Message: Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}}}
}

func textResponse(content string) *CompletionResponse {
	return &CompletionResponse{Message: Message{Role: RoleAssistant, Content: content}}
}

type quoteArgs struct {
	Symbol string `json:"symbol"`
}

func quoteTool() Tool {
	return FuncTool("quote", "Latest mark price", func(ctx context.Context, a quoteArgs) (map[string]any, error) {
		if a.Symbol != "BTCUSDT" {
			return nil, errors.New("unknown symbol " + a.Symbol)
		}
		return map[string]any{"symbol": a.Symbol, "mark": 50000}, nil
	})
}

func TestCompleteWithoutToolsIsSingleCall(t *testing.T) {
	p := &scriptProvider{responses: []*CompletionResponse{textResponse("no trade")}}
	resp, err := New(p).Complete(context.Background(), "analyze", WithSystemPrompt("sys"), WithTemperature(0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "no trade" || len(p.requests) != 1 {
		t.Fatalf("expected one plain call, got %d requests", len(p.requests))
	}
	req := p.requests[0]
	if req.SystemPrompt != "sys" || req.Temperature != 0.3 || req.Messages[0].Content != "analyze" {
		t.Fatalf("options not forwarded: %+v", req)
	}
}

func TestRegisteredToolResultIsFedBack(t *testing.T) {
	p := &scriptProvider{responses: []*CompletionResponse{
		callResponse("quote", `{"symbol":"BTCUSDT"}`),
		textResponse("BTC at 50000"),
	}}
	resp, err := New(p).Complete(context.Background(), "price?", WithSystemPrompt("sys"), WithTools(quoteTool()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "BTC at 50000" {
		t.Fatalf("unexpected final content %q", resp.Message.Content)
	}
	if len(p.requests) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(p.requests))
	}
	second := p.requests[1].Messages
	if len(second) != 4 || second[0].Role != RoleSystem {
		t.Fatalf("expected system, user, assistant, tool; got %+v", second)
	}
	result := second[3]
	if result.Role != RoleTool || result.ToolCallID != "call_quote" || !strings.Contains(result.Content, `"mark":50000`) {
		t.Fatalf("unexpected tool message %+v", result)
	}
}

func TestToolFailuresAreReportedToModel(t *testing.T) {
	p := &scriptProvider{responses: []*CompletionResponse{
		{
			Message: Message{Role: RoleAssistant},
			// calls only on the response, not on the message
			ToolCalls: []ToolCall{
				{ID: "a", Function: ToolCallFunction{Name: "quote", Arguments: json.RawMessage(`{"symbol":"DOGEUSDT"}`)}},
				{ID: "b", Function: ToolCallFunction{Name: "missing", Arguments: json.RawMessage(`{}`)}},
			},
		},
		textResponse("ok"),
	}}
	if _, err := New(p).Complete(context.Background(), "price?", WithTools(quoteTool())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := p.requests[1].Messages
	assistant, failed, unknown := msgs[1], msgs[2], msgs[3]
	if len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant message must carry the calls, got %+v", assistant)
	}
	if !strings.Contains(failed.Content, "unknown symbol DOGEUSDT") {
		t.Fatalf("expected tool error content, got %q", failed.Content)
	}
	if !strings.Contains(unknown.Content, "tool not found: missing") {
		t.Fatalf("expected unknown tool content, got %q", unknown.Content)
	}
}

func TestLoopStopsAtIterationLimit(t *testing.T) {
	p := &scriptProvider{responses: []*CompletionResponse{
		callResponse("quote", `{"symbol":"BTCUSDT"}`),
		callResponse("quote", `{"symbol":"BTCUSDT"}`),
		callResponse("quote", `{"symbol":"BTCUSDT"}`),
	}}
	_, err := New(p).Complete(context.Background(), "loop", WithTools(quoteTool()), WithMaxIterations(2))
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
	if len(p.requests) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(p.requests))
	}
}

func TestCallScopedToolStopsAfterRound(t *testing.T) {
	var got string
	submit := FuncTool("submit_trade_decision", "Submit", func(a struct {
		Symbol string `json:"symbol"`
	}) error {
		got = a.Symbol
		return nil
	})
	p := &scriptProvider{responses: []*CompletionResponse{callResponse("submit_trade_decision", `{"symbol":"SOLUSDT"}`)}}

	resp, err := New(p).Complete(context.Background(), "pick", WithTools(submit), WithStopAfterTools())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "SOLUSDT" {
		t.Fatalf("tool did not run, got %q", got)
	}
	if len(p.requests) != 1 || len(resp.ToolCalls) != 1 {
		t.Fatalf("expected a single round returning the tool call, got %d requests", len(p.requests))
	}
}

func TestCallScopedToolIsNotRetained(t *testing.T) {
	p := &scriptProvider{responses: []*CompletionResponse{textResponse("a"), textResponse("b")}}
	client := New(p)
	noop := FuncTool("noop", "Nothing", func(struct{}) error { return nil })

	if _, err := client.Complete(context.Background(), "one", WithTools(quoteTool(), noop)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Complete(context.Background(), "two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(p.requests[0].Tools); n != 2 {
		t.Fatalf("first call should see 2 tools, got %d", n)
	}
	if p.requests[0].Tools[0].Name() != "noop" {
		t.Fatalf("tools should be sorted by name")
	}
	if n := len(p.requests[1].Tools); n != 0 {
		t.Fatalf("second call should see no tools, got %d", n)
	}
}

func TestProviderWithoutToolSupportGetsPlainCall(t *testing.T) {
	p := &scriptProvider{noTools: true, responses: []*CompletionResponse{callResponse("quote", `{}`)}}
	resp, err := New(p).Complete(context.Background(), "x", WithTools(quoteTool()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.requests) != 1 || len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected the raw response back without a tool loop")
	}
}

func TestProviderErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	p := &scriptProvider{err: boom}
	if _, err := New(p).Complete(context.Background(), "x", WithTools(quoteTool())); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
