package ollama

import (
	"encoding/json"
	"testing"

	"agentfleet/internal/llm"
)

func TestToolResultsUseToolName(t *testing.T) {
	msgs := chatMessages(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages: []llm.Message{
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Function: llm.ToolCallFunction{Name: "submit_hold_verdict", Arguments: json.RawMessage(`{"verdict":"HOLD"}`)}}}},
			{Role: llm.RoleTool, Name: "submit_hold_verdict", Content: `{"status":"recorded"}`},
		},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	data, err := json.Marshal(msgs[2])
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if payload["tool_name"] != "submit_hold_verdict" {
		t.Fatalf("expected tool_name, got %v", payload["tool_name"])
	}
	if _, ok := payload["name"]; ok {
		t.Fatal("did not expect name on a tool result")
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Function.Name != "submit_hold_verdict" {
		t.Fatalf("assistant tool call not forwarded: %+v", msgs[1])
	}
}

func TestToolCallsAcceptObjectOrString(t *testing.T) {
	calls := toolCalls([]ToolCall{
		{Function: ToolCallFunction{Name: "a", Arguments: json.RawMessage(`{"symbol":"ETHUSDT"}`)}},
		{Function: ToolCallFunction{Name: "b", Arguments: json.RawMessage(`"{\"symbol\":\"SOLUSDT\"}"`)}},
	})
	for i, want := range []string{`{"symbol":"ETHUSDT"}`, `{"symbol":"SOLUSDT"}`} {
		if got := string(calls[i].Function.Arguments); got != want {
			t.Fatalf("call %d: expected %s, got %s", i, want, got)
		}
	}
}
