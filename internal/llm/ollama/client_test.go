package ollama_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentfleet/internal/llm"
	"agentfleet/internal/llm/ollama"
)

type verdictArgs struct {
	Verdict string `json:"verdict" enum:"HOLD,CLOSE"`
}

func TestCompleteSendsToolsAndParsesStringArguments(t *testing.T) {
	var captured ollama.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"model":"m","done":true,"done_reason":"stop","message":{"role":"assistant","content":"",
			"tool_calls":[{"function":{"name":"hold_verdict","arguments":"{\"verdict\":\"CLOSE\"}"}}]}}`)
	}))
	defer server.Close()

	tool := llm.FuncTool("hold_verdict", "Submit a verdict", func(args verdictArgs) error { return nil })
	client := ollama.New(server.URL+"/", "m", 5*time.Second)

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hold?"}},
		Tools:        []llm.Tool{tool},
		Temperature:  0.2,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("expected system + user messages, got %+v", captured.Messages)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "hold_verdict" {
		t.Fatalf("expected hold_verdict tool, got %+v", captured.Tools)
	}
	if captured.KeepAlive != "10m" || captured.Options["temperature"] != 0.2 {
		t.Fatalf("expected keep_alive and temperature, got %q %v", captured.KeepAlive, captured.Options)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	var args verdictArgs
	if err := json.Unmarshal(resp.ToolCalls[0].Function.Arguments, &args); err != nil {
		t.Fatalf("arguments not JSON object: %v", err)
	}
	if args.Verdict != "CLOSE" {
		t.Fatalf("expected CLOSE, got %q", args.Verdict)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("expected finish reason stop, got %q", resp.FinishReason)
	}
}

func TestCompleteSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := ollama.New(server.URL, "missing", time.Second)
	if _, err := client.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestCompleteRejectsUndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>gateway</html>`)
	}))
	defer server.Close()

	client := ollama.New(server.URL, "m", time.Second)
	if _, err := client.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected decode error for a non-JSON body")
	}
}
