package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentfleet/internal/broker"
	"agentfleet/internal/llm"
	"agentfleet/internal/llm/prompts"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const (
	tradeToolName = "submit_trade_decision"
	holdToolName  = "submit_hold_verdict"
)

var tradeSchema = jsonschema.MustCompileString("trade_decision.json", `{
	"type": "object",
	"required": ["symbol", "confidence"],
	"properties": {
		"symbol": {"type": "string", "minLength": 2},
		"confidence": {"type": "string", "enum": ["high", "medium", "low", "HIGH", "MEDIUM", "LOW"]},
		"reason": {"type": "string"}
	}
}`)

var holdSchema = jsonschema.MustCompileString("hold_verdict.json", `{
	"type": "object",
	"required": ["verdict"],
	"properties": {
		"verdict": {"type": "string", "enum": ["HOLD", "CLOSE", "hold", "close"]},
		"reason": {"type": "string"}
	}
}`)

type tradeArgs struct {
	Symbol     string `json:"symbol" desc:"One symbol from the candidate table"`
	Confidence string `json:"confidence" desc:"Conviction in the setup" enum:"high,medium,low"`
	Reason     string `json:"reason" desc:"One sentence rationale"`
}

type holdArgs struct {
	Verdict string `json:"verdict" desc:"HOLD keeps the position, CLOSE exits now" enum:"HOLD,CLOSE"`
	Reason  string `json:"reason,omitempty" desc:"One sentence rationale"`
}

type Options struct {
	SystemPromptPath string
	TradePromptPath  string
	HoldPromptPath   string
	Timeout          time.Duration
	Temperature      float64
}

// LLM is an Oracle backed by an llm.Client. The client may be shared between
// agents.
type LLM struct {
	client        *llm.Client
	systemPrompt  string
	tradeTemplate string
	holdTemplate  string
	timeout       time.Duration
	temperature   float64
	now           func() time.Time
}

func NewLLM(client *llm.Client, opts Options) *LLM {
	return &LLM{
		client:        client,
		systemPrompt:  strings.TrimSpace(prompts.LoadTemplate(opts.SystemPromptPath, prompts.DefaultSystemPrompt())),
		tradeTemplate: prompts.LoadTemplate(opts.TradePromptPath, prompts.DefaultTradePrompt()),
		holdTemplate:  prompts.LoadTemplate(opts.HoldPromptPath, prompts.DefaultHoldPrompt()),
		timeout:       opts.Timeout,
		temperature:   opts.Temperature,
		now:           time.Now,
	}
}

func (o *LLM) TradeDecision(ctx context.Context, brief Brief, candidates []broker.Ticker) (*Decision, error) {
	prompt, err := prompts.RenderTradePrompt(o.tradeTemplate, prompts.TradeData{
		Strategy:   brief.Strategy,
		Side:       brief.Side,
		Brief:      strings.TrimSpace(brief.Prompt),
		Timestamp:  o.now().UTC().Format(time.RFC3339),
		Candidates: candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("render trade prompt: %w", err)
	}

	tool := llm.FuncTool(tradeToolName, "Submit the trade decision", func(tradeArgs) error { return nil })
	raw, err := o.ask(ctx, prompt, tool, tradeSchema)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no valid trade decision in response", ErrNoDecision)
	}

	confidence, ok := ParseConfidence(gjson.Get(raw, "confidence").String())
	if !ok {
		return nil, fmt.Errorf("%w: confidence %q", ErrNoDecision, gjson.Get(raw, "confidence").String())
	}
	decision := &Decision{
		Symbol:     NormalizeSymbol(gjson.Get(raw, "symbol").String()),
		Reason:     strings.TrimSpace(gjson.Get(raw, "reason").String()),
		Confidence: confidence,
	}
	slog.Info("oracle trade decision", "strategy", brief.Strategy, "symbol", decision.Symbol, "confidence", decision.Confidence, "reason", decision.Reason)
	return decision, nil
}

func (o *LLM) HoldDecision(ctx context.Context, brief Brief, hold HoldContext) (Verdict, error) {
	prompt, err := prompts.RenderHoldPrompt(o.holdTemplate, prompts.HoldData{
		Strategy:      brief.Strategy,
		Brief:         strings.TrimSpace(brief.Prompt),
		Timestamp:     o.now().UTC().Format(time.RFC3339),
		Symbol:        hold.Symbol,
		Side:          hold.Side,
		Size:          hold.Size,
		EntryPrice:    hold.EntryPrice,
		MarkPrice:     hold.MarkPrice,
		UnrealizedPnL: hold.UnrealizedPnL,
		HeldFor:       hold.HeldFor.Round(time.Second),
		AverageMark:   hold.AverageMark,
		Market:        hold.Market,
	})
	if err != nil {
		return VerdictNone, fmt.Errorf("render hold prompt: %w", err)
	}

	tool := llm.FuncTool(holdToolName, "Submit the hold verdict", func(holdArgs) error { return nil })
	raw, err := o.ask(ctx, prompt, tool, holdSchema)
	if err != nil {
		return VerdictNone, err
	}
	if raw == "" {
		slog.Warn("oracle gave no hold verdict", "strategy", brief.Strategy, "symbol", hold.Symbol)
		return VerdictNone, nil
	}
	verdict := Verdict(strings.ToUpper(gjson.Get(raw, "verdict").String()))
	slog.Info("oracle hold verdict", "strategy", brief.Strategy, "symbol", hold.Symbol, "verdict", verdict, "reason", gjson.Get(raw, "reason").String())
	return verdict, nil
}

// ask runs one completion with a capture tool and returns the validated JSON
// arguments, or "" when neither the tool call nor the text held a valid answer.
func (o *LLM) ask(ctx context.Context, prompt string, tool llm.Tool, sch *jsonschema.Schema) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	capture := &captureTool{Tool: tool, schema: sch}
	opts := []llm.CompletionOption{
		llm.WithSystemPrompt(o.systemPrompt),
		llm.WithTools(capture),
		llm.WithStopAfterTools(),
		llm.WithMaxIterations(3),
	}
	if o.temperature != 0 {
		opts = append(opts, llm.WithTemperature(o.temperature))
	}
	resp, err := o.client.Complete(ctx, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("oracle completion: %w", err)
	}
	if capture.raw != "" {
		return capture.raw, nil
	}
	if raw, ok := extractJSON(resp.Message.Content, sch); ok {
		return raw, nil
	}
	slog.Warn("oracle response unusable", "tool", tool.Name(), "content", truncate(resp.Message.Content, 200))
	return "", nil
}

// captureTool keeps the embedded tool's name and parameter schema and
// records validated arguments instead of running anything.
type captureTool struct {
	llm.Tool
	schema *jsonschema.Schema
	raw    string
}

func (t *captureTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if err := validate(t.schema, string(args)); err != nil {
		return nil, err
	}
	t.raw = string(args)
	return map[string]any{"status": "recorded"}, nil
}

func validate(sch *jsonschema.Schema, raw string) error {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// extractJSON finds the first valid object in free text, for models that
// answer in prose instead of calling the tool.
func extractJSON(content string, sch *jsonschema.Schema) (string, bool) {
	content = strings.TrimSpace(content)
	candidates := []string{content}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		candidates = append(candidates, content[start:end+1])
	}
	for _, c := range candidates {
		if !gjson.Valid(c) || !gjson.Parse(c).IsObject() {
			continue
		}
		if validate(sch, c) == nil {
			return c, true
		}
	}
	return "", false
}

// NormalizeSymbol maps model spellings such as "btc/usdt" to exchange form.
func NormalizeSymbol(symbol string) string {
	replacer := strings.NewReplacer("/", "", "-", "", "_", "", " ", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(symbol)))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
