// Package prompts holds the default prompt templates sent to the decision
// model. Each template may be overridden by a file path in config.
package prompts

import (
	_ "embed"
	"os"
	"strings"
	"text/template"
	"time"

	"agentfleet/internal/broker"
)

//go:embed system.md
var defaultSystemPrompt string

//go:embed trade.md
var defaultTradePrompt string

//go:embed hold.md
var defaultHoldPrompt string

type TradeData struct {
	Strategy   string
	Side       broker.Side
	Brief      string
	Timestamp  string
	Candidates []broker.Ticker
}

type HoldData struct {
	Strategy      string
	Brief         string
	Timestamp     string
	Symbol        string
	Side          broker.Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	HeldFor       time.Duration
	AverageMark   float64
	Market        *broker.Ticker
}

func DefaultSystemPrompt() string {
	return defaultSystemPrompt
}

func DefaultTradePrompt() string {
	return defaultTradePrompt
}

func DefaultHoldPrompt() string {
	return defaultHoldPrompt
}

// LoadTemplate returns the file at path, or fallback when path is empty or
// unreadable.
func LoadTemplate(path string, fallback string) string {
	if path == "" {
		return fallback
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return string(contents)
}

func RenderTradePrompt(templateText string, data TradeData) (string, error) {
	return render("trade", templateText, data)
}

func RenderHoldPrompt(templateText string, data HoldData) (string, error) {
	return render("hold", templateText, data)
}

func render(name, templateText string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(templateText)
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	if err := tmpl.Execute(&builder, data); err != nil {
		return "", err
	}
	return builder.String(), nil
}
