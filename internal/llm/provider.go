package llm

import "context"

// Provider is one model backend. Complete performs a single round trip; the
// tool loop lives in Client.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// SupportsTools reports whether the backend accepts function declarations.
	SupportsTools() bool
}
