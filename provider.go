package agentd

import "context"

// Provider abstracts the LLM backend. Implementations must be safe for
// concurrent use; the pipeline and the reasoner share one instance.
type Provider interface {
	// Chat sends a completion request and returns the response. When
	// req.Tools is non-empty the response may carry ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}
