package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/drojas/agentd"
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in errors and logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client, e.g. to set a timeout or an
// instrumented transport.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger for request-level debug logs.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithMaxTokens caps completion length on every request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// Provider implements agentd.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	client    *http.Client
	name      string
	maxTokens int
	logger    *slog.Logger
}

var _ agentd.Provider = (*Provider)(nil)

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"); /chat/completions is appended.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai").
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming completion request. When req.Tools is
// non-empty the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req agentd.ChatRequest) (agentd.ChatResponse, error) {
	body := p.buildBody(req)

	payload, err := json.Marshal(body)
	if err != nil {
		return agentd.ChatResponse{}, &agentd.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return agentd.ChatResponse{}, &agentd.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return agentd.ChatResponse{}, &agentd.ErrLLM{Provider: p.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return agentd.ChatResponse{}, &agentd.ErrHTTP{Status: resp.StatusCode, Body: string(errBody)}
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return agentd.ChatResponse{}, &agentd.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	out := parseResponse(wire)
	p.logger.Debug("chat completion",
		"model", p.model,
		"duration", time.Since(start),
		"tool_calls", len(out.ToolCalls),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens)
	return out, nil
}

// buildBody converts the provider-agnostic request into the OpenAI wire
// shape. ToolChoice "" means no preference, "auto" maps through, and
// any other value forces that named function.
func (p *Provider) buildBody(req agentd.ChatRequest) chatRequest {
	body := chatRequest{
		Model:       p.model,
		Temperature: req.Temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, message{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	switch req.ToolChoice {
	case "":
	case "auto":
		body.ToolChoice = "auto"
	default:
		body.ToolChoice = forcedToolChoice{
			Type:     "function",
			Function: namedTool{Name: req.ToolChoice},
		}
	}
	return body
}

// parseResponse extracts content, tool calls and usage from choices[0].
func parseResponse(resp chatResponse) agentd.ChatResponse {
	var out agentd.ChatResponse
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		out.ToolCalls = parseToolCalls(msg.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = agentd.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts wire tool calls. arguments is a JSON string
// on the wire; invalid JSON degrades to an empty object so downstream
// validation produces a user-visible reason instead of a crash.
func parseToolCalls(tcs []toolCallRequest) []agentd.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]agentd.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, agentd.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
