// Package invoker performs validated HTTP calls against registered tool
// servers. Every failure mode — unknown tool, inactive tool, endpoint
// outside the discovered allowlist, transport error — surfaces as a
// synthetic (status, payload) pair; the invoker never returns a Go error
// to its callers.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/executor"
)

// DefaultTimeout bounds a single tool-server call.
const DefaultTimeout = 15 * time.Second

// Synthetic payload error codes.
const (
	errToolMissing   = "tool_missing_or_inactive"
	errToolNotInProj = "tool_not_enabled_for_project"
	errEndpoint      = "endpoint_not_allowed"
	errInvoke        = "tool_invoke_error"
)

// Invoker resolves tool ids through the registry store and issues the
// HTTP calls.
type Invoker struct {
	tools  agentd.ToolStore
	client *http.Client
	logger *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(iv *Invoker) { iv.client.Timeout = d }
}

// WithLogger sets a structured logger for invocation events.
func WithLogger(l *slog.Logger) Option {
	return func(iv *Invoker) { iv.logger = l }
}

// New creates an Invoker backed by the given tool registry.
func New(tools agentd.ToolStore, opts ...Option) *Invoker {
	iv := &Invoker{
		tools:  tools,
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(iv)
	}
	if iv.logger == nil {
		iv.logger = slog.New(slog.DiscardHandler)
	}
	return iv
}

// ForProject adapts the invoker to the executor's InvokeFunc, enforcing
// the project's tool allowlist on every call. proj may be nil, in which
// case only registry-level checks apply.
func (iv *Invoker) ForProject(proj *agentd.Project) executor.InvokeFunc {
	return func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		return iv.Invoke(ctx, proj, toolID, method, path, query, body)
	}
}

// Invoke performs one validated call: registry lookup, active check,
// project allowlist, endpoint allowlist, then the HTTP request itself.
func (iv *Invoker) Invoke(ctx context.Context, proj *agentd.Project, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
	tool, err := iv.tools.GetTool(ctx, toolID)
	if err != nil || tool == nil || !tool.IsActive {
		return http.StatusNotFound, map[string]any{"error": errToolMissing}
	}

	if proj != nil && !contains(proj.ToolIDs, toolID) {
		return http.StatusForbidden, map[string]any{"error": errToolNotInProj}
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	path = strings.TrimSpace(path)
	if !tool.HasEndpoint(method, path) {
		return http.StatusForbidden, map[string]any{
			"error":  errEndpoint,
			"detail": fmt.Sprintf("endpoint not allowed: %s %s", method, path),
		}
	}

	code, payload, err := iv.do(ctx, tool, method, path, query, body)
	if err != nil {
		iv.logger.Warn("tool invoke failed", "tool_id", toolID, "method", method, "path", path, "err", err)
		return http.StatusInternalServerError, map[string]any{"error": errInvoke, "detail": err.Error()}
	}
	return code, payload
}

// do issues the HTTP request and decodes the response as JSON when
// possible, raw text otherwise. Redirects are followed by the default
// client policy.
func (iv *Invoker) do(ctx context.Context, tool *agentd.ToolServer, method, path string, query map[string]any, body json.RawMessage) (int, any, error) {
	base := strings.TrimRight(tool.BaseURL, "/")
	reqURL := base + path

	if len(query) > 0 {
		vals := url.Values{}
		for k, v := range query {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		reqURL += "?" + vals.Encode()
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := iv.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	iv.logger.Debug("tool invoked",
		"tool_id", tool.ID,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return resp.StatusCode, string(data), nil
	}
	return resp.StatusCode, decoded, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
