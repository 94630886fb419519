// Package registry manages tool server registrations: normalizing base
// URLs, discovering endpoints from OpenAPI documents, and keeping the
// stored endpoint allowlist fresh.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/drojas/agentd"
)

// DefaultTimeout bounds one discovery HTTP request.
const DefaultTimeout = 10 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithHTTPClient replaces the discovery HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// Registry registers tool servers and discovers their endpoints.
type Registry struct {
	store  agentd.ToolStore
	client *http.Client
	logger *slog.Logger
}

// New creates a Registry over the given tool store.
func New(store agentd.ToolStore, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool server. The given URL is normalized into a base
// URL; registering a URL whose base is already known refreshes the
// existing registration instead of duplicating it. Discovery failure is
// not fatal: the tool is stored with an empty endpoint set and can be
// refreshed later.
func (r *Registry) Register(ctx context.Context, name, rawURL string) (*agentd.ToolServer, error) {
	baseURL, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("normalize url: %w", err)
	}

	if existing, err := r.store.FindToolByBaseURL(ctx, baseURL); err != nil {
		return nil, fmt.Errorf("find tool: %w", err)
	} else if existing != nil {
		r.logger.Info("tool already registered, refreshing", "tool_id", existing.ID, "base_url", baseURL)
		if err := r.Refresh(ctx, existing.ID); err != nil {
			r.logger.Warn("refresh on re-register failed", "tool_id", existing.ID, "err", err)
		}
		return r.store.GetTool(ctx, existing.ID)
	}

	if strings.TrimSpace(name) == "" {
		name = baseURL
	}
	t := &agentd.ToolServer{
		Name:      name,
		BaseURL:   baseURL,
		DocsURL:   rawURL,
		IsActive:  true,
		Endpoints: []agentd.Endpoint{},
	}
	if err := r.store.CreateTool(ctx, t); err != nil {
		return nil, fmt.Errorf("create tool: %w", err)
	}

	openapiURL, endpoints, err := r.Discover(ctx, baseURL)
	if err != nil {
		r.logger.Warn("discovery failed, tool stored without endpoints",
			"tool_id", t.ID, "base_url", baseURL, "err", err)
		return t, nil
	}
	if err := r.store.SaveDiscovery(ctx, t.ID, openapiURL, endpoints); err != nil {
		return nil, fmt.Errorf("save discovery: %w", err)
	}
	t.OpenAPIURL = openapiURL
	t.Endpoints = endpoints

	r.logger.Info("tool registered", "tool_id", t.ID, "base_url", baseURL, "endpoints", len(endpoints))
	return t, nil
}

// Refresh re-runs discovery for a registered tool and replaces its
// endpoint set.
func (r *Registry) Refresh(ctx context.Context, toolID string) error {
	t, err := r.store.GetTool(ctx, toolID)
	if err != nil {
		return fmt.Errorf("get tool: %w", err)
	}
	if t == nil {
		return fmt.Errorf("tool %s not found", toolID)
	}

	openapiURL, endpoints, err := r.Discover(ctx, t.BaseURL)
	if err != nil {
		return fmt.Errorf("discover %s: %w", t.BaseURL, err)
	}
	if err := r.store.SaveDiscovery(ctx, toolID, openapiURL, endpoints); err != nil {
		return fmt.Errorf("save discovery: %w", err)
	}
	r.logger.Info("tool refreshed", "tool_id", toolID, "endpoints", len(endpoints))
	return nil
}

// NormalizeBaseURL turns a user-supplied URL into the canonical base
// URL used as the registry's dedup key: scheme defaulted to http,
// documentation suffixes (/docs, /redoc, /openapi.json) stripped,
// trailing slash removed.
func NormalizeBaseURL(rawURL string) (string, error) {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	u = strings.TrimRight(u, "/")
	for _, suffix := range []string{"/docs", "/redoc", "/openapi.json", "/swagger.json"} {
		if strings.HasSuffix(u, suffix) {
			u = strings.TrimSuffix(u, suffix)
			break
		}
	}
	u = strings.TrimRight(u, "/")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return "", fmt.Errorf("unsupported scheme in %q", rawURL)
	}
	return u, nil
}
