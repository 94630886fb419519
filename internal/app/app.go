// Package app wires the service components and exposes the HTTP API
// under /api.
package app

import (
	"log/slog"
	"net/http"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/pipeline"
	"github.com/drojas/agentd/registry"
)

// Server holds the wired components behind the HTTP surface.
type Server struct {
	store    agentd.Store
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger for request handling.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server over the wired components.
func New(store agentd.Store, p *pipeline.Pipeline, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		store:    store,
		pipeline: p,
		registry: reg,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleChatMessages)
	mux.HandleFunc("GET /api/chats/{id}/runs", s.handleChatRuns)

	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/start", s.handleStartRun)

	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("PATCH /api/projects/{id}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /api/projects/{id}/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/projects/{id}/chats", s.handleListChats)

	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("PATCH /api/chats/{id}", s.handleRenameChat)

	mux.HandleFunc("POST /api/tools", s.handleRegisterTool)
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("GET /api/tools/{id}", s.handleGetTool)
	mux.HandleFunc("DELETE /api/tools/{id}", s.handleDeleteTool)
	mux.HandleFunc("POST /api/tools/{id}/refresh", s.handleRefreshTool)
	mux.HandleFunc("POST /api/tools/{id}/active", s.handleSetToolActive)

	return s.withRequestLog(mux)
}
