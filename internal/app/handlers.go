package app

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/pipeline"
)

// --- Chat flow ---

type sendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendResponse struct {
	Reply        string `json:"reply"`
	RunID        string `json:"run_id,omitempty"`
	RunStatus    string `json:"run_status,omitempty"`
	PendingRunID string `json:"pending_run_id,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	res, err := s.pipeline.Send(r.Context(), req.ChatID, req.Text)
	switch {
	case errors.Is(err, pipeline.ErrUnknownChat):
		writeError(w, http.StatusNotFound, "chat not found")
		return
	case errors.Is(err, pipeline.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "text is required")
		return
	case err != nil:
		s.logger.Error("send failed", "chat_id", req.ChatID, "err", err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Reply:        res.Reply,
		RunID:        res.RunID,
		RunStatus:    res.RunStatus,
		PendingRunID: res.PendingRunID,
		Queued:       res.Queued,
	})
}

type messagesResponse struct {
	Chat     *agentd.Chat     `json:"chat"`
	Messages []agentd.Message `json:"messages"`
	State    agentd.ChatState `json:"state"`
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	chat, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chat == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	msgs, err := s.store.GetMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, err := s.store.GetState(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []agentd.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Chat: chat, Messages: msgs, State: st})
}

func (s *Server) handleChatRuns(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListRunsByChat(r.Context(), chatID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*agentd.PlanRunState{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Runs ---

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.StartRun(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, pipeline.ErrUnknownRun):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		s.logger.Error("start run failed", "run_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "start failed")
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		Reply:     res.Reply,
		RunID:     res.RunID,
		RunStatus: res.RunStatus,
		Queued:    res.Queued,
	})
}

// --- Projects ---

type projectRequest struct {
	Name    string   `json:"name"`
	Context string   `json:"context"`
	ToolIDs []string `json:"tool_ids"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	p, err := s.store.CreateProject(r.Context(), req.Name, req.Context, req.ToolIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ps == nil {
		ps = []*agentd.Project{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type projectUpdateRequest struct {
	Name    *string  `json:"name"`
	Context *string  `json:"context"`
	ToolIDs []string `json:"tool_ids"`
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req projectUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.store.UpdateProject(r.Context(), r.PathValue("id"), req.Name, req.Context, req.ToolIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil || p == nil {
		writeError(w, http.StatusInternalServerError, "reload project failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Chats ---

type chatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	p, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	var req chatRequest
	_ = decodeBody(r, &req) // empty body means default title

	c, err := s.store.CreateChat(r.Context(), projectID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	cs, err := s.store.ListChats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cs == nil {
		cs = []*agentd.Chat{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.RenameChat(r.Context(), r.PathValue("id"), req.Title); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tools ---

type registerToolRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var req registerToolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	t, err := s.registry.Register(r.Context(), req.Name, req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.ListTools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ts == nil {
		ts = []*agentd.ToolServer{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "tool not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTool(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshTool(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Refresh(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	t, err := s.store.GetTool(r.Context(), r.PathValue("id"))
	if err != nil || t == nil {
		writeError(w, http.StatusInternalServerError, "reload tool failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetToolActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.store.SetToolActive(r.Context(), r.PathValue("id"), req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
