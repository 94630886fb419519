package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/drojas/agentd/runner"
)

const maxRequestBodyBytes = 1 << 20 // 1MB

// commandRequest is the parsed body of POST /command.
type commandRequest struct {
	Cmd string `json:"cmd"`
}

// commandResponse is the JSON body returned by POST /command. status is
// "ok" when the subprocess ran, regardless of its exit code; callers
// classify success from exit_code.
type commandResponse struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func handleCommand(cfg config, sem chan struct{}, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Cmd) == "" {
		writeError(w, http.StatusBadRequest, "cmd is required")
		return
	}
	if runner.LooksDangerous(req.Cmd) {
		writeError(w, http.StatusForbidden, "command rejected by safety policy")
		return
	}

	// Acquire execution slot. Fail fast under load.
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "server busy: execution capacity reached")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.shell, "-c", req.Cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: cfg.maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: cfg.maxOutputBytes}

	runErr := cmd.Run()

	resp := commandResponse{
		Status: "ok",
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		resp.Status = "timeout"
		resp.ExitCode = -1
		if resp.Stderr == "" {
			resp.Stderr = "command timed out"
		}
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.Status = "error"
			resp.ExitCode = -1
			if resp.Stderr == "" {
				resp.Stderr = runErr.Error()
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOpenAPI serves a minimal document advertising POST /command so
// endpoint discovery picks it up.
func handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiDoc))
}

const openapiDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "toolserver", "version": "1.0.0"},
  "paths": {
    "/command": {
      "post": {
        "operationId": "run_command",
        "summary": "Execute a shell command and return its output",
        "requestBody": {
          "content": {"application/json": {"schema": {
            "type": "object",
            "required": ["cmd"],
            "properties": {"cmd": {"type": "string"}}
          }}}
        },
        "responses": {"200": {"description": "Execution result"}}
      }
    },
    "/health": {
      "get": {
        "operationId": "health",
        "summary": "Liveness check",
        "responses": {"200": {"description": "OK"}}
      }
    }
  }
}`

// limitedWriter drops bytes past the limit so runaway output cannot
// exhaust memory.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.n >= lw.limit {
		return len(p), nil
	}
	if lw.n+len(p) > lw.limit {
		keep := lw.limit - lw.n
		if _, err := lw.w.Write(p[:keep]); err != nil {
			return 0, err
		}
		lw.n = lw.limit
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.n += n
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
