package invoker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drojas/agentd"
)

type fakeTools struct {
	agentd.ToolStore
	tools map[string]*agentd.ToolServer
}

func (f *fakeTools) GetTool(ctx context.Context, toolID string) (*agentd.ToolServer, error) {
	return f.tools[toolID], nil
}

func registryWith(tool *agentd.ToolServer) *fakeTools {
	return &fakeTools{tools: map[string]*agentd.ToolServer{tool.ID: tool}}
}

func itemsTool(baseURL string) *agentd.ToolServer {
	return &agentd.ToolServer{
		ID: "t1", Name: "items", BaseURL: baseURL, IsActive: true,
		Endpoints: []agentd.Endpoint{
			{Method: "GET", Path: "/items"},
			{Method: "POST", Path: "/items"},
		},
	}
}

func payloadError(t *testing.T, payload any) string {
	t.Helper()
	obj, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is not an object: %#v", payload)
	}
	s, _ := obj["error"].(string)
	return s
}

func TestInvoke_UnknownTool(t *testing.T) {
	iv := New(&fakeTools{tools: map[string]*agentd.ToolServer{}})

	code, payload := iv.Invoke(context.Background(), nil, "ghost", "GET", "/items", nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", code)
	}
	if payloadError(t, payload) != "tool_missing_or_inactive" {
		t.Errorf("payload = %#v", payload)
	}
}

func TestInvoke_InactiveTool(t *testing.T) {
	tool := itemsTool("http://localhost:1")
	tool.IsActive = false
	iv := New(registryWith(tool))

	code, _ := iv.Invoke(context.Background(), nil, "t1", "GET", "/items", nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", code)
	}
}

func TestInvoke_ToolOutsideProject(t *testing.T) {
	iv := New(registryWith(itemsTool("http://localhost:1")))
	proj := &agentd.Project{ID: "p1", ToolIDs: []string{"other"}}

	code, payload := iv.Invoke(context.Background(), proj, "t1", "GET", "/items", nil, nil)
	if code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", code)
	}
	if payloadError(t, payload) != "tool_not_enabled_for_project" {
		t.Errorf("payload = %#v", payload)
	}
}

func TestInvoke_EndpointNotAllowed(t *testing.T) {
	iv := New(registryWith(itemsTool("http://localhost:1")))

	code, payload := iv.Invoke(context.Background(), nil, "t1", "DELETE", "/items", nil, nil)
	if code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", code)
	}
	if payloadError(t, payload) != "endpoint_not_allowed" {
		t.Errorf("payload = %#v", payload)
	}
}

func TestInvoke_Success(t *testing.T) {
	var gotPath, gotQuery, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":true}`))
	}))
	defer srv.Close()

	iv := New(registryWith(itemsTool(srv.URL)))
	proj := &agentd.Project{ID: "p1", ToolIDs: []string{"t1"}}

	code, payload := iv.Invoke(context.Background(), proj, "t1", "POST", "/items",
		map[string]any{"limit": 5}, json.RawMessage(`{"name":"x"}`))
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	obj, ok := payload.(map[string]any)
	if !ok || obj["created"] != true {
		t.Errorf("payload = %#v", payload)
	}
	if gotPath != "/items" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "limit=5" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if string(gotBody) != `{"name":"x"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestInvoke_MethodCaseAndWhitespaceNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	iv := New(registryWith(itemsTool(srv.URL)))
	code, _ := iv.Invoke(context.Background(), nil, "t1", " get ", " /items ", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
}

func TestInvoke_TextResponsePassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text, not JSON {"))
	}))
	defer srv.Close()

	iv := New(registryWith(itemsTool(srv.URL)))
	code, payload := iv.Invoke(context.Background(), nil, "t1", "GET", "/items", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if s, ok := payload.(string); !ok || s != "plain text, not JSON {" {
		t.Errorf("payload = %#v", payload)
	}
}

func TestInvoke_UpstreamStatusPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer srv.Close()

	iv := New(registryWith(itemsTool(srv.URL)))
	code, _ := iv.Invoke(context.Background(), nil, "t1", "GET", "/items", nil, nil)
	if code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", code)
	}
}

func TestInvoke_TransportErrorIsSynthetic(t *testing.T) {
	tool := itemsTool("http://127.0.0.1:1")
	iv := New(registryWith(tool))

	code, payload := iv.Invoke(context.Background(), nil, "t1", "GET", "/items", nil, nil)
	if code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", code)
	}
	if payloadError(t, payload) != "tool_invoke_error" {
		t.Errorf("payload = %#v", payload)
	}
}
