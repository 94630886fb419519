package agentd

import "encoding/json"

// --- Projects and chats (database records) ---

// Project groups chats and carries shared context plus the set of tool
// servers the project is allowed to call.
type Project struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Context   string   `json:"context"`
	ToolIDs   []string `json:"tool_ids"`
	CreatedTS int64    `json:"created_ts"`
	UpdatedTS int64    `json:"updated_ts"`
}

// Chat is a single conversation inside a project.
type Chat struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	CreatedTS int64  `json:"created_ts"`
	UpdatedTS int64  `json:"updated_ts"`
}

// Message is one entry of the append-only chat log.
type Message struct {
	ID      string `json:"id"`
	ChatID  string `json:"chat_id"`
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// --- Tool servers ---

// Endpoint is one operation a tool server exposes, extracted from its
// OpenAPI document. (method, path) pairs form the invocation allowlist.
type Endpoint struct {
	Path        string   `json:"path"`
	Method      string   `json:"method"` // GET/POST/PUT/PATCH/DELETE
	OperationID string   `json:"operation_id,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ToolServer is an external HTTP service registered with the service.
type ToolServer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	BaseURL    string     `json:"base_url"`
	DocsURL    string     `json:"docs_url,omitempty"`
	OpenAPIURL string     `json:"openapi_url,omitempty"`
	IsActive   bool       `json:"is_active"`
	Endpoints  []Endpoint `json:"endpoints"`
	CreatedTS  int64      `json:"created_ts"`
	UpdatedTS  int64      `json:"updated_ts"`
}

// HasEndpoint reports whether (method, path) is in the declared endpoint set.
func (t *ToolServer) HasEndpoint(method, path string) bool {
	for _, e := range t.Endpoints {
		if e.Method == method && e.Path == path {
			return true
		}
	}
	return false
}

// --- Chat execution state ---

// ChatState is the per-chat run bookkeeping. Empty string means unset.
type ChatState struct {
	PendingRunID  string `json:"pending_run_id,omitempty"`
	ActiveRunID   string `json:"active_run_id,omitempty"`
	LastRunID     string `json:"last_run_id,omitempty"`
	LastRunStatus string `json:"last_run_status,omitempty"`
	LastRunTS     int64  `json:"last_run_ts,omitempty"`
}

// ChatStateUpdate is a partial upsert of ChatState. Nil fields are left
// untouched; a pointer to the zero value clears the field.
type ChatStateUpdate struct {
	PendingRunID  *string
	ActiveRunID   *string
	LastRunID     *string
	LastRunStatus *string
	LastRunTS     *int64
}

// --- LLM wire protocol ---

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// ToolCall is a function invocation requested by the model. Args holds
// the parsed arguments object; providers must accept stringified JSON
// from the wire and normalize it before it gets here.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition declares a callable function to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatRequest is the provider-agnostic completion request.
// ToolChoice is "" (none), "auto", or the name of a specific tool the
// model is forced to call.
type ChatRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse is the provider-agnostic completion response.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// Ptr returns a pointer to v; shorthand for building partial updates.
func Ptr[T any](v T) *T { return &v }
