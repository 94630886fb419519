package agentd

import "context"

// PlanRunStore is the durable store of run records. All mutating
// operations are serializable with respect to a single run id; readers
// may observe stale snapshots but never torn rows.
type PlanRunStore interface {
	// CreateRun inserts a new run in status "draft". Drafts carry their
	// plan from creation.
	CreateRun(ctx context.Context, chatID, planID, goal string, plan *PlanRun) (*PlanRunState, error)

	GetRun(ctx context.Context, runID string) (*PlanRunState, error)
	// LatestRunID returns the most recently updated run id for the chat
	// with the given status, or "" when none exists.
	LatestRunID(ctx context.Context, chatID, status string) (string, error)
	ListRuns(ctx context.Context) ([]*PlanRunState, error)
	ListRunsByChat(ctx context.Context, chatID string, limit int) ([]*PlanRunState, error)

	// UpdateRun applies the non-nil fields of u and bumps updated_ts.
	UpdateRun(ctx context.Context, runID string, u RunUpdate) error

	// TryMarkQueued atomically moves the run from draft to queued,
	// recording last_event "confirm_accepted". Returns false when the
	// run is not in draft; this CAS is the only draft→queued path and
	// makes confirmation single-winner.
	TryMarkQueued(ctx context.Context, runID string) (bool, error)
}

// ChatStateRepo is the durable per-chat run bookkeeping. Writes are
// serializable per chat id.
type ChatStateRepo interface {
	// GetState returns the chat's state; zero value when none recorded.
	GetState(ctx context.Context, chatID string) (ChatState, error)
	// SetState upserts the non-nil fields of u.
	SetState(ctx context.Context, chatID string, u ChatStateUpdate) error
}

// ChatStore owns projects, chats, and the append-only message log.
type ChatStore interface {
	CreateProject(ctx context.Context, name, contextText string, toolIDs []string) (*Project, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProject(ctx context.Context, projectID string, name, contextText *string, toolIDs []string) error
	DeleteProject(ctx context.Context, projectID string) error

	CreateChat(ctx context.Context, projectID, title string) (*Chat, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	ListChats(ctx context.Context, projectID string) ([]*Chat, error)
	RenameChat(ctx context.Context, chatID, title string) error
	DeleteChat(ctx context.Context, chatID string) error

	AddMessage(ctx context.Context, chatID, role, content string) error
	GetMessages(ctx context.Context, chatID string) ([]Message, error)

	// PreviewTitle renames a chat still called "New chat" after the
	// first line of its first user message. Idempotent, best-effort.
	PreviewTitle(ctx context.Context, chatID string) error
}

// ToolStore persists registered tool servers and their discovered
// endpoint sets.
type ToolStore interface {
	CreateTool(ctx context.Context, t *ToolServer) error
	GetTool(ctx context.Context, toolID string) (*ToolServer, error)
	ListTools(ctx context.Context) ([]*ToolServer, error)
	UpdateTool(ctx context.Context, toolID string, name, baseURL, docsURL *string) error
	DeleteTool(ctx context.Context, toolID string) error
	SetToolActive(ctx context.Context, toolID string, active bool) error
	SaveDiscovery(ctx context.Context, toolID, openapiURL string, endpoints []Endpoint) error
	FindToolByBaseURL(ctx context.Context, baseURL string) (*ToolServer, error)
}

// Store is the full persistence surface the service needs. Both
// store/sqlite and store/postgres implement it.
type Store interface {
	PlanRunStore
	ChatStateRepo
	ChatStore
	ToolStore

	Init(ctx context.Context) error
	Close() error
}
