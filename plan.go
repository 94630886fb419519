package agentd

import "encoding/json"

// Step types.
const (
	StepNote     = "note"
	StepToolCall = "tool_call"
	StepSubplan  = "subplan"
)

// Step execution statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepError   = "error"
	StepSkipped = "skipped"
)

// Plan statuses (in-memory execution of one PlanRun).
const (
	PlanPending = "pending"
	PlanRunning = "running"
	PlanDone    = "done"
	PlanError   = "error"
)

// Run lifecycle statuses (persisted PlanRunState). Transitions form a DAG:
// draft → queued → running → {done, error}, plus draft→error and
// queued→error applied by recovery and timeouts.
const (
	RunDraft   = "draft"
	RunQueued  = "queued"
	RunRunning = "running"
	RunDone    = "done"
	RunError   = "error"
)

// PlanStep is one node of a plan tree. Steps with children are subplans;
// note and tool_call steps never have children.
type PlanStep struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"` // note | tool_call | subplan

	// tool_call fields.
	ToolID string          `json:"tool_id,omitempty"`
	Method string          `json:"method,omitempty"`
	Path   string          `json:"path,omitempty"`
	Query  map[string]any  `json:"query,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`

	// subplan children.
	Substeps []*PlanStep `json:"substeps,omitempty"`

	// Execution state.
	Status    string `json:"status"`
	StartedTS int64  `json:"started_ts,omitempty"`
	EndedTS   int64  `json:"ended_ts,omitempty"`
	Error     string `json:"error,omitempty"`

	// Result.
	ResultSummary string          `json:"result_summary,omitempty"`
	ResultRaw     json.RawMessage `json:"result_raw,omitempty"`
}

// PlanRun is an ordered tree of steps plus the run-wide execution state.
type PlanRun struct {
	ID              string      `json:"id"`
	Goal            string      `json:"goal"`
	Steps           []*PlanStep `json:"steps"`
	Status          string      `json:"status"`
	CreatedTS       int64       `json:"created_ts"`
	EndedTS         int64       `json:"ended_ts,omitempty"`
	CurrentStepPath string      `json:"current_step_path,omitempty"`
}

// NewPlanRun creates a pending plan with fresh ids on the run and every step.
func NewPlanRun(goal string, steps []*PlanStep) *PlanRun {
	assignStepIDs(steps)
	return &PlanRun{
		ID:        NewID(),
		Goal:      goal,
		Steps:     steps,
		Status:    PlanPending,
		CreatedTS: NowMS(),
	}
}

func assignStepIDs(steps []*PlanStep) {
	for _, s := range steps {
		if s.ID == "" {
			s.ID = NewID()
		}
		if s.Status == "" {
			s.Status = StepPending
		}
		assignStepIDs(s.Substeps)
	}
}

// PlanRunState is the persisted wrapper of a PlanRun: identity, lifecycle
// status, and the serialized plan. Distinct from PlanRun.ID — one plan could
// in principle be re-run.
type PlanRunState struct {
	RunID  string `json:"run_id"`
	ChatID string `json:"chat_id"`
	PlanID string `json:"plan_id"`
	Goal   string `json:"goal"`

	Status    string `json:"status"`
	CreatedTS int64  `json:"created_ts"`
	UpdatedTS int64  `json:"updated_ts"`

	CurrentStepPath string   `json:"current_step_path,omitempty"`
	LastEvent       string   `json:"last_event,omitempty"`
	Plan            *PlanRun `json:"plan,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// RunUpdate is a partial update of a PlanRunState. Nil fields are left
// untouched. UpdatedTS is always bumped by the store.
type RunUpdate struct {
	Status          *string
	CurrentStepPath *string
	LastEvent       *string
	Plan            *PlanRun
	Error           *string
}
