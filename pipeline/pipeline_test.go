package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/runner"
)

// --- in-memory fakes ---

type fakeChats struct {
	agentd.ChatStore
	chats    map[string]*agentd.Chat
	projects map[string]*agentd.Project
	msgs     []agentd.Message
}

func (f *fakeChats) GetChat(ctx context.Context, chatID string) (*agentd.Chat, error) {
	return f.chats[chatID], nil
}

func (f *fakeChats) GetProject(ctx context.Context, projectID string) (*agentd.Project, error) {
	return f.projects[projectID], nil
}

func (f *fakeChats) AddMessage(ctx context.Context, chatID, role, content string) error {
	f.msgs = append(f.msgs, agentd.Message{ChatID: chatID, Role: role, Content: content})
	return nil
}

func (f *fakeChats) GetMessages(ctx context.Context, chatID string) ([]agentd.Message, error) {
	var out []agentd.Message
	for _, m := range f.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeChats) PreviewTitle(ctx context.Context, chatID string) error { return nil }

func (f *fakeChats) lastMessage() agentd.Message {
	if len(f.msgs) == 0 {
		return agentd.Message{}
	}
	return f.msgs[len(f.msgs)-1]
}

type fakeState struct {
	state map[string]agentd.ChatState
}

func (f *fakeState) GetState(ctx context.Context, chatID string) (agentd.ChatState, error) {
	return f.state[chatID], nil
}

func (f *fakeState) SetState(ctx context.Context, chatID string, u agentd.ChatStateUpdate) error {
	st := f.state[chatID]
	if u.PendingRunID != nil {
		st.PendingRunID = *u.PendingRunID
	}
	if u.ActiveRunID != nil {
		st.ActiveRunID = *u.ActiveRunID
	}
	if u.LastRunID != nil {
		st.LastRunID = *u.LastRunID
	}
	if u.LastRunStatus != nil {
		st.LastRunStatus = *u.LastRunStatus
	}
	if u.LastRunTS != nil {
		st.LastRunTS = *u.LastRunTS
	}
	f.state[chatID] = st
	return nil
}

type fakeRuns struct {
	agentd.PlanRunStore
	runs map[string]*agentd.PlanRunState
	seq  int
}

func (f *fakeRuns) CreateRun(ctx context.Context, chatID, planID, goal string, plan *agentd.PlanRun) (*agentd.PlanRunState, error) {
	f.seq++
	r := &agentd.PlanRunState{
		RunID:  fmt.Sprintf("run-%d", f.seq),
		ChatID: chatID, PlanID: planID, Goal: goal,
		Status: agentd.RunDraft, Plan: plan,
		CreatedTS: agentd.NowMS(), UpdatedTS: agentd.NowMS(),
	}
	f.runs[r.RunID] = r
	return r, nil
}

func (f *fakeRuns) GetRun(ctx context.Context, runID string) (*agentd.PlanRunState, error) {
	return f.runs[runID], nil
}

func (f *fakeRuns) LatestRunID(ctx context.Context, chatID, status string) (string, error) {
	best := ""
	var bestTS int64 = -1
	for _, r := range f.runs {
		if r.ChatID == chatID && r.Status == status && r.UpdatedTS >= bestTS {
			best, bestTS = r.RunID, r.UpdatedTS
		}
	}
	return best, nil
}

func (f *fakeRuns) UpdateRun(ctx context.Context, runID string, u agentd.RunUpdate) error {
	r := f.runs[runID]
	if r == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.LastEvent != nil {
		r.LastEvent = *u.LastEvent
	}
	r.UpdatedTS = agentd.NowMS()
	return nil
}

func (f *fakeRuns) TryMarkQueued(ctx context.Context, runID string) (bool, error) {
	r := f.runs[runID]
	if r == nil || r.Status != agentd.RunDraft {
		return false, nil
	}
	r.Status = agentd.RunQueued
	r.LastEvent = "confirm_accepted"
	return true, nil
}

type fakeTools struct {
	agentd.ToolStore
	tools map[string]*agentd.ToolServer
}

func (f *fakeTools) GetTool(ctx context.Context, toolID string) (*agentd.ToolServer, error) {
	return f.tools[toolID], nil
}

type fakeProvider struct {
	responses []agentd.ChatResponse
	requests  []agentd.ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req agentd.ChatRequest) (agentd.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return agentd.ChatResponse{}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

type fakeRunner struct {
	jobs []runner.Job
}

func (f *fakeRunner) Start(ctx context.Context, job runner.Job) {
	f.jobs = append(f.jobs, job)
}

// --- harness ---

type env struct {
	chats  *fakeChats
	state  *fakeState
	runs   *fakeRuns
	tools  *fakeTools
	prov   *fakeProvider
	runner *fakeRunner
	p      *Pipeline
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{
		chats: &fakeChats{
			chats:    map[string]*agentd.Chat{"c1": {ID: "c1", ProjectID: "p1", Title: "New chat"}},
			projects: map[string]*agentd.Project{"p1": {ID: "p1", Name: "demo", ToolIDs: []string{"t1"}}},
		},
		state: &fakeState{state: map[string]agentd.ChatState{}},
		runs:  &fakeRuns{runs: map[string]*agentd.PlanRunState{}},
		tools: &fakeTools{tools: map[string]*agentd.ToolServer{
			"t1": {
				ID: "t1", Name: "sandbox", BaseURL: "http://localhost:9000", IsActive: true,
				Endpoints: []agentd.Endpoint{
					{Method: "POST", Path: "/command"},
					{Method: "GET", Path: "/items"},
				},
			},
		}},
		prov:   &fakeProvider{},
		runner: &fakeRunner{},
	}
	e.p = New(e.chats, e.state, e.runs, e.tools, e.prov, e.runner, opts...)
	return e
}

func toolRequestResponse(args string) agentd.ChatResponse {
	return agentd.ChatResponse{
		ToolCalls: []agentd.ToolCall{{Name: toolRequestName, Args: json.RawMessage(args)}},
	}
}

func (e *env) seedPending(t *testing.T, goal string) string {
	t.Helper()
	plan := agentd.NewPlanRun(goal, []*agentd.PlanStep{{
		Type: agentd.StepToolCall, ToolID: "t1", Method: "GET", Path: "/items",
	}})
	run, err := e.runs.CreateRun(context.Background(), "c1", plan.ID, goal, plan)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.state.SetState(context.Background(), "c1", agentd.ChatStateUpdate{PendingRunID: agentd.Ptr(run.RunID)}); err != nil {
		t.Fatal(err)
	}
	return run.RunID
}

// --- tests ---

func TestSend_EmptyMessage(t *testing.T) {
	e := newEnv(t)
	if _, err := e.p.Send(context.Background(), "c1", "   "); err != ErrEmptyMessage {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSend_UnknownChat(t *testing.T) {
	e := newEnv(t)
	if _, err := e.p.Send(context.Background(), "nope", "hola"); err != ErrUnknownChat {
		t.Fatalf("err = %v, want ErrUnknownChat", err)
	}
}

func TestSend_ProseTurn(t *testing.T) {
	e := newEnv(t)
	e.prov.responses = []agentd.ChatResponse{{Content: "The capital of France is Paris."}}

	res, err := e.p.Send(context.Background(), "c1", "what is the capital of France?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Reply != "The capital of France is Paris." {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.RunID != "" || res.Queued {
		t.Errorf("prose turn must not create runs: %+v", res)
	}
	if last := e.chats.lastMessage(); last.Role != "assistant" {
		t.Errorf("assistant reply not appended, last = %+v", last)
	}
}

func TestSend_ToolCallCreatesDraft(t *testing.T) {
	e := newEnv(t)
	e.prov.responses = []agentd.ChatResponse{
		toolRequestResponse(`{"tool_id":"t1","method":"GET","path":"/items"}`),
	}

	res, err := e.p.Send(context.Background(), "c1", "list the items")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunStatus != agentd.RunDraft || res.RunID == "" {
		t.Fatalf("expected a draft run, got %+v", res)
	}
	if res.PendingRunID != res.RunID {
		t.Errorf("pending id %q != run id %q", res.PendingRunID, res.RunID)
	}
	if !strings.Contains(res.Reply, "confirmo") {
		t.Errorf("draft reply must ask for confirmation: %q", res.Reply)
	}

	st, _ := e.state.GetState(context.Background(), "c1")
	if st.PendingRunID != res.RunID {
		t.Errorf("chat state pending = %q, want %q", st.PendingRunID, res.RunID)
	}
	run, _ := e.runs.GetRun(context.Background(), res.RunID)
	if run.Status != agentd.RunDraft {
		t.Errorf("run status = %q, want draft", run.Status)
	}
	if len(e.runner.jobs) != 0 {
		t.Error("draft creation must not start the runner")
	}
}

func TestSend_ToolCallCommandBodyNormalized(t *testing.T) {
	e := newEnv(t)
	e.prov.responses = []agentd.ChatResponse{
		toolRequestResponse(`{"tool_id":"t1","method":"POST","path":"/command","body":{"command":"ls -la"}}`),
	}

	res, err := e.p.Send(context.Background(), "c1", "list files")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	run, _ := e.runs.GetRun(context.Background(), res.RunID)
	if got := string(run.Plan.Steps[0].Body); got != `{"cmd":"ls -la"}` {
		t.Errorf("normalized body = %s", got)
	}
}

func TestSend_ToolCallUnknownToolRejected(t *testing.T) {
	e := newEnv(t)
	e.prov.responses = []agentd.ChatResponse{
		toolRequestResponse(`{"tool_id":"ghost","method":"GET","path":"/items"}`),
	}

	res, err := e.p.Send(context.Background(), "c1", "use the ghost tool")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunID != "" {
		t.Errorf("unknown tool must not create a draft: %+v", res)
	}
	if !strings.Contains(res.Reply, "unknown or inactive") {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestSend_ToolCallOutsideProjectRejected(t *testing.T) {
	e := newEnv(t)
	e.tools.tools["t2"] = &agentd.ToolServer{ID: "t2", IsActive: true}
	e.prov.responses = []agentd.ChatResponse{
		toolRequestResponse(`{"tool_id":"t2","method":"GET","path":"/items"}`),
	}

	res, err := e.p.Send(context.Background(), "c1", "use the other tool")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunID != "" {
		t.Errorf("out-of-project tool must not create a draft: %+v", res)
	}
}

func TestSend_PendingConfirm(t *testing.T) {
	e := newEnv(t)
	runID := e.seedPending(t, "list items")

	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Queued || res.RunID != runID || res.RunStatus != agentd.RunQueued {
		t.Fatalf("confirm result = %+v", res)
	}
	if len(e.prov.requests) != 0 {
		t.Error("confirmation must not reach the LLM")
	}
	if len(e.runner.jobs) != 1 || e.runner.jobs[0].RunID != runID {
		t.Fatalf("runner jobs = %+v", e.runner.jobs)
	}
	if e.runner.jobs[0].Project == nil || e.runner.jobs[0].Project.ID != "p1" {
		t.Errorf("job project = %+v", e.runner.jobs[0].Project)
	}

	st, _ := e.state.GetState(context.Background(), "c1")
	if st.PendingRunID != "" || st.ActiveRunID != runID {
		t.Errorf("state after confirm = %+v", st)
	}
}

func TestSend_ConfirmWordVariants(t *testing.T) {
	cases := []struct {
		text    string
		confirm bool
	}{
		{"confirmo", true},
		{"CONFIRMO", true},
		{"  sí  ", true},
		{"dale", true},
		{"ok", true},
		{"Confirmo!", false},
		{"confirmo.", false},
		{"confirmo por favor", false},
		{"yes", false},
	}
	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			e := newEnv(t)
			e.seedPending(t, "goal")
			res, err := e.p.Send(context.Background(), "c1", c.text)
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if res.Queued != c.confirm {
				t.Errorf("Send(%q).Queued = %v, want %v", c.text, res.Queued, c.confirm)
			}
		})
	}
}

func TestSend_PendingCancel(t *testing.T) {
	e := newEnv(t)
	runID := e.seedPending(t, "goal")

	res, err := e.p.Send(context.Background(), "c1", "cancela")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(res.Reply, "Cancelled") || !strings.Contains(res.Reply, runID) {
		t.Errorf("reply = %q", res.Reply)
	}
	st, _ := e.state.GetState(context.Background(), "c1")
	if st.PendingRunID != "" || st.ActiveRunID != "" {
		t.Errorf("state after cancel = %+v", st)
	}
	if len(e.runner.jobs) != 0 {
		t.Error("cancel must not start the runner")
	}
}

func TestSend_PendingOtherTextReprompts(t *testing.T) {
	e := newEnv(t)
	runID := e.seedPending(t, "goal")

	res, err := e.p.Send(context.Background(), "c1", "tell me a joke instead")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PendingRunID != runID {
		t.Errorf("pending id = %q, want %q", res.PendingRunID, runID)
	}
	if !strings.Contains(res.Reply, "awaiting confirmation") {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(e.prov.requests) != 0 {
		t.Error("a pending plan must gate the LLM")
	}
}

func TestSend_DoubleConfirmIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.seedPending(t, "goal")

	if _, err := e.p.Send(context.Background(), "c1", "confirmo"); err != nil {
		t.Fatal(err)
	}
	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Queued {
		t.Error("second confirm must not queue again")
	}
	if !strings.Contains(res.Reply, "already executing") {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(e.runner.jobs) != 1 {
		t.Errorf("runner started %d times, want 1", len(e.runner.jobs))
	}
}

func TestSend_LostCASReportsStatus(t *testing.T) {
	e := newEnv(t)
	runID := e.seedPending(t, "goal")
	// Another actor already moved the run out of draft.
	e.runs.runs[runID].Status = agentd.RunDone

	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Queued {
		t.Error("lost CAS must not queue")
	}
	if !strings.Contains(res.Reply, "already handled") || !strings.Contains(res.Reply, agentd.RunDone) {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(e.runner.jobs) != 0 {
		t.Error("lost CAS must not start the runner")
	}
}

func TestSend_StalePendingCleared(t *testing.T) {
	e := newEnv(t)
	_ = e.state.SetState(context.Background(), "c1", agentd.ChatStateUpdate{PendingRunID: agentd.Ptr("gone")})

	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(res.Reply, "no longer exists") {
		t.Errorf("reply = %q", res.Reply)
	}
	st, _ := e.state.GetState(context.Background(), "c1")
	if st.PendingRunID != "" {
		t.Errorf("stale pending not cleared: %q", st.PendingRunID)
	}
}

func TestSend_OrphanConfirmWithActiveRun(t *testing.T) {
	e := newEnv(t)
	_ = e.state.SetState(context.Background(), "c1", agentd.ChatStateUpdate{ActiveRunID: agentd.Ptr("run-active")})

	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(res.Reply, "already executing") || !strings.Contains(res.Reply, "run-active") {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestSend_OrphanConfirmRescuesLatestDraft(t *testing.T) {
	e := newEnv(t)
	plan := agentd.NewPlanRun("goal", []*agentd.PlanStep{{Type: agentd.StepNote, Title: "n"}})
	run, _ := e.runs.CreateRun(context.Background(), "c1", plan.ID, "goal", plan)
	// pending_run_id was lost (e.g. recovery cleared it) but the draft survives.

	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Queued || res.RunID != run.RunID {
		t.Fatalf("draft rescue failed: %+v", res)
	}
}

func TestSend_OrphanCancelWithRecentRun(t *testing.T) {
	e := newEnv(t)
	_ = e.state.SetState(context.Background(), "c1", agentd.ChatStateUpdate{
		LastRunID:     agentd.Ptr("run-old"),
		LastRunStatus: agentd.Ptr(agentd.RunDone),
		LastRunTS:     agentd.Ptr(agentd.NowMS()),
	})

	res, err := e.p.Send(context.Background(), "c1", "cancela")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(res.Reply, "already finished") || !strings.Contains(res.Reply, "run-old") {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestSend_OrphanConfirmWithNothingToDo(t *testing.T) {
	e := newEnv(t)

	res, err := e.p.Send(context.Background(), "c1", "confirmo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(res.Reply, "no pending plan") {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(e.prov.requests) != 0 {
		t.Error("orphan confirmation must not reach the LLM")
	}
}

func TestSend_DirectCommandFastPath(t *testing.T) {
	e := newEnv(t)

	res, err := e.p.Send(context.Background(), "c1", "ejecuta el comando ls -la /tmp")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunStatus != agentd.RunDraft || res.RunID == "" {
		t.Fatalf("fast path must create a draft: %+v", res)
	}
	if len(e.prov.requests) != 0 {
		t.Error("fast path must bypass the LLM")
	}
	run, _ := e.runs.GetRun(context.Background(), res.RunID)
	step := run.Plan.Steps[0]
	if step.Method != "POST" || step.Path != agentd.CommandPath {
		t.Errorf("fast path step = %+v", step)
	}
	if got := string(step.Body); got != `{"cmd":"ls -la /tmp"}` {
		t.Errorf("fast path body = %s", got)
	}
}

func TestSend_FastPathNeedsCommandTool(t *testing.T) {
	e := newEnv(t)
	e.tools.tools["t1"].Endpoints = []agentd.Endpoint{{Method: "GET", Path: "/items"}}
	e.prov.responses = []agentd.ChatResponse{{Content: "no command tool here"}}

	res, err := e.p.Send(context.Background(), "c1", "ejecuta el comando ls")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunID != "" {
		t.Errorf("without a /command tool the fast path must not fire: %+v", res)
	}
	if len(e.prov.requests) != 1 {
		t.Errorf("expected fallthrough to the LLM, got %d calls", len(e.prov.requests))
	}
}

func TestSend_FastPathGatedByPending(t *testing.T) {
	e := newEnv(t)
	runID := e.seedPending(t, "goal")

	res, err := e.p.Send(context.Background(), "c1", "ejecuta el comando rm file")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunID != "" {
		t.Errorf("fast path must not fire while a plan is pending: %+v", res)
	}
	if res.PendingRunID != runID {
		t.Errorf("expected re-prompt for %q, got %+v", runID, res)
	}
}

func TestSend_PlanShapedProseForcesToolChoice(t *testing.T) {
	e := newEnv(t)
	e.prov.responses = []agentd.ChatResponse{
		{Content: "Plan propuesto: paso 1 listar, paso 2 borrar"},
		toolRequestResponse(`{"tool_id":"t1","method":"GET","path":"/items"}`),
	}

	res, err := e.p.Send(context.Background(), "c1", "organiza los archivos")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.RunStatus != agentd.RunDraft {
		t.Fatalf("forced retry must yield a draft: %+v", res)
	}
	if len(e.prov.requests) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(e.prov.requests))
	}
	if e.prov.requests[0].ToolChoice != "auto" {
		t.Errorf("first call tool choice = %q", e.prov.requests[0].ToolChoice)
	}
	if e.prov.requests[1].ToolChoice != toolRequestName {
		t.Errorf("second call tool choice = %q, want forced %q", e.prov.requests[1].ToolChoice, toolRequestName)
	}
}

func TestSend_HistoryExcludesEnvelopes(t *testing.T) {
	e := newEnv(t)
	envl := agentd.Envelope{Kind: agentd.KindRunDone, RunID: "r"}
	_ = e.chats.AddMessage(context.Background(), "c1", "assistant", envl.Encode())
	_ = e.chats.AddMessage(context.Background(), "c1", "assistant", "plain prose reply")
	e.prov.responses = []agentd.ChatResponse{{Content: "ok"}}

	if _, err := e.p.Send(context.Background(), "c1", "hola"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, m := range e.prov.requests[0].Messages {
		if strings.HasPrefix(m.Content, agentd.EnvelopeSentinel) {
			t.Fatal("run envelope leaked into the LLM history")
		}
	}
}

func TestStartRun(t *testing.T) {
	e := newEnv(t)
	runID := e.seedPending(t, "goal")

	res, err := e.p.StartRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if !res.Queued || res.RunID != runID {
		t.Fatalf("StartRun result = %+v", res)
	}

	// Second start loses the CAS.
	res, err = e.p.StartRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.Queued {
		t.Error("second StartRun must not queue again")
	}

	if _, err := e.p.StartRun(context.Background(), "ghost"); err != ErrUnknownRun {
		t.Errorf("err = %v, want ErrUnknownRun", err)
	}
}
