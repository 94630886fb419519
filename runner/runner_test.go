package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/executor"
)

// --- in-memory fakes ---

type memRuns struct {
	agentd.PlanRunStore
	mu   sync.Mutex
	runs map[string]*agentd.PlanRunState
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[string]*agentd.PlanRunState{}}
}

func (m *memRuns) put(r *agentd.PlanRunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.RunID] = r
}

func (m *memRuns) GetRun(ctx context.Context, runID string) (*agentd.PlanRunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) UpdateRun(ctx context.Context, runID string, u agentd.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.CurrentStepPath != nil {
		r.CurrentStepPath = *u.CurrentStepPath
	}
	if u.LastEvent != nil {
		r.LastEvent = *u.LastEvent
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.Plan != nil {
		r.Plan = u.Plan
	}
	r.UpdatedTS = agentd.NowMS()
	return nil
}

type memState struct {
	mu    sync.Mutex
	state map[string]agentd.ChatState
}

func newMemState() *memState {
	return &memState{state: map[string]agentd.ChatState{}}
}

func (m *memState) GetState(ctx context.Context, chatID string) (agentd.ChatState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[chatID], nil
}

func (m *memState) SetState(ctx context.Context, chatID string, u agentd.ChatStateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[chatID]
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
	m.state[chatID] = st
	return nil
}

type memChats struct {
	agentd.ChatStore
	mu   sync.Mutex
	msgs []agentd.Message
}

func (m *memChats) AddMessage(ctx context.Context, chatID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, agentd.Message{ChatID: chatID, Role: role, Content: content})
	return nil
}

func (m *memChats) PreviewTitle(ctx context.Context, chatID string) error { return nil }

func (m *memChats) envelopes() []agentd.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agentd.Envelope
	for _, msg := range m.msgs {
		if e, ok := agentd.ParseEnvelope(msg.Content); ok {
			out = append(out, e)
		}
	}
	return out
}

func (m *memChats) kinds() []string {
	var out []string
	for _, e := range m.envelopes() {
		out = append(out, e.Kind)
	}
	return out
}

type scriptedFixer struct {
	mu       sync.Mutex
	requests []FixRequest
	proposal *FixProposal
}

func (s *scriptedFixer) ProposeFix(ctx context.Context, req FixRequest) (*FixProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.proposal, nil
}

// --- helpers ---

func commandPlan(cmd string) *agentd.PlanRun {
	body, _ := json.Marshal(map[string]string{"cmd": cmd})
	return agentd.NewPlanRun("run "+cmd, []*agentd.PlanStep{{
		Title:  "POST /command",
		Type:   agentd.StepToolCall,
		ToolID: "t1",
		Method: "POST",
		Path:   agentd.CommandPath,
		Body:   body,
	}})
}

func seededJob(runs *memRuns, plan *agentd.PlanRun) Job {
	state := &agentd.PlanRunState{
		RunID:  "run-1",
		ChatID: "chat-1",
		PlanID: plan.ID,
		Goal:   plan.Goal,
		Status: agentd.RunQueued,
		Plan:   plan,
	}
	runs.put(state)
	return Job{RunID: "run-1", ChatID: "chat-1", Plan: plan}
}

func cmdResult(exit int, stdout, stderr string) map[string]any {
	return map[string]any{"status": "ok", "exit_code": exit, "stdout": stdout, "stderr": stderr}
}

func factoryOf(invoke executor.InvokeFunc) InvokerFactory {
	return func(proj *agentd.Project) executor.InvokeFunc { return invoke }
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// --- tests ---

func TestExecute_SuccessfulRun(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}

	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		return 200, cmdResult(0, "done\n", "")
	}
	r := New(runs, state, chats, factoryOf(invoke))

	plan := commandPlan("echo done")
	r.Execute(context.Background(), seededJob(runs, plan))

	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunDone {
		t.Fatalf("run status = %q, want done", final.Status)
	}

	kinds := chats.kinds()
	for _, want := range []string{agentd.KindRunStart, agentd.KindStepStart, agentd.KindStepOK, agentd.KindRunDone} {
		if !contains(kinds, want) {
			t.Errorf("missing envelope kind %q in %v", want, kinds)
		}
	}

	st, _ := state.GetState(context.Background(), "chat-1")
	if st.ActiveRunID != "" {
		t.Errorf("active run not cleared: %q", st.ActiveRunID)
	}
	if st.LastRunID != "run-1" || st.LastRunStatus != agentd.RunDone {
		t.Errorf("last run bookkeeping wrong: %+v", st)
	}
}

func TestExecute_PlainRetriesThenSuccess(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}

	var calls int
	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		calls++
		if calls < 3 {
			return 200, cmdResult(1, "", "transient")
		}
		return 200, cmdResult(0, "ok", "")
	}
	r := New(runs, state, chats, factoryOf(invoke), WithMaxAttempts(3))

	r.Execute(context.Background(), seededJob(runs, commandPlan("flaky")))

	if calls != 3 {
		t.Fatalf("expected 3 invocations (2 failures + success), got %d", calls)
	}
	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunDone {
		t.Fatalf("run status = %q, want done", final.Status)
	}
	kinds := chats.kinds()
	retries := 0
	for _, k := range kinds {
		if k == agentd.KindStepRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("expected 2 step_retry envelopes, got %d (%v)", retries, kinds)
	}
}

func TestExecute_ReasonerEngagedOnExhaustedAttempts(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}
	fixer := &scriptedFixer{proposal: &FixProposal{Cmd: "ls -la /tmp", Why: "missing flag"}}

	var bodies []string
	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		bodies = append(bodies, string(body))
		if len(bodies) <= 3 {
			return 200, cmdResult(2, "", "bad usage")
		}
		return 200, cmdResult(0, "fixed", "")
	}
	r := New(runs, state, chats, factoryOf(invoke), WithMaxAttempts(3), WithReasoner(fixer))

	plan := commandPlan("ls --bogus")
	r.Execute(context.Background(), seededJob(runs, plan))

	if len(fixer.requests) != 1 {
		t.Fatalf("reasoner must be consulted exactly once, got %d", len(fixer.requests))
	}
	if fixer.requests[0].Attempt != 3 {
		t.Errorf("reasoner consulted at attempt %d, want 3", fixer.requests[0].Attempt)
	}
	if len(bodies) != 4 {
		t.Fatalf("expected 4 invocations (3 failures + repaired), got %d", len(bodies))
	}
	if bodies[3] != `{"cmd":"ls -la /tmp"}` {
		t.Errorf("repaired invocation body = %s", bodies[3])
	}

	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunDone {
		t.Fatalf("run status = %q, want done", final.Status)
	}
	// The persisted plan must carry the repaired command.
	got := string(final.Plan.Steps[0].Body)
	if got != `{"cmd":"ls -la /tmp"}` {
		t.Errorf("persisted step body = %s", got)
	}
}

func TestExecute_DangerousProposalVetoed(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}
	fixer := &scriptedFixer{proposal: &FixProposal{Cmd: "rm -rf /", Why: "clean slate"}}

	var calls int
	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		calls++
		return 200, cmdResult(1, "", "persistent failure")
	}
	r := New(runs, state, chats, factoryOf(invoke), WithMaxAttempts(3), WithReasoner(fixer))

	r.Execute(context.Background(), seededJob(runs, commandPlan("broken")))

	if calls != 3 {
		t.Fatalf("vetoed proposal must not dispatch, got %d calls", calls)
	}
	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunError {
		t.Fatalf("run status = %q, want error", final.Status)
	}
}

func TestExecute_NoReasonerFailsTerminally(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}

	var calls int
	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		calls++
		return 200, cmdResult(1, "", "nope")
	}
	r := New(runs, state, chats, factoryOf(invoke), WithMaxAttempts(3))

	r.Execute(context.Background(), seededJob(runs, commandPlan("broken")))

	if calls != 3 {
		t.Fatalf("expected exactly maxAttempts invocations, got %d", calls)
	}
	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunError {
		t.Fatalf("run status = %q, want error", final.Status)
	}
}

func TestExecute_Timeout(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}

	block := make(chan struct{})
	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		<-block
		return 0, nil
	}
	r := New(runs, state, chats, factoryOf(invoke), WithTimeout(30*time.Millisecond))
	defer close(block)

	r.Execute(context.Background(), seededJob(runs, commandPlan("sleep forever")))

	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunError {
		t.Fatalf("run status = %q, want error", final.Status)
	}
	if final.Error != "plan_timeout" {
		t.Errorf("run error = %q, want plan_timeout", final.Error)
	}
	if !contains(chats.kinds(), agentd.KindRunTimeout) {
		t.Errorf("missing run_timeout envelope: %v", chats.kinds())
	}
	st, _ := state.GetState(context.Background(), "chat-1")
	if st.ActiveRunID != "" {
		t.Errorf("active run must be cleared after timeout, got %q", st.ActiveRunID)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}

	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		cancel()
		<-block
		return 0, nil
	}
	r := New(runs, state, chats, factoryOf(invoke), WithTimeout(time.Minute))
	defer close(block)

	r.Execute(ctx, seededJob(runs, commandPlan("whatever")))

	final, _ := runs.GetRun(context.Background(), "run-1")
	if final.Status != agentd.RunError {
		t.Fatalf("run status = %q, want error", final.Status)
	}
	if final.Error != "cancelled" {
		t.Errorf("run error = %q, want cancelled", final.Error)
	}
	if !contains(chats.kinds(), agentd.KindRunCancelled) {
		t.Errorf("missing run_cancelled envelope: %v", chats.kinds())
	}
}

func TestFinalize_DoesNotClobberNewerRuns(t *testing.T) {
	runs := newMemRuns()
	state := newMemState()
	chats := &memChats{}

	invoke := func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		return 200, cmdResult(0, "", "")
	}
	r := New(runs, state, chats, factoryOf(invoke))

	job := seededJob(runs, commandPlan("echo hi"))

	// Another run took the active slot and a newer draft is pending.
	_ = state.SetState(context.Background(), "chat-1", agentd.ChatStateUpdate{
		ActiveRunID:  agentd.Ptr("run-other"),
		PendingRunID: agentd.Ptr("run-newer-draft"),
	})

	r.finalize(context.Background(), job)

	st, _ := state.GetState(context.Background(), "chat-1")
	if st.ActiveRunID != "run-other" {
		t.Errorf("finalize clobbered another run's active slot: %q", st.ActiveRunID)
	}
	if st.PendingRunID != "run-newer-draft" {
		t.Errorf("finalize clobbered a newer pending draft: %q", st.PendingRunID)
	}
	if st.LastRunID != "run-1" {
		t.Errorf("last_run_id = %q, want run-1", st.LastRunID)
	}
}

func TestCommandOf(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"cmd":"ls -la"}`, "ls -la"},
		{`"ls -la"`, "ls -la"},
		{``, ""},
	}
	for _, c := range cases {
		if got := commandOf(json.RawMessage(c.body)); got != c.want {
			t.Errorf("commandOf(%q) = %q, want %q", c.body, got, c.want)
		}
	}
}
