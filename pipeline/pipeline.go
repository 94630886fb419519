// Package pipeline handles one user message end to end: the per-chat
// confirmation protocol, plan synthesis through the LLM, draft creation,
// and the handoff of confirmed runs to the background runner.
//
// The confirmation guard runs before and independently of the LLM; a
// chat with a pending plan never reaches the model until the user
// confirms or cancels.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/runner"
)

// Confirmation vocabulary. Matching is exact after lowercase and trim;
// "Confirmo!" does not confirm.
var (
	confirmWords = map[string]bool{
		"confirmo": true, "sí": true, "si": true, "ok": true,
		"dale": true, "ejecuta": true, "proceder": true, "continuar": true,
	}
	cancelWords = map[string]bool{
		"cancela": true, "cancelar": true, "no": true, "detener": true, "para": true,
	}
)

// directCommandRe is the fast-path extractor: a narrow imperative prefix
// so only explicit "run the command …" messages bypass the LLM.
var directCommandRe = regexp.MustCompile(`(?i)^\s*(?:ejecuta|corre|lanza)\s+el\s+comando\s+(.+?)\s*$`)

// DefaultRecencyWindow bounds the "that plan already finished" reply for
// orphan confirmations.
const DefaultRecencyWindow = 2 * time.Minute

// ErrUnknownChat is returned when the chat id does not exist.
var ErrUnknownChat = errors.New("chat not found")

// ErrEmptyMessage is returned for blank user messages.
var ErrEmptyMessage = errors.New("empty message")

// ErrUnknownRun is returned when the run id does not exist.
var ErrUnknownRun = errors.New("run not found")

// Result is the outcome of one Send call, mapped onto the HTTP reply by
// the caller.
type Result struct {
	Reply        string
	RunID        string // set when a run was created or confirmed
	RunStatus    string // "draft" or "queued" when RunID is set
	PendingRunID string // echoed while a plan awaits confirmation
	Queued       bool   // true when a run was handed off this call
}

// starter abstracts the background runner for tests.
type starter interface {
	Start(ctx context.Context, job runner.Job)
}

// Pipeline is the per-message request handler.
type Pipeline struct {
	chats    agentd.ChatStore
	state    agentd.ChatStateRepo
	runs     agentd.PlanRunStore
	tools    agentd.ToolStore
	provider agentd.Provider
	runner   starter

	logger        *slog.Logger
	basePrompt    string
	recencyWindow time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithBasePrompt overrides the base system prompt.
func WithBasePrompt(s string) Option {
	return func(p *Pipeline) { p.basePrompt = s }
}

// WithRecencyWindow overrides the orphan-confirmation recency window.
func WithRecencyWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.recencyWindow = d }
}

// New creates a Pipeline.
func New(chats agentd.ChatStore, state agentd.ChatStateRepo, runs agentd.PlanRunStore, tools agentd.ToolStore, provider agentd.Provider, r starter, opts ...Option) *Pipeline {
	p := &Pipeline{
		chats:         chats,
		state:         state,
		runs:          runs,
		tools:         tools,
		provider:      provider,
		runner:        r,
		basePrompt:    defaultBasePrompt,
		recencyWindow: DefaultRecencyWindow,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Send processes one user message for the chat. First matching clause
// wins: fast path, confirmation guard, then the LLM turn.
func (p *Pipeline) Send(ctx context.Context, chatID, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}

	chat, err := p.chats.GetChat(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("get chat: %w", err)
	}
	if chat == nil {
		return Result{}, ErrUnknownChat
	}
	proj, err := p.chats.GetProject(ctx, chat.ProjectID)
	if err != nil {
		return Result{}, fmt.Errorf("get project: %w", err)
	}

	// The user message lands in the log before any state inspection so
	// polling UIs observe a consistent order.
	if err := p.chats.AddMessage(ctx, chatID, "user", text); err != nil {
		return Result{}, fmt.Errorf("append user message: %w", err)
	}

	st, err := p.state.GetState(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("get chat state: %w", err)
	}

	if m := directCommandRe.FindStringSubmatch(text); m != nil && st.PendingRunID == "" && st.ActiveRunID == "" {
		if res, ok, err := p.directCommand(ctx, chatID, proj, text, m[1]); err != nil {
			return Result{}, err
		} else if ok {
			return res, nil
		}
	}

	word := strings.ToLower(strings.TrimSpace(text))
	isConfirm := confirmWords[word]
	isCancel := cancelWords[word]

	if st.PendingRunID == "" && (isConfirm || isCancel) {
		return p.orphanConfirmation(ctx, chatID, st, isConfirm)
	}

	if st.PendingRunID != "" {
		return p.pendingTurn(ctx, chatID, st, isConfirm, isCancel)
	}

	return p.llmTurn(ctx, chatID, proj, text)
}

// StartRun confirms a draft run directly by id, outside the chat
// message flow. Same CAS semantics as a "confirmo" reply: repeated
// calls are idempotent, the first wins.
func (p *Pipeline) StartRun(ctx context.Context, runID string) (Result, error) {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return Result{}, ErrUnknownRun
	}
	return p.confirmRun(ctx, run.ChatID, runID)
}

// reply appends an assistant message and returns it as the Result.
func (p *Pipeline) reply(ctx context.Context, chatID, text string, res Result) (Result, error) {
	if err := p.chats.AddMessage(ctx, chatID, "assistant", text); err != nil {
		return Result{}, fmt.Errorf("append assistant message: %w", err)
	}
	res.Reply = text
	return res, nil
}

// --- Confirmation handling ---

// orphanConfirmation handles confirm/cancel words arriving with no
// pending plan: an active run, a recoverable draft, or a recently
// finished run each get an idempotent, informative reply.
func (p *Pipeline) orphanConfirmation(ctx context.Context, chatID string, st agentd.ChatState, isConfirm bool) (Result, error) {
	if st.ActiveRunID != "" {
		return p.reply(ctx, chatID,
			fmt.Sprintf("A plan is already executing (run_id=%s).", st.ActiveRunID), Result{})
	}

	if isConfirm {
		draftID, err := p.runs.LatestRunID(ctx, chatID, agentd.RunDraft)
		if err != nil {
			return Result{}, fmt.Errorf("latest draft: %w", err)
		}
		if draftID != "" {
			return p.confirmRun(ctx, chatID, draftID)
		}
	}

	if st.LastRunTS > 0 && agentd.NowMS()-st.LastRunTS <= p.recencyWindow.Milliseconds() {
		return p.reply(ctx, chatID,
			fmt.Sprintf("That plan already finished (run_id=%s, status=%s).", st.LastRunID, st.LastRunStatus), Result{})
	}

	return p.reply(ctx, chatID, "There is no pending plan to confirm or cancel.", Result{})
}

// pendingTurn handles any message while a plan awaits confirmation.
// Anything that is not an exact confirm or cancel word re-prompts and
// never reaches the LLM.
func (p *Pipeline) pendingTurn(ctx context.Context, chatID string, st agentd.ChatState, isConfirm, isCancel bool) (Result, error) {
	run, err := p.runs.GetRun(ctx, st.PendingRunID)
	if err != nil {
		return Result{}, fmt.Errorf("get pending run: %w", err)
	}
	if run == nil {
		if err := p.state.SetState(ctx, chatID, agentd.ChatStateUpdate{PendingRunID: agentd.Ptr("")}); err != nil {
			return Result{}, fmt.Errorf("clear stale pending: %w", err)
		}
		return p.reply(ctx, chatID, "The proposed plan no longer exists. Send the request again.", Result{})
	}

	switch {
	case isConfirm:
		return p.confirmRun(ctx, chatID, st.PendingRunID)

	case isCancel:
		if err := p.state.SetState(ctx, chatID, agentd.ChatStateUpdate{
			PendingRunID: agentd.Ptr(""),
			ActiveRunID:  agentd.Ptr(""),
		}); err != nil {
			return Result{}, fmt.Errorf("clear state on cancel: %w", err)
		}
		return p.reply(ctx, chatID,
			fmt.Sprintf("Cancelled. The plan (run_id=%s) will not run.", st.PendingRunID), Result{})

	default:
		res, err := p.reply(ctx, chatID,
			fmt.Sprintf("A plan is awaiting confirmation (run_id=%s). Reply \"confirmo\" to execute it or \"cancela\" to discard it.", st.PendingRunID),
			Result{PendingRunID: st.PendingRunID})
		return res, err
	}
}

// confirmRun runs the CAS and, only on success, flips chat state and
// hands the run to the background runner. A lost CAS has no side
// effects beyond an idempotent status reply.
func (p *Pipeline) confirmRun(ctx context.Context, chatID, runID string) (Result, error) {
	won, err := p.runs.TryMarkQueued(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("mark queued: %w", err)
	}
	if !won {
		run, err := p.runs.GetRun(ctx, runID)
		status := "unknown"
		if err == nil && run != nil {
			status = run.Status
		}
		return p.reply(ctx, chatID,
			fmt.Sprintf("That plan was already handled (run_id=%s, status=%s).", runID, status), Result{})
	}

	run, err := p.runs.GetRun(ctx, runID)
	if err != nil || run == nil || run.Plan == nil {
		return Result{}, fmt.Errorf("load queued run %s: %w", runID, err)
	}

	if err := p.state.SetState(ctx, chatID, agentd.ChatStateUpdate{
		ActiveRunID:  agentd.Ptr(runID),
		PendingRunID: agentd.Ptr(""),
	}); err != nil {
		return Result{}, fmt.Errorf("set active run: %w", err)
	}

	proj, err := p.projectForChat(ctx, chatID)
	if err != nil {
		p.logger.Warn("confirm: project lookup failed", "chat_id", chatID, "err", err)
	}

	p.runner.Start(context.WithoutCancel(ctx), runner.Job{
		RunID:   runID,
		ChatID:  chatID,
		Plan:    run.Plan,
		Project: proj,
	})

	res, err := p.reply(ctx, chatID,
		fmt.Sprintf("Confirmed. Executing plan (run_id=%s)…", runID),
		Result{RunID: runID, RunStatus: agentd.RunQueued, Queued: true})
	return res, err
}

func (p *Pipeline) projectForChat(ctx context.Context, chatID string) (*agentd.Project, error) {
	chat, err := p.chats.GetChat(ctx, chatID)
	if err != nil || chat == nil {
		return nil, err
	}
	return p.chats.GetProject(ctx, chat.ProjectID)
}

// --- Draft creation ---

// directCommand implements the no-LLM fast path: an explicit imperative
// plus a project tool exposing POST /command become a one-step draft.
func (p *Pipeline) directCommand(ctx context.Context, chatID string, proj *agentd.Project, goal, cmd string) (Result, bool, error) {
	toolID, err := p.commandToolFor(ctx, proj)
	if err != nil {
		return Result{}, false, err
	}
	if toolID == "" {
		return Result{}, false, nil
	}

	body, _ := json.Marshal(map[string]string{"cmd": cmd})
	step := &agentd.PlanStep{
		Title:  "POST /command",
		Type:   agentd.StepToolCall,
		ToolID: toolID,
		Method: "POST",
		Path:   agentd.CommandPath,
		Body:   body,
	}
	res, err := p.proposePlan(ctx, chatID, goal, []*agentd.PlanStep{step})
	if err != nil {
		return Result{}, false, err
	}
	return res, true, nil
}

// commandToolFor returns an active project tool exposing POST /command.
func (p *Pipeline) commandToolFor(ctx context.Context, proj *agentd.Project) (string, error) {
	if proj == nil {
		return "", nil
	}
	for _, id := range proj.ToolIDs {
		t, err := p.tools.GetTool(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get tool %s: %w", id, err)
		}
		if t != nil && t.IsActive && t.HasEndpoint("POST", agentd.CommandPath) {
			return t.ID, nil
		}
	}
	return "", nil
}

// proposePlan persists a draft and sets pending_run_id before the
// "plan proposed" reply becomes visible.
func (p *Pipeline) proposePlan(ctx context.Context, chatID, goal string, steps []*agentd.PlanStep) (Result, error) {
	plan := agentd.NewPlanRun(goal, steps)
	run, err := p.runs.CreateRun(ctx, chatID, plan.ID, goal, plan)
	if err != nil {
		return Result{}, fmt.Errorf("create draft run: %w", err)
	}
	if err := p.state.SetState(ctx, chatID, agentd.ChatStateUpdate{PendingRunID: agentd.Ptr(run.RunID)}); err != nil {
		return Result{}, fmt.Errorf("set pending run: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan proposed (run_id=%s): %s\n", run.RunID, goal)
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, stepLabel(s))
	}
	b.WriteString("Reply \"confirmo\" to execute it or \"cancela\" to discard it.")

	res, err := p.reply(ctx, chatID, b.String(),
		Result{RunID: run.RunID, RunStatus: agentd.RunDraft, PendingRunID: run.RunID})
	return res, err
}

func stepLabel(s *agentd.PlanStep) string {
	if s.Title != "" {
		return s.Title
	}
	if s.Type == agentd.StepToolCall {
		return fmt.Sprintf("%s %s", s.Method, s.Path)
	}
	return s.Type
}
