// Package runner executes confirmed plans in the background. It wraps
// the deterministic executor with UX event emission, a command retry
// loop with LLM-proposed repair, a whole-plan timeout, cancellation
// handling, and a finalizer that leaves chat state consistent on every
// exit path.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drojas/agentd"
	"github.com/drojas/agentd/executor"
)

// Defaults for the retry loop and the whole-plan timeout.
const (
	DefaultMaxAttempts = 3
	DefaultPlanTimeout = 10 * time.Minute
)

// InvokerFactory binds an invoke function to a project's tool allowlist.
type InvokerFactory func(proj *agentd.Project) executor.InvokeFunc

// Runner drives one confirmed run end to end.
type Runner struct {
	runs       agentd.PlanRunStore
	state      agentd.ChatStateRepo
	chats      agentd.ChatStore
	invokerFor InvokerFactory
	reasoner   FixProposer

	logger      *slog.Logger
	timeout     time.Duration
	maxAttempts int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a structured logger for run-level events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTimeout overrides the whole-plan timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithMaxAttempts overrides the per-command attempt budget. The reasoner
// is consulted on the attempt that would otherwise give up.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) { r.maxAttempts = n }
}

// WithReasoner sets the repair policy for repeatedly failed commands.
// Without one, exhausted commands fail terminally.
func WithReasoner(p FixProposer) Option {
	return func(r *Runner) { r.reasoner = p }
}

// New creates a Runner.
func New(runs agentd.PlanRunStore, state agentd.ChatStateRepo, chats agentd.ChatStore, invokerFor InvokerFactory, opts ...Option) *Runner {
	r := &Runner{
		runs:        runs,
		state:       state,
		chats:       chats,
		invokerFor:  invokerFor,
		timeout:     DefaultPlanTimeout,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Job identifies one confirmed run handed off for background execution.
type Job struct {
	RunID   string
	ChatID  string
	Plan    *agentd.PlanRun
	Project *agentd.Project
}

// Start launches Execute on its own goroutine. The caller's context
// bounds the run: cancelling it cancels the plan.
func (r *Runner) Start(ctx context.Context, job Job) {
	go r.Execute(ctx, job)
}

// Execute runs the plan synchronously. It always terminates the run
// record with done or error and always runs the finalizer, including on
// timeout and cancellation.
func (r *Runner) Execute(ctx context.Context, job Job) {
	// Store and chat-log writes must survive timeout/cancellation so the
	// terminal state and envelopes always land.
	bg := context.WithoutCancel(ctx)

	r.updateRun(bg, job.RunID, agentd.RunUpdate{
		Status:    agentd.Ptr(agentd.RunRunning),
		LastEvent: agentd.Ptr("runner_started"),
	})
	r.ensureActive(bg, job)

	defer r.finalize(bg, job)

	r.emit(bg, job, agentd.Envelope{Kind: agentd.KindRunStart, RunID: job.RunID, Goal: job.Plan.Goal})
	r.logger.Info("run start", "run_id", job.RunID, "chat_id", job.ChatID, "goal", job.Plan.Goal)

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	invoke := r.invokeWithRetry(bg, job)
	exec := executor.New(invoke, executor.WithLogger(r.logger))

	done := make(chan *agentd.PlanRun, 1)
	go func() {
		done <- exec.Run(execCtx, job.Plan)
	}()

	select {
	case final := <-done:
		status := agentd.RunDone
		if final.Status == agentd.PlanError {
			status = agentd.RunError
		}
		r.updateRun(bg, job.RunID, agentd.RunUpdate{
			Status:    agentd.Ptr(status),
			Plan:      final,
			LastEvent: agentd.Ptr("run_done"),
		})
		r.emit(bg, job, agentd.Envelope{
			Kind:     agentd.KindRunDone,
			RunID:    job.RunID,
			Goal:     final.Goal,
			StepPath: final.CurrentStepPath,
			Status:   status,
		})
		r.logger.Info("run finish", "run_id", job.RunID, "status", status)

	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Host cancellation, not the plan timeout.
			r.updateRun(bg, job.RunID, agentd.RunUpdate{
				Status:    agentd.Ptr(agentd.RunError),
				Error:     agentd.Ptr("cancelled"),
				LastEvent: agentd.Ptr("run_cancelled"),
			})
			r.emit(bg, job, agentd.Envelope{Kind: agentd.KindRunCancelled, RunID: job.RunID, Goal: job.Plan.Goal})
			r.logger.Warn("run cancelled", "run_id", job.RunID)
			return
		}
		r.updateRun(bg, job.RunID, agentd.RunUpdate{
			Status:    agentd.Ptr(agentd.RunError),
			Error:     agentd.Ptr("plan_timeout"),
			LastEvent: agentd.Ptr("run_timeout"),
		})
		r.emit(bg, job, agentd.Envelope{Kind: agentd.KindRunTimeout, RunID: job.RunID, Goal: job.Plan.Goal})
		r.logger.Warn("run timed out", "run_id", job.RunID, "timeout", r.timeout)
	}
}

// ensureActive records this run as the chat's active run unless another
// run already holds the slot.
func (r *Runner) ensureActive(ctx context.Context, job Job) {
	st, err := r.state.GetState(ctx, job.ChatID)
	if err != nil {
		r.logger.Warn("ensure active: read state", "run_id", job.RunID, "err", err)
		return
	}
	if st.ActiveRunID == "" || st.ActiveRunID == job.RunID {
		if err := r.state.SetState(ctx, job.ChatID, agentd.ChatStateUpdate{ActiveRunID: agentd.Ptr(job.RunID)}); err != nil {
			r.logger.Warn("ensure active: write state", "run_id", job.RunID, "err", err)
		}
	}
}

// finalize leaves ChatState in its terminal form. It must never clobber
// a draft or run created while this run was executing, so active and
// pending are cleared only if they still reference this run. Errors are
// logged, never raised.
func (r *Runner) finalize(ctx context.Context, job Job) {
	final := "unknown"
	if rr, err := r.runs.GetRun(ctx, job.RunID); err == nil && rr != nil {
		final = rr.Status
	} else if err != nil {
		r.logger.Warn("finalize: read run", "run_id", job.RunID, "err", err)
	}
	r.logger.Info("run finalize", "run_id", job.RunID, "final_status", final)

	st, err := r.state.GetState(ctx, job.ChatID)
	if err != nil {
		r.logger.Warn("finalize: read state", "run_id", job.RunID, "err", err)
		st = agentd.ChatState{}
	}

	u := agentd.ChatStateUpdate{
		LastRunID:     agentd.Ptr(job.RunID),
		LastRunStatus: agentd.Ptr(final),
		LastRunTS:     agentd.Ptr(agentd.NowMS()),
	}
	if st.ActiveRunID == job.RunID {
		u.ActiveRunID = agentd.Ptr("")
	}
	if st.PendingRunID == job.RunID {
		u.PendingRunID = agentd.Ptr("")
	}
	if err := r.state.SetState(ctx, job.ChatID, u); err != nil {
		r.logger.Error("finalize: state cleanup failed", "run_id", job.RunID, "chat_id", job.ChatID, "err", err)
	}

	if err := r.chats.PreviewTitle(ctx, job.ChatID); err != nil {
		r.logger.Warn("finalize: preview title", "run_id", job.RunID, "err", err)
	}
}

// emit records the event on the run row and appends the envelope to the
// chat log. From the consumer's view the two land together: the run row
// first, then the message.
func (r *Runner) emit(ctx context.Context, job Job, e agentd.Envelope) {
	u := agentd.RunUpdate{LastEvent: agentd.Ptr(e.Kind)}
	if e.StepPath != "" {
		u.CurrentStepPath = agentd.Ptr(e.StepPath)
	}
	r.updateRun(ctx, job.RunID, u)

	if err := r.chats.AddMessage(ctx, job.ChatID, "assistant", e.Encode()); err != nil {
		r.logger.Warn("emit: append message", "run_id", job.RunID, "kind", e.Kind, "err", err)
	}
}

func (r *Runner) updateRun(ctx context.Context, runID string, u agentd.RunUpdate) {
	if err := r.runs.UpdateRun(ctx, runID, u); err != nil {
		r.logger.Warn("update run failed", "run_id", runID, "err", err)
	}
}

// invokeWithRetry wraps the project-bound invoker with the command retry
// state machine. Plain command failures are retried as-is up to the
// attempt budget; on the final attempt the reasoner may substitute a
// corrected command, which must differ from the previous one and clear
// the deny-list before it is dispatched.
func (r *Runner) invokeWithRetry(emitCtx context.Context, job Job) executor.InvokeFunc {
	inner := r.invokerFor(job.Project)

	return func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any) {
		stepPath := job.Plan.CurrentStepPath
		title := fmt.Sprintf("%s %s", method, path)
		ev := func(kind, detail string) {
			r.emit(emitCtx, job, agentd.Envelope{
				Kind:     kind,
				RunID:    job.RunID,
				Goal:     job.Plan.Goal,
				StepPath: stepPath,
				Title:    title,
				Detail:   detail,
			})
		}

		ev(agentd.KindStepStart, "")

		attempt := 1
		currentBody := body

		for {
			code, result := inner(ctx, toolID, method, path, query, currentBody)

			if code < 200 || code >= 300 {
				ev(agentd.KindStepErr, short(result))
				return code, result
			}

			if !agentd.IsCommandCall(method, path) {
				ev(agentd.KindStepOK, short(result))
				return code, result
			}

			failed, reason := agentd.CommandFailed(result)
			if !failed {
				ev(agentd.KindStepOK, short(result))
				return code, result
			}

			if attempt >= r.maxAttempts {
				proposal := r.proposeFix(ctx, job, currentBody, result, attempt)
				if proposal == nil || LooksDangerous(proposal.Cmd) {
					if proposal != nil {
						r.logger.Warn("reasoner proposal vetoed by deny-list", "run_id", job.RunID, "step", stepPath)
					}
					ev(agentd.KindStepErr, reason)
					return code, result
				}
				attempt++
				currentBody = commandBody(proposal.Cmd)
				replaceStepBody(job.Plan, stepPath, currentBody)
				ev(agentd.KindStepRetry, "reasoned retry: "+short(proposal.Cmd))
				continue
			}

			attempt++
			ev(agentd.KindStepRetry, fmt.Sprintf("retrying command (%d/%d)", attempt, r.maxAttempts))
		}
	}
}

// proposeFix consults the reasoner about a failed command. Returns nil
// when no reasoner is configured, the call fails, or the model gives up.
func (r *Runner) proposeFix(ctx context.Context, job Job, body json.RawMessage, result any, attempt int) *FixProposal {
	if r.reasoner == nil {
		return nil
	}
	stdout, stderr := commandOutput(result)
	proposal, err := r.reasoner.ProposeFix(ctx, FixRequest{
		Goal:        job.Plan.Goal,
		PrevCmd:     commandOf(body),
		Stdout:      stdout,
		Stderr:      stderr,
		Attempt:     attempt,
		MaxAttempts: r.maxAttempts,
	})
	if err != nil {
		r.logger.Warn("reasoner call failed", "run_id", job.RunID, "err", err)
		return nil
	}
	return proposal
}

// commandOf extracts the cmd string from a /command body, accepting a
// bare string or a {"cmd": …} object.
func commandOf(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s
	}
	var obj struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &obj); err == nil {
		return obj.Cmd
	}
	return string(body)
}

// replaceStepBody records a repaired command on the step itself so the
// persisted plan reflects what actually ran.
func replaceStepBody(plan *agentd.PlanRun, stepPath string, body json.RawMessage) {
	for _, fs := range executor.Flatten(plan.Steps) {
		if fs.Path == stepPath {
			fs.Step.Body = body
			return
		}
	}
}

func commandBody(cmd string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"cmd": cmd})
	return b
}

// commandOutput pulls stdout/stderr from a /command payload.
func commandOutput(result any) (stdout, stderr string) {
	obj, ok := result.(map[string]any)
	if !ok {
		return "", ""
	}
	if s, ok := obj["stdout"].(string); ok {
		stdout = s
	}
	if s, ok := obj["stderr"].(string); ok {
		stderr = s
	}
	return stdout, stderr
}

// short truncates a payload for chat-visible detail lines.
func short(x any) string {
	var s string
	switch v := x.(type) {
	case string:
		s = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(b)
		}
	}
	s = strings.ReplaceAll(s, "\r", "")
	const maxLen = 240
	if len(s) > maxLen {
		return s[:maxLen-1] + "…"
	}
	return s
}
