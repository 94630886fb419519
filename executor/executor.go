// Package executor walks a plan's step tree in DFS order and drives the
// tool invoker for each executable step. It is fully deterministic: all
// retry and repair intelligence lives in package runner, which feeds a
// wrapped invoke function in here.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/drojas/agentd"
)

// InvokeFunc performs one tool invocation and returns the HTTP-style
// status code plus the decoded payload (JSON object/array or raw text).
type InvokeFunc func(ctx context.Context, toolID, method, path string, query map[string]any, body json.RawMessage) (int, any)

// ValidateFunc inspects a step before execution and returns a non-empty
// reason when the step must not run.
type ValidateFunc func(step *agentd.PlanStep) string

// ValidateStep is the default step validator: known step type, and
// tool_call steps carry tool_id, method, and path.
func ValidateStep(step *agentd.PlanStep) string {
	switch step.Type {
	case agentd.StepNote, agentd.StepToolCall, agentd.StepSubplan:
	default:
		return fmt.Sprintf("invalid step type: %q", step.Type)
	}
	if step.Type == agentd.StepToolCall {
		if step.ToolID == "" || step.Method == "" || step.Path == "" {
			return "incomplete tool_call: tool_id, method and path are required"
		}
	}
	return ""
}

// FlatStep pairs a step with its dotted DFS path ("2.1").
type FlatStep struct {
	Path string
	Step *agentd.PlanStep
}

// Flatten yields every step of the tree in DFS order with dotted paths:
// top-level steps are 1, 2, …; children of k are k.1, k.2, … recursively.
func Flatten(steps []*agentd.PlanStep) []FlatStep {
	var out []FlatStep
	for i, top := range steps {
		flattenInto(&out, top, fmt.Sprintf("%d", i+1))
	}
	return out
}

func flattenInto(out *[]FlatStep, step *agentd.PlanStep, path string) {
	*out = append(*out, FlatStep{Path: path, Step: step})
	if step.Type == agentd.StepSubplan {
		for i, sub := range step.Substeps {
			flattenInto(out, sub, fmt.Sprintf("%s.%d", path, i+1))
		}
	}
}

// Executor runs one plan to completion or first error.
type Executor struct {
	invoke   InvokeFunc
	validate ValidateFunc
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithValidator replaces the default step validator.
func WithValidator(v ValidateFunc) Option {
	return func(e *Executor) { e.validate = v }
}

// WithLogger sets a structured logger for step-level events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor around the given invoke function.
func New(invoke InvokeFunc, opts ...Option) *Executor {
	e := &Executor{invoke: invoke, validate: ValidateStep}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// Run executes the plan in place and returns it. Steps already done or
// skipped are passed over, so a partially executed plan can resume. The
// first step error terminates the plan with status "error". Run never
// calls the LLM and never returns a Go error: failures are recorded on
// the plan itself.
func (e *Executor) Run(ctx context.Context, plan *agentd.PlanRun) *agentd.PlanRun {
	plan.Status = agentd.PlanRunning
	e.logger.Info("plan start", "plan_id", plan.ID, "steps", len(plan.Steps))

	for _, fs := range Flatten(plan.Steps) {
		step := fs.Step
		plan.CurrentStepPath = fs.Path

		if step.Status == agentd.StepDone || step.Status == agentd.StepSkipped {
			continue
		}

		if reason := e.validate(step); reason != "" {
			step.Status = agentd.StepError
			step.Error = reason
			step.EndedTS = agentd.NowMS()
			e.logger.Info("plan step invalid", "plan_id", plan.ID, "step", fs.Path, "reason", reason)
			return e.fail(plan)
		}

		step.Status = agentd.StepRunning
		if step.StartedTS == 0 {
			step.StartedTS = agentd.NowMS()
		}
		e.logger.Info("plan step start", "plan_id", plan.ID, "step", fs.Path, "type", step.Type, "title", step.Title)

		switch step.Type {
		case agentd.StepNote:
			step.Status = agentd.StepDone
			step.EndedTS = agentd.NowMS()
			step.ResultSummary = step.Title
			if step.ResultSummary == "" {
				step.ResultSummary = "OK"
			}

		case agentd.StepSubplan:
			// Container only; children execute on their own paths.
			step.Status = agentd.StepDone
			step.EndedTS = agentd.NowMS()

		case agentd.StepToolCall:
			code, result := e.invoke(ctx, step.ToolID, step.Method, step.Path, step.Query, step.Body)
			step.ResultRaw = marshalRaw(result)

			if agentd.IsCommandCall(step.Method, step.Path) {
				failed, reason := agentd.CommandFailed(result)
				step.ResultSummary = reason
				if failed {
					step.Status = agentd.StepError
				} else {
					step.Status = agentd.StepDone
				}
			} else {
				step.ResultSummary = fmt.Sprintf("status_code=%d", code)
				if code >= 200 && code < 300 {
					step.Status = agentd.StepDone
				} else {
					step.Status = agentd.StepError
				}
			}
			step.EndedTS = agentd.NowMS()

			e.logger.Info("plan step done",
				"plan_id", plan.ID,
				"step", fs.Path,
				"tool_id", step.ToolID,
				"method", step.Method,
				"path", step.Path,
				"status_code", code,
				"final_status", step.Status)

			if step.Status == agentd.StepError {
				if step.Error == "" {
					step.Error = step.ResultSummary
					if step.Error == "" {
						step.Error = "step failed"
					}
				}
				return e.fail(plan)
			}
		}
	}

	plan.Status = agentd.PlanDone
	plan.EndedTS = agentd.NowMS()
	e.logger.Info("plan done", "plan_id", plan.ID)
	return plan
}

func (e *Executor) fail(plan *agentd.PlanRun) *agentd.PlanRun {
	plan.Status = agentd.PlanError
	plan.EndedTS = agentd.NowMS()
	return plan
}

func marshalRaw(result any) json.RawMessage {
	if result == nil {
		return nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(result)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", result))
	}
	return b
}
