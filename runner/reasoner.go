package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/drojas/agentd"
)

// FixRequest carries everything the reasoner sees about a failed command.
type FixRequest struct {
	Goal        string
	PrevCmd     string
	Stdout      string
	Stderr      string
	Attempt     int
	MaxAttempts int
}

// FixProposal is a corrected command proposed by the reasoner. A nil
// proposal means give up.
type FixProposal struct {
	Cmd string
	Why string
}

// FixProposer decides whether a repeatedly failed command can be repaired.
type FixProposer interface {
	ProposeFix(ctx context.Context, req FixRequest) (*FixProposal, error)
}

const reasonerSystemPrompt = `You are an expert command-execution agent.
Analyze the failure and decide whether it can be corrected.

RULES:
- If it can be fixed, propose ONE new command.
- Preserve the original intent.
- Do NOT repeat the same command.
- Do NOT propose destructive commands.
- If it cannot be fixed, answer give_up and explain in 'why'.`

var proposeFixTool = agentd.ToolDefinition{
	Name:        "propose_fix",
	Description: "Propose a corrected command or give up",
	Parameters: json.RawMessage(`{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"type": "string", "enum": ["retry", "give_up"]},
			"cmd": {"type": "string"},
			"why": {"type": "string"}
		},
		"additionalProperties": false
	}`),
}

// Reasoner is the LLM-backed FixProposer: a single completion with the
// propose_fix tool registered and tool_choice auto.
type Reasoner struct {
	provider agentd.Provider
	logger   *slog.Logger
}

// NewReasoner creates a Reasoner on the given provider.
func NewReasoner(p agentd.Provider, logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reasoner{provider: p, logger: logger}
}

// ProposeFix asks the model for a corrected command. The model is an
// adversarial oracle: a missing tool call, action != retry, an empty or
// repeated cmd all collapse to give up (nil, nil). The deny-list check
// stays with the caller so that every dispatch path goes through it.
func (r *Reasoner) ProposeFix(ctx context.Context, req FixRequest) (*FixProposal, error) {
	user := fmt.Sprintf(
		"GOAL:\n%s\n\nATTEMPT:\n%d/%d\n\nPREVIOUS COMMAND:\n%s\n\nSTDOUT:\n%s\n\nSTDERR:\n%s\n",
		req.Goal, req.Attempt, req.MaxAttempts, req.PrevCmd,
		orEmptyMark(req.Stdout), orEmptyMark(req.Stderr),
	)

	resp, err := r.provider.Chat(ctx, agentd.ChatRequest{
		Messages: []agentd.ChatMessage{
			agentd.SystemMessage(reasonerSystemPrompt),
			agentd.UserMessage(user),
		},
		Tools:       []agentd.ToolDefinition{proposeFixTool},
		ToolChoice:  "auto",
		Temperature: agentd.Ptr(0.0),
	})
	if err != nil {
		return nil, fmt.Errorf("reasoner completion: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		r.logger.Debug("reasoner returned no tool call, giving up")
		return nil, nil
	}

	var args struct {
		Action string `json:"action"`
		Cmd    string `json:"cmd"`
		Why    string `json:"why"`
	}
	if err := json.Unmarshal(resp.ToolCalls[0].Args, &args); err != nil {
		r.logger.Debug("reasoner arguments unparseable, giving up", "err", err)
		return nil, nil
	}

	if args.Action != "retry" {
		r.logger.Debug("reasoner gave up", "why", args.Why)
		return nil, nil
	}

	cmd := strings.TrimSpace(args.Cmd)
	if cmd == "" || cmd == strings.TrimSpace(req.PrevCmd) {
		return nil, nil
	}

	return &FixProposal{Cmd: cmd, Why: args.Why}, nil
}

func orEmptyMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
