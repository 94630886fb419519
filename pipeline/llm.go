package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drojas/agentd"
)

const defaultBasePrompt = `You are an assistant that can operate external tool servers on the user's behalf.
When the user asks for something actionable and you have enough information, you MUST
propose the action as a tool_request call — never describe a plan in prose.

HARD RULES:
- To execute a shell command, call tool_request with method POST, path /command and
  body {"cmd": "<command string>"}.
- Only use the tools and endpoints listed in the tool catalog. Never invent tools,
  endpoints or parameters.
- If information is missing, ask a short clarifying question instead of guessing.`

const toolRequestName = "tool_request"

var toolRequestDef = agentd.ToolDefinition{
	Name:        toolRequestName,
	Description: "Invoke one endpoint of a registered tool server",
	Parameters: json.RawMessage(`{
		"type": "object",
		"required": ["tool_id", "method", "path"],
		"properties": {
			"tool_id": {"type": "string"},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
			"path": {"type": "string"},
			"query": {"type": "object"},
			"body": {}
		}
	}`),
}

// planVocabulary feeds the "response text looks like a plan" heuristic:
// two or more hits mean the model narrated a plan instead of calling the
// tool, and we retry forcing the tool choice.
var planVocabulary = []string{"plan", "paso 1", "paso 2", "step 1", "step 2", "propuesto", "propongo"}

// llmTurn runs a normal conversation turn: history plus tool catalog to
// the model, then either plain prose back to the user or a tool call
// turned into a draft plan.
func (p *Pipeline) llmTurn(ctx context.Context, chatID string, proj *agentd.Project, text string) (Result, error) {
	messages, err := p.buildMessages(ctx, chatID, proj)
	if err != nil {
		return Result{}, err
	}

	req := agentd.ChatRequest{
		Messages:   messages,
		Tools:      []agentd.ToolDefinition{toolRequestDef},
		ToolChoice: "auto",
	}
	resp, err := p.provider.Chat(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		if looksLikePlan(resp.Content) {
			p.logger.Debug("plan-shaped prose, forcing tool choice", "chat_id", chatID)
			req.ToolChoice = toolRequestName
			forced, err := p.provider.Chat(ctx, req)
			if err != nil {
				return Result{}, fmt.Errorf("forced chat completion: %w", err)
			}
			if len(forced.ToolCalls) > 0 {
				resp = forced
			}
		}
	}

	if len(resp.ToolCalls) == 0 {
		if looksLikeConfirmationPrompt(resp.Content) {
			// No pending plan exists on this path; a "confirm?" prompt
			// would dead-end the conversation.
			return p.reply(ctx, chatID,
				"I couldn't structure an executable plan for that. Please state the request again.", Result{})
		}
		return p.reply(ctx, chatID, resp.Content, Result{})
	}

	return p.draftFromToolCall(ctx, chatID, proj, text, resp.ToolCalls[0])
}

// buildMessages assembles the LLM input: base prompt plus project
// context, the tool catalog, then the chat history. Structured run
// envelopes are skipped — the model only sees prose.
func (p *Pipeline) buildMessages(ctx context.Context, chatID string, proj *agentd.Project) ([]agentd.ChatMessage, error) {
	system := p.basePrompt
	if proj != nil && strings.TrimSpace(proj.Context) != "" {
		system += "\n\nProject context:\n" + proj.Context
	}

	catalog, err := p.toolCatalog(ctx, proj)
	if err != nil {
		return nil, err
	}

	msgs := []agentd.ChatMessage{agentd.SystemMessage(system), agentd.SystemMessage(catalog)}

	history, err := p.chats.GetMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	for _, m := range history {
		if _, isEnvelope := agentd.ParseEnvelope(m.Content); isEnvelope {
			continue
		}
		msgs = append(msgs, agentd.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

// toolCatalog renders the project's active tools as a system message.
func (p *Pipeline) toolCatalog(ctx context.Context, proj *agentd.Project) (string, error) {
	var b strings.Builder
	b.WriteString("TOOL CATALOG (the only tools you may call):\n")

	count := 0
	if proj != nil {
		for _, id := range proj.ToolIDs {
			t, err := p.tools.GetTool(ctx, id)
			if err != nil {
				return "", fmt.Errorf("get tool %s: %w", id, err)
			}
			if t == nil || !t.IsActive {
				continue
			}
			count++
			fmt.Fprintf(&b, "- tool_id=%s name=%q base_url=%s\n", t.ID, t.Name, t.BaseURL)
			for _, e := range t.Endpoints {
				fmt.Fprintf(&b, "    %s %s", e.Method, e.Path)
				if e.Summary != "" {
					fmt.Fprintf(&b, " — %s", e.Summary)
				}
				b.WriteString("\n")
			}
		}
	}
	if count == 0 {
		b.WriteString("(none registered — do not call tool_request)\n")
	}
	return b.String(), nil
}

// draftFromToolCall validates the model's tool call and turns it into a
// persisted one-step draft plan.
func (p *Pipeline) draftFromToolCall(ctx context.Context, chatID string, proj *agentd.Project, goal string, tc agentd.ToolCall) (Result, error) {
	args, reason := parseToolRequestArgs(tc.Args)
	if reason != "" {
		return p.reply(ctx, chatID, "The proposed action was invalid ("+reason+"). Please rephrase the request.", Result{})
	}

	tool, err := p.tools.GetTool(ctx, args.ToolID)
	if err != nil {
		return Result{}, fmt.Errorf("get tool: %w", err)
	}
	if tool == nil || !tool.IsActive {
		return p.reply(ctx, chatID, "The proposed action referenced an unknown or inactive tool.", Result{})
	}
	if proj == nil || !containsStr(proj.ToolIDs, args.ToolID) {
		return p.reply(ctx, chatID, "The proposed action used a tool that is not enabled for this project.", Result{})
	}

	body := args.Body
	if agentd.IsCommandCall(args.Method, args.Path) {
		body, reason = NormalizeCommandBody(args.Body)
		if reason != "" {
			return p.reply(ctx, chatID, "The proposed command was empty. Please state the command explicitly.", Result{})
		}
	}

	step := &agentd.PlanStep{
		Title:  fmt.Sprintf("%s %s", strings.ToUpper(args.Method), args.Path),
		Type:   agentd.StepToolCall,
		ToolID: args.ToolID,
		Method: strings.ToUpper(args.Method),
		Path:   args.Path,
		Query:  args.Query,
		Body:   body,
	}
	return p.proposePlan(ctx, chatID, goal, []*agentd.PlanStep{step})
}

// toolRequestArgs is the parsed argument object of a tool_request call.
type toolRequestArgs struct {
	ToolID string          `json:"tool_id"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Query  map[string]any  `json:"query"`
	Body   json.RawMessage `json:"body"`
}

// parseToolRequestArgs defensively parses model-produced arguments,
// accepting stringified JSON as a fallback. Returns a reason string
// when the arguments are unusable.
func parseToolRequestArgs(raw json.RawMessage) (toolRequestArgs, string) {
	var args toolRequestArgs
	if len(raw) == 0 {
		return args, "no arguments"
	}

	data := []byte(raw)
	// Stringified JSON: unquote once and try again.
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		data = []byte(asString)
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return args, "arguments are not an object"
	}

	if strings.TrimSpace(args.ToolID) == "" || strings.TrimSpace(args.Method) == "" || strings.TrimSpace(args.Path) == "" {
		return args, "tool_id, method and path are required"
	}
	return args, ""
}

// NormalizeCommandBody coerces the model's /command body into the
// canonical {"cmd": string} form. Accepted shapes: a bare string, or an
// object keyed cmd, command, or text. Returns a reason when no
// non-empty command results.
func NormalizeCommandBody(raw json.RawMessage) (json.RawMessage, string) {
	cmd := ""

	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			cmd = s
		} else {
			var obj map[string]any
			if err := json.Unmarshal(raw, &obj); err == nil {
				for _, key := range []string{"cmd", "command", "text"} {
					if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
						cmd = v
						break
					}
				}
			}
		}
	}

	if strings.TrimSpace(cmd) == "" {
		return nil, "empty command"
	}
	b, _ := json.Marshal(map[string]string{"cmd": cmd})
	return b, ""
}

func looksLikePlan(content string) bool {
	c := strings.ToLower(content)
	hits := 0
	for _, w := range planVocabulary {
		if strings.Contains(c, w) {
			hits++
		}
	}
	return hits >= 2
}

func looksLikeConfirmationPrompt(content string) bool {
	c := strings.ToLower(content)
	return strings.Contains(c, "confirm") || strings.Contains(c, "¿confirmas") || strings.Contains(c, "confirmo")
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
