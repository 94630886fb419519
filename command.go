package agentd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CommandPath is the special tool-server endpoint whose success is
// decided from the response payload, not the HTTP status alone.
const CommandPath = "/command"

// IsCommandCall reports whether (method, path) addresses the command
// endpoint of a tool server.
func IsCommandCall(method, path string) bool {
	return strings.ToUpper(strings.TrimSpace(method)) == "POST" && strings.TrimSpace(path) == CommandPath
}

// CommandResult is the payload a tool server returns from POST /command.
type CommandResult struct {
	Status   string `json:"status"` // "ok" | "error"
	ExitCode any    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CommandFailed classifies a /command payload. The call succeeded only
// when status=="ok" and exit_code==0; exit_code arrives as int, float,
// or string depending on the server, and anything non-numeric counts
// as 0. The second return is a human reason: stderr when non-empty,
// else stdout, else a synthesized summary.
func CommandFailed(result any) (bool, string) {
	obj, ok := toObject(result)
	if !ok {
		return true, "invalid /command result (not a JSON object)"
	}

	status := strings.ToLower(strings.TrimSpace(str(obj["status"])))
	exitCode := coerceExitCode(obj["exit_code"])

	msg := strings.TrimSpace(str(obj["stderr"]))
	if msg == "" {
		msg = strings.TrimSpace(str(obj["stdout"]))
	}

	if status == "ok" && exitCode == 0 {
		if msg == "" {
			msg = "OK"
		}
		return false, msg
	}

	if msg == "" {
		msg = fmt.Sprintf("command failed (status=%s, exit_code=%v)", orUnknown(status), obj["exit_code"])
	}
	return true, msg
}

// toObject accepts a decoded map or raw JSON bytes.
func toObject(result any) (map[string]any, bool) {
	switch v := result.(type) {
	case map[string]any:
		return v, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, false
		}
		return m, true
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func coerceExitCode(v any) int {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
