package agentd

import (
	"encoding/json"
	"strings"
)

// EnvelopeSentinel marks an assistant message as a structured run event.
// The message body is the sentinel on its own line followed by the JSON
// envelope, so UIs can render events without parsing prose.
const EnvelopeSentinel = "@@plan-event@@"

// Envelope kinds.
const (
	KindRunStart     = "run_start"
	KindStepStart    = "step_start"
	KindStepOK       = "step_ok"
	KindStepErr      = "step_err"
	KindStepRetry    = "step_retry"
	KindRunDone      = "run_done"
	KindRunTimeout   = "run_timeout"
	KindRunCancelled = "run_cancelled"
	KindRunError     = "run_error"
)

// Envelope is the versioned structured payload appended to the chat log
// at every run and step boundary.
type Envelope struct {
	V        int    `json:"v"`
	Kind     string `json:"kind"`
	RunID    string `json:"run_id"`
	Goal     string `json:"goal,omitempty"`
	StepPath string `json:"step_path,omitempty"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Status   string `json:"status,omitempty"`
	TSMS     int64  `json:"ts_ms"`
}

// Encode renders the envelope as a chat message body.
func (e Envelope) Encode() string {
	if e.V == 0 {
		e.V = 1
	}
	if e.TSMS == 0 {
		e.TSMS = NowMS()
	}
	b, err := json.Marshal(e)
	if err != nil {
		// Envelope has no unmarshalable fields; this cannot happen.
		return EnvelopeSentinel
	}
	return EnvelopeSentinel + "\n" + string(b)
}

// ParseEnvelope decodes a chat message body produced by Encode. The
// second return is false for ordinary prose messages.
func ParseEnvelope(content string) (Envelope, bool) {
	rest, ok := strings.CutPrefix(content, EnvelopeSentinel)
	if !ok {
		return Envelope{}, false
	}
	rest = strings.TrimLeft(rest, "\r\n")
	var e Envelope
	if err := json.Unmarshal([]byte(rest), &e); err != nil {
		return Envelope{}, false
	}
	return e, true
}
