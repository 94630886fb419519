package agentd

import (
	"strings"
	"testing"
)

func TestEnvelopeEncodeParse(t *testing.T) {
	e := Envelope{
		Kind:     KindStepOK,
		RunID:    "run-1",
		Goal:     "list files",
		StepPath: "1.2",
		Title:    "POST /command",
		Detail:   "ok",
		Status:   RunRunning,
	}
	body := e.Encode()

	if !strings.HasPrefix(body, EnvelopeSentinel+"\n") {
		t.Fatalf("encoded envelope missing sentinel prefix: %q", body)
	}

	got, ok := ParseEnvelope(body)
	if !ok {
		t.Fatal("ParseEnvelope rejected an encoded envelope")
	}
	if got.V != 1 {
		t.Errorf("expected version 1, got %d", got.V)
	}
	if got.Kind != KindStepOK || got.RunID != "run-1" || got.StepPath != "1.2" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.TSMS == 0 {
		t.Error("expected ts_ms to be filled in")
	}
}

func TestParseEnvelope_Prose(t *testing.T) {
	for _, content := range []string{
		"",
		"hello there",
		"a plan-event is not @@plan-event@@ at the start",
	} {
		if _, ok := ParseEnvelope(content); ok {
			t.Errorf("ParseEnvelope(%q) = true, want false", content)
		}
	}
}

func TestParseEnvelope_SentinelWithGarbage(t *testing.T) {
	if _, ok := ParseEnvelope(EnvelopeSentinel + "\nnot json"); ok {
		t.Error("expected false for sentinel followed by invalid JSON")
	}
}
