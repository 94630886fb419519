package pipeline

import (
	"encoding/json"
	"testing"
)

func TestNormalizeCommandBody(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string // "" means rejected
	}{
		{"canonical object", `{"cmd":"ls -la"}`, `{"cmd":"ls -la"}`},
		{"bare string", `"ls -la"`, `{"cmd":"ls -la"}`},
		{"command key", `{"command":"df -h"}`, `{"cmd":"df -h"}`},
		{"text key", `{"text":"uptime"}`, `{"cmd":"uptime"}`},
		{"cmd wins over command", `{"cmd":"first","command":"second"}`, `{"cmd":"first"}`},
		{"untrimmed preserved", `{"cmd":" ls "}`, `{"cmd":" ls "}`},
		{"empty body", ``, ""},
		{"empty string", `""`, ""},
		{"whitespace only", `"   "`, ""},
		{"object without command", `{"foo":"bar"}`, ""},
		{"non-string cmd", `{"cmd":42}`, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, reason := NormalizeCommandBody(json.RawMessage(c.raw))
			if c.want == "" {
				if reason == "" {
					t.Fatalf("expected rejection, got %s", got)
				}
				return
			}
			if reason != "" {
				t.Fatalf("unexpected rejection: %s", reason)
			}
			if string(got) != c.want {
				t.Errorf("normalized = %s, want %s", got, c.want)
			}
		})
	}
}

func TestParseToolRequestArgs(t *testing.T) {
	args, reason := parseToolRequestArgs(json.RawMessage(
		`{"tool_id":"t1","method":"GET","path":"/items","query":{"q":"x"}}`))
	if reason != "" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if args.ToolID != "t1" || args.Method != "GET" || args.Path != "/items" {
		t.Errorf("args = %+v", args)
	}
	if args.Query["q"] != "x" {
		t.Errorf("query = %+v", args.Query)
	}
}

func TestParseToolRequestArgs_StringifiedJSON(t *testing.T) {
	raw, _ := json.Marshal(`{"tool_id":"t1","method":"POST","path":"/command"}`)
	args, reason := parseToolRequestArgs(raw)
	if reason != "" {
		t.Fatalf("stringified arguments must parse, got %q", reason)
	}
	if args.ToolID != "t1" || args.Method != "POST" {
		t.Errorf("args = %+v", args)
	}
}

func TestParseToolRequestArgs_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `garbage`},
		{"missing tool_id", `{"method":"GET","path":"/x"}`},
		{"missing method", `{"tool_id":"t","path":"/x"}`},
		{"missing path", `{"tool_id":"t","method":"GET"}`},
		{"blank fields", `{"tool_id":" ","method":"GET","path":"/x"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, reason := parseToolRequestArgs(json.RawMessage(c.raw)); reason == "" {
				t.Error("expected a rejection reason")
			}
		})
	}
}

func TestLooksLikePlan(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"Plan propuesto: paso 1 hacer esto", true},
		{"Step 1: list. Step 2: delete.", true},
		{"I have a plan", false},
		{"Paris is the capital of France", false},
		{"", false},
	}
	for _, c := range cases {
		if got := looksLikePlan(c.content); got != c.want {
			t.Errorf("looksLikePlan(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}
