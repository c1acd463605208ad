package transcript

import (
	"strings"
	"testing"
	"time"
)

func TestParseJSONLSimpleRoleContent(t *testing.T) {
	data := `{"role":"user","content":"hello"}
{"role":"assistant","content":"hi there"}
`
	res := ParseJSONL(strings.NewReader(data), time.Now())
	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(res.Messages), res.Messages)
	}
	if res.Messages[0].Role != RoleUser || res.Messages[1].Role != RoleAssistant {
		t.Fatalf("unexpected roles: %+v", res.Messages)
	}
}

func TestParseJSONLMessageWrapper(t *testing.T) {
	data := `{"type":"message","message":{"role":"user","content":"wrapped"}}`
	res := ParseJSONL(strings.NewReader(data), time.Now())
	if len(res.Messages) != 1 || res.Messages[0].Text != "wrapped" {
		t.Fatalf("unexpected parse result: %+v", res)
	}
}

func TestParseJSONLArrayContentBlocks(t *testing.T) {
	data := `{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"tool_use"},{"text":"part two"}]}`
	res := ParseJSONL(strings.NewReader(data), time.Now())
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if !strings.Contains(res.Messages[0].Text, "part one") || !strings.Contains(res.Messages[0].Text, "part two") {
		t.Fatalf("expected text blocks concatenated, got %q", res.Messages[0].Text)
	}
}

func TestParseJSONLCollapsesRoleAliases(t *testing.T) {
	data := `{"role":"human","content":"hi"}
{"role":"ai","content":"hello"}
{"role":"developer","content":"note"}
{"role":"system","content":"dropped"}
`
	res := ParseJSONL(strings.NewReader(data), time.Now())
	if len(res.Messages) != 3 {
		t.Fatalf("expected system role dropped, got %d messages", len(res.Messages))
	}
	if res.Messages[0].Role != RoleUser {
		t.Fatal("human should collapse to user")
	}
	if res.Messages[1].Role != RoleAssistant || res.Messages[2].Role != RoleAssistant {
		t.Fatal("ai/developer should collapse to assistant")
	}
}

func TestParseJSONLMalformedLineProducesWarningNotAbort(t *testing.T) {
	data := `{"role":"user","content":"good"}
not json at all
{"role":"assistant","content":"still parsed"}
`
	res := ParseJSONL(strings.NewReader(data), time.Now())
	if len(res.Messages) != 2 {
		t.Fatalf("expected malformed line skipped but parsing continued, got %d messages", len(res.Messages))
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for the malformed line")
	}
}

func TestParseJSONLPayloadWrapper(t *testing.T) {
	data := `{"payload":{"type":"message","message":{"role":"user","content":"via payload"}}}`
	res := ParseJSONL(strings.NewReader(data), time.Now())
	if len(res.Messages) != 1 || res.Messages[0].Text != "via payload" {
		t.Fatalf("unexpected parse result: %+v", res)
	}
}

func TestLooksLikeJSONL(t *testing.T) {
	if !LooksLikeJSONL([]byte(`{"role":"user","content":"hi"}` + "\n")) {
		t.Fatal("expected JSONL sniff to succeed")
	}
	if LooksLikeJSONL([]byte("not json\nmore text\n")) {
		t.Fatal("expected plain text to not sniff as JSONL")
	}
}
