package ingest

import (
	"testing"

	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/transcript"
)

func TestPlatformOf(t *testing.T) {
	cases := []struct {
		in   transcript.AdapterName
		want knowledge.Platform
	}{
		{transcript.AdapterOpenClaw, knowledge.PlatformOpenClaw},
		{transcript.AdapterClaudeCode, knowledge.PlatformClaudeCode},
		{transcript.AdapterCodex, knowledge.PlatformCodex},
		{transcript.AdapterText, ""},
		{transcript.AdapterPlaud, ""},
	}
	for _, c := range cases {
		if got := platformOf(c.in); got != c.want {
			t.Errorf("platformOf(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestChunkUsesWholeFileModeWhenItFits(t *testing.T) {
	p := New(nil, nil, nil)
	messages := []transcript.Message{
		{Index: 0, Role: transcript.RoleUser, Text: "short question"},
		{Index: 1, Role: transcript.RoleAssistant, Text: "short answer"},
	}

	chunks := p.chunk(messages, "session.jsonl", Options{ContextWindow: 200000, MaxOutput: 4096})
	if len(chunks) != 1 {
		t.Fatalf("expected whole-file mode to emit one chunk, got %d", len(chunks))
	}

	// Without a context window the budgeted chunker applies; a tiny input
	// still fits one chunk, but via the incremental path.
	chunks = p.chunk(messages, "session.jsonl", Options{})
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
}

func TestLocalDedupCollapsesDuplicates(t *testing.T) {
	mk := func(content string) knowledge.Entry {
		e, err := knowledge.New(knowledge.Raw{Kind: "fact", Subject: "same subject", Content: content}, "", "")
		if err != nil {
			t.Fatal(err)
		}
		return e
	}
	entries := []knowledge.Entry{mk("identical content"), mk("identical content")}
	out := localDedup(entries, "session.jsonl")
	if len(out) != 1 {
		t.Fatalf("expected exact duplicates collapsed, got %d", len(out))
	}

	single := []knowledge.Entry{mk("only one")}
	if got := localDedup(single, "session.jsonl"); len(got) != 1 {
		t.Fatalf("expected single entry passthrough, got %d", len(got))
	}
}
