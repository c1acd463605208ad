package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectJSONLSniffsCodexSignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	content := `{"type":"session_meta","id":"abc"}
{"role":"user","content":"hi"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	a := Detect(path)
	if a.Name() != AdapterCodex {
		t.Fatalf("expected codex adapter, got %s", a.Name())
	}
}

func TestDetectUnknownExtensionSniffsJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	if err := os.WriteFile(path, []byte(`{"role":"user","content":"hi"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := Detect(path)
	if _, ok := a.(jsonlAdapter); !ok {
		t.Fatalf("expected jsonlAdapter for sniffed content, got %T", a)
	}
}

func TestDetectVSCodeCopilotUnimplemented(t *testing.T) {
	a := Detect("/tmp/state.vscdb")
	if a.Name() != AdapterVSCodeCopilot {
		t.Fatalf("expected vscode-copilot adapter name, got %s", a.Name())
	}
	if _, err := a.Parse("/tmp/state.vscdb"); err == nil {
		t.Fatal("expected fixed actionable error for unimplemented adapter")
	}
}

func TestTextAdapterPlaudFilenameTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Recording-2024-03-05-101530.txt")
	if err := os.WriteFile(path, []byte("hello from plaud"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := Detect(path)
	if a.Name() != AdapterPlaud {
		t.Fatalf("expected plaud adapter, got %s", a.Name())
	}
	res, err := a.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if res.Messages[0].Timestamp.Year() != 2024 {
		t.Fatalf("expected filename-derived timestamp, got %v", res.Messages[0].Timestamp)
	}
}

func TestMarkdownUsesTextAdapter(t *testing.T) {
	a := Detect("/tmp/notes.md")
	if a.Name() != AdapterText {
		t.Fatalf("expected text adapter for markdown, got %s", a.Name())
	}
}
