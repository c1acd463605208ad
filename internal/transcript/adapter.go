package transcript

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// AdapterName identifies a detected transcript format.
type AdapterName string

const (
	AdapterOpenClaw   AdapterName = "openclaw"
	AdapterCodex      AdapterName = "codex"
	AdapterClaudeCode AdapterName = "claude-code"
	AdapterText       AdapterName = "text"
	AdapterPlaud      AdapterName = "plaud"
	AdapterCursor     AdapterName = "cursor"
	AdapterVSCodeCopilot AdapterName = "vscode-copilot"
)

// Adapter parses one file format into a ParseResult.
type Adapter interface {
	Name() AdapterName
	Parse(path string) (ParseResult, error)
}

// unimplementedAdapter is returned for formats the registry recognizes but
// does not yet parse (cursor, vscode-copilot). These fail with a fixed,
// actionable error rather than being silently skipped.
type unimplementedAdapter struct {
	name AdapterName
}

func (a unimplementedAdapter) Name() AdapterName { return a.name }

func (a unimplementedAdapter) Parse(path string) (ParseResult, error) {
	return ParseResult{}, fmt.Errorf("adapter %q is not implemented for %s: this session format is recognized but not yet supported by agenr; ingest it as a plain-text export instead", a.name, path)
}

// codexMetaSignature is the fixed first-line marker that identifies a Codex
// session_meta record, used to sniff JSONL content by first-line signature
// when the extension alone is ambiguous.
var codexMetaSignature = regexp.MustCompile(`"type"\s*:\s*"session_meta"`)

// plaudFilenameRe matches Plaud's recording export filename convention,
// e.g. "Recording-2024-03-05-101530.txt", from which the adapter derives a
// fallback timestamp when no in-file timestamp is available.
var plaudFilenameRe = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})[-_](\d{2})(\d{2})(\d{2})`)

// Detect resolves path to an Adapter by extension, then by first-line
// content sniffing for JSONL variants.
func Detect(path string) Adapter {
	ext := strings.ToLower(filepath.Ext(path))
	base := strings.ToLower(filepath.Base(path))

	switch ext {
	case ".vscdb":
		return unimplementedAdapter{name: AdapterVSCodeCopilot}
	case ".md", ".markdown":
		return textAdapter{name: AdapterText}
	case ".txt":
		if plaudFilenameRe.MatchString(base) {
			return textAdapter{name: AdapterPlaud, plaud: true}
		}
		return textAdapter{name: AdapterText}
	case ".jsonl":
		return jsonlAdapter{name: sniffJSONLVariant(path)}
	}

	if strings.Contains(base, "cursor") {
		return unimplementedAdapter{name: AdapterCursor}
	}

	// Unknown extensions default to the text adapter; JSONL content
	// is sniffed even when the extension differs.
	if looksLikeJSONLFile(path) {
		return jsonlAdapter{name: sniffJSONLVariant(path)}
	}
	return textAdapter{name: AdapterText}
}

func looksLikeJSONLFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return LooksLikeJSONL(data)
}

// sniffJSONLVariant reads the first line of a .jsonl file to distinguish
// Codex's session_meta signature from the generic OpenClaw/Claude-Code
// record shapes, which share a parser but differ only in provenance.
func sniffJSONLVariant(path string) AdapterName {
	f, err := os.Open(path)
	if err != nil {
		return AdapterOpenClaw
	}
	defer f.Close()

	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	firstLine := buf[:n]
	if idx := bytes.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	if codexMetaSignature.Match(firstLine) {
		return AdapterCodex
	}
	if strings.Contains(path, "claude") || strings.Contains(strings.ToLower(path), ".claude") {
		return AdapterClaudeCode
	}
	return AdapterOpenClaw
}

// jsonlAdapter wraps ParseJSONL for any JSONL-shaped session file. The
// session-level platform label carried in Name() lets the extractor tag
// entries with their originating platform without a second file read.
type jsonlAdapter struct {
	name AdapterName
}

func (a jsonlAdapter) Name() AdapterName { return a.name }

func (a jsonlAdapter) Parse(path string) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	mtime := FileMTime(path)
	result := ParseJSONL(f, mtime)
	result.Metadata.Platform = string(a.name)
	if result.Metadata.SessionTimestamp.IsZero() && !mtime.IsZero() {
		result.Metadata.SessionTimestamp = mtime
	}
	return result, nil
}

// textAdapter handles plain text/markdown exports and Plaud voice-recording
// transcripts. The whole file is treated as a single user turn (there is no
// structured role information to recover), and for Plaud files the
// filename-derived timestamp takes precedence over file mtime.
type textAdapter struct {
	name  AdapterName
	plaud bool
}

func (a textAdapter) Name() AdapterName { return a.name }

func (a textAdapter) Parse(path string) (ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return ParseResult{}, nil
	}

	ts := FileMTime(path)
	if a.plaud {
		if t, ok := plaudFilenameTimestamp(filepath.Base(path)); ok {
			ts = t
		}
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return ParseResult{
		Messages: []Message{{Index: 0, Role: RoleUser, Text: text, Timestamp: ts.UTC()}},
		Metadata: Metadata{SessionTimestamp: ts.UTC(), Platform: string(a.name)},
	}, nil
}

func plaudFilenameTimestamp(name string) (time.Time, bool) {
	m := plaudFilenameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	layout := "2006-01-02-150405"
	value := fmt.Sprintf("%s-%s-%s-%s%s%s", m[1], m[2], m[3], m[4], m[5], m[6])
	t, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
