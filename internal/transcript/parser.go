package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// maxLineSize bounds a single JSONL line, following the tolerant reader in
// the pack's picoclaw jsonl store: session files can carry long tool
// outputs inline and a default bufio.Scanner token limit would abort the
// whole parse over one oversized line.
const maxLineSize = 10 * 1024 * 1024

// errLineTooLong reports a line over maxLineSize; ParseJSONL records it as
// a warning and continues with the next line.
var errLineTooLong = fmt.Errorf("line exceeds %d bytes", maxLineSize)

// rawRecord is the generic permissive shape a JSONL line may take. Parse
// accepts any of: {role, content}, {type:"message", message:{...}},
// {type:<role>, content|message}, {payload:{type:"message", ...}}.
type rawRecord struct {
	Role    json.RawMessage `json:"role"`
	Type    json.RawMessage `json:"type"`
	Content json.RawMessage `json:"content"`
	Message *rawMessageBody `json:"message"`
	Payload *rawRecord      `json:"payload"`

	Timestamp string `json:"timestamp"`
	TS        string `json:"ts"`
	CreatedAt string `json:"created_at"`
	CreatedAt2 string `json:"createdAt"`
	Time      string `json:"time"`
	Date      string `json:"date"`
}

type rawMessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is a single element of an array-form content field.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

// ParseJSONL parses a permissive JSONL session file into normalized
// messages. Malformed lines produce a warning and are skipped; parsing
// never aborts on a single bad line.
func ParseJSONL(r io.Reader, fileMTime time.Time) ParseResult {
	var result ParseResult
	reader := bufio.NewReaderSize(r, 64*1024)
	lineNo := 0
	idx := 0

	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			lineNo++
			line = strings.TrimSpace(line)
			if line != "" {
				msg, ok, warn := parseLine(line, idx, fileMTime)
				if warn != "" {
					result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: %s", lineNo, warn))
				}
				if ok {
					msg.Index = idx
					result.Messages = append(result.Messages, msg)
					idx++
				}
			}
		}
		if err == errLineTooLong {
			lineNo++
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: %s", lineNo, err))
			continue
		}
		if err != nil {
			if err != io.EOF {
				result.Warnings = append(result.Warnings, fmt.Sprintf("read error: %s", err))
			}
			break
		}
	}
	return result
}

// readLine reads one line using ReadBytes('\n') rather than bufio.Scanner,
// avoiding the Scanner's default token-length ceiling on long lines at
// the cost of handling the maxLineSize bound ourselves.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadBytes('\n')
		sb.Write(chunk)
		if sb.Len() > maxLineSize {
			// ReadBytes has already consumed the whole line, so the next
			// call starts at the following line; treat as a corrupt line.
			return "", errLineTooLong
		}
		if err != nil {
			return sb.String(), err
		}
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			return sb.String(), nil
		}
	}
}

func parseLine(line string, idx int, fileMTime time.Time) (Message, bool, string) {
	var rec rawRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Message{}, false, fmt.Sprintf("malformed JSON: %s", err)
	}

	role, content, ok := extractRoleAndContent(rec)
	if !ok {
		return Message{}, false, ""
	}
	collapsed := collapseRole(role)
	if collapsed == "" {
		return Message{}, false, ""
	}

	text, blockCount := renderContent(content)
	if blockCount > 0 && text == "" {
		text = fmt.Sprintf("[%d non-text blocks]", blockCount)
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, false, ""
	}

	ts := resolveTimestamp(rec, fileMTime)
	return Message{Role: collapsed, Text: text, Timestamp: ts}, true, ""
}

func extractRoleAndContent(rec rawRecord) (string, json.RawMessage, bool) {
	if rec.Payload != nil {
		return extractRoleAndContent(*rec.Payload)
	}
	if rec.Message != nil {
		role := rec.Message.Role
		if role == "" {
			role = decodeString(rec.Type)
		}
		return role, rec.Message.Content, true
	}
	if len(rec.Role) > 0 {
		return decodeString(rec.Role), rec.Content, true
	}
	if len(rec.Type) > 0 {
		t := decodeString(rec.Type)
		if t == "message" {
			return t, rec.Content, len(rec.Content) > 0
		}
		return t, rec.Content, len(rec.Content) > 0
	}
	return "", nil, false
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func collapseRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "ai", "developer":
		return RoleAssistant
	case "user", "human":
		return RoleUser
	default:
		return ""
	}
}

// renderContent renders a content field that may be a bare string or an
// array of blocks. Non-text blocks are elided with a bracketed count
// placeholder so signal isn't silently lost.
func renderContent(raw json.RawMessage) (string, int) {
	if len(raw) == 0 {
		return "", 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, 0
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", 0
	}
	var sb strings.Builder
	nonText := 0
	for _, b := range blocks {
		switch {
		case b.Text != "":
			sb.WriteString(b.Text)
		case b.Type == "input_text" || b.Type == "output_text" || b.Type == "text":
			if len(b.Content) > 0 {
				var inner string
				if err := json.Unmarshal(b.Content, &inner); err == nil {
					sb.WriteString(inner)
					continue
				}
			}
			nonText++
		default:
			nonText++
		}
		sb.WriteString(" ")
	}
	text := strings.TrimSpace(sb.String())
	if nonText > 0 && text != "" {
		text += fmt.Sprintf(" [%d non-text blocks]", nonText)
	}
	return text, nonText
}

// timestampFields in resolution order: the record's own fields, falling
// through to the file mtime and finally "now". Parent-record and
// session-level fallbacks are applied by the adapter layer, which has
// access to that context; this function handles the per-record step.
func resolveTimestamp(rec rawRecord, fileMTime time.Time) time.Time {
	for _, v := range []string{rec.Timestamp, rec.TS, rec.CreatedAt, rec.CreatedAt2, rec.Time, rec.Date} {
		if v == "" {
			continue
		}
		if t, err := parseAnyTimestamp(v); err == nil {
			return t.UTC()
		}
	}
	if !fileMTime.IsZero() {
		return fileMTime.UTC()
	}
	return time.Now().UTC()
}

func parseAnyTimestamp(v string) (time.Time, error) {
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	for _, l := range layouts {
		if t, err := time.Parse(l, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

// FileMTime stats path and returns its modification time, or the zero
// time if the stat fails (final fallback before "now" in the timestamp
// resolution order).
func FileMTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// LooksLikeJSONL sniffs the first non-blank line of data to decide
// whether content should be parsed as JSONL even when the extension
// disagrees.
func LooksLikeJSONL(data []byte) bool {
	for _, line := range strings.SplitN(string(data), "\n", 5) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "{") && json.Valid([]byte(line))
	}
	return false
}
