// Package extractor streams transcript chunks through an LLM tool-call
// to collect KnowledgeEntry arrays, retrying transient failures and
// optionally running a dedup pass. Per-chunk input/output log files are
// written best-effort and never fail the caller.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/dedup"
	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/llmclient"
	"github.com/vinayprograms/agenr/internal/transcript"
)

var tracer = otel.Tracer("agenr/extractor")

const (
	maxAttempts     = 5
	baseBackoff     = 2 * time.Second
	maxBackoff      = 60 * time.Second
	submitKnowledge = "submit_knowledge"
	submitDeduped   = "submit_deduped_knowledge"
)

// systemPrompt fixes the KnowledgeEntry schema and extraction policy
// presented to the model for every chunk.
const systemPrompt = `You extract durable knowledge from an agent session transcript chunk.
Call submit_knowledge exactly once with every distinct fact, decision,
preference, todo, relationship, event, or lesson you can support from the
text. Each entry must have: kind (fact|decision|preference|todo|
relationship|event|lesson), subject, content, importance (1-10), expiry
(core|permanent|temporary), tags (lowercase array). Do not invent content
not grounded in the transcript. Skip small talk and purely procedural
chatter.`

// Options configures one Extract call.
type Options struct {
	Model      string
	LogDir     string
	SampleRate int
	LogAll     bool
	Verbose    bool
	Dedup      bool
	Platform   knowledge.Platform
	Project    string
}

// Result is the output of Extract.
type Result struct {
	Entries          []knowledge.Entry
	SuccessfulChunks int
	FailedChunks     int
	Warnings         []string
}

// rawEntry is the wire shape submitted by the model's tool call.
type rawEntry struct {
	Kind         string   `json:"kind"`
	Subject      string   `json:"subject"`
	CanonicalKey string   `json:"canonical_key"`
	Content      string   `json:"content"`
	Importance   int      `json:"importance"`
	Expiry       string   `json:"expiry"`
	Tags         []string `json:"tags"`
	Timestamp    string   `json:"timestamp"`
	Predicate    string   `json:"predicate"`
	Object       string   `json:"object"`
}

type submitArgs struct {
	Entries []rawEntry `json:"entries"`
}

// Extract streams chunks through client, collecting validated entries.
func Extract(ctx context.Context, path string, chunks []transcript.Chunk, client *llmclient.Client, opts Options) (Result, error) {
	var result Result
	log := alog.Default.WithComponent("extractor").WithTraceID(path)
	shouldLog := logThisFile(path, opts)

	for _, chunk := range chunks {
		ctx, span := tracer.Start(ctx, "ingest.chunk")
		span.SetAttributes(attribute.Int("chunk.index", chunk.ChunkIndex), attribute.String("file", path))

		entries, warnings, err := extractChunk(ctx, client, chunk, opts)
		if shouldLog {
			logAttempt(opts.LogDir, path, chunk, entries, warnings, err)
		}
		span.End()

		if err != nil {
			result.FailedChunks++
			result.Warnings = append(result.Warnings, fmt.Sprintf("chunk %d: %s", chunk.ChunkIndex, err))
			log.Warn("chunk_failed", map[string]any{"chunk": chunk.ChunkIndex, "error": err.Error()})
			continue
		}
		result.SuccessfulChunks++
		result.Warnings = append(result.Warnings, warnings...)
		result.Entries = append(result.Entries, entries...)
	}

	if opts.Dedup && len(chunks) > 1 && len(result.Entries) > 0 {
		if deduped, ok := dedupPass(ctx, client, result.Entries, opts); ok {
			result.Entries = deduped
		} else {
			files := make([]string, len(result.Entries))
			for i := range files {
				files[i] = path
			}
			result.Entries = dedup.Fold(result.Entries, files)
		}
	}

	return result, nil
}

// extractChunk runs one chunk through the model with retry, returning
// validated entries.
func extractChunk(ctx context.Context, client *llmclient.Client, chunk transcript.Chunk, opts Options) ([]knowledge.Entry, []string, error) {
	userPrompt := chunk.ContextHint + "\n\n" + chunk.Text

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		handle := client.StreamSimple(ctx, opts.Model, userPrompt, llmclient.Options{
			System: systemPrompt,
			Tools: []llmclient.ToolDef{{
				Name:        submitKnowledge,
				Description: "Submit extracted knowledge entries for this chunk.",
				Schema:      knowledgeToolSchema(),
			}},
		})
		msg, err := handle.Result()
		if err != nil {
			lastErr = err
			if llmclient.IsAuth(err) {
				return nil, nil, err
			}
			if llmclient.IsTransient(err) && attempt < maxAttempts {
				sleepBackoff(ctx, attempt)
				continue
			}
			return nil, nil, err
		}

		entries, warnings := validateToolCalls(msg.ToolCalls, submitKnowledge, opts)
		return entries, warnings, nil
	}
	return nil, nil, lastErr
}

func sleepBackoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func validateToolCalls(calls []llmclient.ToolCall, toolName string, opts Options) ([]knowledge.Entry, []string) {
	var entries []knowledge.Entry
	var warnings []string
	for _, call := range calls {
		if call.Name != toolName {
			continue
		}
		var args submitArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			warnings = append(warnings, fmt.Sprintf("malformed tool arguments: %s", err))
			continue
		}
		for _, raw := range args.Entries {
			e, err := knowledge.New(knowledge.Raw{
				Kind:         raw.Kind,
				Subject:      raw.Subject,
				CanonicalKey: raw.CanonicalKey,
				Content:      raw.Content,
				Importance:   raw.Importance,
				Expiry:       raw.Expiry,
				Tags:         raw.Tags,
				Timestamp:    raw.Timestamp,
				Predicate:    raw.Predicate,
				Object:       raw.Object,
			}, opts.Platform, opts.Project)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("skipped entry %q: %s", raw.Subject, err))
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, warnings
}

// dedupPass invokes submit_deduped_knowledge with the concatenation of
// per-chunk outputs; on any failure it signals the caller to fall back to
// the local deduplicator.
func dedupPass(ctx context.Context, client *llmclient.Client, entries []knowledge.Entry, opts Options) ([]knowledge.Entry, bool) {
	payload, err := json.Marshal(entriesToRaw(entries))
	if err != nil {
		return nil, false
	}

	handle := client.StreamSimple(ctx, opts.Model, string(payload), llmclient.Options{
		System: "Deduplicate these extracted knowledge entries, merging near-duplicates. Call submit_deduped_knowledge with the final set.",
		Tools: []llmclient.ToolDef{{
			Name:        submitDeduped,
			Description: "Submit the deduplicated set of knowledge entries.",
			Schema:      knowledgeToolSchema(),
		}},
	})
	msg, err := handle.Result()
	if err != nil {
		return nil, false
	}
	deduped, warnings := validateToolCalls(msg.ToolCalls, submitDeduped, opts)
	if len(warnings) > 0 && len(deduped) == 0 {
		return nil, false
	}
	if len(deduped) == 0 {
		return nil, false
	}
	return deduped, true
}

func entriesToRaw(entries []knowledge.Entry) []rawEntry {
	out := make([]rawEntry, len(entries))
	for i, e := range entries {
		out[i] = rawEntry{
			Kind: string(e.Kind), Subject: e.Subject, CanonicalKey: e.CanonicalKey,
			Content: e.Content, Importance: e.Importance, Expiry: string(e.Expiry),
			Tags: e.Tags,
		}
	}
	return out
}

func knowledgeToolSchema() map[string]any {
	entrySchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind":          map[string]any{"type": "string"},
			"subject":       map[string]any{"type": "string"},
			"canonical_key": map[string]any{"type": "string"},
			"content":       map[string]any{"type": "string"},
			"importance":    map[string]any{"type": "integer"},
			"expiry":        map[string]any{"type": "string"},
			"tags":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"kind", "subject", "content"},
	}
	return llmclient.ToolSchema(map[string]any{
		"entries": map[string]any{"type": "array", "items": entrySchema},
	}, "entries")
}

// logThisFile decides whether this file's extraction attempts get logged,
// per the sample-rate/logAll policy: logAll forces N=1, otherwise
// 1-in-N files are logged, chosen deterministically by path so repeated
// runs over the same file agree.
func logThisFile(path string, opts Options) bool {
	if opts.LogDir == "" {
		return false
	}
	if opts.LogAll || opts.SampleRate <= 1 {
		return true
	}
	sum := 0
	for _, b := range []byte(path) {
		sum += int(b)
	}
	return sum%opts.SampleRate == 0
}

func logAttempt(logDir, path string, chunk transcript.Chunk, entries []knowledge.Entry, warnings []string, err error) {
	if logDir == "" {
		return
	}
	if mkErr := os.MkdirAll(logDir, 0o755); mkErr != nil {
		return
	}
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	base := fmt.Sprintf("ingest_%s_chunk%d", ts, chunk.ChunkIndex)

	var in strings.Builder
	in.WriteString("=== system prompt ===\n" + systemPrompt + "\n\n")
	in.WriteString("=== user prompt ===\n" + chunk.ContextHint + "\n\n" + chunk.Text + "\n")
	_ = os.WriteFile(filepath.Join(logDir, base+"_input.txt"), []byte(in.String()), 0o644)

	var out strings.Builder
	if err != nil {
		out.WriteString("=== error ===\n" + err.Error() + "\n")
	}
	entriesJSON, _ := json.MarshalIndent(entries, "", "  ")
	out.WriteString("=== extracted entries ===\n" + string(entriesJSON) + "\n")
	out.WriteString("=== warnings ===\n" + strings.Join(warnings, "\n") + "\n")
	_ = os.WriteFile(filepath.Join(logDir, base+"_output.txt"), []byte(out.String()), 0o644)
}
