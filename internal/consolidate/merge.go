package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/llmclient"
	"github.com/vinayprograms/agenr/internal/storage"
)

const mergeTool = "submit_merged_entry"

const mergeSystemPrompt = `You consolidate a cluster of near-duplicate knowledge entries from a
personal knowledge store into one canonical entry. Preserve every distinct
fact the sources carry; do not invent content. Call submit_merged_entry
exactly once with the merged entry: content, subject, type (fact|decision|
preference|todo|relationship|event|lesson), importance (1-10), expiry
(core|permanent|temporary), tags (lowercase array).`

type mergeArgs struct {
	Content    string   `json:"content"`
	Subject    string   `json:"subject"`
	Type       string   `json:"type"`
	Importance any      `json:"importance"`
	Expiry     string   `json:"expiry"`
	Tags       []string `json:"tags"`
}

// mergeCluster asks the model for a canonical merged entry, verifies it by
// embedding, and returns either the merged entry ready to insert or a
// non-empty rejection reason when verification failed. A hard error means
// the cluster could not be processed at all (stream failure, empty merge).
func (c *Consolidator) mergeCluster(ctx context.Context, cluster []storage.ActiveEntry, model string) (knowledge.Entry, string, error) {
	args, err := c.callMergeTool(ctx, cluster, model)
	if err != nil {
		return knowledge.Entry{}, "", err
	}

	subject := strings.TrimSpace(args.Subject)
	content := strings.TrimSpace(args.Content)
	if subject == "" || content == "" {
		return knowledge.Entry{}, "", fmt.Errorf("merge produced empty subject or content")
	}

	kind := knowledge.Kind(strings.ToLower(strings.TrimSpace(args.Type)))
	expiry := knowledge.Expiry(strings.ToLower(strings.TrimSpace(args.Expiry)))
	importance := coerceImportance(args.Importance)

	// Out-of-enum values from the model coerce to defaults rather than
	// aborting the merge.
	if !knowledge.ValidKind(kind) {
		c.log.Warn("merge_fallback", map[string]any{"field": "type", "value": args.Type})
		kind = knowledge.KindFact
	}
	if !knowledge.ValidExpiry(expiry) {
		c.log.Warn("merge_fallback", map[string]any{"field": "expiry", "value": args.Expiry})
		expiry = knowledge.ExpiryPermanent
	}

	vecs, err := c.embedder.Embed(ctx, []string{subject + "\n" + content})
	if err != nil || len(vecs) != 1 {
		return knowledge.Entry{}, "", fmt.Errorf("embed merged entry: %w", err)
	}
	mergedVec := vecs[0]

	for _, src := range cluster {
		if sim := cosine32(mergedVec, src.Embedding); sim < verifySourceCosine {
			return knowledge.Entry{}, fmt.Sprintf(
				"merged entry drifted from source %q (cosine %.2f < %.2f)", src.Subject, sim, verifySourceCosine), nil
		}
	}
	if sim := cosine32(mergedVec, centroid(cluster)); sim < verifyCentroidCosine {
		return knowledge.Entry{}, fmt.Sprintf(
			"merged entry drifted from cluster centroid (cosine %.2f < %.2f)", sim, verifyCentroidCosine), nil
	}

	now := time.Now().UTC()
	earliest := cluster[0].CreatedAt
	for _, e := range cluster[1:] {
		if e.CreatedAt.Before(earliest) {
			earliest = e.CreatedAt
		}
	}

	tags := args.Tags
	if len(tags) == 0 {
		tags = clusterTagUnion(cluster)
	}

	merged := knowledge.Entry{
		ID:           uuid.NewString(),
		Kind:         kind,
		Subject:      subject,
		Content:      content,
		Importance:   importance,
		Expiry:       expiry,
		Scope:        knowledge.ScopePrivate,
		Tags:         normalizeTags(tags),
		SourceKind:   knowledge.SourceContext,
		CreatedAt:    earliest,
		UpdatedAt:    now,
		QualityScore: 0.5,
		Embedding:    mergedVec,
	}
	merged.ContentHash = knowledge.ContentHash(content)
	merged.NormalizedContentHash = knowledge.NormalizedContentHash(content)
	merged.MinhashSignature = knowledge.MinHash(content)
	return merged, "", nil
}

func (c *Consolidator) callMergeTool(ctx context.Context, cluster []storage.ActiveEntry, model string) (mergeArgs, error) {
	handle := c.llm.StreamSimple(ctx, model, clusterSummary(cluster), llmclient.Options{
		System: mergeSystemPrompt,
		Tools: []llmclient.ToolDef{{
			Name:        mergeTool,
			Description: "Submit the single canonical entry merging this cluster.",
			Schema: llmclient.ToolSchema(map[string]any{
				"content":    map[string]any{"type": "string"},
				"subject":    map[string]any{"type": "string"},
				"type":       map[string]any{"type": "string"},
				"importance": map[string]any{"type": "integer"},
				"expiry":     map[string]any{"type": "string"},
				"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "content", "subject"),
		}},
	})
	msg, err := handle.Result()
	if err != nil {
		return mergeArgs{}, err
	}
	for _, call := range msg.ToolCalls {
		if call.Name != mergeTool {
			continue
		}
		var args mergeArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return mergeArgs{}, fmt.Errorf("malformed merge arguments: %w", err)
		}
		return args, nil
	}
	return mergeArgs{}, fmt.Errorf("no %s tool call in response", mergeTool)
}

// coerceImportance accepts the model's importance as a number or numeric
// string, falling back to 5.
func coerceImportance(v any) int {
	var importance int
	switch n := v.(type) {
	case float64:
		importance = int(n)
	case string:
		fmt.Sscanf(n, "%d", &importance)
	}
	if importance < 1 || importance > 10 {
		return 5
	}
	return importance
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
