package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/llmclient"
)

// Verdict is the LLM judge's classification of a candidate/new-entry
// pair.
type Verdict string

const (
	VerdictDuplicate Verdict = "duplicate"
	VerdictUpdate    Verdict = "update"
	VerdictSupersede Verdict = "supersede"
	VerdictDistinct  Verdict = "distinct"
)

// DuplicateJudge classifies a candidate entry against a freshly extracted
// one when online dedup is enabled. Classify returns the verdict and the
// judge's reasoning; storeOne acts on the verdict only and does not store
// the reasoning anywhere.
type DuplicateJudge interface {
	Classify(ctx context.Context, candidate candidateEntry, e knowledge.Entry) (Verdict, string, error)
}

const classifyDuplicate = "classify_duplicate"

const judgeSystemPrompt = `You compare two knowledge entries about the same subject from a personal
knowledge store. Decide whether the NEW entry is a duplicate of the
EXISTING one, an update that should replace its content, a supersession
(the existing entry is now wrong or obsolete and should be retired in
favor of the new one), or genuinely distinct despite being flagged as
similar. Call classify_duplicate exactly once with your verdict and a one
sentence reason.`

// LLMJudge implements DuplicateJudge over an llmclient.Client, grounded on
// the same tool-call contract internal/extractor uses against the model.
type LLMJudge struct {
	Client *llmclient.Client
	Model  string
}

type classifyArgs struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

func (j *LLMJudge) Classify(ctx context.Context, candidate candidateEntry, e knowledge.Entry) (Verdict, string, error) {
	prompt := fmt.Sprintf(
		"EXISTING (id=%s):\nsubject: %s\ncontent: %s\n\nNEW:\nsubject: %s\ncontent: %s\n",
		candidate.id, candidate.subject, candidate.content, e.Subject, e.Content)

	handle := j.Client.StreamSimple(ctx, j.Model, prompt, llmclient.Options{
		System: judgeSystemPrompt,
		Tools: []llmclient.ToolDef{{
			Name:        classifyDuplicate,
			Description: "Classify the relationship between the existing and new knowledge entry.",
			Schema: llmclient.ToolSchema(map[string]any{
				"verdict": map[string]any{
					"type": "string",
					"enum": []string{"duplicate", "update", "supersede", "distinct"},
				},
				"reason": map[string]any{"type": "string"},
			}, "verdict", "reason"),
		}},
	})

	msg, err := handle.Result()
	if err != nil {
		return VerdictDistinct, "", err
	}

	for _, call := range msg.ToolCalls {
		if call.Name != classifyDuplicate {
			continue
		}
		var args classifyArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			continue
		}
		switch Verdict(args.Verdict) {
		case VerdictDuplicate, VerdictUpdate, VerdictSupersede, VerdictDistinct:
			return Verdict(args.Verdict), args.Reason, nil
		}
	}
	return VerdictDistinct, "", fmt.Errorf("judge: no classify_duplicate tool call in response")
}
