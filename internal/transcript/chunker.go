package transcript

import (
	"fmt"
	"strings"
)

// DefaultCharBudget is the target character budget per chunk.
const DefaultCharBudget = 8000

// DefaultOverlap is the conceptual-continuity overlap window, in
// characters. It is conceptual only: no bytes of one chunk are copied into
// the text of the next.
const DefaultOverlap = 80

// safetyTokens is subtracted from the model's context window, alongside
// max_output, before deciding whether whole-file mode applies.
const safetyTokens = 4000

// ChunkOptions configures the chunker.
type ChunkOptions struct {
	CharBudget int
	Overlap    int
	ContextHint string
}

func (o ChunkOptions) normalized() ChunkOptions {
	if o.CharBudget <= 0 {
		o.CharBudget = DefaultCharBudget
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	return o
}

// renderMessage renders one message as "[m<index>][<role>] <text>" with
// internal whitespace collapsed.
func renderMessage(m Message) string {
	collapsed := strings.Join(strings.Fields(m.Text), " ")
	return fmt.Sprintf("[m%d][%s] %s", m.Index, m.Role, collapsed)
}

// ChunkMessages walks messages in order, emitting chunks bounded by
// opts.CharBudget. Each chunk's text holds only its own rendered messages;
// no bytes of the previous chunk are carried in, so opts.Overlap does not
// change the emitted text.
func ChunkMessages(messages []Message, opts ChunkOptions) []Chunk {
	opts = opts.normalized()
	if len(messages) == 0 {
		return nil
	}

	var chunks []Chunk
	var lines []string
	var curLen int
	msgStart := messages[0].Index
	chunkIdx := 0

	flush := func(end int) {
		text := strings.Join(lines, "\n")
		chunks = append(chunks, Chunk{
			ChunkIndex:   chunkIdx,
			MessageStart: msgStart,
			MessageEnd:   end,
			Text:         text,
			ContextHint:  opts.ContextHint,
		})
		chunkIdx++
		lines = nil
		curLen = 0
	}

	for i, m := range messages {
		rendered := renderMessage(m)
		addedLen := len(rendered) + 1
		if curLen > 0 && curLen+addedLen > opts.CharBudget {
			flush(messages[i-1].Index)
			msgStart = m.Index
		}
		lines = append(lines, rendered)
		curLen += addedLen
	}
	if len(lines) > 0 {
		flush(messages[len(messages)-1].Index)
	}

	stampChunkTimes(chunks, messages)
	return chunks
}

func overlapWindow(text string, n int) string {
	if n <= 0 || len(text) == 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}

func stampChunkTimes(chunks []Chunk, messages []Message) {
	byIndex := make(map[int]Message, len(messages))
	for _, m := range messages {
		byIndex[m.Index] = m
	}
	for i := range chunks {
		if m, ok := byIndex[chunks[i].MessageStart]; ok {
			t := m.Timestamp
			chunks[i].TimestampStart = &t
		}
		if m, ok := byIndex[chunks[i].MessageEnd]; ok {
			t := m.Timestamp
			chunks[i].TimestampEnd = &t
		}
	}
}

// EstimateTokens approximates a token count from character count
// (chars/4), the heuristic used for every budget decision.
func EstimateTokens(chars int) int {
	return chars / 4
}

// FitsWholeFile reports whether rendering every message as a single chunk
// would fit the model's usable context (contextWindow - maxOutput -
// safetyTokens).
func FitsWholeFile(messages []Message, contextWindow, maxOutput int) bool {
	total := 0
	for _, m := range messages {
		total += len(renderMessage(m)) + 1
	}
	budget := contextWindow - maxOutput - safetyTokens
	if budget <= 0 {
		return false
	}
	return EstimateTokens(total) <= budget
}

// ChunkWholeFile renders every message as a single chunk, used when
// FitsWholeFile reports true.
func ChunkWholeFile(messages []Message, contextHint string) []Chunk {
	if len(messages) == 0 {
		return nil
	}
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = renderMessage(m)
	}
	chunks := []Chunk{{
		ChunkIndex:   0,
		MessageStart: messages[0].Index,
		MessageEnd:   messages[len(messages)-1].Index,
		Text:         strings.Join(lines, "\n"),
		ContextHint:  contextHint,
	}}
	stampChunkTimes(chunks, messages)
	return chunks
}
