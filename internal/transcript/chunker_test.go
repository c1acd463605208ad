package transcript

import (
	"strings"
	"testing"
	"time"
)

func makeMessages(n int, textLen int) []Message {
	msgs := make([]Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = Message{
			Index:     i,
			Role:      RoleUser,
			Text:      strings.Repeat("word ", textLen/5),
			Timestamp: time.Now(),
		}
	}
	return msgs
}

func TestChunkMessagesMonotonicIndexAndRanges(t *testing.T) {
	msgs := makeMessages(50, 500)
	chunks := ChunkMessages(msgs, ChunkOptions{CharBudget: 1000, Overlap: 40})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk index not monotonic: chunk %d has index %d", i, c.ChunkIndex)
		}
		if i > 0 && c.MessageStart <= chunks[i-1].MessageEnd {
			t.Fatalf("chunk %d message range overlaps previous", i)
		}
	}
}

func TestChunkMessagesNoDuplicationBeyondOverlap(t *testing.T) {
	msgs := makeMessages(30, 300)
	overlap := 40
	chunks := ChunkMessages(msgs, ChunkOptions{CharBudget: 800, Overlap: overlap})
	for _, c := range chunks {
		// The rendered text for a single chunk must not contain the overlap
		// prefix duplicated a second time within itself.
		if len(c.Text) <= overlap {
			continue
		}
		prefix := c.Text[:overlap]
		rest := c.Text[overlap:]
		if strings.Contains(rest, prefix) && len(prefix) > 10 {
			t.Fatalf("chunk %d duplicates its overlap prefix inside its own body", c.ChunkIndex)
		}
	}
}

func TestChunkMessagesEmpty(t *testing.T) {
	if chunks := ChunkMessages(nil, ChunkOptions{}); chunks != nil {
		t.Fatalf("expected nil chunks for empty input, got %v", chunks)
	}
}

func TestFitsWholeFileSmallInput(t *testing.T) {
	msgs := makeMessages(2, 20)
	if !FitsWholeFile(msgs, 200000, 4096) {
		t.Fatal("small transcript should fit whole-file mode")
	}
}

func TestFitsWholeFileLargeInput(t *testing.T) {
	msgs := makeMessages(5000, 2000)
	if FitsWholeFile(msgs, 8000, 1024) {
		t.Fatal("huge transcript should not fit a tiny context window")
	}
}

func TestChunkWholeFileSingleChunk(t *testing.T) {
	msgs := makeMessages(5, 20)
	chunks := ChunkWholeFile(msgs, "hint")
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
	if chunks[0].MessageStart != 0 || chunks[0].MessageEnd != 4 {
		t.Fatalf("unexpected message range %d-%d", chunks[0].MessageStart, chunks[0].MessageEnd)
	}
}
