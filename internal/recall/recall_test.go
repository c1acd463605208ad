package recall

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(filepath.Join(dir, "agenr.db"), nil, 8, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func storeEntry(t *testing.T, s *storage.Store, raw knowledge.Raw) {
	t.Helper()
	e, err := knowledge.New(raw, "", "")
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	if _, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, storage.StoreOptions{}); err != nil {
		t.Fatalf("store: %v", err)
	}
}

func TestRecallBrowseModeNoEmbeddingCall(t *testing.T) {
	s := openTestStore(t)
	storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject one", Content: "content one"})

	resp, err := Recall(context.Background(), s, nil, Query{Browse: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Query != "[browse]" {
		t.Fatalf("expected browse label, got %q", resp.Query)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
}

func TestRecallNoUpdateLeavesCountersUnchanged(t *testing.T) {
	s := openTestStore(t)
	storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject one", Content: "content one"})

	if _, err := Recall(context.Background(), s, nil, Query{NoUpdate: true}); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := s.DB().QueryRow(`SELECT recall_count FROM entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected noUpdate to leave recall_count at 0, got %d", count)
	}
}

func TestRecallUpdatesCountersAndStrengthensEdges(t *testing.T) {
	s := openTestStore(t)
	storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject one", Content: "content one"})
	storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject two", Content: "content two"})

	resp, err := Recall(context.Background(), s, nil, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM entries WHERE recall_count = 1`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected both entries to have recall_count=1, got %d", count)
	}

	var edges int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM co_recall_edges`).Scan(&edges); err != nil {
		t.Fatal(err)
	}
	if edges != 1 {
		t.Fatalf("expected 1 co-recall edge between the two recalled entries, got %d", edges)
	}
}

func TestRecallBudgetTruncation(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject", Content: "some reasonably long content body for budget math"})
	}
	resp, err := Recall(context.Background(), s, nil, Query{Budget: 20})
	if err != nil {
		t.Fatal(err)
	}
	if resp.BudgetUsed > resp.BudgetLimit {
		t.Fatalf("budget used %d exceeds limit %d", resp.BudgetUsed, resp.BudgetLimit)
	}
}

func TestSessionStartPartitionsByCategory(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 2; i++ {
		storeEntry(t, s, knowledge.Raw{Kind: "todo", Subject: "todo subject", Content: "todo content needs doing"})
	}
	for i := 0; i < 3; i++ {
		storeEntry(t, s, knowledge.Raw{Kind: "preference", Subject: "pref subject", Content: "preference content about something"})
	}
	for i := 0; i < 10; i++ {
		storeEntry(t, s, knowledge.Raw{Kind: "event", Subject: "event subject", Content: "an event happened worth recording"})
	}

	resp, err := Recall(context.Background(), s, nil, Query{Context: "session-start", Budget: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if resp.BudgetUsed > resp.BudgetLimit {
		t.Fatalf("budget used %d exceeds limit %d", resp.BudgetUsed, resp.BudgetLimit)
	}

	var activeTokens, prefTokens int
	for _, r := range resp.Results {
		cost := estimateTokens(r.Entry)
		switch r.Category {
		case CategoryActive:
			activeTokens += cost
		case CategoryPreferences:
			prefTokens += cost
		}
	}
	if activeTokens > 300 {
		t.Fatalf("expected active tokens <= 300 (30%% of 1000), got %d", activeTokens)
	}
}

func TestSessionStartZeroTodosMeansZeroActive(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		storeEntry(t, s, knowledge.Raw{Kind: "event", Subject: "event subject", Content: "an event happened"})
	}

	resp, err := Recall(context.Background(), s, nil, Query{Context: "session-start", Budget: 500})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range resp.Results {
		if r.Category == CategoryActive {
			t.Fatal("expected no active-category results when there are no todos")
		}
	}
}

func TestRecallBoostPullsInCoRecallNeighbors(t *testing.T) {
	s := openTestStore(t)
	storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject one", Content: "content one", Importance: 9})
	storeEntry(t, s, knowledge.Raw{Kind: "fact", Subject: "subject two", Content: "content two", Importance: 1})

	var idA, idB string
	if err := s.DB().QueryRow(`SELECT id FROM entries WHERE subject = 'subject one'`).Scan(&idA); err != nil {
		t.Fatal(err)
	}
	if err := s.DB().QueryRow(`SELECT id FROM entries WHERE subject = 'subject two'`).Scan(&idB); err != nil {
		t.Fatal(err)
	}
	a, b := idA, idB
	if a > b {
		a, b = b, a
	}
	if _, err := s.DB().Exec(`
		INSERT INTO co_recall_edges(entry_a, entry_b, weight, session_count, created_at)
		VALUES (?, ?, 0.8, 2, '2026-01-01T00:00:00Z')`, a, b); err != nil {
		t.Fatal(err)
	}

	resp, err := Recall(context.Background(), s, nil, Query{Limit: 1, NoUpdate: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected the limit-1 result plus its boosted neighbor, got %d", len(resp.Results))
	}
	if resp.Results[0].Score < resp.Results[1].Score {
		t.Fatal("expected the boosted neighbor to rank after the direct hit")
	}

	resp, err = Recall(context.Background(), s, nil, Query{Limit: 1, NoUpdate: true, NoBoost: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected noBoost to suppress expansion, got %d", len(resp.Results))
	}
}

func TestScoreEntryRecencyDecaysWithAge(t *testing.T) {
	now := time.Now().UTC()
	fresh := Entry{UpdatedAt: now}
	old := Entry{UpdatedAt: now.Add(-60 * 24 * time.Hour)}
	if recencyScore(fresh.UpdatedAt, now) <= recencyScore(old.UpdatedAt, now) {
		t.Fatal("expected fresher entry to score higher recency")
	}
}
