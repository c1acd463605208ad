package storage

import (
	"context"
	"testing"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

func TestRetireDropsEdgesAndIndexRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustEntry(t, "subject a", "content a")
	b := mustEntry(t, "subject b", "content b")
	if _, err := s.StoreEntries(ctx, []knowledge.Entry{a, b}, StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO co_recall_edges(entry_a, entry_b, weight, session_count, created_at)
		VALUES (?, ?, 0.5, 1, '2026-01-01T00:00:00Z')`, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.Retire(ctx, a.ID, "stale", []string{"session-start"}); err != nil {
		t.Fatalf("retire: %v", err)
	}

	var retired int
	if err := s.db.QueryRow(`SELECT retired FROM entries WHERE id = ?`, a.ID).Scan(&retired); err != nil {
		t.Fatal(err)
	}
	if retired != 1 {
		t.Fatal("expected entry marked retired")
	}
	var edges int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM co_recall_edges`).Scan(&edges); err != nil {
		t.Fatal(err)
	}
	if edges != 0 {
		t.Fatalf("expected co-recall edges referencing the retired entry to be deleted, got %d", edges)
	}
	var ftsRows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries_fts WHERE entry_id = ?`, a.ID).Scan(&ftsRows); err != nil {
		t.Fatal(err)
	}
	if ftsRows != 0 {
		t.Fatalf("expected the retired entry out of the FTS index, got %d rows", ftsRows)
	}
}

func TestDecayCoRecallEdgesPrunesBelowFloor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.db.Exec(`
		INSERT INTO co_recall_edges(entry_a, entry_b, weight, session_count, created_at)
		VALUES ('x', 'y', 0.06, 1, '2026-01-01T00:00:00Z'),
		       ('x', 'z', 0.9, 3, '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.DecayCoRecallEdges(ctx, 0.5, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("expected the weak edge pruned, got %d", pruned)
	}
	var weight float64
	if err := s.db.QueryRow(`SELECT weight FROM co_recall_edges WHERE entry_a='x' AND entry_b='z'`).Scan(&weight); err != nil {
		t.Fatal(err)
	}
	if weight < 0.44 || weight > 0.46 {
		t.Fatalf("expected decayed weight 0.45, got %f", weight)
	}
}

func TestReviewQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AppendReview(ctx, "merge drifted from sources", "manual merge", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListReviews(ctx, "pending")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != id || len(pending[0].SourceIDs) != 2 {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	ok, err := s.ResolveReview(ctx, id)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	ok, err = s.ResolveReview(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second resolve to report not-found")
	}

	pending, err = s.ListReviews(ctx, "pending")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty pending queue, got %d", len(pending))
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.KVGet(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.KVSet(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.KVSet(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.KVGet(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("expected v2, got %q ok=%v err=%v", v, ok, err)
	}
}
