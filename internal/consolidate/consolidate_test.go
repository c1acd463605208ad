package consolidate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/writequeue"
)

func openTestStore(t *testing.T) (*storage.Store, *writequeue.Queue) {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(filepath.Join(dir, "agenr.db"), nil, 8, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q := writequeue.New(s, 0, nil)
	t.Cleanup(func() {
		q.Destroy()
		s.Close()
	})
	return s, q
}

func mustEntry(t *testing.T, kind, subject, content string) knowledge.Entry {
	t.Helper()
	e, err := knowledge.New(knowledge.Raw{Kind: kind, Subject: subject, Content: content}, "", "")
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	return e
}

func TestPhase1MergesNearExactDuplicates(t *testing.T) {
	s, q := openTestStore(t)
	ctx := context.Background()

	a := mustEntry(t, "fact", "deploy target", "the service deploys to us-east-1 behind the main load balancer every friday after the weekly release review completes and the smoke tests pass")
	b := mustEntry(t, "fact", "deploy target", "the service deploys to us-east-1 behind the main load balancer every friday after the weekly release review completes and the smoke tests pass cleanly")
	if _, err := s.StoreEntries(ctx, []knowledge.Entry{a}, storage.StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreEntries(ctx, []knowledge.Entry{b}, storage.StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	cons := New(s, q, nil, nil, nil)
	stats, err := cons.Run(ctx, Options{SkipLLM: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.NearExactMerged != 1 {
		t.Fatalf("expected one near-exact merge, got %+v", stats)
	}

	var superseded int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM entries WHERE superseded_by IS NOT NULL`).Scan(&superseded); err != nil {
		t.Fatal(err)
	}
	if superseded != 1 {
		t.Fatalf("expected one superseded row, got %d", superseded)
	}

	// Supersede invariant: the target exists and is not itself superseded.
	var bad int
	if err := s.DB().QueryRow(`
		SELECT COUNT(*) FROM entries e
		WHERE e.superseded_by IS NOT NULL AND e.superseded_by NOT IN (
			SELECT id FROM entries WHERE superseded_by IS NULL)`).Scan(&bad); err != nil {
		t.Fatal(err)
	}
	if bad != 0 {
		t.Fatalf("supersede chains longer than 1 found: %d", bad)
	}
}

func TestPhase1DryRunLeavesStoreUntouched(t *testing.T) {
	s, q := openTestStore(t)
	ctx := context.Background()

	a := mustEntry(t, "fact", "deploy target", "the service deploys to us-east-1 behind the main load balancer every friday after the weekly release review completes and the smoke tests pass")
	b := mustEntry(t, "fact", "deploy target", "the service deploys to us-east-1 behind the main load balancer every friday after the weekly release review completes and the smoke tests pass cleanly")
	if _, err := s.StoreEntries(ctx, []knowledge.Entry{a}, storage.StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreEntries(ctx, []knowledge.Entry{b}, storage.StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	cons := New(s, q, nil, nil, nil)
	stats, err := cons.Run(ctx, Options{SkipLLM: true, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.NearExactMerged != 1 {
		t.Fatalf("expected dry run to report the merge, got %+v", stats)
	}
	var superseded int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM entries WHERE superseded_by IS NOT NULL`).Scan(&superseded); err != nil {
		t.Fatal(err)
	}
	if superseded != 0 {
		t.Fatalf("dry run must not supersede, got %d", superseded)
	}
}

func TestClusterBySimilarity(t *testing.T) {
	entries := []storage.ActiveEntry{
		{ID: "a", Embedding: []float32{1, 0, 0}},
		{ID: "b", Embedding: []float32{0.99, 0.01, 0}},
		{ID: "c", Embedding: []float32{0.98, 0.02, 0}},
		{ID: "d", Embedding: []float32{0, 1, 0}},
		{ID: "e"}, // no embedding: excluded
	}
	clusters := clusterBySimilarity(entries, 0.85, 3)
	if len(clusters) != 1 {
		t.Fatalf("expected one cluster of the three aligned vectors, got %d", len(clusters))
	}
	if len(clusters[0]) != 3 {
		t.Fatalf("expected cluster size 3, got %d", len(clusters[0]))
	}
}

func TestClusterBySimilarityRespectsMinSize(t *testing.T) {
	entries := []storage.ActiveEntry{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{0.99, 0.01}},
	}
	if got := clusterBySimilarity(entries, 0.85, 3); got != nil {
		t.Fatalf("expected no clusters below min size, got %v", got)
	}
}

func TestCoerceImportance(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{float64(7), 7},
		{"3", 3},
		{"not a number", 5},
		{float64(0), 5},
		{float64(42), 5},
		{nil, 5},
	}
	for _, c := range cases {
		if got := coerceImportance(c.in); got != c.want {
			t.Errorf("coerceImportance(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCentroid(t *testing.T) {
	entries := []storage.ActiveEntry{
		{Embedding: []float32{1, 0}},
		{Embedding: []float32{0, 1}},
	}
	c := centroid(entries)
	if len(c) != 2 || c[0] != 0.5 || c[1] != 0.5 {
		t.Fatalf("unexpected centroid %v", c)
	}
}
