package dedup

import (
	"testing"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

func mustEntry(t *testing.T, subject, content string, importance int, tags []string) knowledge.Entry {
	t.Helper()
	e, err := knowledge.New(knowledge.Raw{
		Kind: "fact", Subject: subject, Content: content, Importance: importance, Tags: tags,
	}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestFoldExactKeyMergesDuplicates(t *testing.T) {
	a := mustEntry(t, "deploy", "uses blue/green rollout", 3, []string{"infra"})
	b := mustEntry(t, "deploy", "uses blue/green rollout", 7, []string{"prod"})
	out := Fold([]knowledge.Entry{a, b}, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(out))
	}
	if out[0].Importance != 7 {
		t.Fatalf("expected merged importance 7, got %d", out[0].Importance)
	}
	if len(out[0].Tags) != 2 {
		t.Fatalf("expected union of 2 tags, got %v", out[0].Tags)
	}
}

func TestFoldTrigramJaccardMergesNearDuplicates(t *testing.T) {
	a := mustEntry(t, "deploy", "the deploy process uses a blue green rollout strategy for safety", 5, nil)
	b := mustEntry(t, "deploy", "the deploy process uses a blue green rollout strategy for safety today", 5, nil)
	out := Fold([]knowledge.Entry{a, b}, nil)
	if len(out) != 1 {
		t.Fatalf("expected near-duplicates to merge, got %d entries", len(out))
	}
}

func TestFoldKeepsDistinctEntries(t *testing.T) {
	a := mustEntry(t, "deploy", "uses blue/green rollout", 5, nil)
	b := mustEntry(t, "database", "uses postgres 16", 5, nil)
	out := Fold([]knowledge.Entry{a, b}, nil)
	if len(out) != 2 {
		t.Fatalf("expected distinct entries to survive, got %d", len(out))
	}
}

func TestFoldStableUnderPermutation(t *testing.T) {
	a := mustEntry(t, "deploy", "uses blue/green rollout", 3, []string{"a"})
	b := mustEntry(t, "deploy", "uses blue/green rollout", 7, []string{"b"})
	c := mustEntry(t, "database", "uses postgres 16", 4, nil)

	out1 := Fold([]knowledge.Entry{a, b, c}, nil)
	out2 := Fold([]knowledge.Entry{c, b, a}, nil)

	hashes1 := map[string]bool{}
	for _, e := range out1 {
		hashes1[e.ContentHash] = true
	}
	hashes2 := map[string]bool{}
	for _, e := range out2 {
		hashes2[e.ContentHash] = true
	}
	if len(hashes1) != len(hashes2) {
		t.Fatalf("output entry set differs by permutation: %v vs %v", hashes1, hashes2)
	}
}
