package retire

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/storage"
)

func TestLoadMissingLedgerIsEmpty(t *testing.T) {
	l := Load(filepath.Join(t.TempDir(), "retirements.json"), nil)
	if l.Version != 1 || len(l.Retirements) != 0 {
		t.Fatalf("expected empty ledger, got %+v", l)
	}
}

func TestLoadCorruptLedgerIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retirements.json")
	if err := os.WriteFile(path, []byte("[[["), 0o600); err != nil {
		t.Fatal(err)
	}
	l := Load(path, nil)
	if len(l.Retirements) != 0 {
		t.Fatalf("expected corrupt ledger treated as empty, got %+v", l)
	}
}

func TestAppendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retirements.json")
	rec := knowledge.RetirementRecord{
		Pattern:            "old api endpoint",
		MatchType:          knowledge.MatchContains,
		SuppressedContexts: []string{"session-start"},
		Reason:             "endpoint decommissioned",
	}
	if err := Append(path, rec, nil); err != nil {
		t.Fatal(err)
	}
	if err := Append(path, knowledge.RetirementRecord{Pattern: "x", MatchType: knowledge.MatchExact}, nil); err != nil {
		t.Fatal(err)
	}

	l := Load(path, nil)
	if len(l.Retirements) != 2 {
		t.Fatalf("expected 2 records, got %d", len(l.Retirements))
	}
	if l.Retirements[0].Pattern != "old api endpoint" || l.Retirements[0].MatchType != knowledge.MatchContains {
		t.Fatalf("unexpected first record %+v", l.Retirements[0])
	}
}

func TestReplayRetiresMatches(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.Open(filepath.Join(dir, "agenr.db"), nil, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	mk := func(subject, content string) knowledge.Entry {
		e, err := knowledge.New(knowledge.Raw{Kind: "fact", Subject: subject, Content: content}, "", "")
		if err != nil {
			t.Fatal(err)
		}
		return e
	}
	if _, err := s.StoreEntries(ctx, []knowledge.Entry{
		mk("api", "the old api endpoint lives at v1.example.com"),
		mk("editor", "prefers a dark editor theme"),
	}, storage.StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	retired, err := Replay(ctx, s, Ledger{Version: 1, Retirements: []knowledge.RetirementRecord{
		{Pattern: "old api endpoint", MatchType: knowledge.MatchContains, Reason: "decommissioned"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if retired != 1 {
		t.Fatalf("expected exactly one match retired, got %d", retired)
	}

	var active int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM entries WHERE retired = 0`).Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Fatalf("expected one active entry left, got %d", active)
	}
}

func TestMatchesExactVsContains(t *testing.T) {
	e := storage.ActiveEntry{Subject: "api", Content: "the old api endpoint lives at v1"}
	if matches(knowledge.RetirementRecord{Pattern: "api endpoint", MatchType: knowledge.MatchExact}, e) {
		t.Fatal("exact must not substring-match")
	}
	if !matches(knowledge.RetirementRecord{Pattern: "api", MatchType: knowledge.MatchExact}, e) {
		t.Fatal("exact must match the whole subject")
	}
	if !matches(knowledge.RetirementRecord{Pattern: "api endpoint", MatchType: knowledge.MatchContains}, e) {
		t.Fatal("contains must substring-match content")
	}
	if matches(knowledge.RetirementRecord{Pattern: "", MatchType: knowledge.MatchContains}, e) {
		t.Fatal("empty pattern must never match")
	}
}
