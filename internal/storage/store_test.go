package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "agenr.db"), nil, 8, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEntry(t *testing.T, subject, content string) knowledge.Entry {
	t.Helper()
	e, err := knowledge.New(knowledge.Raw{Kind: "fact", Subject: subject, Content: content}, "", "")
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	return e
}

func TestStoreEntriesAddsNewEntry(t *testing.T) {
	s := openTestStore(t)
	e := mustEntry(t, "subject one", "content one")

	result, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, StoreOptions{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if result.Added != 1 || result.TotalEntries != 1 {
		t.Fatalf("expected 1 added, got %+v", result)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row in entries, got %d", count)
	}
}

func TestStoreEntriesSkipsDuplicateIngest(t *testing.T) {
	s := openTestStore(t)
	e := mustEntry(t, "subject one", "content one")
	opts := StoreOptions{SourceFile: "session.jsonl", IngestContentHash: "abc123"}

	if _, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, opts); err != nil {
		t.Fatal(err)
	}
	result, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalEntries != 0 {
		t.Fatalf("expected the repeat ingest to be skipped entirely, got %+v", result)
	}
}

func TestStoreEntriesForceBypassesIngestLog(t *testing.T) {
	s := openTestStore(t)
	e := mustEntry(t, "subject one", "content one")
	opts := StoreOptions{SourceFile: "session.jsonl", IngestContentHash: "abc123"}

	if _, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, opts); err != nil {
		t.Fatal(err)
	}
	opts.Force = true
	result, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalEntries != 1 {
		t.Fatalf("expected force to re-run the batch, got %+v", result)
	}
}

func TestStoreEntriesDryRunWritesNothing(t *testing.T) {
	s := openTestStore(t)
	e := mustEntry(t, "subject one", "content one")

	result, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, StoreOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped != 1 || result.Added != 0 {
		t.Fatalf("expected dry-run to skip without adding, got %+v", result)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected dry-run to leave entries empty, got %d", count)
	}
}

func TestStoreEntriesCanonicalKeyUpdatesExisting(t *testing.T) {
	s := openTestStore(t)
	e1, err := knowledge.New(knowledge.Raw{Kind: "preference", Subject: "editor", Content: "uses vim", CanonicalKey: "user-editor-preference"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := knowledge.New(knowledge.Raw{Kind: "preference", Subject: "editor", Content: "uses neovim now", CanonicalKey: "user-editor-preference"}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.StoreEntries(context.Background(), []knowledge.Entry{e1}, StoreOptions{}); err != nil {
		t.Fatal(err)
	}
	result, err := s.StoreEntries(context.Background(), []knowledge.Entry{e2}, StoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected a canonical-key match to update, got %+v", result)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected the update to not create a second row, got %d", n)
	}
}

func TestStoreEntriesBulkSetsAndClearsSentinel(t *testing.T) {
	s := openTestStore(t)
	e := mustEntry(t, "subject one", "content one")

	if _, err := s.StoreEntries(context.Background(), []knowledge.Entry{e}, StoreOptions{Bulk: true}); err != nil {
		t.Fatal(err)
	}
	present, err := s.sentinelPresent()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Fatal("expected bulk mode to clear the sentinel on successful completion")
	}
}
