package writequeue

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

func mustEntry(t *testing.T, subject string) knowledge.Entry {
	t.Helper()
	e, err := knowledge.New(knowledge.Raw{Kind: "fact", Subject: subject, Content: "content for " + subject}, "", "")
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	return e
}

func TestQueuePushStoresEntries(t *testing.T) {
	s := openTestStore(t)
	q := New(s, 4, nil)
	defer q.Destroy()

	result, err := q.Push(context.Background(), "file1", []knowledge.Entry{mustEntry(t, "subject one")}, storage.StoreOptions{})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("expected 1 added, got %+v", result)
	}
}

func TestQueueCancelRejectsJobsForCancelledFile(t *testing.T) {
	s := openTestStore(t)
	q := New(s, 4, nil)
	defer q.Destroy()

	q.Cancel("file1")
	_, err := q.Push(context.Background(), "file1", []knowledge.Entry{mustEntry(t, "subject one")}, storage.StoreOptions{})
	if err == nil {
		t.Fatal("expected cancelled push to error")
	}
}

func TestQueueDestroyRejectsLateJobs(t *testing.T) {
	s := openTestStore(t)
	q := New(s, 4, nil)
	q.Destroy()

	_, err := q.Push(context.Background(), "file1", []knowledge.Entry{mustEntry(t, "subject one")}, storage.StoreOptions{})
	if err == nil {
		t.Fatal("expected push after destroy to error")
	}
}

func TestQueueFIFOOrdering(t *testing.T) {
	s := openTestStore(t)
	q := New(s, 4, nil)
	defer q.Destroy()

	var order []int
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			_, _ = q.Push(context.Background(), "", []knowledge.Entry{mustEntry(t, "subject")}, storage.StoreOptions{})
			order = append(order, i)
			done <- struct{}{}
		}()
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	if len(order) != 3 {
		t.Fatalf("expected all 3 jobs to complete, got %v", order)
	}
}

func TestRunExclusiveSeesCommittedWrites(t *testing.T) {
	s := openTestStore(t)
	q := New(s, 4, nil)
	defer q.Destroy()

	if _, err := q.Push(context.Background(), "", []knowledge.Entry{mustEntry(t, "subject one")}, storage.StoreOptions{}); err != nil {
		t.Fatal(err)
	}

	var count int
	err := q.RunExclusive(context.Background(), func(store *storage.Store) error {
		return store.DB().QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count)
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry visible to RunExclusive, got %d", count)
	}
}
