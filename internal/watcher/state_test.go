package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := StatePath(dir)

	s := LoadState(path, nil)
	if len(s.Files) != 0 || s.Version != stateVersion {
		t.Fatalf("expected empty fresh state, got %+v", s)
	}

	s.Advance("/tmp/session.jsonl", 4096, 3)
	s.Advance("/tmp/session.jsonl", 8192, 2)
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := LoadState(path, nil)
	fs := loaded.Files["/tmp/session.jsonl"]
	if fs.ByteOffset != 8192 {
		t.Fatalf("expected offset 8192, got %d", fs.ByteOffset)
	}
	if fs.TotalEntriesStored != 5 || fs.TotalRunCount != 2 {
		t.Fatalf("expected accumulated counters, got %+v", fs)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 state file, got %v", info.Mode().Perm())
	}
}

func TestLoadStateCorruptResets(t *testing.T) {
	dir := t.TempDir()
	path := StatePath(dir)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := LoadState(path, nil)
	if s.Version != stateVersion || len(s.Files) != 0 {
		t.Fatalf("expected corrupt state treated as absent, got %+v", s)
	}
}

func TestHealthStale(t *testing.T) {
	now := time.Now().UTC()
	h := Health{LastHeartbeat: now.Add(-time.Minute)}
	if h.Stale(now) {
		t.Fatal("one-minute-old heartbeat must not be stale")
	}
	h.LastHeartbeat = now.Add(-6 * time.Minute)
	if !h.Stale(now) {
		t.Fatal("six-minute-old heartbeat must be stale")
	}
}

func TestHealthRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := HealthPath(dir)

	h := Health{PID: 1234, StartedAt: time.Now().UTC().Truncate(time.Second), LastHeartbeat: time.Now().UTC().Truncate(time.Second), SessionsWatched: 2, EntriesStored: 9}
	if err := WriteHealth(path, h); err != nil {
		t.Fatal(err)
	}
	got, ok := ReadHealth(path)
	if !ok {
		t.Fatal("expected health file readable")
	}
	if got.PID != 1234 || got.EntriesStored != 9 || got.SessionsWatched != 2 {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestPIDLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := PIDPath(dir)

	if err := WritePID(path); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, ok := ReadPID(path)
	if !ok || pid != os.Getpid() {
		t.Fatalf("expected our pid, got %d ok=%v", pid, ok)
	}

	// Our own PID is alive, so a second watcher must be refused.
	if err := WritePID(path); err == nil {
		t.Fatal("expected second WritePID against a live pid to fail")
	}

	RemovePID(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected pid file removed")
	}
}

func TestTreeResolverSkipsSubagentPaths(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string, mod time.Time) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	mustWrite("proj/main.jsonl", now.Add(-time.Hour))
	mustWrite("proj/subagents/child.jsonl", now)

	r := NewResolver("claude-code", dir)
	active, err := r.Active()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(active) != "main.jsonl" {
		t.Fatalf("expected subagent session ignored, got %s", active)
	}
}
