// Package watcher tails the currently-active agent session file, feeding
// grown byte ranges through the ingest pipeline on an interval tick.
// Active-file resolution is platform-specific; tail offsets persist in
// watch-state.json; liveness surfaces through a health file, a PID file,
// and optional Prometheus gauges. fsnotify events in the root directory
// (its subdirectories are not watched) wake the loop before the next tick,
// so entries can land without waiting out the full interval.
package watcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/embedclient"
	"github.com/vinayprograms/agenr/internal/ingest"
	"github.com/vinayprograms/agenr/internal/recall"
	"github.com/vinayprograms/agenr/internal/stateio"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/transcript"
)

// defaultMinChunk is the minimum growth in bytes before a tail read runs.
const defaultMinChunk = 256

// defaultInterval is the tick period between active-file checks.
const defaultInterval = 30 * time.Second

// contextRecallBudget is the token budget for the CONTEXT.md emission.
const contextRecallBudget = 2000

// Options configures a watcher run.
type Options struct {
	Platform    string
	Root        string
	StateDir    string
	Interval    time.Duration
	MinChunk    int64
	Once        bool
	DryRun      bool
	Verbose     bool
	ContextPath string
	MetricsAddr string
	Ingest      ingest.Options
}

// Watcher tails the active session file of one platform.
type Watcher struct {
	pipeline *ingest.Pipeline
	store    *storage.Store
	embedder *embedclient.Client
	resolver Resolver
	metrics  *Metrics
	log      *alog.Logger

	opts      Options
	state     State
	statePath string

	active        string
	startedAt     time.Time
	entriesStored int
}

// New builds a Watcher. store and embedder are used only for CONTEXT.md
// emission and may be nil when opts.ContextPath is empty.
func New(pipeline *ingest.Pipeline, store *storage.Store, embedder *embedclient.Client, opts Options, log *alog.Logger) *Watcher {
	if log == nil {
		log = alog.Default
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MinChunk <= 0 {
		opts.MinChunk = defaultMinChunk
	}
	statePath := StatePath(opts.StateDir)
	return &Watcher{
		pipeline:  pipeline,
		store:     store,
		embedder:  embedder,
		resolver:  NewResolver(opts.Platform, opts.Root),
		log:       log.WithComponent("watcher"),
		opts:      opts,
		state:     LoadState(statePath, log),
		statePath: statePath,
		startedAt: time.Now().UTC(),
	}
}

// Run executes the watch loop until ctx is cancelled (or after one cycle
// with --once). On cancellation the in-flight batch finishes, state is
// flushed, and the PID file is removed.
func (w *Watcher) Run(ctx context.Context) error {
	pidPath := PIDPath(w.opts.StateDir)
	if err := WritePID(pidPath); err != nil {
		return err
	}
	defer RemovePID(pidPath)

	if w.opts.MetricsAddr != "" {
		w.metrics = NewMetrics()
		w.metrics.Serve(w.opts.MetricsAddr, w.log)
		defer w.metrics.Close()
	}

	notify := w.startNotify()
	if notify != nil {
		defer notify.Close()
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		w.cycle(ctx)
		if w.opts.Once {
			return nil
		}
		select {
		case <-ctx.Done():
			w.log.Info("shutdown", map[string]any{"entries_stored": w.entriesStored})
			return w.state.Save(w.statePath)
		case <-ticker.C:
		case ev, ok := <-notifyEvents(notify):
			if !ok {
				continue
			}
			if w.active != "" && ev.Name != w.active {
				continue
			}
		}
	}
}

// startNotify watches opts.Root (not recursively) so that changes there
// wake the loop before the next tick. Failure to set up the notifier is
// not fatal; the interval tick still drives progress.
func (w *Watcher) startNotify() *fsnotify.Watcher {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify_unavailable", map[string]any{"error": err.Error()})
		return nil
	}
	if err := notify.Add(w.opts.Root); err != nil {
		w.log.Warn("fsnotify_add_failed", map[string]any{"root": w.opts.Root, "error": err.Error()})
	}
	return notify
}

func notifyEvents(notify *fsnotify.Watcher) chan fsnotify.Event {
	if notify == nil {
		return nil
	}
	return notify.Events
}

// cycle is one watch iteration: resolve the active file, flush the old
// one if it changed, tail the grown range, then emit health/context.
func (w *Watcher) cycle(ctx context.Context) {
	active, err := w.resolver.Active()
	if err != nil {
		w.log.Warn("resolve_failed", map[string]any{"error": err.Error()})
		w.heartbeat()
		return
	}

	if w.active != "" && active != w.active {
		// Flush the old file's remainder before switching.
		w.tail(ctx, w.active)
		w.log.Info("active_file_changed", map[string]any{"old": w.active, "new": active})
	}
	w.active = active

	w.tail(ctx, active)
	w.heartbeat()
	w.emitContext(ctx)
}

// tail reads the bytes appended since the recorded offset, runs them
// through the pipeline, and advances the offset on success.
func (w *Watcher) tail(ctx context.Context, file string) {
	info, err := os.Stat(file)
	if err != nil {
		w.log.Warn("stat_failed", map[string]any{"file": file, "error": err.Error()})
		return
	}
	size := info.Size()
	offset := w.state.Offset(file)
	if size < offset {
		// Truncated or rotated underneath us: start over.
		w.log.Warn("file_truncated", map[string]any{"file": file, "offset": offset, "size": size})
		offset = 0
	}
	if size-offset < w.opts.MinChunk {
		return
	}

	data, err := readRange(file, offset, size)
	if err != nil {
		w.log.Warn("tail_read_failed", map[string]any{"file": file, "error": err.Error()})
		return
	}

	entries, err := w.processTail(ctx, file, data, info.ModTime())
	if err != nil {
		w.log.Error("tail_process_failed", err, map[string]any{"file": file})
		return
	}

	w.entriesStored += entries
	if w.metrics != nil && entries > 0 {
		w.metrics.entriesStored.Add(float64(entries))
	}
	w.state.Advance(file, size, entries)
	if err := w.state.Save(w.statePath); err != nil {
		w.log.Error("state_save_failed", err, nil)
	}
	if w.opts.Verbose {
		w.log.Info("tail_complete", map[string]any{"file": file, "bytes": size - offset, "entries": entries})
	}
}

// processTail parses a grown byte range (JSONL records when they look like
// it, a single text turn otherwise), chunks, extracts, and pushes through
// the write queue. Returns the number of entries stored.
func (w *Watcher) processTail(ctx context.Context, file string, data []byte, mtime time.Time) (int, error) {
	var parsed transcript.ParseResult
	if transcript.LooksLikeJSONL(data) {
		parsed = transcript.ParseJSONL(bytes.NewReader(data), mtime)
	} else {
		text := strings.TrimSpace(string(data))
		if text == "" {
			return 0, nil
		}
		parsed = transcript.ParseResult{
			Messages: []transcript.Message{{Index: 0, Role: transcript.RoleUser, Text: text, Timestamp: mtime.UTC()}},
		}
	}
	if len(parsed.Messages) == 0 {
		return 0, nil
	}

	opts := w.opts.Ingest
	opts.DryRun = opts.DryRun || w.opts.DryRun
	// Tail batches are always new bytes; the ingest-log short-circuit keyed
	// on whole-file hashes does not apply to an append-only tail.
	opts.Force = true

	result := w.pipeline.TailSegment(ctx, file, parsed, opts)
	if result.Err != nil {
		return 0, result.Err
	}
	return result.Store.Added + result.Store.Updated + result.Store.Superseded, nil
}

func readRange(file string, from, to int64) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(f, to-from))
}

// heartbeat writes the health file and updates metrics.
func (w *Watcher) heartbeat() {
	h := Health{
		PID:             os.Getpid(),
		StartedAt:       w.startedAt,
		LastHeartbeat:   time.Now().UTC(),
		SessionsWatched: len(w.state.Files),
		EntriesStored:   w.entriesStored,
	}
	if err := WriteHealth(HealthPath(w.opts.StateDir), h); err != nil {
		w.log.Error("health_write_failed", err, nil)
	}
	w.metrics.Observe(h, 0)
}

// emitContext writes a CONTEXT.md with the current top session-start
// recall when --context was given.
func (w *Watcher) emitContext(ctx context.Context) {
	if w.opts.ContextPath == "" || w.store == nil {
		return
	}
	resp, err := recall.Recall(ctx, w.store, w.embedder, recall.Query{
		Context:  "session-start",
		Budget:   contextRecallBudget,
		NoUpdate: true,
	})
	if err != nil {
		w.log.Warn("context_recall_failed", map[string]any{"error": err.Error()})
		return
	}
	if err := stateio.WriteAtomicBytes(w.opts.ContextPath, []byte(renderContext(resp))); err != nil {
		w.log.Warn("context_write_failed", map[string]any{"path": w.opts.ContextPath, "error": err.Error()})
	}
}

func renderContext(resp recall.Response) string {
	var b strings.Builder
	b.WriteString("# Session context\n\n")
	if len(resp.Results) == 0 {
		b.WriteString("No stored knowledge yet.\n")
		return b.String()
	}
	var last recall.Category
	for _, r := range resp.Results {
		if r.Category != last {
			fmt.Fprintf(&b, "## %s\n\n", r.Category)
			last = r.Category
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", r.Entry.Subject, r.Entry.Content)
	}
	return b.String()
}

// ContextPath returns the default CONTEXT.md path under dir.
func ContextPath(dir string) string {
	return filepath.Join(dir, "CONTEXT.md")
}
