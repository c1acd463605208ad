// Package writequeue serializes all writes to the entry store behind a
// single actor goroutine: every ingest, bulk import, and consolidation
// pass submits work here instead of calling internal/storage directly, so
// the single SQLite writer connection is never contended.
package writequeue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/errs"
	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/tracing"
)

var tracer = tracing.Tracer("agenr/writequeue")

// defaultHighWatermark is the queue depth at which Push starts blocking the
// caller instead of merely buffering.
const defaultHighWatermark = 64

// maxAttempts is the total number of attempts a store job gets (the first
// try plus one immediate retry, on any error) before its last error is
// failed back to the caller.
const maxAttempts = 2

// job is one unit of work submitted to the actor. Exactly one of (entries
// present) or fn is set: a store-write job or an exclusive-access job.
type job struct {
	ctx     context.Context
	fileKey string
	entries []knowledge.Entry
	opts    storage.StoreOptions
	fn      func(*storage.Store) error
	reply   chan jobResult
}

type jobResult struct {
	result storage.Result
	err    error
}

// Queue is the single-writer actor over the entry store.
type Queue struct {
	store *storage.Store
	log   *alog.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu        sync.Mutex
	cancelled map[string]bool
	pending   int64

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a Queue's actor goroutine bound to store. highWatermark <= 0
// uses defaultHighWatermark.
func New(store *storage.Store, highWatermark int, log *alog.Logger) *Queue {
	if log == nil {
		log = alog.Default
	}
	if highWatermark <= 0 {
		highWatermark = defaultHighWatermark
	}
	q := &Queue{
		store:     store,
		log:       log.WithComponent("writequeue"),
		jobs:      make(chan job, highWatermark),
		cancelled: make(map[string]bool),
		done:      make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Push enqueues entries for fileKey and blocks until the actor has
// processed them (or the queue was destroyed / the context was
// cancelled). Concurrent callers are served in FIFO arrival order since
// the channel itself enforces that ordering.
func (q *Queue) Push(ctx context.Context, fileKey string, entries []knowledge.Entry, opts storage.StoreOptions) (storage.Result, error) {
	reply := make(chan jobResult, 1)
	j := job{ctx: ctx, fileKey: fileKey, entries: entries, opts: opts, reply: reply}

	select {
	case <-q.done:
		return storage.Result{}, errs.New(errs.Shutdown, nil)
	default:
	}

	atomic.AddInt64(&q.pending, 1)
	select {
	case q.jobs <- j:
	case <-q.done:
		atomic.AddInt64(&q.pending, -1)
		return storage.Result{}, errs.New(errs.Shutdown, nil)
	case <-ctx.Done():
		atomic.AddInt64(&q.pending, -1)
		return storage.Result{}, errs.New(errs.Cancelled, ctx.Err())
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-q.done:
		return storage.Result{}, errs.New(errs.Shutdown, nil)
	}
}

// Cancel marks fileKey as cancelled: every job for it that the actor has
// not started yet, including jobs pushed later, returns errs.Cancelled
// instead of writing. A job already running is not interrupted, and
// already-committed writes are not rolled back.
func (q *Queue) Cancel(fileKey string) {
	q.mu.Lock()
	q.cancelled[fileKey] = true
	q.mu.Unlock()
}

func (q *Queue) isCancelled(fileKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[fileKey]
}

// PendingCount reports the number of jobs submitted but not yet replied to.
func (q *Queue) PendingCount() int {
	return int(atomic.LoadInt64(&q.pending))
}

// RunExclusive runs fn on the actor goroutine itself, so it never
// overlaps a concurrent StoreEntries call: the single run loop processes
// jobs strictly one at a time. Used for operations that need a quiescent
// database (the consolidator's mutations and index rebuild).
func (q *Queue) RunExclusive(ctx context.Context, fn func(*storage.Store) error) error {
	reply := make(chan jobResult, 1)
	j := job{ctx: ctx, fn: fn, reply: reply}

	select {
	case <-q.done:
		return errs.New(errs.Shutdown, nil)
	default:
	}

	atomic.AddInt64(&q.pending, 1)
	select {
	case q.jobs <- j:
	case <-q.done:
		atomic.AddInt64(&q.pending, -1)
		return errs.New(errs.Shutdown, nil)
	case <-ctx.Done():
		atomic.AddInt64(&q.pending, -1)
		return errs.New(errs.Cancelled, ctx.Err())
	}

	select {
	case r := <-reply:
		return r.err
	case <-q.done:
		return errs.New(errs.Shutdown, nil)
	}
}

// Destroy stops accepting new work and shuts the actor goroutine down once
// every job already queued has been processed; queued jobs run to
// completion and are not rejected. Push and RunExclusive calls made after
// Destroy returns receive errs.Shutdown.
func (q *Queue) Destroy() {
	q.closeOnce.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
	close(q.done)
}

// run is the actor loop: the only goroutine that ever calls
// storage.Store.StoreEntries, guaranteeing the single-writer discipline
// the embedded SQLite connection requires.
func (q *Queue) run() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.process(j)
	}
}

func (q *Queue) process(j job) {
	defer atomic.AddInt64(&q.pending, -1)

	if j.fileKey != "" && q.isCancelled(j.fileKey) {
		j.reply <- jobResult{err: errs.New(errs.Cancelled, nil).WithFile(j.fileKey)}
		return
	}
	if j.ctx.Err() != nil {
		j.reply <- jobResult{err: errs.New(errs.Cancelled, j.ctx.Err()).WithFile(j.fileKey)}
		return
	}

	if j.fn != nil {
		j.reply <- jobResult{err: j.fn(q.store)}
		return
	}

	ctx, span := tracing.StartFileSpan(j.ctx, tracer, "writequeue.store", j.fileKey)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := q.store.StoreEntries(ctx, j.entries, j.opts)
		if err == nil {
			tracing.End(span, nil)
			j.reply <- jobResult{result: result}
			return
		}
		lastErr = err
		q.log.Warn("store_attempt_failed", map[string]any{"file": j.fileKey, "attempt": attempt, "error": err.Error()})
	}
	tracing.End(span, lastErr)
	j.reply <- jobResult{err: errs.New(errs.Storage, lastErr).WithFile(j.fileKey)}
}
