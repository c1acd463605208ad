package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

const (
	embedBatchSize      = 200
	embedConcurrency    = 3
	defaultDedupThresh  = 0.88
	candidateTopK       = 8
)

// StoreOptions configures one StoreEntries call.
type StoreOptions struct {
	SourceFile        string
	IngestContentHash string
	Force             bool
	DryRun            bool
	Bulk              bool
	OnlineDedup       bool
	DedupThreshold    float64
	Judge             DuplicateJudge
}

// Result is the write path's return value.
type Result struct {
	Added            int
	Updated          int
	Skipped          int
	Superseded       int
	LLMDedupCalls    int
	RelationsCreated int
	TotalEntries     int
	DurationMS       int64
}

// StoreEntries writes entries following the precedence force > dry-run >
// onlineDedup > local: a forced
// write always proceeds; dry-run never writes; online dedup only applies
// when neither of the above short-circuits; local (hash/minhash) dedup is
// the final, always-on safety net.
func (s *Store) StoreEntries(ctx context.Context, entries []knowledge.Entry, opts StoreOptions) (Result, error) {
	start := time.Now()
	var result Result

	if opts.SourceFile != "" && opts.IngestContentHash != "" && !opts.Force {
		already, err := s.ingestLogHas(opts.SourceFile, opts.IngestContentHash)
		if err != nil {
			return result, err
		}
		if already {
			return result, nil
		}
	}
	result.TotalEntries = len(entries)

	if opts.Bulk {
		if err := s.setSentinel(); err != nil {
			return result, err
		}
	}

	dedupThreshold := opts.DedupThreshold
	if dedupThreshold <= 0 {
		dedupThreshold = defaultDedupThresh
	}

	for start := 0; start < len(entries); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		if err := s.embedBatch(ctx, batch); err != nil {
			return result, fmt.Errorf("embed batch: %w", err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return result, err
		}
		for i := range batch {
			decision, usedJudge, err := s.storeOne(ctx, tx, batch[i], opts, dedupThreshold)
			if err != nil {
				tx.Rollback()
				return result, fmt.Errorf("storage: %w", err)
			}
			switch decision {
			case actionAdded:
				result.Added++
			case actionUpdated:
				result.Updated++
			case actionSuperseded:
				result.Superseded++
				result.RelationsCreated++
			case actionSkipped:
				result.Skipped++
			}
			if usedJudge {
				result.LLMDedupCalls++
			}
		}
		if err := tx.Commit(); err != nil {
			return result, err
		}
	}

	if opts.SourceFile != "" && !opts.DryRun {
		if err := s.appendIngestLog(opts.SourceFile, opts.IngestContentHash, result); err != nil {
			return result, err
		}
	}

	if opts.Bulk {
		if err := s.rebuildFTS(); err != nil {
			return result, err
		}
		if err := s.rebuildVectorIndex(); err != nil {
			return result, err
		}
		if err := s.clearSentinel(); err != nil {
			return result, err
		}
	}

	_ = s.Checkpoint()
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

type writeAction int

const (
	actionAdded writeAction = iota
	actionUpdated
	actionSuperseded
	actionSkipped
)

// storeOne implements the per-entry decision tree, returning
// the action taken and whether an LLM judge call was made.
func (s *Store) storeOne(ctx context.Context, tx *sql.Tx, e knowledge.Entry, opts StoreOptions, dedupThreshold float64) (writeAction, bool, error) {
	if opts.DryRun {
		return actionSkipped, false, nil
	}

	candidate, _, err := s.findCandidate(ctx, tx, e, opts.Bulk, dedupThreshold)
	if err != nil {
		return actionSkipped, false, err
	}

	if candidate == nil {
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return actionSkipped, false, err
		}
		return actionAdded, false, nil
	}

	if opts.Bulk || !opts.OnlineDedup || opts.Judge == nil {
		// Bulk mode and non-online-dedup mode use hash/minhash similarity
		// alone: an exact or near-exact match is an update, anything else
		// that cleared the candidate threshold is still treated as an
		// update to avoid silently duplicating near-identical knowledge.
		if err := s.bumpConfirmation(ctx, tx, candidate.id); err != nil {
			return actionSkipped, false, err
		}
		return actionUpdated, false, nil
	}

	verdict, _, err := opts.Judge.Classify(ctx, *candidate, e)
	if err != nil {
		// A failed judge call degrades to the same treatment as local
		// dedup: update-by-similarity rather than aborting the batch.
		if err := s.bumpConfirmation(ctx, tx, candidate.id); err != nil {
			return actionSkipped, true, err
		}
		return actionUpdated, true, nil
	}

	switch verdict {
	case VerdictDuplicate:
		if candidate.contentHash == e.ContentHash {
			return actionSkipped, true, nil
		}
		if err := s.bumpConfirmation(ctx, tx, candidate.id); err != nil {
			return actionSkipped, true, err
		}
		return actionUpdated, true, nil
	case VerdictUpdate:
		if err := s.updateEntry(ctx, tx, candidate.id, e); err != nil {
			return actionSkipped, true, err
		}
		return actionUpdated, true, nil
	case VerdictSupersede:
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return actionSkipped, true, err
		}
		if err := s.supersede(ctx, tx, candidate.id, e.ID); err != nil {
			return actionSkipped, true, err
		}
		return actionSuperseded, true, nil
	default: // VerdictDistinct
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return actionSkipped, true, err
		}
		return actionAdded, true, nil
	}
}

type candidateEntry struct {
	id          string
	contentHash string
	subject     string
	content     string
}

// findCandidate looks up a dedup candidate by (type, canonical_key) when
// set, then by an exact (type, content_hash) match, then by minhash
// similarity in bulk mode or nearest-neighbour cosine similarity over the
// vector index otherwise.
func (s *Store) findCandidate(ctx context.Context, tx *sql.Tx, e knowledge.Entry, bulk bool, threshold float64) (*candidateEntry, float64, error) {
	if e.CanonicalKey != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT id, content_hash, subject, content FROM entries
			WHERE kind = ? AND canonical_key = ? AND retired = 0 AND superseded_by IS NULL
			LIMIT 1`, string(e.Kind), e.CanonicalKey)
		var c candidateEntry
		err := row.Scan(&c.id, &c.contentHash, &c.subject, &c.content)
		if err == nil {
			return &c, 1.0, nil
		}
		if err != sql.ErrNoRows {
			return nil, 0, err
		}
	}

	var hc candidateEntry
	err := tx.QueryRowContext(ctx, `
		SELECT id, content_hash, subject, content FROM entries
		WHERE kind = ? AND content_hash = ? AND retired = 0 AND superseded_by IS NULL
		LIMIT 1`, string(e.Kind), e.ContentHash).Scan(&hc.id, &hc.contentHash, &hc.subject, &hc.content)
	if err == nil {
		return &hc, 1.0, nil
	}
	if err != sql.ErrNoRows {
		return nil, 0, err
	}

	if bulk {
		return s.findCandidateByMinhash(ctx, tx, e)
	}

	if len(e.Embedding) == 0 {
		return nil, 0, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(e.Embedding)
	if err != nil {
		return nil, 0, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT entry_id, distance FROM entries_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, blob, candidateTopK)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, 0, err
		}
		similarity := 1 - distance
		if similarity < threshold {
			continue
		}
		var c candidateEntry
		row := tx.QueryRowContext(ctx, `
			SELECT id, content_hash, subject, content FROM entries
			WHERE id = ? AND retired = 0 AND superseded_by IS NULL`, id)
		if err := row.Scan(&c.id, &c.contentHash, &c.subject, &c.content); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, 0, err
		}
		return &c, similarity, nil
	}
	return nil, 0, nil
}

// findCandidateByMinhash is the bulk-mode dedup path: minhash-based
// similarity only, no LLM judge. Bulk mode still writes FTS rows per entry
// through insertEntry, and StoreEntries rebuilds the FTS and vector
// indexes once the whole batch is stored.
func (s *Store) findCandidateByMinhash(ctx context.Context, tx *sql.Tx, e knowledge.Entry) (*candidateEntry, float64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, content_hash, subject, content, minhash FROM entries
		WHERE kind = ? AND retired = 0 AND superseded_by IS NULL`, string(e.Kind))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var best *candidateEntry
	var bestSim float64
	for rows.Next() {
		var c candidateEntry
		var minhashJSON string
		if err := rows.Scan(&c.id, &c.contentHash, &c.subject, &c.content, &minhashJSON); err != nil {
			return nil, 0, err
		}
		sig, err := decodeMinhash(minhashJSON)
		if err != nil {
			continue
		}
		sim := knowledge.MinHashJaccard(e.MinhashSignature, sig)
		if sim > bestSim {
			bestSim = sim
			cc := c
			best = &cc
		}
	}
	if best != nil && bestSim >= defaultDedupThresh {
		return best, bestSim, nil
	}
	return nil, 0, nil
}

func decodeMinhash(s string) ([]uint32, error) {
	var sig []uint32
	err := json.Unmarshal([]byte(s), &sig)
	return sig, err
}

func encodeMinhash(sig []uint32) string {
	b, _ := json.Marshal(sig)
	return string(b)
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e knowledge.Entry) error {
	var embBlob []byte
	if len(e.Embedding) > 0 {
		b, err := sqlite_vec.SerializeFloat32(e.Embedding)
		if err != nil {
			return err
		}
		embBlob = b
	}

	var lastRecalled any
	if e.LastRecalledAt != nil {
		lastRecalled = e.LastRecalledAt.UTC().Format(time.RFC3339)
	}
	var retiredAt any
	if e.RetiredAt != nil {
		retiredAt = e.RetiredAt.UTC().Format(time.RFC3339)
	}
	suppressed, _ := json.Marshal(e.SuppressedContexts)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (
			id, kind, subject, canonical_key, content, importance, expiry, scope,
			platform, project, source_kind, created_at, updated_at, last_recalled_at,
			recall_count, confirmations, contradictions, retired, retired_at,
			retired_reason, suppressed_contexts, superseded_by, content_hash,
			normalized_content_hash, minhash, subject_key, predicate, object,
			claim_confidence, quality_score, embedding
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Kind), e.Subject, nullIfEmpty(e.CanonicalKey), e.Content, e.Importance,
		string(e.Expiry), string(e.Scope), nullIfEmpty(string(e.Platform)), nullIfEmpty(e.Project),
		string(e.SourceKind), e.CreatedAt.UTC().Format(time.RFC3339), e.UpdatedAt.UTC().Format(time.RFC3339),
		lastRecalled, e.RecallCount, e.Confirmations, e.Contradictions, boolToInt(e.Retired), retiredAt,
		nullIfEmpty(e.RetiredReason), string(suppressed), nullIfEmpty(e.SupersededBy), e.ContentHash,
		e.NormalizedContentHash, encodeMinhash(e.MinhashSignature), nullIfEmpty(e.SubjectKey),
		nullIfEmpty(e.Predicate), nullIfEmpty(e.Object), nullFloatIfZero(e.ClaimConfidence), e.QualityScore, embBlob)
	if err != nil {
		return err
	}

	for _, t := range e.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags(entry_id, tag) VALUES (?, ?)`, e.ID, t); err != nil {
			return err
		}
	}

	if err := s.syncFTS(ctx, tx, e.ID, e.Subject, e.Content, e.Tags); err != nil {
		return err
	}
	if embBlob != nil {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries_vec(entry_id, embedding) VALUES (?, ?)`, e.ID, embBlob); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) updateEntry(ctx context.Context, tx *sql.Tx, id string, e knowledge.Entry) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entries SET content = ?, content_hash = ?, normalized_content_hash = ?,
			minhash = ?, importance = MAX(importance, ?), updated_at = ?, confirmations = confirmations + 1
		WHERE id = ?`,
		e.Content, e.ContentHash, e.NormalizedContentHash, encodeMinhash(e.MinhashSignature),
		e.Importance, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	for _, t := range e.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags(entry_id, tag) VALUES (?, ?)`, id, t); err != nil {
			return err
		}
	}
	return s.syncFTS(ctx, tx, id, e.Subject, e.Content, e.Tags)
}

func (s *Store) bumpConfirmation(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entries SET confirmations = confirmations + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// supersede sets old's superseded_by, inserts the supersedes relation, and
// drops old from the FTS/vector indexes.
func (s *Store) supersede(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE entries SET superseded_by = ? WHERE id = ?`, newID, oldID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO relations(source_id, target_id, type, created_at) VALUES (?, ?, 'supersedes', ?)`,
		newID, oldID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, oldID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_vec WHERE entry_id = ?`, oldID); err != nil {
		return err
	}
	return nil
}

func (s *Store) syncFTS(ctx context.Context, tx *sql.Tx, id, subject, content string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries_fts(entry_id, subject, content, tags_joined) VALUES (?, ?, ?, ?)`,
		id, subject, content, strings.Join(tags, " "))
	return err
}

func (s *Store) ingestLogHas(file, hash string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ingest_log WHERE file_path = ? AND content_hash = ?`, file, hash).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) appendIngestLog(file, hash string, r Result) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ingest_log(file_path, content_hash, ingested_at, added, updated, skipped, superseded, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		file, hash, time.Now().UTC().Format(time.RFC3339), r.Added, r.Updated, r.Skipped, r.Superseded, r.DurationMS)
	return err
}

// embedBatch fills in e.Embedding for every entry in batch, using up to
// embedConcurrency worker goroutines.
func (s *Store) embedBatch(ctx context.Context, batch []knowledge.Entry) error {
	if s.embedder == nil {
		return nil
	}
	texts := make([]string, len(batch))
	for i, e := range batch {
		texts[i] = e.Subject + "\n" + e.Content
	}

	type chunkJob struct{ start, end int }
	var jobs []chunkJob
	const sub = 64
	for i := 0; i < len(texts); i += sub {
		end := i + sub
		if end > len(texts) {
			end = len(texts)
		}
		jobs = append(jobs, chunkJob{i, end})
	}

	sem := make(chan struct{}, embedConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, job := range jobs {
		job := job
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			vecs, err := s.embedder.Embed(ctx, texts[job.start:job.end])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for i, v := range vecs {
				batch[job.start+i].Embedding = v
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloatIfZero(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
