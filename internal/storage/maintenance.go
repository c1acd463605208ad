package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

// ActiveEntry is the read shape consumed by the consolidator: one
// non-retired, non-superseded row with its embedding decoded back to
// float32, enough metadata to drive phase 1 rules and phase 2 clustering.
type ActiveEntry struct {
	ID          string
	Kind        string
	Subject     string
	Content     string
	Importance  int
	Expiry      string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RecallCount int
	Embedding   []float32
}

// LoadActiveEntries returns every non-retired, non-superseded entry with
// its embedding snapshot, in created_at order.
func (s *Store) LoadActiveEntries(ctx context.Context) ([]ActiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, content, importance, expiry, created_at,
			updated_at, recall_count, embedding
		FROM entries
		WHERE retired = 0 AND superseded_by IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveEntry
	for rows.Next() {
		var e ActiveEntry
		var createdAt, updatedAt string
		var blob []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Content, &e.Importance,
			&e.Expiry, &createdAt, &updatedAt, &e.RecallCount, &blob); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		e.Embedding = decodeEmbedding(blob)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tags = s.entryTags(ctx, out[i].ID)
	}
	return out, nil
}

// decodeEmbedding reverses sqlite-vec's float32 serialization (packed
// little-endian), which is how insertEntry stores the snapshot blob.
func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func (s *Store) entryTags(ctx context.Context, entryID string) []string {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM tags WHERE entry_id = ? ORDER BY tag`, entryID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if rows.Scan(&t) == nil {
			tags = append(tags, t)
		}
	}
	return tags
}

// Retire marks an entry retired, removes it from the FTS and vector
// indexes, and deletes every co-recall edge referencing it, keeping
// invariants 3 and 4 in one transaction.
func (s *Store) Retire(ctx context.Context, id, reason string, suppressedContexts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := retireInTx(ctx, tx, id, reason, suppressedContexts); err != nil {
		return err
	}
	return tx.Commit()
}

func retireInTx(ctx context.Context, tx *sql.Tx, id, reason string, suppressedContexts []string) error {
	suppressed, _ := json.Marshal(suppressedContexts)
	res, err := tx.ExecContext(ctx, `
		UPDATE entries SET retired = 1, retired_at = ?, retired_reason = ?, suppressed_contexts = ?
		WHERE id = ? AND retired = 0`,
		time.Now().UTC().Format(time.RFC3339), reason, string(suppressed), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_vec WHERE entry_id = ?`, id); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM co_recall_edges WHERE entry_a = ? OR entry_b = ?`, id, id)
	return err
}

// MergeSupersede inserts merged as a new entry and supersedes each source,
// recording provenance in entry_sources. Used by consolidator phase 2 after
// a merge passes verification.
func (s *Store) MergeSupersede(ctx context.Context, merged knowledge.Entry, sourceIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.insertEntry(ctx, tx, merged); err != nil {
		return err
	}
	for _, src := range sourceIDs {
		if err := s.supersede(ctx, tx, src, merged.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entry_sources(merged_id, source_id) VALUES (?, ?)`,
			merged.ID, src); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteOrphanRelations removes relations whose endpoints no longer
// exist.
func (s *Store) DeleteOrphanRelations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM relations
		WHERE source_id NOT IN (SELECT id FROM entries)
		   OR target_id NOT IN (SELECT id FROM entries)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DropRetiredCoRecallEdges removes co-recall edges referencing retired
// entries.
func (s *Store) DropRetiredCoRecallEdges(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM co_recall_edges
		WHERE entry_a IN (SELECT id FROM entries WHERE retired = 1)
		   OR entry_b IN (SELECT id FROM entries WHERE retired = 1)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DecayCoRecallEdges multiplies every edge weight by factor and prunes
// edges below floor. Called by consolidator phase 1 once per consolidation
// run; there is no daily schedule of its own.
func (s *Store) DecayCoRecallEdges(ctx context.Context, factor, floor float64) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE co_recall_edges SET weight = weight * ?`, factor); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM co_recall_edges WHERE weight < ?`, floor)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetQualityScore updates an entry's quality score, clamped to [0,1].
func (s *Store) SetQualityScore(ctx context.Context, id string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE entries SET quality_score = ? WHERE id = ?`, score, id)
	return err
}

// KVGet reads a kv_meta value, returning ok=false when absent. The
// consolidator uses this for per-entry idempotency stamps.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// KVSet upserts a kv_meta value.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// RebuildVectorIndexOp is the exclusive-access form of the vector rebuild,
// suitable for writequeue.RunExclusive after consolidation phase 2.
func RebuildVectorIndexOp(s *Store) error {
	if err := s.rebuildVectorIndex(); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	return s.Checkpoint()
}
