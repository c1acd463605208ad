package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

// AppendReview records a merge that failed verification (or a quality
// drop) in the review queue.
func (s *Store) AppendReview(ctx context.Context, reason, suggestedAction string, sourceIDs []string) (string, error) {
	id := uuid.NewString()
	ids, _ := json.Marshal(sourceIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_queue(id, reason, suggested_action, source_ids, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		id, reason, suggestedAction, string(ids), time.Now().UTC().Format(time.RFC3339))
	return id, err
}

// ListReviews returns review-queue entries, optionally filtered by status
// ("pending" or "resolved"; empty means all), newest first.
func (s *Store) ListReviews(ctx context.Context, status string) ([]knowledge.ReviewQueueEntry, error) {
	query := `SELECT id, reason, suggested_action, source_ids, status, created_at, resolved_at
		FROM review_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []knowledge.ReviewQueueEntry
	for rows.Next() {
		var e knowledge.ReviewQueueEntry
		var suggested, sourceIDs sql.NullString
		var createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Reason, &suggested, &sourceIDs, (*string)(&e.Status), &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		e.SuggestedAction = suggested.String
		if sourceIDs.Valid && sourceIDs.String != "" {
			_ = json.Unmarshal([]byte(sourceIDs.String), &e.SourceIDs)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339, resolvedAt.String); err == nil {
				e.ResolvedAt = &t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveReview marks a review-queue entry resolved. Resolving an unknown
// or already-resolved ID reports false without error.
func (s *Store) ResolveReview(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE review_queue SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
