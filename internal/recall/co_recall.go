package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// boostTopK is how many of the highest-ranked results seed the
	// co-recall expansion.
	boostTopK = 5
	// boostMinWeight is the minimum edge weight a neighbor needs to ride
	// in on the boost.
	boostMinWeight = 0.3
)

// expandCoRecall appends the co-recall neighbors of the top-K results that
// are not already present, scored as their strongest connecting edge's
// weight times the weakest score already in the result set, so boosted
// entries rank after everything the query itself earned.
func expandCoRecall(ctx context.Context, db *sql.DB, results []Result, now time.Time) ([]Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	seedCount := len(results)
	if seedCount > boostTopK {
		seedCount = boostTopK
	}

	present := make(map[string]bool, len(results))
	for _, r := range results {
		present[r.Entry.ID] = true
	}
	floor := results[len(results)-1].Score

	neighborWeight := map[string]float64{}
	for _, r := range results[:seedCount] {
		rows, err := db.QueryContext(ctx, `
			SELECT entry_a, entry_b, weight FROM co_recall_edges
			WHERE (entry_a = ? OR entry_b = ?) AND weight >= ?`,
			r.Entry.ID, r.Entry.ID, boostMinWeight)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var a, b string
			var weight float64
			if err := rows.Scan(&a, &b, &weight); err != nil {
				rows.Close()
				return nil, err
			}
			other := a
			if other == r.Entry.ID {
				other = b
			}
			if present[other] {
				continue
			}
			if weight > neighborWeight[other] {
				neighborWeight[other] = weight
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	if len(neighborWeight) == 0 {
		return results, nil
	}

	ids := make([]string, 0, len(neighborWeight))
	for id := range neighborWeight {
		ids = append(ids, id)
	}
	neighbors, err := loadEntriesByID(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	for _, e := range neighbors {
		scores := scoreEntry(e, 0, 0, now)
		results = append(results, Result{
			Entry:  e,
			Scores: scores,
			Score:  floor * neighborWeight[e.ID],
		})
	}
	return results, nil
}

// loadEntriesByID loads active entries by id, skipping any that have been
// retired or superseded since the edge was recorded.
func loadEntriesByID(ctx context.Context, db *sql.DB, ids []string) ([]Entry, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT id, kind, subject, content, importance, expiry, scope,
			COALESCE(platform, ''), COALESCE(project, ''), created_at, updated_at,
			last_recalled_at, recall_count, quality_score, suppressed_contexts
		FROM entries
		WHERE retired = 0 AND superseded_by IS NULL AND id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt, updatedAt string
		var lastRecalled, suppressedJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Content, &e.Importance, &e.Expiry, &e.Scope,
			&e.Platform, &e.Project, &createdAt, &updatedAt, &lastRecalled, &e.RecallCount, &e.QualityScore,
			&suppressedJSON); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if lastRecalled.Valid {
			if t, err := time.Parse(time.RFC3339, lastRecalled.String); err == nil {
				e.LastRecalledAt = &t
			}
		}
		if suppressedJSON.Valid && suppressedJSON.String != "" {
			_ = json.Unmarshal([]byte(suppressedJSON.String), &e.SuppressedContexts)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range out {
		out[i].Tags = loadTags(ctx, db, out[i].ID)
	}
	return out, nil
}
