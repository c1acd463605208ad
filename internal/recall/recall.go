package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/vinayprograms/agenr/internal/embedclient"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/tracing"
)

var tracer = tracing.Tracer("agenr/recall")

// tagOverheadChars approximates the per-tag token cost folded into the
// budget estimate alongside subject/content length.
const tagOverheadChars = 8

// vectorCandidateCap bounds the entries_vec MATCH query so every SQL-
// filtered candidate can in principle receive a vector score without
// scanning the whole table for every call.
const vectorCandidateCap = 2000

// Recall runs one recall query against store.
func Recall(ctx context.Context, store *storage.Store, embedder *embedclient.Client, q Query) (Response, error) {
	ctx, span := tracer.Start(ctx, "recall.query")
	defer span.End()

	if q.Context == "session-start" {
		return sessionStart(ctx, store, embedder, q)
	}

	now := time.Now().UTC()
	candidates, err := filterCandidates(ctx, store.DB(), q)
	if err != nil {
		return Response{}, fmt.Errorf("recall: filter: %w", err)
	}

	var vectorScores map[string]float64
	var ftsScores map[string]float64
	weights := DefaultWeightsNoQuery()

	if !q.Browse && strings.TrimSpace(q.Text) != "" {
		weights = DefaultWeightsWithQuery()
		if embedder != nil {
			vecs, err := embedder.Embed(ctx, []string{q.Text})
			if err == nil && len(vecs) == 1 {
				vectorScores, err = vectorSimilarities(ctx, store.DB(), vecs[0])
				if err != nil {
					return Response{}, fmt.Errorf("recall: vector: %w", err)
				}
			}
		}
		ftsScores, err = ftsSimilarities(ctx, store.DB(), q.Text)
		if err != nil {
			return Response{}, fmt.Errorf("recall: fts: %w", err)
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		vs := vectorScores[c.ID]
		fs := ftsScores[c.ID]
		scores := scoreEntry(c, vs, fs, now)
		results = append(results, Result{Entry: c, Scores: scores, Score: weights.Composite(scores)})
	}

	if q.Browse {
		sort.Slice(results, func(i, j int) bool { return results[i].Entry.UpdatedAt.After(results[j].Entry.UpdatedAt) })
	} else {
		sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}

	total := len(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	if !q.Browse && !q.NoBoost {
		results, err = expandCoRecall(ctx, store.DB(), results, now)
		if err != nil {
			return Response{}, fmt.Errorf("recall: boost: %w", err)
		}
	}

	results, budgetUsed := truncateByBudget(results, q.Budget)

	queryLabel := q.Text
	if q.Browse {
		queryLabel = "[browse]"
	}

	if !q.Browse && !q.NoUpdate {
		if err := applyFeedback(ctx, store.DB(), results, now); err != nil {
			return Response{}, fmt.Errorf("recall: feedback: %w", err)
		}
	}

	return Response{Query: queryLabel, Results: results, Total: total, BudgetUsed: budgetUsed, BudgetLimit: q.Budget}, nil
}

// filterCandidates applies the SQL-level recall predicates.
func filterCandidates(ctx context.Context, db *sql.DB, q Query) ([]Entry, error) {
	where := []string{"retired = 0", "superseded_by IS NULL"}
	var args []any

	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		where = append(where, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if q.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, q.MinImportance)
	}
	if q.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	if q.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, q.Until.UTC().Format(time.RFC3339))
	}
	if q.Around != nil {
		radius := q.Radius
		if radius <= 0 {
			radius = 24 * time.Hour
		}
		where = append(where, "created_at BETWEEN ? AND ?")
		args = append(args, q.Around.Add(-radius).UTC().Format(time.RFC3339), q.Around.Add(radius).UTC().Format(time.RFC3339))
	}
	if q.Expiry != "" {
		where = append(where, "expiry = ?")
		args = append(args, q.Expiry)
	}
	if q.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, q.Scope)
	}
	if q.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, q.Platform)
	}
	if q.Project != "" {
		if q.ProjectStrict {
			where = append(where, "project = ?")
			args = append(args, q.Project)
		} else {
			where = append(where, "(project = ? OR project IS NULL)")
			args = append(args, q.Project)
		}
	}
	if q.ExcludeProject != "" {
		where = append(where, "(project IS NULL OR project != ?)")
		args = append(args, q.ExcludeProject)
	}
	if len(q.Tags) > 0 {
		placeholders := make([]string, len(q.Tags))
		for i, t := range q.Tags {
			placeholders[i] = "?"
			args = append(args, t)
		}
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM tags t WHERE t.entry_id = entries.id AND t.tag IN (%s))",
			strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`
		SELECT id, kind, subject, content, importance, expiry, scope,
			COALESCE(platform, ''), COALESCE(project, ''), created_at, updated_at,
			last_recalled_at, recall_count, quality_score, suppressed_contexts
		FROM entries WHERE %s`, strings.Join(where, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt, updatedAt string
		var lastRecalled sql.NullString
		var suppressedJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Content, &e.Importance, &e.Expiry, &e.Scope,
			&e.Platform, &e.Project, &createdAt, &updatedAt, &lastRecalled, &e.RecallCount, &e.QualityScore,
			&suppressedJSON); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if lastRecalled.Valid {
			t, err := time.Parse(time.RFC3339, lastRecalled.String)
			if err == nil {
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

func loadTags(ctx context.Context, db *sql.DB, entryID string) []string {
	rows, err := db.QueryContext(ctx, `SELECT tag FROM tags WHERE entry_id = ?`, entryID)
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

// vectorSimilarities returns cosine similarity (1-distance) for every
// entry the vec0 index can return within vectorCandidateCap neighbors of
// the query embedding.
func vectorSimilarities(ctx context.Context, db *sql.DB, queryEmbedding []float32) (map[string]float64, error) {
	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT entry_id, distance FROM entries_vec WHERE embedding MATCH ? AND k = ?`, blob, vectorCandidateCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		out[id] = 1 - distance
	}
	return out, rows.Err()
}

// ftsSimilarities runs an OR-of-tokens FTS5 match and normalizes bm25 rank
// (more negative is better in SQLite's fts5) to [0,1] by scaling against
// the best match in the result set.
func ftsSimilarities(ctx context.Context, db *sql.DB, text string) (map[string]float64, error) {
	match := ftsMatchExpr(text)
	if match == "" {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT entry_id, bm25(entries_fts) FROM entries_fts WHERE entries_fts MATCH ?`, match)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id   string
		rank float64
	}
	var hits []hit
	maxRelevance := 0.0
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.rank); err != nil {
			return nil, err
		}
		relevance := -h.rank
		if relevance > maxRelevance {
			maxRelevance = relevance
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		if maxRelevance <= 0 {
			out[h.id] = 0
			continue
		}
		out[h.id] = (-h.rank) / maxRelevance
	}
	return out, nil
}

func ftsMatchExpr(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, "") + `"`
	}
	return strings.Join(quoted, " OR ")
}

// estimateTokens approximates token cost as chars/4 plus a flat per-tag
// overhead.
func estimateTokens(e Entry) int {
	chars := len(e.Subject) + len(e.Content)
	return chars/4 + len(e.Tags)*tagOverheadChars
}

func truncateByBudget(results []Result, budget int) ([]Result, int) {
	if budget <= 0 {
		return results, 0
	}
	used := 0
	out := make([]Result, 0, len(results))
	for _, r := range results {
		cost := estimateTokens(r.Entry)
		if used+cost > budget {
			continue
		}
		used += cost
		out = append(out, r)
	}
	return out, used
}

// applyFeedback increments recall_count/last_recalled_at for returned
// entries and strengthens co-recall edges among them.
func applyFeedback(ctx context.Context, db *sql.DB, results []Result, now time.Time) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := now.Format(time.RFC3339)
	for _, r := range results {
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET recall_count = recall_count + 1, last_recalled_at = ? WHERE id = ?`,
			ts, r.Entry.ID); err != nil {
			return err
		}
	}

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			a, b := results[i].Entry.ID, results[j].Entry.ID
			if a > b {
				a, b = b, a
			}
			if err := strengthenEdge(ctx, tx, a, b, ts); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func strengthenEdge(ctx context.Context, tx *sql.Tx, a, b, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO co_recall_edges (entry_a, entry_b, weight, session_count, last_co_recalled, created_at)
		VALUES (?, ?, 0.1, 1, ?, ?)
		ON CONFLICT(entry_a, entry_b) DO UPDATE SET
			weight = MIN(1.0, weight + 0.1),
			session_count = session_count + 1,
			last_co_recalled = excluded.last_co_recalled`,
		a, b, ts, ts)
	return err
}
