// Package consolidate implements the two-phase consolidator:
// a transactional rules pass (expiry retirement, near-exact merges, orphan
// relation cleanup, co-recall hygiene) followed by a cluster-based LLM
// merge pass with embedding verification, review-queue fallback, and a
// vector index rebuild under the write queue's exclusive slot.
package consolidate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/embedclient"
	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/llmclient"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/writequeue"
)

var tracer = otel.Tracer("agenr/consolidate")

const (
	nearExactJaccard     = 0.95
	clusterSimilarity    = 0.85
	minClusterSize       = 3
	maxClusterSize       = 12
	verifySourceCosine   = 0.65
	verifyCentroidCosine = 0.75

	coRecallDecayFactor = 0.98
	coRecallPruneFloor  = 0.05

	// qualityReviewRecalls is how many recalls an entry must have seen
	// before a low quality score lands it in the review queue instead of
	// being silently decayed.
	qualityReviewRecalls = 10
)

// Options configures one consolidation run.
type Options struct {
	// RetireAfterDays retires temporary entries older than this with zero
	// recalls (phase 1 rule 1). Zero disables retirement.
	RetireAfterDays int
	// QualityThreshold sends often-recalled entries whose quality score
	// fell below it to the review queue. Zero disables the check.
	QualityThreshold float64
	// IdempotencyDays skips clusters whose entries were all consolidated
	// more recently than this.
	IdempotencyDays int
	// SkipLLM limits the run to phase 1. Used by scheduled runs on hosts
	// without credentials and by --rules-only.
	SkipLLM bool
	// DryRun reports what each phase would do without mutating anything.
	DryRun bool
	Model  string
}

// Stats summarizes a consolidation run.
type Stats struct {
	Retired          int
	NearExactMerged  int
	OrphanRelations  int64
	EdgesDropped     int64
	EdgesPruned      int64
	QualityFlagged   int
	ClustersFound    int
	ClustersSkipped  int
	ClustersMerged   int
	ClustersRejected int
}

// Consolidator runs consolidation passes over a Store, funneling all
// mutations through the write queue's exclusive slot so a concurrent
// ingest never interleaves with a half-finished merge.
type Consolidator struct {
	store    *storage.Store
	queue    *writequeue.Queue
	llm      *llmclient.Client
	embedder *embedclient.Client
	log      *alog.Logger
}

// New builds a Consolidator. llm and embedder may be nil when opts.SkipLLM
// will be set (phase 2 is then unavailable).
func New(store *storage.Store, queue *writequeue.Queue, llm *llmclient.Client, embedder *embedclient.Client, log *alog.Logger) *Consolidator {
	if log == nil {
		log = alog.Default
	}
	return &Consolidator{
		store:    store,
		queue:    queue,
		llm:      llm,
		embedder: embedder,
		log:      log.WithComponent("consolidate"),
	}
}

// Run executes phase 1, then phase 2 unless opts.SkipLLM, then rebuilds
// the vector index under the exclusive slot.
func (c *Consolidator) Run(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats

	ctx, span := tracer.Start(ctx, "consolidate.phase1")
	err := c.queue.RunExclusive(ctx, func(s *storage.Store) error {
		return c.phase1(ctx, s, opts, &stats)
	})
	span.End()
	if err != nil {
		return stats, fmt.Errorf("consolidate phase 1: %w", err)
	}

	if !opts.SkipLLM && c.llm != nil && c.embedder != nil {
		ctx, span := tracer.Start(ctx, "consolidate.phase2")
		err = c.phase2(ctx, opts, &stats)
		span.SetAttributes(attribute.Int("clusters.found", stats.ClustersFound))
		span.End()
		if err != nil {
			return stats, fmt.Errorf("consolidate phase 2: %w", err)
		}
	}

	if opts.DryRun {
		return stats, nil
	}
	if err := c.queue.RunExclusive(ctx, storage.RebuildVectorIndexOp); err != nil {
		return stats, fmt.Errorf("consolidate rebuild: %w", err)
	}
	return stats, nil
}

// phase1 applies the rule-based pass: expiry retirement, near-exact
// duplicate merges, orphan relation cleanup, retired-edge cleanup, daily
// co-recall decay, and the quality review check. Runs inside the write
// queue's exclusive slot.
func (c *Consolidator) phase1(ctx context.Context, s *storage.Store, opts Options, stats *Stats) error {
	entries, err := s.LoadActiveEntries(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if opts.RetireAfterDays > 0 {
		cutoff := now.AddDate(0, 0, -opts.RetireAfterDays)
		for _, e := range entries {
			if e.Expiry == string(knowledge.ExpiryTemporary) && e.RecallCount == 0 && e.CreatedAt.Before(cutoff) {
				stats.Retired++
				if opts.DryRun {
					continue
				}
				if err := s.Retire(ctx, e.ID, fmt.Sprintf("temporary entry unrecalled for %d days", opts.RetireAfterDays), nil); err != nil {
					return err
				}
			}
		}
	}

	if err := c.mergeNearExact(ctx, s, entries, opts, stats); err != nil {
		return err
	}

	if !opts.DryRun {
		n, err := s.DeleteOrphanRelations(ctx)
		if err != nil {
			return err
		}
		stats.OrphanRelations = n

		dropped, err := s.DropRetiredCoRecallEdges(ctx)
		if err != nil {
			return err
		}
		stats.EdgesDropped = dropped

		pruned, err := s.DecayCoRecallEdges(ctx, coRecallDecayFactor, coRecallPruneFloor)
		if err != nil {
			return err
		}
		stats.EdgesPruned = pruned
	}

	if opts.QualityThreshold > 0 {
		if err := c.flagLowQuality(ctx, s, entries, opts, stats); err != nil {
			return err
		}
	}
	return nil
}

// mergeNearExact collapses near-exact duplicates (Jaccard >= 0.95 over
// content trigrams) within each (type, subject) partition, keeping the
// highest importance and the earliest created_at; the loser is superseded
// by the winner rather than deleted (entries are never hard-deleted).
func (c *Consolidator) mergeNearExact(ctx context.Context, s *storage.Store, entries []storage.ActiveEntry, opts Options, stats *Stats) error {
	groups := map[string][]storage.ActiveEntry{}
	var order []string
	for _, e := range entries {
		key := e.Kind + "\x00" + knowledge.Normalize(e.Subject)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		superseded := map[string]bool{}
		for i := range group {
			if superseded[group[i].ID] {
				continue
			}
			winner := group[i]
			winnerNorm := knowledge.Normalize(winner.Content)
			for j := i + 1; j < len(group); j++ {
				loser := group[j]
				if superseded[loser.ID] {
					continue
				}
				if knowledge.Jaccard(winnerNorm, knowledge.Normalize(loser.Content)) < nearExactJaccard {
					continue
				}
				// Keep the higher-importance, earlier-created row.
				if loser.Importance > winner.Importance ||
					(loser.Importance == winner.Importance && loser.CreatedAt.Before(winner.CreatedAt)) {
					winner, loser = loser, winner
					winnerNorm = knowledge.Normalize(winner.Content)
				}
				stats.NearExactMerged++
				if opts.DryRun {
					superseded[loser.ID] = true
					continue
				}
				if err := c.supersedeNearExact(ctx, s, winner, loser); err != nil {
					return err
				}
				superseded[loser.ID] = true
			}
		}
	}
	return nil
}

func (c *Consolidator) supersedeNearExact(ctx context.Context, s *storage.Store, winner, loser storage.ActiveEntry) error {
	db := s.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE entries SET superseded_by = ? WHERE id = ?`, winner.ID, loser.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO relations(source_id, target_id, type, created_at)
		VALUES (?, ?, 'supersedes', ?)`, winner.ID, loser.ID, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, loser.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_vec WHERE entry_id = ?`, loser.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET importance = MAX(importance, ?), created_at = MIN(created_at, ?), updated_at = ?
		WHERE id = ?`, loser.Importance, loser.CreatedAt.Format(time.RFC3339), now, winner.ID); err != nil {
		return err
	}
	for _, t := range loser.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags(entry_id, tag) VALUES (?, ?)`, winner.ID, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// flagLowQuality appends a review-queue record for entries recalled often
// whose quality score has fallen below the configured threshold.
func (c *Consolidator) flagLowQuality(ctx context.Context, s *storage.Store, entries []storage.ActiveEntry, opts Options, stats *Stats) error {
	rows, err := s.DB().QueryContext(ctx, `
		SELECT id, subject, quality_score FROM entries
		WHERE retired = 0 AND superseded_by IS NULL
		  AND recall_count >= ? AND quality_score < ?`,
		qualityReviewRecalls, opts.QualityThreshold)
	if err != nil {
		return err
	}
	defer rows.Close()

	type flagged struct {
		id, subject string
		score       float64
	}
	var hits []flagged
	for rows.Next() {
		var f flagged
		if err := rows.Scan(&f.id, &f.subject, &f.score); err != nil {
			return err
		}
		hits = append(hits, f)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range hits {
		stats.QualityFlagged++
		if opts.DryRun {
			continue
		}
		reason := fmt.Sprintf("quality %.2f below threshold %.2f after repeated recalls: %s", f.score, opts.QualityThreshold, f.subject)
		if _, err := s.AppendReview(ctx, reason, "retire or rewrite", []string{f.id}); err != nil {
			return err
		}
	}
	return nil
}

// phase2 clusters active entries by vector similarity and runs the LLM
// merge + verification loop per cluster.
func (c *Consolidator) phase2(ctx context.Context, opts Options, stats *Stats) error {
	var entries []storage.ActiveEntry
	err := c.queue.RunExclusive(ctx, func(s *storage.Store) error {
		var err error
		entries, err = s.LoadActiveEntries(ctx)
		return err
	})
	if err != nil {
		return err
	}

	clusters := clusterBySimilarity(entries, clusterSimilarity, minClusterSize)
	stats.ClustersFound = len(clusters)

	for _, cluster := range clusters {
		if len(cluster) > maxClusterSize {
			stats.ClustersSkipped++
			continue
		}
		skip, err := c.recentlyConsolidated(ctx, cluster, opts.IdempotencyDays)
		if err != nil {
			return err
		}
		if skip {
			stats.ClustersSkipped++
			continue
		}
		if opts.DryRun {
			stats.ClustersMerged++
			continue
		}
		merged, verdict, err := c.mergeCluster(ctx, cluster, opts.Model)
		if err != nil {
			c.log.Warn("cluster_merge_failed", map[string]any{"size": len(cluster), "error": err.Error()})
			stats.ClustersRejected++
			continue
		}
		if verdict != "" {
			// Verification failed: the sources stay untouched and the
			// cluster lands in the review queue.
			stats.ClustersRejected++
			ids := clusterIDs(cluster)
			err := c.queue.RunExclusive(ctx, func(s *storage.Store) error {
				_, err := s.AppendReview(ctx, verdict, "manual merge", ids)
				return err
			})
			if err != nil {
				return err
			}
			continue
		}
		ids := clusterIDs(cluster)
		err = c.queue.RunExclusive(ctx, func(s *storage.Store) error {
			if err := s.MergeSupersede(ctx, merged, ids); err != nil {
				return err
			}
			return c.stampConsolidated(ctx, s, ids)
		})
		if err != nil {
			return err
		}
		stats.ClustersMerged++
	}
	return nil
}

// recentlyConsolidated reports whether every entry in the cluster carries
// a consolidation stamp newer than idempotencyDays.
func (c *Consolidator) recentlyConsolidated(ctx context.Context, cluster []storage.ActiveEntry, idempotencyDays int) (bool, error) {
	if idempotencyDays <= 0 {
		return false, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -idempotencyDays)
	all := true
	err := c.queue.RunExclusive(ctx, func(s *storage.Store) error {
		for _, e := range cluster {
			v, ok, err := s.KVGet(ctx, consolidationStampKey(e.ID))
			if err != nil {
				return err
			}
			if !ok {
				all = false
				return nil
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil || t.Before(cutoff) {
				all = false
				return nil
			}
		}
		return nil
	})
	return all, err
}

func (c *Consolidator) stampConsolidated(ctx context.Context, s *storage.Store, ids []string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if err := s.KVSet(ctx, consolidationStampKey(id), now); err != nil {
			return err
		}
	}
	return nil
}

func consolidationStampKey(entryID string) string {
	sum := sha256.Sum256([]byte(entryID))
	return "consolidated:" + hex.EncodeToString(sum[:8])
}

func clusterIDs(cluster []storage.ActiveEntry) []string {
	ids := make([]string, len(cluster))
	for i, e := range cluster {
		ids[i] = e.ID
	}
	sort.Strings(ids)
	return ids
}

// clusterBySimilarity groups entries whose embeddings are pairwise-linked
// above threshold (single-linkage over the thresholded similarity graph),
// dropping components below minSize and entries without embeddings.
func clusterBySimilarity(entries []storage.ActiveEntry, threshold float64, minSize int) [][]storage.ActiveEntry {
	var pool []storage.ActiveEntry
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			pool = append(pool, e)
		}
	}
	n := len(pool)
	if n == 0 {
		return nil
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if cosine32(pool[i].Embedding, pool[j].Embedding) >= threshold {
				union(i, j)
			}
		}
	}

	components := map[int][]storage.ActiveEntry{}
	var roots []int
	for i := range pool {
		r := find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], pool[i])
	}

	var out [][]storage.ActiveEntry
	for _, r := range roots {
		if len(components[r]) >= minSize {
			out = append(out, components[r])
		}
	}
	return out
}

func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func centroid(entries []storage.ActiveEntry) []float32 {
	if len(entries) == 0 || len(entries[0].Embedding) == 0 {
		return nil
	}
	dim := len(entries[0].Embedding)
	sum := make([]float64, dim)
	count := 0
	for _, e := range entries {
		if len(e.Embedding) != dim {
			continue
		}
		for i, v := range e.Embedding {
			sum[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i, v := range sum {
		out[i] = float32(v / float64(count))
	}
	return out
}

func clusterTagUnion(cluster []storage.ActiveEntry) []string {
	seen := map[string]bool{}
	for _, e := range cluster {
		for _, t := range e.Tags {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func clusterSummary(cluster []storage.ActiveEntry) string {
	var b strings.Builder
	for i, e := range cluster {
		fmt.Fprintf(&b, "ENTRY %d (type=%s, importance=%d):\nsubject: %s\ncontent: %s\n\n", i+1, e.Kind, e.Importance, e.Subject, e.Content)
	}
	return b.String()
}
