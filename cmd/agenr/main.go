// Package main is the entry point for the agenr CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/config"
	"github.com/vinayprograms/agenr/internal/consolidate"
	"github.com/vinayprograms/agenr/internal/embedclient"
	"github.com/vinayprograms/agenr/internal/errs"
	"github.com/vinayprograms/agenr/internal/ingest"
	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/llmclient"
	"github.com/vinayprograms/agenr/internal/recall"
	"github.com/vinayprograms/agenr/internal/retire"
	"github.com/vinayprograms/agenr/internal/setup"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/watcher"
	"github.com/vinayprograms/agenr/internal/writequeue"
)

// Build-time variables (set via ldflags)
var version = "dev"

// Context carries shared dependencies into each command's Run method.
type Context struct {
	Ctx     context.Context
	Cfg     *config.Config
	Log     *alog.Logger
	Verbose bool
}

func init() {
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ktx := kong.Parse(&cli,
		kong.Name("agenr"),
		kong.Description("Personal knowledge engine for LLM agents: watch, extract, recall."),
		kong.Vars{"version": version},
	)

	log := alog.New(os.Stderr)
	if cli.Verbose {
		log.SetLevel("debug")
	}

	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.LoadFile(cli.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = ktx.Run(&Context{Ctx: ctx, Cfg: cfg, Log: log, Verbose: cli.Verbose})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr: %s\n", err)
	}
	if ctx.Err() != nil && err != nil && !errs.Is(err, errs.Shutdown) {
		err = errs.New(errs.Shutdown, err)
	}
	os.Exit(errs.ExitCode(err))
}

// openStore builds the embedding client and opens the database, running
// migrations and recovery before any command touches it.
func openStore(rt *Context) (*storage.Store, *embedclient.Client, error) {
	embedder := embedclient.New(embedclient.Config{
		APIKey:     embeddingAPIKey(rt.Cfg),
		Model:      rt.Cfg.Embedding.Model,
		Dimensions: rt.Cfg.Embedding.Dimensions,
	}, rt.Log)
	store, err := storage.Open(rt.Cfg.DB.Path, embedder, embedder.Dimensions(), rt.Log)
	if err != nil {
		return nil, nil, err
	}
	return store, embedder, nil
}

func embeddingAPIKey(cfg *config.Config) string {
	if cfg.Embedding.APIKey != "" {
		return cfg.Embedding.APIKey
	}
	return cfg.GetAPIKey(cfg.Embedding.Provider)
}

func newLLM(rt *Context) *llmclient.Client {
	return llmclient.New(rt.Cfg.GetAPIKey(rt.Cfg.Provider), rt.Cfg.Models.Extraction, rt.Log)
}

// Run executes the ingest command.
func (c *IngestCmd) Run(rt *Context) error {
	store, _, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := writequeue.New(store, 0, rt.Log)
	defer queue.Destroy()

	llm := newLLM(rt)
	pipeline := ingest.New(queue, llm, rt.Log)

	opts := ingest.Options{
		Model:          rt.Cfg.Models.Extraction,
		Force:          c.Force,
		DryRun:         c.DryRun,
		Bulk:           c.Bulk,
		OnlineDedup:    c.OnlineDedup,
		DedupThreshold: c.DedupThreshold,
		LogDir:         c.LogDir,
		SampleRate:     c.SampleRate,
		LogAll:         c.LogAll,
		Project:        c.Project,
		Workers:        c.Workers,
	}
	if c.OnlineDedup {
		opts.Judge = &storage.LLMJudge{Client: llm, Model: rt.Cfg.Models.ContradictionJudge}
	}

	results := pipeline.Files(rt.Ctx, c.Paths, opts)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(ingestReport(results))
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", r.Path, r.Err)
			continue
		}
		fmt.Printf("%s: %d chunks, +%d ~%d ^%d =%d\n",
			r.Path, r.Chunks, r.Store.Added, r.Store.Updated, r.Store.Superseded, r.Store.Skipped)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

type fileReport struct {
	Path       string         `json:"path"`
	Chunks     int            `json:"chunks"`
	Added      int            `json:"added"`
	Updated    int            `json:"updated"`
	Skipped    int            `json:"skipped"`
	Superseded int            `json:"superseded"`
	DurationMS int64          `json:"duration_ms"`
	Warnings   []string       `json:"warnings,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func ingestReport(results []ingest.FileResult) []fileReport {
	out := make([]fileReport, len(results))
	for i, r := range results {
		out[i] = fileReport{
			Path: r.Path, Chunks: r.Chunks,
			Added: r.Store.Added, Updated: r.Store.Updated,
			Skipped: r.Store.Skipped, Superseded: r.Store.Superseded,
			DurationMS: r.Store.DurationMS, Warnings: r.Warnings,
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

// Run executes the watch command.
func (c *WatchCmd) Run(rt *Context) error {
	store, embedder, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := writequeue.New(store, 0, rt.Log)
	defer queue.Destroy()

	llm := newLLM(rt)
	pipeline := ingest.New(queue, llm, rt.Log)

	w := watcher.New(pipeline, store, embedder, watcher.Options{
		Platform:    c.Platform,
		Root:        c.Root,
		StateDir:    config.DefaultDir(),
		Interval:    time.Duration(c.Interval) * time.Second,
		MinChunk:    c.MinChunk,
		Once:        c.Once,
		DryRun:      c.DryRun,
		Verbose:     rt.Verbose,
		ContextPath: c.Context,
		MetricsAddr: c.MetricsAddr,
		Ingest: ingest.Options{
			Model:   rt.Cfg.Models.Extraction,
			Project: c.Project,
		},
	}, rt.Log)

	return w.Run(rt.Ctx)
}

// Run executes the recall command.
func (c *RecallCmd) Run(rt *Context) error {
	store, embedder, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	q := recall.Query{
		Text:           c.Query,
		Limit:          c.Limit,
		Types:          c.Types,
		Tags:           c.Tags,
		MinImportance:  c.MinImportance,
		Expiry:         c.Expiry,
		Scope:          c.Scope,
		Context:        c.Context,
		Budget:         c.Budget,
		Platform:       c.Platform,
		Project:        c.Project,
		ExcludeProject: c.ExcludeProject,
		ProjectStrict:  c.ProjectStrict,
		Browse:         c.Browse,
		NoUpdate:       c.NoUpdate,
	}
	if c.Since != "" {
		t, err := time.Parse(time.RFC3339, c.Since)
		if err != nil {
			return errs.New(errs.Validation, fmt.Errorf("--since: %w", err))
		}
		q.Since = &t
	}
	if c.Until != "" {
		t, err := time.Parse(time.RFC3339, c.Until)
		if err != nil {
			return errs.New(errs.Validation, fmt.Errorf("--until: %w", err))
		}
		q.Until = &t
	}

	resp, err := recall.Recall(rt.Ctx, store, embedder, q)
	if err != nil {
		return err
	}

	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(recallEnvelope(resp))
	}
	for _, r := range resp.Results {
		cat := ""
		if r.Category != "" {
			cat = fmt.Sprintf(" [%s]", r.Category)
		}
		fmt.Printf("%.3f%s %s (%s): %s\n", r.Score, cat, r.Entry.Subject, r.Entry.Kind, r.Entry.Content)
	}
	fmt.Printf("%d of %d results", len(resp.Results), resp.Total)
	if resp.BudgetLimit > 0 {
		fmt.Printf(" (budget %d/%d tokens)", resp.BudgetUsed, resp.BudgetLimit)
	}
	fmt.Println()
	return nil
}

// recall JSON envelope: entry embeddings are never present on the
// recall read path, so nothing needs stripping here.
type recallResultJSON struct {
	Entry    recall.Entry  `json:"entry"`
	Score    float64       `json:"score"`
	Scores   scoresJSON    `json:"scores"`
	Category string        `json:"category,omitempty"`
}

type scoresJSON struct {
	Vector      float64 `json:"vector"`
	FTS         float64 `json:"fts"`
	Recency     float64 `json:"recency"`
	Importance  float64 `json:"importance"`
	Recall      float64 `json:"recall"`
	Freshness   float64 `json:"freshness"`
	TodoPenalty float64 `json:"todoPenalty"`
	Quality     float64 `json:"quality"`
	Spacing     float64 `json:"spacing"`
}

type recallEnvelopeJSON struct {
	Query       string             `json:"query"`
	Results     []recallResultJSON `json:"results"`
	Total       int                `json:"total"`
	BudgetUsed  int                `json:"budget_used,omitempty"`
	BudgetLimit int                `json:"budget_limit,omitempty"`
}

func recallEnvelope(resp recall.Response) recallEnvelopeJSON {
	out := recallEnvelopeJSON{
		Query:       resp.Query,
		Results:     make([]recallResultJSON, len(resp.Results)),
		Total:       resp.Total,
		BudgetUsed:  resp.BudgetUsed,
		BudgetLimit: resp.BudgetLimit,
	}
	for i, r := range resp.Results {
		out.Results[i] = recallResultJSON{
			Entry: r.Entry,
			Score: r.Score,
			Scores: scoresJSON{
				Vector: r.Scores.Vector, FTS: r.Scores.FTS, Recency: r.Scores.Recency,
				Importance: r.Scores.Importance, Recall: r.Scores.Recall,
				Freshness: r.Scores.Freshness, TodoPenalty: r.Scores.TodoPenalty,
				Quality: r.Scores.Quality, Spacing: r.Scores.Spacing,
			},
			Category: string(r.Category),
		}
	}
	return out
}

// Run executes the consolidate command.
func (c *ConsolidateCmd) Run(rt *Context) error {
	store, embedder, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := writequeue.New(store, 0, rt.Log)
	defer queue.Destroy()

	retireAfter := c.RetireAfterDays
	if retireAfter == 0 && rt.Cfg.Forgetting.Enabled {
		retireAfter = rt.Cfg.Forgetting.MaxAgeDays
	}
	quality := c.QualityThreshold
	if quality == 0 {
		quality = rt.Cfg.Forgetting.ScoreThreshold
	}

	cons := consolidate.New(store, queue, newLLM(rt), embedder, rt.Log)
	stats, err := cons.Run(rt.Ctx, consolidate.Options{
		RetireAfterDays:  retireAfter,
		QualityThreshold: quality,
		IdempotencyDays:  c.IdempotencyDays,
		SkipLLM:          c.RulesOnly,
		DryRun:           c.DryRun,
		Model:            rt.Cfg.Models.Extraction,
	})
	if err != nil {
		return err
	}

	fmt.Printf("retired %d, merged %d near-exact, %d orphan relations, %d edges dropped, %d pruned\n",
		stats.Retired, stats.NearExactMerged, stats.OrphanRelations, stats.EdgesDropped, stats.EdgesPruned)
	if !c.RulesOnly {
		fmt.Printf("clusters: %d found, %d merged, %d rejected to review, %d skipped\n",
			stats.ClustersFound, stats.ClustersMerged, stats.ClustersRejected, stats.ClustersSkipped)
	}
	return nil
}

// Run executes the retire command: append to the ledger, then replay.
func (c *RetireCmd) Run(rt *Context) error {
	store, _, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	matchType := knowledge.MatchExact
	if c.Contains {
		matchType = knowledge.MatchContains
	}
	record := knowledge.RetirementRecord{
		Pattern:            c.Pattern,
		MatchType:          matchType,
		SuppressedContexts: c.Suppress,
		Reason:             c.Reason,
	}
	ledgerPath := retireLedgerPath()
	if err := retire.Append(ledgerPath, record, rt.Log); err != nil {
		return err
	}
	retired, err := retire.Replay(rt.Ctx, store, retire.Ledger{Version: 1, Retirements: []knowledge.RetirementRecord{record}})
	if err != nil {
		return err
	}
	fmt.Printf("retired %d entries\n", retired)
	return nil
}

func retireLedgerPath() string {
	return filepath.Join(config.DefaultDir(), "retirements.json")
}

// Run lists review-queue entries.
func (c *ReviewListCmd) Run(rt *Context) error {
	store, _, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	status := c.Status
	if status == "all" {
		status = ""
	}
	entries, err := store.ListReviews(rt.Ctx, status)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("review queue is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %s\n    %s (suggested: %s)\n",
			e.ID, e.Status, e.CreatedAt.Format(time.RFC3339), e.Reason, e.SuggestedAction)
	}
	return nil
}

// Run resolves one review-queue entry.
func (c *ReviewResolveCmd) Run(rt *Context) error {
	store, _, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := store.ResolveReview(rt.Ctx, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no pending review entry with id %s", c.ID)
	}
	fmt.Printf("resolved %s\n", c.ID)
	return nil
}

// Run writes a default config file.
func (c *InitCmd) Run(rt *Context) error {
	path := config.DefaultConfigPath()
	cfg, err := setup.Scaffold(path, c.Force)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (db: %s, embedding: %s/%d)\n", path, cfg.DB.Path, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	return nil
}
