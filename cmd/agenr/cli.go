// Package main defines the agenr CLI structure using kong.
package main

// CLI defines the command-line interface.
type CLI struct {
	Ingest      IngestCmd      `cmd:"" help:"Ingest transcript files into the knowledge store"`
	Watch       WatchCmd       `cmd:"" help:"Tail the active session file and ingest continuously"`
	Recall      RecallCmd      `cmd:"" help:"Query the knowledge store"`
	Consolidate ConsolidateCmd `cmd:"" help:"Prune, merge, and rebuild the knowledge store"`
	Retire      RetireCmd      `cmd:"" help:"Retire entries matching a pattern via the retirements ledger"`
	Review      ReviewCmd      `cmd:"" help:"Inspect and resolve the review queue"`
	Init        InitCmd        `cmd:"" help:"Write a default config file"`

	Config  string `help:"Config file path (default ~/.agenr/config.json)"`
	Verbose bool   `short:"v" help:"Verbose logging"`
}

// IngestCmd runs the ingest pipeline over one or more files.
type IngestCmd struct {
	Paths          []string `arg:"" help:"Transcript files to ingest"`
	Force          bool     `help:"Re-ingest even when the ingest log already has this file+hash"`
	DryRun         bool     `help:"Extract but do not write"`
	Bulk           bool     `help:"Bulk mode: drop index maintenance during insert, rebuild at the end"`
	OnlineDedup    bool     `help:"Ask the LLM judge to classify dedup candidates"`
	DedupThreshold float64  `help:"Vector similarity threshold for dedup candidates" default:"0"`
	Workers        int      `help:"Parallel extraction workers" default:"4"`
	LogDir         string   `help:"Directory for per-chunk LLM input/output logs"`
	SampleRate     int      `help:"Log 1-in-N files" default:"10"`
	LogAll         bool     `help:"Log every file (forces sample rate 1)"`
	Project        string   `help:"Project label stored on extracted entries"`
	JSON           bool     `help:"Emit per-file results as JSON"`
}

// WatchCmd tails the active session file of a platform.
type WatchCmd struct {
	Platform    string `help:"Platform to watch (openclaw, claude-code, codex)" default:"openclaw"`
	Root        string `help:"Session directory root" required:""`
	Interval    int    `help:"Tick interval in seconds" default:"30"`
	MinChunk    int64  `help:"Minimum file growth in bytes before a tail read" default:"256"`
	Once        bool   `help:"Run one cycle and exit"`
	DryRun      bool   `help:"Extract but do not write"`
	Context     string `name:"context" help:"Write CONTEXT.md with the current top recall to this path"`
	MetricsAddr string `help:"Expose Prometheus liveness gauges on this address (off by default)"`
	Project     string `help:"Project label stored on extracted entries"`
}

// RecallCmd queries the knowledge store.
type RecallCmd struct {
	Query          string   `arg:"" optional:"" help:"Free-text query (blank for browse/filters only)"`
	Limit          int      `help:"Maximum results" default:"20"`
	Types          []string `help:"Filter by entry types"`
	Tags           []string `help:"Filter by tags"`
	MinImportance  int      `help:"Minimum importance"`
	Since          string   `help:"Only entries created at or after this RFC 3339 time"`
	Until          string   `help:"Only entries created at or before this RFC 3339 time"`
	Expiry         string   `help:"Filter by expiry class (core, permanent, temporary)"`
	Scope          string   `help:"Filter by scope (private, personal, public)"`
	Context        string   `help:"Recall context (session-start enables category partitioning)"`
	Budget         int      `help:"Token budget for returned entries"`
	Platform       string   `help:"Filter by originating platform"`
	Project        string   `help:"Prefer entries for this project"`
	ExcludeProject string   `help:"Exclude entries for this project"`
	ProjectStrict  bool     `help:"Require the project match exactly (drop unlabeled entries)"`
	Browse         bool     `help:"SQL-only browse: recency order, no embedding call, no counter updates"`
	NoUpdate       bool     `help:"Do not bump recall counters"`
	JSON           bool     `help:"Emit the recall envelope as JSON"`
}

// ConsolidateCmd runs the consolidator.
type ConsolidateCmd struct {
	RulesOnly       bool    `help:"Run phase 1 only (no LLM merges)"`
	DryRun          bool    `help:"Report what would change without writing"`
	IdempotencyDays int     `help:"Skip clusters consolidated more recently than this" default:"7"`
	RetireAfterDays int     `help:"Retire unrecalled temporary entries older than this (0 uses config)" default:"0"`
	QualityThreshold float64 `help:"Flag often-recalled entries below this quality score (0 uses config)" default:"0"`
}

// RetireCmd appends a ledger record and replays it against the store.
type RetireCmd struct {
	Pattern  string   `arg:"" help:"Pattern to match against entry subject/content"`
	Contains bool     `help:"Substring match instead of exact"`
	Reason   string   `help:"Why these entries are being retired" default:"manual retirement"`
	Suppress []string `help:"Contexts to suppress matching entries from (e.g. session-start)"`
}

// ReviewCmd lists or resolves review-queue entries.
type ReviewCmd struct {
	List    ReviewListCmd    `cmd:"" default:"withargs" help:"List review-queue entries"`
	Resolve ReviewResolveCmd `cmd:"" help:"Mark a review-queue entry resolved"`
}

// ReviewListCmd lists review-queue entries.
type ReviewListCmd struct {
	Status string `help:"Filter by status (pending, resolved)" default:"pending"`
	JSON   bool   `help:"Emit entries as JSON"`
}

// ReviewResolveCmd marks one review-queue entry resolved.
type ReviewResolveCmd struct {
	ID string `arg:"" help:"Review entry ID"`
}

// InitCmd writes a default config file.
type InitCmd struct {
	Force bool `help:"Overwrite an existing config"`
}
