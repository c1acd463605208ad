package knowledge

import "time"

// RelationType enumerates directed edge kinds between entries.
type RelationType string

const (
	RelationSupersedes RelationType = "supersedes"
	RelationContradicts RelationType = "contradicts"
	RelationElaborates RelationType = "elaborates"
	RelationRelated    RelationType = "related"
)

// Relation is a directed edge (source_id, target_id, type). Supersedes is
// the storage invariant enforcer; the others are informational.
type Relation struct {
	SourceID  string
	TargetID  string
	Type      RelationType
	CreatedAt time.Time
}

// IngestLogEntry records a completed ingest of one file, keyed uniquely on
// (FilePath, ContentHash) to short-circuit re-ingesting unchanged files.
type IngestLogEntry struct {
	FilePath    string
	ContentHash string
	IngestedAt  time.Time
	Added       int
	Updated     int
	Skipped     int
	Superseded  int
	DurationMS  int64
}

// CoRecallEdge is an unordered, weighted association strengthened whenever
// two entries co-appear within a single recall result set.
type CoRecallEdge struct {
	EntryA         string
	EntryB         string
	Weight         float64
	SessionCount   int
	LastCoRecalled time.Time
	CreatedAt      time.Time
}

// ReviewQueueStatus enumerates review-queue entry lifecycle states.
type ReviewQueueStatus string

const (
	ReviewPending  ReviewQueueStatus = "pending"
	ReviewResolved ReviewQueueStatus = "resolved"
)

// ReviewQueueEntry records a merge that failed verification, or an entry
// whose quality dropped below threshold after many recalls.
type ReviewQueueEntry struct {
	ID             string
	Reason         string
	SuggestedAction string
	SourceIDs      []string
	Status         ReviewQueueStatus
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// RetirementMatchType enumerates how a RetirementRecord's pattern is
// matched against an entry's content/subject.
type RetirementMatchType string

const (
	MatchExact    RetirementMatchType = "exact"
	MatchContains RetirementMatchType = "contains"
)

// RetirementRecord is one append-only entry in the retirements ledger.
type RetirementRecord struct {
	Pattern            string              `json:"pattern"`
	MatchType          RetirementMatchType `json:"match_type"`
	SuppressedContexts []string            `json:"suppressed_contexts,omitempty"`
	Reason             string              `json:"reason"`
}
