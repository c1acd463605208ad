// Package knowledge defines the KnowledgeEntry data model and its
// validation surface. Per the design notes, validation is a
// constructor that returns (Entry, error) rather than a bag of setters, and
// enumerated fields are closed string-backed sum types rather than bare
// strings.
package knowledge

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the KnowledgeEntry.kind values.
type Kind string

const (
	KindFact         Kind = "fact"
	KindDecision     Kind = "decision"
	KindPreference   Kind = "preference"
	KindTodo         Kind = "todo"
	KindRelationship Kind = "relationship"
	KindEvent        Kind = "event"
	KindLesson       Kind = "lesson"
)

var validKinds = map[Kind]bool{
	KindFact: true, KindDecision: true, KindPreference: true, KindTodo: true,
	KindRelationship: true, KindEvent: true, KindLesson: true,
}

// ValidKind reports whether k is a member of the kind enum.
func ValidKind(k Kind) bool { return validKinds[k] }

// Expiry enumerates retention classes.
type Expiry string

const (
	ExpiryCore      Expiry = "core"
	ExpiryPermanent Expiry = "permanent"
	ExpiryTemporary Expiry = "temporary"
)

var validExpiries = map[Expiry]bool{ExpiryCore: true, ExpiryPermanent: true, ExpiryTemporary: true}

// ValidExpiry reports whether e is a member of the expiry enum.
func ValidExpiry(e Expiry) bool { return validExpiries[e] }

// Scope enumerates visibility classes.
type Scope string

const (
	ScopePrivate  Scope = "private"
	ScopePersonal Scope = "personal"
	ScopePublic   Scope = "public"
)

var validScopes = map[Scope]bool{ScopePrivate: true, ScopePersonal: true, ScopePublic: true}

// Platform enumerates the originating agent platform.
type Platform string

const (
	PlatformOpenClaw   Platform = "openclaw"
	PlatformClaudeCode Platform = "claude-code"
	PlatformCodex      Platform = "codex"
)

var validPlatforms = map[Platform]bool{PlatformOpenClaw: true, PlatformClaudeCode: true, PlatformCodex: true}

// Source records whether an entry came from the watched file or the
// conversational context surrounding it.
type Source string

const (
	SourceFile    Source = "file"
	SourceContext Source = "context"
)

var canonicalKeyRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+){2,4}$`)

// Entry is a stored KnowledgeEntry.
type Entry struct {
	ID      string
	Kind    Kind
	Subject string
	CanonicalKey string

	Content  string
	Importance int
	Expiry     Expiry
	Scope      Scope
	Platform   Platform
	Project    string
	Tags       []string
	SourceKind Source

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRecalledAt *time.Time

	RecallCount    int
	Confirmations  int
	Contradictions int

	Retired            bool
	RetiredAt          *time.Time
	RetiredReason      string
	SuppressedContexts []string

	SupersededBy string

	ContentHash           string
	NormalizedContentHash string
	MinhashSignature      []uint32
	Embedding             []float32

	SubjectKey      string
	Predicate       string
	Object          string
	ClaimConfidence float64

	QualityScore float64
}

// Raw is the unvalidated shape produced by the extractor's LLM tool call,
// before defaulting/clamping/normalization.
type Raw struct {
	Kind         string
	Subject      string
	CanonicalKey string
	Content      string
	Importance   int
	Expiry       string
	Scope        string
	Platform     string
	Project      string
	Tags         []string
	Timestamp    string
	Predicate    string
	Object       string
}

// New validates raw and constructs a well-formed Entry: importance clamps
// to [1,10] (default 5); expiry defaults to temporary; tags are normalized
// (lowercased, trimmed, deduped); canonical_key, if set, must match the
// slug grammar.
func New(raw Raw, platform Platform, project string) (Entry, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	if !validKinds[kind] {
		return Entry{}, fmt.Errorf("invalid kind %q", raw.Kind)
	}
	subject := strings.TrimSpace(raw.Subject)
	if subject == "" {
		return Entry{}, fmt.Errorf("subject required")
	}
	content := strings.TrimSpace(raw.Content)
	if content == "" {
		return Entry{}, fmt.Errorf("content required")
	}

	importance := raw.Importance
	if importance == 0 {
		importance = 5
	}
	if importance < 1 {
		importance = 1
	}
	if importance > 10 {
		importance = 10
	}

	expiry := Expiry(strings.ToLower(strings.TrimSpace(raw.Expiry)))
	if expiry == "" {
		expiry = ExpiryTemporary
	}
	if !validExpiries[expiry] {
		return Entry{}, fmt.Errorf("invalid expiry %q", raw.Expiry)
	}

	scope := Scope(strings.ToLower(strings.TrimSpace(raw.Scope)))
	if scope == "" {
		scope = ScopePrivate
	}
	if !validScopes[scope] {
		return Entry{}, fmt.Errorf("invalid scope %q", raw.Scope)
	}

	canonicalKey := strings.ToLower(strings.TrimSpace(raw.CanonicalKey))
	if canonicalKey != "" && !canonicalKeyRe.MatchString(canonicalKey) {
		return Entry{}, fmt.Errorf("invalid canonical_key %q", raw.CanonicalKey)
	}

	tags := normalizeTags(raw.Tags)

	ts := time.Now().UTC()
	if raw.Timestamp != "" {
		if parsed, err := parseTimestamp(raw.Timestamp); err == nil {
			ts = parsed
		}
	}

	e := Entry{
		ID:           uuid.NewString(),
		Kind:         kind,
		Subject:      subject,
		CanonicalKey: canonicalKey,
		Content:      content,
		Importance:   importance,
		Expiry:       expiry,
		Scope:        scope,
		Platform:     platform,
		Project:      project,
		Tags:         tags,
		SourceKind:   SourceFile,
		CreatedAt:    ts,
		UpdatedAt:    ts,
		Predicate:    strings.TrimSpace(raw.Predicate),
		Object:       strings.TrimSpace(raw.Object),
		QualityScore: 0.5,
	}
	if e.Predicate != "" && e.Object != "" {
		e.SubjectKey = subject + "|" + e.Predicate
	}
	if platform != "" && !validPlatforms[platform] {
		return Entry{}, fmt.Errorf("invalid platform %q", platform)
	}

	e.ContentHash = ContentHash(e.Content)
	e.NormalizedContentHash = NormalizedContentHash(e.Content)
	e.MinhashSignature = MinHash(e.Content)

	return e, nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
