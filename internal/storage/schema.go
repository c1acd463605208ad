package storage

import "fmt"

// sentinelKey is the row key in kv_meta whose presence demands recovery
// before any write proceeds.
const sentinelKey = "_bulk_ingest_meta"

// schemaDDL returns the full schema, idempotent via IF NOT EXISTS, for a
// database with the given embedding dimension: the entries table plus its
// FTS5 and vec0 virtual tables, relations, ingest log, co-recall graph,
// review queue, and the bulk-ingest sentinel.
func schemaDDL(dimension int) string {
	return fmt.Sprintf(`
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	canonical_key TEXT,
	content TEXT NOT NULL,
	importance INTEGER NOT NULL DEFAULT 5,
	expiry TEXT NOT NULL DEFAULT 'temporary',
	scope TEXT NOT NULL DEFAULT 'private',
	platform TEXT,
	project TEXT,
	source_kind TEXT NOT NULL DEFAULT 'file',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_recalled_at TEXT,
	recall_count INTEGER NOT NULL DEFAULT 0,
	confirmations INTEGER NOT NULL DEFAULT 0,
	contradictions INTEGER NOT NULL DEFAULT 0,
	retired INTEGER NOT NULL DEFAULT 0,
	retired_at TEXT,
	retired_reason TEXT,
	suppressed_contexts TEXT,
	superseded_by TEXT,
	content_hash TEXT NOT NULL,
	normalized_content_hash TEXT NOT NULL,
	minhash TEXT NOT NULL,
	subject_key TEXT,
	predicate TEXT,
	object TEXT,
	claim_confidence REAL,
	quality_score REAL NOT NULL DEFAULT 0.5,
	embedding BLOB
);

CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(kind);
CREATE INDEX IF NOT EXISTS idx_entries_type_canonical ON entries(kind, canonical_key);
CREATE INDEX IF NOT EXISTS idx_entries_expiry ON entries(expiry);
CREATE INDEX IF NOT EXISTS idx_entries_scope ON entries(scope);
CREATE INDEX IF NOT EXISTS idx_entries_platform ON entries(platform);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
CREATE INDEX IF NOT EXISTS idx_entries_superseded ON entries(superseded_by);
CREATE INDEX IF NOT EXISTS idx_entries_hash ON entries(content_hash);

CREATE TABLE IF NOT EXISTS tags (
	entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (entry_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);

CREATE TABLE IF NOT EXISTS relations (
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (source_id, target_id, type)
);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

CREATE TABLE IF NOT EXISTS entry_sources (
	merged_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	PRIMARY KEY (merged_id, source_id)
);

CREATE TABLE IF NOT EXISTS ingest_log (
	file_path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	ingested_at TEXT NOT NULL,
	added INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	superseded INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (file_path, content_hash)
);

CREATE TABLE IF NOT EXISTS co_recall_edges (
	entry_a TEXT NOT NULL,
	entry_b TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 0,
	session_count INTEGER NOT NULL DEFAULT 0,
	last_co_recalled TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (entry_a, entry_b)
);

CREATE TABLE IF NOT EXISTS review_queue (
	id TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	suggested_action TEXT,
	source_ids TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	resolved_at TEXT
);

CREATE TABLE IF NOT EXISTS kv_meta (
	key TEXT PRIMARY KEY,
	value TEXT
);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
	entry_id UNINDEXED,
	subject,
	content,
	tags_joined
);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_vec USING vec0(
	entry_id TEXT PRIMARY KEY,
	embedding FLOAT[%d] distance_metric=cosine
);
`, dimension)
}
