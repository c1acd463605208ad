// Package storage implements the persistent entry store: entries, tags,
// relations, full-text index, vector index, ingest log, co-recall graph,
// and review queue, backed by a single SQLite database file in WAL mode,
// with sqlite-vec providing the vector index and FTS5 the full-text one.
package storage

import (
	"database/sql"
	"fmt"
	"os"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/embedclient"
)

func init() {
	sqlite_vec.Auto()
}

// Store is the embedded SQL entry store.
type Store struct {
	db        *sql.DB
	embedder  *embedclient.Client
	dimension int
	path      string
	lockFile  *os.File
	log       *alog.Logger
}

// Open opens (creating if absent) the database at path, runs idempotent
// migrations, and, if the bulk-ingest sentinel is present, runs recovery
// before returning. embedder may be nil for read-only
// callers (e.g. the CLI's `review` command) that never write embeddings.
func Open(path string, embedder *embedclient.Client, dimension int, log *alog.Logger) (*Store, error) {
	if log == nil {
		log = alog.Default
	}
	lockFile, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, embedder: embedder, dimension: dimension, path: path, lockFile: lockFile, log: log.WithComponent("storage")}

	if err := s.migrate(); err != nil {
		db.Close()
		lockFile.Close()
		return nil, err
	}
	if err := s.recoverIfNeeded(); err != nil {
		db.Close()
		lockFile.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the schema idempotently. A real migration ladder would
// version these; the schema here is additive-only so IF NOT EXISTS DDL
// suffices for every release so far.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaDDL(s.dimension)); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// recoverIfNeeded checks the bulk-ingest sentinel and, if present, rebuilds
// the FTS and vector indexes from the entries table before clearing it. No
// writer may proceed before this completes.
func (s *Store) recoverIfNeeded() error {
	present, err := s.sentinelPresent()
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	s.log.Warn("bulk_ingest_recovery_start", nil)
	if err := s.rebuildFTS(); err != nil {
		return fmt.Errorf("recovery rebuild fts: %w", err)
	}
	if err := s.rebuildVectorIndex(); err != nil {
		return fmt.Errorf("recovery rebuild vector index: %w", err)
	}
	if err := s.clearSentinel(); err != nil {
		return err
	}
	s.log.Info("bulk_ingest_recovery_done", nil)
	return nil
}

func (s *Store) sentinelPresent() (bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv_meta WHERE key = ?`, sentinelKey).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) setSentinel() error {
	_, err := s.db.Exec(`INSERT INTO kv_meta(key, value) VALUES (?, '1') ON CONFLICT(key) DO UPDATE SET value='1'`, sentinelKey)
	return err
}

func (s *Store) clearSentinel() error {
	_, err := s.db.Exec(`DELETE FROM kv_meta WHERE key = ?`, sentinelKey)
	return err
}

// rebuildFTS repopulates entries_fts with exactly one row per non-retired,
// non-superseded entry.
func (s *Store) rebuildFTS() error {
	if _, err := s.db.Exec(`DELETE FROM entries_fts`); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO entries_fts(entry_id, subject, content, tags_joined)
		SELECT e.id, e.subject, e.content,
			COALESCE((SELECT group_concat(tag, ' ') FROM tags WHERE entry_id = e.id), '')
		FROM entries e
		WHERE e.retired = 0 AND e.superseded_by IS NULL
	`)
	return err
}

// rebuildVectorIndex repopulates entries_vec from the entries table's
// current embedding snapshot (kept alongside for this purpose) with
// exactly one row per non-retired, non-superseded entry.
func (s *Store) rebuildVectorIndex() error {
	if _, err := s.db.Exec(`DELETE FROM entries_vec`); err != nil {
		return err
	}
	rows, err := s.db.Query(`
		SELECT id FROM entries WHERE retired = 0 AND superseded_by IS NULL
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		emb, err := s.loadEmbeddingBlob(id)
		if err != nil || emb == nil {
			continue
		}
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO entries_vec(entry_id, embedding) VALUES (?, ?)`, id, emb); err != nil {
			return err
		}
	}
	return nil
}

// loadEmbeddingBlob reads the canonical embedding snapshot kept on the
// entries row itself. entries_vec is a derived index rebuilt from it, not
// the source of truth, so recovery can repopulate entries_vec even after
// it was dropped.
func (s *Store) loadEmbeddingBlob(id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM entries WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return blob, err
}

// Checkpoint opportunistically runs a WAL checkpoint.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(PASSIVE)`)
	return err
}

// Close releases the database handle and the process-exclusive lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lockFile != nil {
		s.lockFile.Close()
		os.Remove(s.lockFile.Name())
	}
	return err
}

// DB exposes the underlying handle for packages (recall, consolidate) that
// issue their own read queries against the same connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// acquireLock creates path+".lock" exclusively, refusing to open the same
// database from two processes at once.
func acquireLock(dbPath string) (*os.File, error) {
	lockPath := dbPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("database %s is locked by another process (remove %s if that process is gone)", dbPath, lockPath)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, nil
}
