// Package stateio implements the atomic-rename, mode-0600 JSON state file
// convention used for watch-state.json, watcher.pid, watcher-health.json,
// and retirements.json. The review queue is kept in a database table, not
// in a state file.
//
// A crash between write and rename must never leave a half-written state
// file in place of a good one, so every write lands in a temp file that
// is fsynced before the rename.
package stateio

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DirMode is applied to the directory holding agenr's state files.
const DirMode = 0o700

// FileMode is applied to every state file written by WriteAtomic.
const FileMode = 0o600

// EnsureDir creates dir (and parents) with DirMode if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, DirMode)
}

// WriteAtomic marshals v as indented JSON and writes it to path via a
// temp-file-then-rename so readers never observe a partial write.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteAtomicBytes(path, data)
}

// WriteAtomicBytes writes data to path via a temp-file-then-rename.
func WriteAtomicBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadJSON reads and unmarshals path into v. A missing file is reported via
// os.IsNotExist(err) so callers can treat absence as "no state yet", per the
// corrupt-state-tolerance design: malformed or missing state is
// treated as absent, not fatal.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
