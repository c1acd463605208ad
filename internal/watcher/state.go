package watcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/stateio"
)

// stateVersion is the watch-state.json format version.
const stateVersion = 1

// FileState tracks one watched file's tail progress.
type FileState struct {
	FilePath           string    `json:"filePath"`
	ByteOffset         int64     `json:"byteOffset"`
	LastRunAt          time.Time `json:"lastRunAt"`
	TotalEntriesStored int       `json:"totalEntriesStored"`
	TotalRunCount      int       `json:"totalRunCount"`
}

// State is the on-disk shape of watch-state.json.
type State struct {
	Version int                  `json:"version"`
	Files   map[string]FileState `json:"files"`
}

// StatePath returns the watch-state.json path under dir (~/.agenr).
func StatePath(dir string) string {
	return filepath.Join(dir, "watch-state.json")
}

// LoadState reads watch-state.json at path. Missing or corrupt state is
// treated as absent and reset, logged but never fatal.
func LoadState(path string, log *alog.Logger) State {
	if log == nil {
		log = alog.Default
	}
	var s State
	if err := stateio.ReadJSON(path, &s); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("watch_state_corrupt", map[string]any{"path": path, "error": err.Error()})
		}
		return State{Version: stateVersion, Files: map[string]FileState{}}
	}
	if s.Version != stateVersion || s.Files == nil {
		return State{Version: stateVersion, Files: map[string]FileState{}}
	}
	return s
}

// Save writes the state atomically with mode 0600.
func (s State) Save(path string) error {
	return stateio.WriteAtomic(path, s)
}

// Offset returns the recorded byte offset for a file, 0 when unknown.
func (s State) Offset(file string) int64 {
	return s.Files[file].ByteOffset
}

// Advance records a successful tail run: the new offset, run time, and
// entry count for file.
func (s *State) Advance(file string, offset int64, entriesStored int) {
	fs := s.Files[file]
	fs.FilePath = file
	fs.ByteOffset = offset
	fs.LastRunAt = time.Now().UTC()
	fs.TotalEntriesStored += entriesStored
	fs.TotalRunCount++
	s.Files[file] = fs
}
