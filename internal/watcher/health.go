package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vinayprograms/agenr/internal/stateio"
)

// staleAfter is the heartbeat age beyond which a health file is considered
// stale.
const staleAfter = 5 * time.Minute

// Health is the watcher liveness record emitted each cycle.
type Health struct {
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"startedAt"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	SessionsWatched int       `json:"sessionsWatched"`
	EntriesStored   int       `json:"entriesStored"`
}

// HealthPath returns the watcher-health.json path under dir.
func HealthPath(dir string) string {
	return filepath.Join(dir, "watcher-health.json")
}

// PIDPath returns the watcher.pid path under dir.
func PIDPath(dir string) string {
	return filepath.Join(dir, "watcher.pid")
}

// WriteHealth emits the health file atomically.
func WriteHealth(path string, h Health) error {
	return stateio.WriteAtomic(path, h)
}

// ReadHealth loads a health file; ok is false when missing or corrupt.
func ReadHealth(path string) (Health, bool) {
	var h Health
	if err := stateio.ReadJSON(path, &h); err != nil {
		return Health{}, false
	}
	return h, true
}

// Stale reports whether the health heartbeat is older than staleAfter.
func (h Health) Stale(now time.Time) bool {
	return now.Sub(h.LastHeartbeat) > staleAfter
}

// WritePID writes the process PID file atomically. Returns an error when a
// live watcher already owns the path, since at most one watcher may run
// per state directory.
func WritePID(path string) error {
	if pid, ok := ReadPID(path); ok && pidAlive(pid) {
		return fmt.Errorf("another watcher (pid %d) is already running; remove %s if it is gone", pid, path)
	}
	return stateio.WriteAtomicBytes(path, []byte(strconv.Itoa(os.Getpid())))
}

// RemovePID deletes the PID file on clean exit.
func RemovePID(path string) {
	_ = os.Remove(path)
}

// ReadPID parses the PID file; ok is false when missing or malformed.
func ReadPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive tests process liveness with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
