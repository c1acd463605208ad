package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/agenr/internal/stateio"
)

// Resolver finds the currently-active session file for a platform.
type Resolver interface {
	// Active returns the path of the session file currently being written,
	// or an error when none can be found.
	Active() (string, error)
}

// NewResolver picks a platform-specific resolver: OpenClaw reads a session
// manifest and falls back to mtime; Codex and Claude-Code walk their
// session trees ignoring subagent paths; anything else gets the generic
// mtime resolver over root.
func NewResolver(platform, root string) Resolver {
	switch strings.ToLower(platform) {
	case "openclaw":
		return openClawResolver{root: root}
	case "codex":
		return treeResolver{root: root, ext: ".jsonl", skip: []string{"subagent", "archived"}}
	case "claude-code":
		return treeResolver{root: root, ext: ".jsonl", skip: []string{"subagents", "sidechains"}}
	default:
		return mtimeResolver{root: root}
	}
}

// openClawResolver reads the platform's session manifest for the active
// session id, then falls back to newest-mtime when the manifest is absent
// or stale.
type openClawResolver struct {
	root string
}

type openClawManifest struct {
	ActiveSession string `json:"activeSession"`
}

func (r openClawResolver) Active() (string, error) {
	var m openClawManifest
	manifestPath := filepath.Join(r.root, "sessions.json")
	if err := stateio.ReadJSON(manifestPath, &m); err == nil && m.ActiveSession != "" {
		candidate := filepath.Join(r.root, m.ActiveSession)
		if !strings.HasSuffix(candidate, ".jsonl") {
			candidate += ".jsonl"
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return mtimeResolver{root: r.root}.Active()
}

// treeResolver walks a session directory tree for the newest file with the
// given extension, skipping path components that mark subagent sessions.
type treeResolver struct {
	root string
	ext  string
	skip []string
}

func (r treeResolver) Active() (string, error) {
	var newest string
	var newestMod int64

	err := filepath.Walk(r.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := strings.ToLower(filepath.Base(path))
			for _, s := range r.skip {
				if strings.Contains(base, s) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if r.ext != "" && !strings.HasSuffix(path, r.ext) {
			return nil
		}
		for _, s := range r.skip {
			if strings.Contains(strings.ToLower(path), s) {
				return nil
			}
		}
		if mod := info.ModTime().UnixNano(); mod > newestMod {
			newestMod = mod
			newest = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if newest == "" {
		return "", fmt.Errorf("no session files under %s", r.root)
	}
	return newest, nil
}

// mtimeResolver is the generic fallback: the newest regular file directly
// under root.
type mtimeResolver struct {
	root string
}

func (r mtimeResolver) Active() (string, error) {
	dirEntries, err := os.ReadDir(r.root)
	if err != nil {
		return "", fmt.Errorf("read session dir %s: %w", r.root, err)
	}
	var newest string
	var newestMod int64
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); mod > newestMod {
			newestMod = mod
			newest = filepath.Join(r.root, de.Name())
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no session files under %s", r.root)
	}
	return newest, nil
}
