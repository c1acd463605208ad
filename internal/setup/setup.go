// Package setup scaffolds a default configuration file. The interactive
// wizard is an external collaborator; this keeps the core runnable end to
// end without a hand-authored config.
package setup

import (
	"fmt"
	"os"

	"github.com/vinayprograms/agenr/internal/config"
	"github.com/vinayprograms/agenr/internal/stateio"
)

// Scaffold writes a default config.json at path with 0600 mode, creating
// the state directory with 0700. Refuses to overwrite an existing config
// unless force is set.
func Scaffold(path string, force bool) (*config.Config, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
	}
	cfg := config.New()
	if err := stateio.EnsureDir(config.DefaultDir()); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	return cfg, nil
}
