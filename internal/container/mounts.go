package container

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/hive/internal/config"
)

// buildMounts returns the bind specs for an agent: its own workspace
// directory plus any configured extra mounts.
func buildMounts(cfg config.RuntimeConfig, agentID string) ([]string, error) {
	var binds []string

	if cfg.WorkspaceDir != "" {
		dir, err := filepath.Abs(filepath.Join(cfg.WorkspaceDir, agentID))
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		binds = append(binds, fmt.Sprintf("%s:%s", dir, "/workspace"))
	}

	for _, m := range cfg.Mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	return binds, nil
}
