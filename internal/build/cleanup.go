package build

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kiln/internal/logging"
)

// CleanStaleWorkspaces removes abandoned build workspaces under the staging
// root. Workspaces are normally removed when their build finishes; a crash
// can leave them behind. Only directories older than maxAge are touched so a
// concurrent build in another process keeps its workspace.
func CleanStaleWorkspaces(stagingDir string, maxAge time.Duration, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "build-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(stagingDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove stale build workspace",
				logging.String("path", path),
				logging.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed stale build workspaces",
			logging.String(logging.FieldEventType, "staging_cleanup"),
			logging.Int("count", removed))
	}
	return removed, nil
}
