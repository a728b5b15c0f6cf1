package build

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/logging"
)

func TestCleanStaleWorkspaces(t *testing.T) {
	staging := t.TempDir()

	stale := filepath.Join(staging, "build-stale")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh := filepath.Join(staging, "build-fresh")
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatalf("mkdir fresh: %v", err)
	}
	unrelated := filepath.Join(staging, "other")
	if err := os.MkdirAll(unrelated, 0o755); err != nil {
		t.Fatalf("mkdir unrelated: %v", err)
	}

	removed, err := CleanStaleWorkspaces(staging, time.Hour, logging.NewNop())
	if err != nil {
		t.Fatalf("CleanStaleWorkspaces: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale workspace should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh workspace should survive: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("unrelated dir should survive: %v", err)
	}
}

func TestCleanStaleWorkspacesMissingDir(t *testing.T) {
	removed, err := CleanStaleWorkspaces(filepath.Join(t.TempDir(), "absent"), time.Hour, logging.NewNop())
	if err != nil {
		t.Fatalf("CleanStaleWorkspaces: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}
