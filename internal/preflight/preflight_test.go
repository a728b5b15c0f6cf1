package preflight

import (
	"path/filepath"
	"testing"

	"kiln/internal/testsupport"
)

func TestCheckSystemDepsMissingBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Build.AptGetBinary = "definitely-not-a-real-binary"

	checks := CheckSystemDeps(cfg)
	if len(checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(checks))
	}
	if checks[0].Available {
		t.Errorf("missing binary reported available: %+v", checks[0])
	}
}

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	check := CheckDirectoryAccess("staging", dir)
	if !check.Available {
		t.Errorf("writable directory reported unavailable: %+v", check)
	}

	missing := CheckDirectoryAccess("staging", filepath.Join(dir, "nope"))
	if missing.Available {
		t.Errorf("missing directory reported available: %+v", missing)
	}

	empty := CheckDirectoryAccess("staging", "")
	if empty.Available || empty.Detail != "not configured" {
		t.Errorf("unexpected check for empty path: %+v", empty)
	}
}

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free == 0 {
		t.Error("expected non-zero free space")
	}
}
