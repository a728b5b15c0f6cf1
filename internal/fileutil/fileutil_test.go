package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/fileutil"
)

func TestCopyTreePreservesLayoutAndSkips(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	mustWrite(t, filepath.Join(src, "app.py"), "print('hi')")
	mustWrite(t, filepath.Join(src, "pkg", "util.py"), "x = 1")
	mustWrite(t, filepath.Join(src, ".git", "HEAD"), "ref")

	skip := func(rel string, isDir bool) bool { return rel == ".git" }
	if err := fileutil.CopyTree(src, dst, skip); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "pkg", "util.py")); err != nil {
		t.Fatalf("expected nested file copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, ".git")); !os.IsNotExist(err) {
		t.Fatalf("expected .git pruned, got %v", err)
	}
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a"), "12345")
	mustWrite(t, filepath.Join(dir, "sub", "b"), "123")

	size, err := fileutil.DirSize(dir)
	if err != nil {
		t.Fatalf("DirSize: %v", err)
	}
	if size != 8 {
		t.Fatalf("size = %d, want 8", size)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
