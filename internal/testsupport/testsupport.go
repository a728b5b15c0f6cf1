// Package testsupport provides shared helpers for package tests: throwaway
// configs rooted in temp directories, seeded image stores, and recipe
// fixtures.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/config"
	"kiln/internal/image"
	"kiln/internal/logging"
	"kiln/internal/recipe"
)

// NewConfig returns a validated config whose directories all live under a
// test-scoped temp root.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StoreDir = filepath.Join(root, "store")
	cfg.Paths.StagingDir = filepath.Join(root, "staging")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.SubmitDir = filepath.Join(root, "submit")
	cfg.Run.InstanceDir = filepath.Join(root, "instances")
	cfg.Run.NoChroot = true
	cfg.Build.StageTimeout = 60
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.HeartbeatInterval = 1
	cfg.Workflow.HeartbeatTimeout = 5

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate test config: %v", err)
	}
	return &cfg
}

// MustOpenStore opens the image store for cfg and fails the test on error.
func MustOpenStore(t *testing.T, cfg *config.Config) *image.Store {
	t.Helper()

	store, err := image.Open(cfg.StoreDir(), logging.NewNop())
	if err != nil {
		t.Fatalf("open image store: %v", err)
	}
	return store
}

// SeedBaseImage imports a minimal single-layer base image tagged ref. The
// rootfs carries one marker file so tests can verify materialization.
func SeedBaseImage(t *testing.T, store *image.Store, ref string) image.Ref {
	t.Helper()

	parsed, err := image.ParseRef(ref)
	if err != nil {
		t.Fatalf("parse base ref %q: %v", ref, err)
	}

	baseDir := t.TempDir()
	WriteFile(t, filepath.Join(baseDir, "etc", "os-release"), "ID=kiln-test\n")
	WriteFile(t, filepath.Join(baseDir, "base-marker"), "base\n")

	tarball := filepath.Join(t.TempDir(), "base.tar.gz")
	file, err := os.Create(tarball)
	if err != nil {
		t.Fatalf("create base tarball: %v", err)
	}
	if err := image.PackDir(baseDir, file); err != nil {
		file.Close()
		t.Fatalf("pack base tarball: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close base tarball: %v", err)
	}

	if _, err := store.ImportBase(parsed, tarball); err != nil {
		t.Fatalf("import base image: %v", err)
	}
	return parsed
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// LoadRecipe writes a recipe file plus a build context and loads it. The
// context receives a requirements manifest and one source file by default;
// extra files land relative to the context directory.
func LoadRecipe(t *testing.T, body string, files map[string]string) *recipe.Recipe {
	t.Helper()

	dir := t.TempDir()
	if files == nil {
		files = map[string]string{}
	}
	if _, ok := files["requirements.txt"]; !ok {
		files["requirements.txt"] = "requests==2.31.0\n"
	}
	if _, ok := files["bot.py"]; !ok {
		files["bot.py"] = "print('ok')\n"
	}
	for rel, content := range files {
		WriteFile(t, filepath.Join(dir, rel), content)
	}

	path := filepath.Join(dir, "kiln.toml")
	WriteFile(t, path, body)

	r, err := recipe.Load(path)
	if err != nil {
		t.Fatalf("load recipe: %v", err)
	}
	return r
}
