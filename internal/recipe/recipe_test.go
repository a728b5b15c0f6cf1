package recipe_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/recipe"
	"kiln/internal/services"
)

func writeRecipe(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "kiln.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}
	return path
}

const validRecipe = `
image = "discord-bot:latest"

[base]
image = "python:3.11-slim"

[system]
packages = ["ffmpeg"]

[entry]
command = ["python", "bot.py"]
env = ["PYTHONUNBUFFERED=1"]
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeRecipe(t, dir, validRecipe)

	r, err := recipe.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Ref.String() != "discord-bot:latest" {
		t.Fatalf("ref = %s", r.Ref)
	}
	if r.BaseRef.String() != "python:3.11-slim" {
		t.Fatalf("base ref = %s", r.BaseRef)
	}
	if r.Source.WorkDir != "/app" {
		t.Fatalf("workdir = %q", r.Source.WorkDir)
	}
	if r.ContextDir() != dir {
		t.Fatalf("context = %q, want %q", r.ContextDir(), dir)
	}
	if got := r.ManifestPath(); got != filepath.Join(dir, "requirements.txt") {
		t.Fatalf("manifest path = %q", got)
	}
}

func TestLoadRejectsMissingEntryCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeRecipe(t, dir, `
image = "bot:1"

[base]
image = "python:3.11-slim"
`)
	_, err := recipe.Load(path)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "entry.command") {
		t.Fatalf("error should mention entry.command: %v", err)
	}
}

func TestLoadRejectsRelativeWorkdirAndBadPackage(t *testing.T) {
	dir := t.TempDir()
	path := writeRecipe(t, dir, `
image = "bot:1"

[base]
image = "python:3.11-slim"

[system]
packages = ["FFmpeg!"]

[source]
workdir = "app"

[entry]
command = ["python", "bot.py"]
`)
	_, err := recipe.Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"workdir", "package name"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q: %v", want, err)
		}
	}
}

func TestLoadMissingRecipe(t *testing.T) {
	_, err := recipe.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found marker, got %v", err)
	}
}
