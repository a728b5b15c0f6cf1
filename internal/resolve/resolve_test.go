package resolve

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"kiln/internal/build"
	"kiln/internal/logging"
	"kiln/internal/services"
	"kiln/internal/testsupport"
)

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(_ context.Context, name string, args, _ []string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

const recipeBody = `
image = "bot:latest"

[base]
image = "python:3.12-slim"

[entry]
command = ["python", "bot.py"]
`

func newWorkspace(t *testing.T, runner build.CommandRunner, files map[string]string) *build.Workspace {
	t.Helper()
	return &build.Workspace{
		RootFS: t.TempDir(),
		Recipe: testsupport.LoadRecipe(t, recipeBody, files),
		Config: testsupport.NewConfig(t),
		Runner: runner,
		Logger: logging.NewNop(),
	}
}

func TestExecuteInstallsWithCacheDisabled(t *testing.T) {
	runner := &recordingRunner{}
	ws := newWorkspace(t, runner, map[string]string{
		"requirements.txt": "requests==2.31.0\naiohttp>=3.9\n",
	})

	if err := New().Execute(context.Background(), ws); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one pip invocation, got %d", len(runner.calls))
	}
	call := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"pip install", "--no-cache-dir", "--root " + ws.RootFS, "-r " + ws.Recipe.ManifestPath()} {
		if !strings.Contains(call, want) {
			t.Errorf("pip call missing %q: %s", want, call)
		}
	}
}

func TestExecuteSkipsEmptyManifest(t *testing.T) {
	runner := &recordingRunner{}
	ws := newWorkspace(t, runner, map[string]string{
		"requirements.txt": "# nothing pinned yet\n",
	})

	if err := New().Execute(context.Background(), ws); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no pip invocation, got %d", len(runner.calls))
	}
}

func TestExecuteRejectsMalformedManifest(t *testing.T) {
	runner := &recordingRunner{}
	ws := newWorkspace(t, runner, map[string]string{
		"requirements.txt": "requests~=2.31\n",
	})

	err := New().Execute(context.Background(), ws)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatal("pip must not run for a malformed manifest")
	}
}

func TestExecutePropagatesToolFailure(t *testing.T) {
	failure := errors.New("no matching distribution")
	runner := &recordingRunner{err: failure}
	ws := newWorkspace(t, runner, nil)

	if err := New().Execute(context.Background(), ws); !errors.Is(err, failure) {
		t.Fatalf("expected tool failure, got %v", err)
	}
}

func TestCacheKeyTracksManifestBytes(t *testing.T) {
	ws := newWorkspace(t, &recordingRunner{}, nil)
	stage := New()

	first, err := stage.CacheKey(ws, "parent")
	if err != nil {
		t.Fatal(err)
	}
	second, err := stage.CacheKey(ws, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("identical manifest must yield identical keys")
	}

	if err := os.WriteFile(ws.Recipe.ManifestPath(), []byte("requests==2.32.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err := stage.CacheKey(ws, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Error("manifest edit must change the cache key")
	}
}

func TestCacheKeyMissingManifest(t *testing.T) {
	ws := newWorkspace(t, &recordingRunner{}, nil)
	if err := os.Remove(ws.Recipe.ManifestPath()); err != nil {
		t.Fatal(err)
	}

	_, err := New().CacheKey(ws, "parent")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
