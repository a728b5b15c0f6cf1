package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/build"
	"kiln/internal/logging"
	"kiln/internal/testsupport"
)

type recordedCall struct {
	name string
	args []string
	env  []string
}

type recordingRunner struct {
	calls []recordedCall
	fail  map[string]error
}

func (r *recordingRunner) Run(_ context.Context, name string, args, env []string) error {
	r.calls = append(r.calls, recordedCall{name: name, args: args, env: env})
	if r.fail != nil {
		for verb, err := range r.fail {
			for _, arg := range args {
				if arg == verb {
					return err
				}
			}
		}
	}
	return nil
}

const recipeBody = `
image = "bot:latest"

[base]
image = "python:3.12-slim"

[system]
packages = ["ffmpeg", "ca-certificates"]

[entry]
command = ["python", "bot.py"]
`

func newWorkspace(t *testing.T, runner build.CommandRunner) *build.Workspace {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return &build.Workspace{
		RootFS: t.TempDir(),
		Recipe: testsupport.LoadRecipe(t, recipeBody, nil),
		Config: cfg,
		Runner: runner,
		Logger: logging.NewNop(),
	}
}

func TestExecuteRunsUpdateThenInstall(t *testing.T) {
	runner := &recordingRunner{}
	ws := newWorkspace(t, runner)

	aptDir := filepath.Join(ws.RootFS, "var", "cache", "apt", "archives")
	if err := os.MkdirAll(aptDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := New().Execute(context.Background(), ws); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 apt-get invocations, got %d", len(runner.calls))
	}
	update := runner.calls[0]
	if update.args[len(update.args)-1] != "update" {
		t.Errorf("first call should be update, got %v", update.args)
	}
	install := strings.Join(runner.calls[1].args, " ")
	for _, want := range []string{"install", "-y", "--no-install-recommends", "ffmpeg", "ca-certificates", "RootDir=" + ws.RootFS} {
		if !strings.Contains(install, want) {
			t.Errorf("install args missing %q: %s", want, install)
		}
	}
	if env := strings.Join(runner.calls[1].env, " "); !strings.Contains(env, "DEBIAN_FRONTEND=noninteractive") {
		t.Errorf("install env missing DEBIAN_FRONTEND: %s", env)
	}

	if _, err := os.Stat(filepath.Join(ws.RootFS, "var", "cache", "apt")); !os.IsNotExist(err) {
		t.Error("apt cache should be scrubbed before the stage snapshot")
	}
}

func TestExecuteSkipsWithoutPackages(t *testing.T) {
	runner := &recordingRunner{}
	ws := newWorkspace(t, runner)
	ws.Recipe.System.Packages = nil

	if err := New().Execute(context.Background(), ws); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no invocations, got %d", len(runner.calls))
	}
}

func TestExecutePropagatesInstallFailure(t *testing.T) {
	failure := errors.New("unable to locate package")
	runner := &recordingRunner{fail: map[string]error{"install": failure}}
	ws := newWorkspace(t, runner)

	err := New().Execute(context.Background(), ws)
	if !errors.Is(err, failure) {
		t.Fatalf("expected install failure, got %v", err)
	}
}

func TestCacheKeyIgnoresPackageOrder(t *testing.T) {
	runner := &recordingRunner{}
	ws := newWorkspace(t, runner)

	stage := New()
	first, err := stage.CacheKey(ws, "parent")
	if err != nil {
		t.Fatal(err)
	}

	ws.Recipe.System.Packages = []string{"ca-certificates", "ffmpeg"}
	second, err := stage.CacheKey(ws, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("cache key should not depend on package order")
	}

	ws.Recipe.System.Packages = []string{"ffmpeg"}
	third, err := stage.CacheKey(ws, "parent")
	if err != nil {
		t.Fatal(err)
	}
	if first == third {
		t.Error("cache key should change when the package set changes")
	}

	other, err := stage.CacheKey(ws, "other-parent")
	if err != nil {
		t.Fatal(err)
	}
	if other == third {
		t.Error("cache key should chain the parent key")
	}
}
