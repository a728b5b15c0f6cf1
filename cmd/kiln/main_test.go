package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/build"
	"kiln/internal/builder"
	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/notifications"
	"kiln/internal/queue"
	"kiln/internal/testsupport"
	"kiln/internal/workflow"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	daemon     *daemon.Daemon
	server     *ipc.Server
	socketPath string
	configPath string
	cancel     context.CancelFunc
}

type idleBuilder struct{}

func (idleBuilder) Build(ctx context.Context, _ string, _ build.Options) (*builder.Outcome, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(filepath.Dir(cfg.LogDir()), "config.toml")
	writeTestConfig(t, configPath, cfg)

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	logger := logging.NewNop()
	mgr := workflow.NewManagerWithNotifier(cfg, store, idleBuilder{}, logger, notifications.NewService(cfg))

	d, err := daemon.New(cfg, store, mgr, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	socketPath := filepath.Join(cfg.LogDir(), "cli.sock")
	srv, err := ipc.NewServer(ctx, socketPath, d, logger)
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	env := &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		server:     srv,
		socketPath: socketPath,
		configPath: configPath,
		cancel:     cancel,
	}

	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = d.Close()
	})

	return env
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
store_dir = %q
staging_dir = %q
log_dir = %q
submit_dir = %q

[run]
no_chroot = true
instance_dir = %q
`,
		cfg.StoreDir(), cfg.StagingDir(), cfg.LogDir(), cfg.SubmitDir(), cfg.Run.InstanceDir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLIQueueCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.NewBuild(ctx, "/recipes/alpha.toml", "alpha:latest", false); err != nil {
		t.Fatalf("NewBuild alpha: %v", err)
	}
	beta, err := env.store.NewBuild(ctx, "/recipes/beta.toml", "beta:latest", false)
	if err != nil {
		t.Fatalf("NewBuild beta: %v", err)
	}
	beta.SetFailed("pip install failed")
	if err := env.store.Update(ctx, beta); err != nil {
		t.Fatalf("update failed item: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "alpha:latest") || !strings.Contains(out, "beta:latest") {
		t.Fatalf("queue list missing items: %q", out)
	}

	out, _, err = runCLI(t, []string{"queue", "show", fmt.Sprintf("%d", beta.ID)}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue show: %v", err)
	}
	if !strings.Contains(out, "pip install failed") {
		t.Fatalf("queue show missing error: %q", out)
	}

	out, _, err = runCLI(t, []string{"queue", "retry"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	if !strings.Contains(out, "Retried 1 failed items") {
		t.Fatalf("unexpected retry output: %q", out)
	}
	updated, err := env.store.GetByID(ctx, beta.ID)
	if err != nil {
		t.Fatalf("GetByID after retry: %v", err)
	}
	if updated.Status != queue.StatusPending {
		t.Fatalf("expected retried item pending, got %s", updated.Status)
	}

	out, _, err = runCLI(t, []string{"queue", "health"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue health: %v", err)
	}
	if !strings.Contains(out, "Total: 2") || !strings.Contains(out, "Pending: 2") {
		t.Fatalf("unexpected health output: %q", out)
	}

	out, _, err = runCLI(t, []string{"queue", "clear"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	if !strings.Contains(out, "Cleared 2 queue items") {
		t.Fatalf("unexpected clear output: %q", out)
	}

	out, _, err = runCLI(t, []string{"queue", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue list after clear: %v", err)
	}
	if !strings.Contains(out, "Queue is empty") {
		t.Fatalf("expected empty queue message, got %q", out)
	}
}

func TestCLIImageCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"image", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("image list: %v", err)
	}
	if !strings.Contains(out, "No images in store") {
		t.Fatalf("expected empty store message, got %q", out)
	}

	store := testsupport.MustOpenStore(t, env.cfg)
	testsupport.SeedBaseImage(t, store, "python:3.12-slim")

	out, _, err = runCLI(t, []string{"image", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("image list after import: %v", err)
	}
	if !strings.Contains(out, "python:3.12-slim") {
		t.Fatalf("image list missing base image: %q", out)
	}

	out, _, err = runCLI(t, []string{"image", "show", "python:3.12-slim"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("image show: %v", err)
	}
	if !strings.Contains(out, "Reference:") || !strings.Contains(out, "sha256:") {
		t.Fatalf("unexpected image show output: %q", out)
	}

	out, _, err = runCLI(t, []string{"image", "remove", "python:3.12-slim"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("image remove: %v", err)
	}
	if !strings.Contains(out, "Removed python:3.12-slim") {
		t.Fatalf("unexpected remove output: %q", out)
	}

	out, _, err = runCLI(t, []string{"image", "gc"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("image gc: %v", err)
	}
	if !strings.Contains(out, "Removed") {
		t.Fatalf("unexpected gc output: %q", out)
	}
}

func TestCLIBuildQueueFlag(t *testing.T) {
	env := setupCLITestEnv(t)

	contextDir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(contextDir, "requirements.txt"), "requests==2.31.0\n")
	testsupport.WriteFile(t, filepath.Join(contextDir, "bot.py"), "print('ok')\n")
	recipePath := filepath.Join(t.TempDir(), "bot.toml")
	testsupport.WriteFile(t, recipePath, fmt.Sprintf(`
image = "bot:latest"

[base]
image = "python:3.12-slim"

[source]
context = %q

[entry]
command = ["python", "bot.py"]
`, contextDir))

	out, _, err := runCLI(t, []string{"build", "--queue", recipePath}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("build --queue: %v", err)
	}
	if !strings.Contains(out, "Queued build") || !strings.Contains(out, "bot:latest") {
		t.Fatalf("unexpected build output: %q", out)
	}

	items, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].ImageRef != "bot:latest" {
		t.Fatalf("unexpected queue contents: %+v", items)
	}
}

func TestCLIConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(stdout.String(), "Wrote sample configuration") {
		t.Fatalf("unexpected init output: %q", stdout.String())
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err == nil {
		t.Fatal("second init without --overwrite must fail")
	}
}
