package ipc_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln/internal/build"
	"kiln/internal/builder"
	"kiln/internal/daemon"
	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/notifications"
	"kiln/internal/queue"
	"kiln/internal/testsupport"
	"kiln/internal/workflow"
)

type idleBuilder struct{}

func (idleBuilder) Build(ctx context.Context, _ string, _ build.Options) (*builder.Outcome, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func writeRecipe(t *testing.T, imageRef string) string {
	t.Helper()

	contextDir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(contextDir, "requirements.txt"), "requests==2.31.0\n")
	testsupport.WriteFile(t, filepath.Join(contextDir, "bot.py"), "print('ok')\n")

	path := filepath.Join(t.TempDir(), "bot.toml")
	testsupport.WriteFile(t, path, fmt.Sprintf(`
image = %q

[base]
image = "python:3.12-slim"

[source]
context = %q

[entry]
command = ["python", "bot.py"]
`, imageRef, contextDir))
	return path
}

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
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
	t.Cleanup(func() {
		_ = d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	startResp, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, message=%s", startResp.Message)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to be running")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("unexpected PID %d", status.PID)
	}

	stopResp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatal("expected stop response to be true")
	}

	buildResp, err := client.Build(writeRecipe(t, "bot:latest"), true)
	if err != nil {
		t.Fatalf("Build RPC failed: %v", err)
	}
	if buildResp.Item.ImageRef != "bot:latest" || !buildResp.Item.NoCache {
		t.Fatalf("unexpected queued item: %+v", buildResp.Item)
	}
	if buildResp.Item.Status != string(queue.StatusPending) {
		t.Fatalf("expected pending item, got %s", buildResp.Item.Status)
	}

	if _, err := client.Build(filepath.Join(t.TempDir(), "missing.toml"), false); err == nil {
		t.Fatal("Build must reject a missing recipe")
	}

	second, err := client.Build(writeRecipe(t, "other:latest"), false)
	if err != nil {
		t.Fatalf("Build second RPC failed: %v", err)
	}
	failed, err := store.GetByID(ctx, second.Item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	failed.SetFailed("resolver exploded")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("Update failed item: %v", err)
	}

	listResp, err := client.QueueList(nil)
	if err != nil {
		t.Fatalf("QueueList failed: %v", err)
	}
	if len(listResp.Items) != 2 {
		t.Fatalf("expected 2 queue items, got %d", len(listResp.Items))
	}

	failedResp, err := client.QueueList([]string{string(queue.StatusFailed)})
	if err != nil {
		t.Fatalf("QueueList failed filter: %v", err)
	}
	if len(failedResp.Items) != 1 || failedResp.Items[0].ID != second.Item.ID {
		t.Fatalf("expected failed item %d, got %#v", second.Item.ID, failedResp.Items)
	}
	if failedResp.Items[0].ErrorMessage != "resolver exploded" {
		t.Fatalf("unexpected error message: %q", failedResp.Items[0].ErrorMessage)
	}

	descResp, err := client.QueueDescribe(buildResp.Item.ID)
	if err != nil {
		t.Fatalf("QueueDescribe failed: %v", err)
	}
	if descResp.Item.RecipePath != buildResp.Item.RecipePath {
		t.Fatalf("describe mismatch: %#v", descResp.Item)
	}
	if _, err := client.QueueDescribe(9999); err == nil {
		t.Fatal("QueueDescribe must fail for unknown id")
	}

	retryResp, err := client.QueueRetry(nil)
	if err != nil {
		t.Fatalf("QueueRetry failed: %v", err)
	}
	if retryResp.Updated != 1 {
		t.Fatalf("expected 1 retried item, got %d", retryResp.Updated)
	}

	healthResp, err := client.QueueHealth()
	if err != nil {
		t.Fatalf("QueueHealth failed: %v", err)
	}
	if healthResp.Total != 2 || healthResp.Pending != 2 || healthResp.Failed != 0 {
		t.Fatalf("unexpected health response: %#v", healthResp)
	}

	removeResp, err := client.QueueRemove(second.Item.ID)
	if err != nil {
		t.Fatalf("QueueRemove failed: %v", err)
	}
	if !removeResp.Removed {
		t.Fatal("expected item to be removed")
	}

	logPath := d.LogPath()
	testsupport.WriteFile(t, logPath, "first\nsecond\nthird\n")

	logResp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("LogTail initial failed: %v", err)
	}
	if len(logResp.Lines) != 2 || logResp.Lines[0] != "second" || logResp.Lines[1] != "third" {
		t.Fatalf("unexpected log tail response: %#v", logResp.Lines)
	}

	followDone := make(chan struct{})
	go func(offset int64) {
		resp, err := client.LogTail(ipc.LogTailRequest{Offset: offset, Follow: true, WaitMillis: 500})
		if err != nil {
			t.Errorf("LogTail follow error: %v", err)
			return
		}
		if len(resp.Lines) != 1 || resp.Lines[0] != "fourth" {
			t.Errorf("unexpected follow lines: %#v", resp.Lines)
		}
		close(followDone)
	}(logResp.Offset)

	time.Sleep(100 * time.Millisecond)
	if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		_, _ = f.WriteString("fourth\n")
		_ = f.Close()
	} else {
		t.Fatalf("append log: %v", err)
	}

	select {
	case <-followDone:
	case <-time.After(10 * time.Second):
		t.Fatal("log tail follow timed out")
	}

	notifyResp, err := client.TestNotification()
	if err != nil {
		t.Fatalf("TestNotification failed: %v", err)
	}
	if notifyResp.Sent || notifyResp.Message == "" {
		t.Fatalf("expected unsent notification with message, got %#v", notifyResp)
	}

	clearResp, err := client.QueueClear()
	if err != nil {
		t.Fatalf("QueueClear failed: %v", err)
	}
	if clearResp.Removed != 1 {
		t.Fatalf("expected 1 item cleared, got %d", clearResp.Removed)
	}

	status2, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status2.Running {
		t.Fatal("expected daemon to be stopped")
	}
}
