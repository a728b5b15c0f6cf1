package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kiln/internal/build"
	"kiln/internal/builder"
	"kiln/internal/finalize"
	"kiln/internal/image"
	"kiln/internal/logging"
	"kiln/internal/notifications"
	"kiln/internal/queue"
	"kiln/internal/testsupport"
	"kiln/internal/workflow"

	"github.com/opencontainers/go-digest"
)

type stubBuilder struct {
	mu    sync.Mutex
	err   error
	built []string
}

func (b *stubBuilder) Build(_ context.Context, recipePath string, opts build.Options) (*builder.Outcome, error) {
	b.mu.Lock()
	b.built = append(b.built, recipePath)
	b.mu.Unlock()

	if opts.Progress != nil {
		opts.Progress("provision", "provision started", 0)
		opts.Progress("resolve", "resolve completed", 100)
		opts.Progress("assemble", "assemble completed", 100)
	}
	if b.err != nil {
		return nil, b.err
	}
	ref, _ := image.ParseRef("bot:latest")
	return &builder.Outcome{
		Sealed: finalize.Sealed{
			Ref:            ref,
			ManifestDigest: digest.Canonical.FromString("manifest"),
		},
		Duration: time.Second,
	}, nil
}

func (b *stubBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.built)
}

type recordingNotifier struct {
	mu        sync.Mutex
	started   []string
	completed []string
	errored   []string
}

func (n *recordingNotifier) NotifyBuildStarted(_ context.Context, ref string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, ref)
	return nil
}

func (n *recordingNotifier) NotifyBuildCompleted(_ context.Context, ref string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, ref)
	return nil
}

func (n *recordingNotifier) NotifyError(_ context.Context, _ error, ref string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errored = append(n.errored, ref)
	return nil
}

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

var _ notifications.Service = (*recordingNotifier)(nil)

func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) *queue.Item {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		item, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if item != nil && item.Status == want {
			return item
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("item %d never reached status %s", id, want)
	return nil
}

func TestManagerProcessesPendingBuild(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stub := &stubBuilder{}
	notifier := &recordingNotifier{}
	manager := workflow.NewManagerWithNotifier(cfg, store, stub, logging.NewNop(), notifier)

	item, err := store.NewBuild(context.Background(), "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(manager.Stop)

	done := waitForStatus(t, store, item.ID, queue.StatusCompleted)
	if done.ManifestDigest == "" {
		t.Error("completed build must record its manifest digest")
	}
	if done.ProgressPercent != 100 {
		t.Errorf("progress = %.0f, want 100", done.ProgressPercent)
	}
	if done.LastHeartbeat != nil {
		t.Error("completed build must clear its heartbeat")
	}
	if stub.count() != 1 {
		t.Errorf("builder invoked %d times", stub.count())
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.started) != 1 || len(notifier.completed) != 1 {
		t.Errorf("notifications started=%d completed=%d", len(notifier.started), len(notifier.completed))
	}
}

func TestManagerMarksFailedBuild(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stub := &stubBuilder{err: errors.New("resolve: no matching distribution")}
	notifier := &recordingNotifier{}
	manager := workflow.NewManagerWithNotifier(cfg, store, stub, logging.NewNop(), notifier)

	item, err := store.NewBuild(context.Background(), "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(manager.Stop)

	failed := waitForStatus(t, store, item.ID, queue.StatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("failed build must carry an error message")
	}
	if manager.LastError() == nil {
		t.Error("manager must surface the last error")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.errored) != 1 {
		t.Errorf("error notifications = %d, want 1", len(notifier.errored))
	}
}

func TestManagerStartIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	manager := workflow.NewManagerWithNotifier(cfg, store, &stubBuilder{}, logging.NewNop(), &recordingNotifier{})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(manager.Stop)

	if err := manager.Start(context.Background()); err == nil {
		t.Fatal("second Start must fail while running")
	}
	if !manager.Running() {
		t.Error("manager should report running")
	}
}
