package queue_test

import (
	"context"
	"testing"
	"time"

	"kiln/internal/queue"
	"kiln/internal/testsupport"
)

func openStore(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.Open(testsupport.NewConfig(t))
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestNewBuildRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	item, err := store.NewBuild(ctx, "/recipes/bot.toml", "bot:latest", true)
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	if item.Status != queue.StatusPending {
		t.Errorf("status = %s, want pending", item.Status)
	}
	if !item.NoCache {
		t.Error("no_cache flag lost on insert")
	}

	loaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.RecipePath != "/recipes/bot.toml" || loaded.ImageRef != "bot:latest" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestGetByIDMissing(t *testing.T) {
	store := openStore(t)

	item, err := store.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Errorf("expected nil for unknown id, got %+v", item)
	}
}

func TestUpdatePersistsLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	item, err := store.NewBuild(ctx, "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}

	item.Status = queue.StatusResolving
	item.SetProgress("resolve", "installing dependencies", 40)
	item.ManifestDigest = "sha256:abc"
	if err := store.Update(ctx, item); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != queue.StatusResolving {
		t.Errorf("status = %s", loaded.Status)
	}
	if loaded.ProgressStage != "resolve" || loaded.ProgressPercent != 40 {
		t.Errorf("progress = %s/%.0f", loaded.ProgressStage, loaded.ProgressPercent)
	}
	if loaded.ManifestDigest != "sha256:abc" {
		t.Errorf("manifest digest = %q", loaded.ManifestDigest)
	}
}

func TestNextForStatusesReturnsOldest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first, err := store.NewBuild(ctx, "/recipes/a.toml", "a:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.NewBuild(ctx, "/recipes/b.toml", "b:latest", false); err != nil {
		t.Fatal(err)
	}

	next, err := store.NextForStatuses(ctx, queue.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != first.ID {
		t.Errorf("expected oldest pending item %d, got %+v", first.ID, next)
	}
}

func TestFindActiveByRecipeSuppressesDuplicates(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	item, err := store.NewBuild(ctx, "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}

	active, err := store.FindActiveByRecipe(ctx, "/recipes/bot.toml")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != item.ID {
		t.Fatalf("expected active build, got %+v", active)
	}

	item.Status = queue.StatusCompleted
	if err := store.Update(ctx, item); err != nil {
		t.Fatal(err)
	}
	active, err = store.FindActiveByRecipe(ctx, "/recipes/bot.toml")
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("completed build must not count as active: %+v", active)
	}
}

func TestReclaimStaleProcessing(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	item, err := store.NewBuild(ctx, "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	stale := time.Now().UTC().Add(-time.Hour)
	item.Status = queue.StatusAssembling
	item.LastHeartbeat = &stale
	if err := store.Update(ctx, item); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	loaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != queue.StatusPending {
		t.Errorf("status = %s, want pending", loaded.Status)
	}
	if loaded.LastHeartbeat != nil {
		t.Error("heartbeat must be cleared on reclaim")
	}
}

func TestReclaimKeepsFreshHeartbeats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	item, err := store.NewBuild(ctx, "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	item.Status = queue.StatusProvisioning
	if err := store.Update(ctx, item); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateHeartbeat(ctx, item.ID); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 0 {
		t.Errorf("reclaimed = %d, fresh heartbeat must survive", reclaimed)
	}
}

func TestRetryFailed(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	item, err := store.NewBuild(ctx, "/recipes/bot.toml", "bot:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	item.SetFailed("resolve: no matching distribution")
	if err := store.Update(ctx, item); err != nil {
		t.Fatal(err)
	}

	retried, err := store.RetryFailed(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want 1", retried)
	}

	loaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != queue.StatusPending || loaded.ErrorMessage != "" {
		t.Errorf("retry left item as %s error=%q", loaded.Status, loaded.ErrorMessage)
	}
}

func TestStatsAndHealth(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if _, err := store.NewBuild(ctx, "/recipes/a.toml", "a:latest", false); err != nil {
		t.Fatal(err)
	}

	failed, err := store.NewBuild(ctx, "/recipes/b.toml", "b:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	failed.SetFailed("boom")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatal(err)
	}

	working, err := store.NewBuild(ctx, "/recipes/c.toml", "c:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	working.Status = queue.StatusFinalizing
	if err := store.Update(ctx, working); err != nil {
		t.Fatal(err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if health.Total != 3 || health.Pending != 1 || health.Failed != 1 || health.Processing != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestClearFailedLeavesOthers(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	keep, err := store.NewBuild(ctx, "/recipes/a.toml", "a:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	gone, err := store.NewBuild(ctx, "/recipes/b.toml", "b:latest", false)
	if err != nil {
		t.Fatal(err)
	}
	gone.SetFailed("boom")
	if err := store.Update(ctx, gone); err != nil {
		t.Fatal(err)
	}

	removed, err := store.ClearFailed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	items, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != keep.ID {
		t.Errorf("remaining items %+v", items)
	}
}
