package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/queue"
	"kiln/internal/recipe"
)

// submitWatcher enqueues builds for recipe files dropped into the submit
// directory. Invalid recipes are logged and skipped; a recipe with a build
// already pending or in flight is not enqueued again.
type submitWatcher struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func newSubmitWatcher(cfg *config.Config, store *queue.Store, logger *slog.Logger) *submitWatcher {
	if strings.TrimSpace(cfg.SubmitDir()) == "" {
		return nil
	}
	return &submitWatcher{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "submit-watcher"),
	}
}

// Start begins watching the submit directory. Recipes already present are
// picked up immediately so drops during downtime are not lost.
func (w *submitWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.cfg.SubmitDir()); err != nil {
		_ = watcher.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	w.scanExisting(ctx)

	w.wg.Add(1)
	go w.run(ctx, watcher)
	w.logger.Info("watching submit directory", logging.String("dir", w.cfg.SubmitDir()))
	return nil
}

// Close stops the watcher and waits for the event loop to drain.
func (w *submitWatcher) Close() {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
}

func (w *submitWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			w.handlePath(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("submit watch error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "submit_watch_error"))
		}
	}
}

func (w *submitWatcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.SubmitDir())
	if err != nil {
		w.logger.Warn("submit directory scan failed", logging.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.handlePath(ctx, filepath.Join(w.cfg.SubmitDir(), entry.Name()))
	}
}

func (w *submitWatcher) handlePath(ctx context.Context, path string) {
	if !strings.EqualFold(filepath.Ext(path), ".toml") {
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}

	r, err := recipe.Load(path)
	if err != nil {
		w.logger.Warn("ignoring invalid submitted recipe",
			logging.String("recipe", path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "submit_recipe_invalid"))
		return
	}

	active, err := w.store.FindActiveByRecipe(ctx, r.Path())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("submitted recipe lookup failed", logging.Error(err))
		}
		return
	}
	if active != nil {
		w.logger.Debug("submitted recipe already queued",
			logging.String("recipe", r.Path()),
			logging.Int64(logging.FieldItemID, active.ID))
		return
	}

	item, err := w.store.NewBuild(ctx, r.Path(), r.Ref.String(), false)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("failed to enqueue submitted recipe",
				logging.String("recipe", r.Path()),
				logging.Error(err))
		}
		return
	}
	w.logger.Info("submitted recipe queued",
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldImageRef, item.ImageRef),
		logging.String("recipe", r.Path()),
		logging.String(logging.FieldEventType, "submit_recipe_queued"))
}
