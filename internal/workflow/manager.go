// Package workflow drives queued builds through the pipeline: it claims
// pending items, keeps their heartbeats fresh, records per-stage progress,
// and publishes lifecycle notifications.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"kiln/internal/build"
	"kiln/internal/builder"
	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/notifications"
	"kiln/internal/queue"
	"kiln/internal/services"
)

// BuildRunner abstracts the builder so tests can substitute outcomes.
type BuildRunner interface {
	Build(ctx context.Context, recipePath string, opts build.Options) (*builder.Outcome, error)
}

// Manager coordinates queue processing for the daemon.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	builder      BuildRunner
	logger       *slog.Logger
	notifier     notifications.Service
	pollInterval time.Duration
	heartbeat    *HeartbeatMonitor

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	lastItem *queue.Item
}

// NewManager constructs a workflow manager with the configured notifier.
func NewManager(cfg *config.Config, store *queue.Store, b BuildRunner, logger *slog.Logger) *Manager {
	return NewManagerWithNotifier(cfg, store, b, logger, notifications.NewService(cfg))
}

// NewManagerWithNotifier constructs a workflow manager with a custom notifier (used in tests).
func NewManagerWithNotifier(cfg *config.Config, store *queue.Store, b BuildRunner, logger *slog.Logger, notifier notifications.Service) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        store,
		builder:      b,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		notifier:     notifier,
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
	}
}

// Start begins background queue processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Running reports whether the processing loop is active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastError returns the most recent processing error, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// LastItem returns a copy of the most recently processed queue item.
func (m *Manager) LastItem() *queue.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastItem == nil {
		return nil
	}
	cp := *m.lastItem
	return &cp
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.heartbeat.ReclaimStaleItems(ctx, m.logger); err != nil {
			m.logger.Warn("reclaim stale processing failed; stuck builds may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"))
		}

		item, err := m.store.NextForStatuses(ctx, queue.StatusPending)
		if err != nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch next queue item",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"))
			m.waitOrShutdown(ctx, time.Duration(m.cfg.Workflow.ErrorRetryInterval)*time.Second)
			continue
		}
		if item == nil {
			m.waitOrShutdown(ctx, m.pollInterval)
			continue
		}

		if err := m.processItem(ctx, item); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

var stageStatuses = map[string]queue.Status{
	"provision": queue.StatusProvisioning,
	"resolve":   queue.StatusResolving,
	"assemble":  queue.StatusAssembling,
}

func (m *Manager) processItem(ctx context.Context, item *queue.Item) error {
	itemCtx := services.WithItemID(ctx, item.ID)
	logger := logging.WithContext(itemCtx, m.logger).With(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldImageRef, item.ImageRef))

	now := time.Now().UTC()
	item.Status = queue.StatusProvisioning
	item.LastHeartbeat = &now
	item.SetProgress("provision", "build claimed", 0)
	if err := m.store.Update(itemCtx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)

	logger.Info("build claimed", logging.String(logging.FieldEventType, "build_claimed"))
	if err := m.notifier.NotifyBuildStarted(itemCtx, item.ImageRef); err != nil {
		logger.Warn("build started notification failed", logging.Error(err))
	}

	hbCtx, stopHeartbeat := context.WithCancel(itemCtx)
	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWg, item.ID)
	defer func() {
		stopHeartbeat()
		hbWg.Wait()
	}()

	progress := func(stage, message string, percent float64) {
		if status, ok := stageStatuses[stage]; ok {
			item.Status = status
			if stage == "assemble" && percent >= 100 {
				item.Status = queue.StatusFinalizing
			}
		}
		item.SetProgress(stage, message, percent)
		if err := m.store.Update(itemCtx, item); err != nil {
			logger.Warn("progress update failed", logging.Error(err))
		}
		m.setLastItem(item)
	}

	outcome, err := m.builder.Build(itemCtx, item.RecipePath, build.Options{
		NoCache:  item.NoCache,
		Progress: progress,
	})
	if err != nil {
		m.failItem(itemCtx, logger, item, err)
		return err
	}

	item.Status = queue.StatusCompleted
	item.ManifestDigest = outcome.ManifestDigest.String()
	item.LastHeartbeat = nil
	item.SetProgress("completed", "image sealed", 100)
	if err := m.store.Update(itemCtx, item); err != nil {
		m.setLastError(err)
		return err
	}
	m.setLastItem(item)

	logger.Info("build completed",
		logging.String(logging.FieldEventType, "build_completed"),
		logging.String("manifest_digest", item.ManifestDigest),
		logging.Duration("duration", outcome.Duration))
	if err := m.notifier.NotifyBuildCompleted(itemCtx, item.ImageRef, outcome.Duration); err != nil {
		logger.Warn("build completed notification failed", logging.Error(err))
	}
	return nil
}

func (m *Manager) failItem(ctx context.Context, logger *slog.Logger, item *queue.Item, cause error) {
	m.setLastError(cause)

	details := services.Details(cause)
	item.SetFailed(details.Message)
	if err := m.store.Update(ctx, item); err != nil {
		logger.Error("failed to persist build failure", logging.Error(err))
	}
	m.setLastItem(item)

	logger.Error("build failed",
		logging.Error(cause),
		logging.String(logging.FieldEventType, "build_failed"))
	if err := m.notifier.NotifyError(ctx, cause, item.ImageRef); err != nil {
		logger.Warn("error notification failed", logging.Error(err))
	}
}

func (m *Manager) waitOrShutdown(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastItem(item *queue.Item) {
	cp := *item
	m.mu.Lock()
	m.lastItem = &cp
	m.mu.Unlock()
}
