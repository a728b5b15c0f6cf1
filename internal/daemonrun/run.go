// Package daemonrun hosts the shared foreground runtime for the kiln daemon,
// used by both the kilnd binary and `kiln daemon`.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kiln/internal/build"
	"kiln/internal/builder"
	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/image"
	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/preflight"
	"kiln/internal/queue"
	"kiln/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the kiln daemon runtime loop and blocks until the context is
// canceled or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir(), "kiln.log")
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.LogDir(), "kilnd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	images, err := image.Open(cfg.StoreDir(), logger)
	if err != nil {
		logger.Error("open image store", logging.Error(err))
		return err
	}

	if _, err := build.CleanStaleWorkspaces(cfg.StagingDir(), time.Hour, logger); err != nil {
		logger.Warn("staging cleanup failed", logging.Error(err))
	}

	b := builder.New(cfg, images, nil, logger)
	workflowManager := workflow.NewManager(cfg, store, b, logger)

	d, err := daemon.New(cfg, store, workflowManager, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and queue database access"))
	}

	<-signalCtx.Done()
	logger.Info("kiln daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	}
	for _, check := range preflight.CheckSystemDeps(cfg) {
		attrs = append(attrs,
			logging.Bool(check.Name+"_available", check.Available),
			logging.String(check.Name+"_detail", check.Detail))
	}
	if free, err := preflight.FreeSpace(cfg.StagingDir()); err == nil {
		attrs = append(attrs, logging.Int64("staging_free_bytes", int64(free)))
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
