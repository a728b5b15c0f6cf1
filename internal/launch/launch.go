// Package launch materializes a built image and runs its entry command as a
// directly supervised child process. Signals reach the child unmodified and
// its exit status is propagated without reinterpretation.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"kiln/internal/config"
	"kiln/internal/image"
	"kiln/internal/logging"
)

// Exit codes for launch failures that happen before the entry command runs.
// They mirror shell conventions: 126 for a command that cannot execute, 127
// for one that cannot be found.
const (
	ExitCannotExecute = 126
	ExitNotFound      = 127
)

// Options adjusts a single run.
type Options struct {
	// Command replaces the image's entry command when non-empty.
	Command []string
	// Env is appended after the image config's environment.
	Env []string
	// KeepRootFS leaves the instance directory in place after exit.
	KeepRootFS bool
}

// Launcher runs images from the local store.
type Launcher struct {
	cfg    *config.Config
	store  *image.Store
	logger *slog.Logger
}

// New constructs a launcher over the given store.
func New(cfg *config.Config, store *image.Store, logger *slog.Logger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "launch"),
	}
}

// Run materializes ref into a fresh instance rootfs and executes its entry
// command, wiring the caller's stdio straight through. The returned code is
// the child's exit code, or 128 plus the signal number when the child dies on
// a signal. An error is returned only for failures in kiln itself; a non-zero
// child exit is not an error.
func (l *Launcher) Run(ctx context.Context, ref image.Ref, opts Options) (int, error) {
	manifest, manifestDigest, err := l.store.ResolveManifest(ref)
	if err != nil {
		return ExitNotFound, err
	}
	imgCfg, err := l.store.GetConfig(manifest.Config)
	if err != nil {
		return ExitCannotExecute, err
	}

	argv := imgCfg.Entrypoint
	if len(opts.Command) > 0 {
		argv = opts.Command
	}
	if len(argv) == 0 {
		return ExitCannotExecute, fmt.Errorf("image %s has no entry command", ref)
	}

	instanceID := uuid.NewString()
	instanceDir := filepath.Join(l.cfg.Run.InstanceDir, "instance-"+instanceID)
	rootfs := filepath.Join(instanceDir, "rootfs")
	if err := l.store.MaterializeRootFS(manifest, rootfs); err != nil {
		return ExitCannotExecute, fmt.Errorf("materialize instance rootfs: %w", err)
	}
	if !opts.KeepRootFS {
		defer os.RemoveAll(instanceDir)
	}

	logger := l.logger.With(
		logging.String(logging.FieldInstanceID, instanceID),
		logging.String(logging.FieldImageRef, ref.String()))
	logger.Info("instance starting",
		logging.String("manifest_digest", manifestDigest.String()),
		logging.String("command", strings.Join(argv, " ")))

	env := append(append(baseEnv(), imgCfg.Env...), opts.Env...)
	attr := &syscall.SysProcAttr{Setpgid: true}

	var cmd *exec.Cmd
	if l.cfg.Run.NoChroot {
		cmd = exec.Command(argv[0], argv[1:]...)
		cmd.Dir = filepath.Join(rootfs, filepath.FromSlash(strings.TrimPrefix(imgCfg.WorkingDir, "/")))
	} else {
		// The child chroots before exec, so a bare entry name must be looked
		// up on the image's execution path, never the host's.
		entryPath, err := resolveEntry(argv[0], env, rootfs)
		if err != nil {
			return ExitNotFound, fmt.Errorf("start %q: %w", argv[0], err)
		}
		cmd = exec.Command(entryPath, argv[1:]...)
		cmd.Args = argv
		attr.Chroot = rootfs
		cmd.Dir = imgCfg.WorkingDir
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return startFailureCode(err), fmt.Errorf("start %q: %w", argv[0], err)
	}
	pgid := cmd.Process.Pid

	// Forward termination signals to the child's process group so the entry
	// command, not kiln, decides how to shut down.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(signals)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				logger.Info("forwarding signal", logging.String("signal", sig.String()))
				_ = unix.Kill(-pgid, sig.(syscall.Signal))
			case <-ctx.Done():
				_ = unix.Kill(-pgid, unix.SIGTERM)
			case <-done:
				return
			}
		}
	}()

	err = cmd.Wait()
	close(done)

	code := exitCode(err)
	logger.Info("instance exited", logging.Int("exit_code", code))
	return code, nil
}

// resolveEntry locates a bare entry name on the image's execution path and
// returns its image-rooted path, ready for exec after the chroot. Names
// containing a path separator pass through untouched.
func resolveEntry(name string, env []string, rootfs string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range filepath.SplitList(pathVar(env)) {
		if dir == "" {
			continue
		}
		candidate := path.Join(dir, name)
		hostPath := filepath.Join(rootfs, filepath.FromSlash(strings.TrimPrefix(candidate, "/")))
		info, err := os.Stat(hostPath)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("executable file not found on the image's PATH")
}

// pathVar returns the effective PATH value in env, last assignment winning.
func pathVar(env []string) string {
	value := ""
	for _, kv := range env {
		if rest, ok := strings.CutPrefix(kv, "PATH="); ok {
			value = rest
		}
	}
	return value
}

// baseEnv is the minimal environment every instance starts from.
func baseEnv() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		"TERM=xterm",
	}
}

func startFailureCode(err error) int {
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return ExitNotFound
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ExitNotFound
	}
	return ExitCannotExecute
}

// exitCode maps a Wait error to the propagated exit code: the child's own
// code, or 128 plus the fatal signal number.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitCannotExecute
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}
