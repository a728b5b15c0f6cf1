package build

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"kiln/internal/logging"
	"kiln/internal/services"
)

// CommandRunner executes external build tools. The seam exists so tests can
// inject failures and capture invocations without real package managers.
type CommandRunner interface {
	// Run executes name with args, appending env to the inherited environment.
	// On a non-zero exit the returned error carries the tool's diagnostic
	// output unmodified.
	Run(ctx context.Context, name string, args []string, env []string) error
}

type execRunner struct {
	logger *slog.Logger
}

// NewExecRunner returns the production CommandRunner backed by os/exec.
func NewExecRunner(logger *slog.Logger) CommandRunner {
	return &execRunner{logger: logging.NewComponentLogger(logger, "build-exec")}
}

func (r *execRunner) Run(ctx context.Context, name string, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Debug("running build tool",
		logging.String("tool", name),
		logging.String("args", strings.Join(args, " ")))

	err := cmd.Run()
	if output.Len() > 0 {
		r.logger.Debug("build tool output",
			logging.String("tool", name),
			logging.String("output", strings.TrimSpace(output.String())))
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return services.Wrap(services.ErrTimeout, "", name, "stage deadline exceeded", ctx.Err())
	}

	detail := strings.TrimSpace(output.String())
	if detail == "" {
		detail = err.Error()
	}
	return services.Wrap(services.ErrExternalTool, "", name,
		fmt.Sprintf("%v: %s", err, detail), nil)
}
