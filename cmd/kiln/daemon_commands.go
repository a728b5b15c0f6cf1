package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/daemonctl"
	"kiln/internal/ipc"
	"kiln/internal/preflight"
	"kiln/internal/queue"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the kiln daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx),
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Message) != "" {
					fmt.Fprintln(stdout, result.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the kiln daemon (completely terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), 5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the kiln daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx),
				5*time.Second,
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}

			switch result.Start.State {
			case daemonctl.StartStateStarted, daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon restarted")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Start.Message) != "" {
					fmt.Fprintln(stdout, result.Start.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, dependency, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatusCommand(ctx, cmd)
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func runStatusCommand(ctx *commandContext, cmd *cobra.Command) error {
	cfg := ctx.configValue()
	if cfg == nil {
		return errors.New("configuration not available")
	}

	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	var status *ipc.StatusResponse
	if client, err := ctx.dialClient(); err == nil {
		resp, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil {
			status = resp
		}
	}

	for _, line := range renderSectionHeader("system status", colorize) {
		fmt.Fprintln(stdout, line)
	}
	if status != nil && status.Running {
		fmt.Fprintln(stdout, renderStatusLine("Kiln", statusOK, "Running", colorize))
	} else {
		fmt.Fprintln(stdout, renderStatusLine("Kiln", statusWarn, "Not running (run `kiln start`)", colorize))
	}
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		fmt.Fprintln(stdout, renderStatusLine("Notifications", statusOK, "Configured", colorize))
	} else {
		fmt.Fprintln(stdout, renderStatusLine("Notifications", statusInfo, "Not configured", colorize))
	}
	if status != nil && strings.TrimSpace(status.LastError) != "" {
		fmt.Fprintln(stdout, renderStatusLine("Last error", statusError, status.LastError, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("dependencies", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, check := range preflight.CheckSystemDeps(cfg) {
		kind := statusError
		if check.Available {
			kind = statusOK
		}
		fmt.Fprintln(stdout, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("storage", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, dir := range []struct {
		label string
		path  string
	}{
		{label: "Image store", path: cfg.StoreDir()},
		{label: "Staging", path: cfg.StagingDir()},
	} {
		check := preflight.CheckDirectoryAccess(dir.label, dir.path)
		kind := statusError
		if check.Available {
			kind = statusOK
		}
		fmt.Fprintln(stdout, renderStatusLine(dir.label, kind, check.Detail, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("queue status", colorize) {
		fmt.Fprintln(stdout, line)
	}
	stats, err := collectQueueStats(ctx, cmd, status)
	if err != nil {
		return err
	}
	rows := buildQueueStatusRows(stats)
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "Queue is empty")
		return nil
	}
	fmt.Fprintln(stdout, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	return nil
}

func collectQueueStats(ctx *commandContext, cmd *cobra.Command, status *ipc.StatusResponse) (map[string]int, error) {
	if status != nil && len(status.QueueStats) > 0 {
		return status.QueueStats, nil
	}

	store, err := queue.Open(ctx.configValue())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return nil, err
	}
	converted := make(map[string]int, len(stats))
	for s, count := range stats {
		converted[string(s)] = count
	}
	return converted, nil
}

func buildQueueStatusRows(stats map[string]int) [][]string {
	statuses := make([]string, 0, len(stats))
	for status, count := range stats {
		if count == 0 {
			continue
		}
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	rows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		rows = append(rows, []string{status, strconv.Itoa(stats[status])})
	}
	return rows
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{}
	if ctx.socketFlag != nil {
		if socket := strings.TrimSpace(*ctx.socketFlag); socket != "" {
			opts.SocketPath = socket
		}
	}
	if ctx.configFlag != nil {
		if config := strings.TrimSpace(*ctx.configFlag); config != "" {
			opts.ConfigPath = config
		}
	}
	return opts
}
