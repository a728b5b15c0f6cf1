// Package provision implements the first build stage: preparing the base
// environment and installing native system packages into the rootfs.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kiln/internal/build"
	"kiln/internal/logging"
)

// Stage installs the recipe's system packages with apt-get targeting the
// build rootfs.
type Stage struct{}

// New returns the provision stage.
func New() *Stage { return &Stage{} }

// Name implements build.Stage.
func (s *Stage) Name() string { return "provision" }

// CacheKey chains the parent key with the sorted package set. Package order in
// the recipe does not affect the resulting layer, so it does not affect the
// key either.
func (s *Stage) CacheKey(ws *build.Workspace, parent string) (string, error) {
	packages := append([]string(nil), ws.Recipe.System.Packages...)
	sort.Strings(packages)
	return build.HashInputs(parent, "provision", strings.Join(packages, "\n")), nil
}

// Execute refreshes the package index and installs the requested packages,
// then scrubs the apt caches so index churn never leaks into the layer.
func (s *Stage) Execute(ctx context.Context, ws *build.Workspace) error {
	packages := ws.Recipe.System.Packages
	if len(packages) == 0 {
		ws.Logger.Info("no system packages requested, base environment kept as-is")
		return nil
	}

	aptGet := ws.Config.AptGetBinary()
	rootOpt := "RootDir=" + ws.RootFS
	env := []string{"DEBIAN_FRONTEND=noninteractive"}

	ws.Logger.Info("installing system packages",
		logging.String("packages", strings.Join(packages, ", ")))

	if err := ws.Runner.Run(ctx, aptGet, []string{"-o", rootOpt, "update"}, env); err != nil {
		return fmt.Errorf("refresh package index: %w", err)
	}

	args := append([]string{"-o", rootOpt, "install", "-y", "--no-install-recommends"}, packages...)
	if err := ws.Runner.Run(ctx, aptGet, args, env); err != nil {
		return fmt.Errorf("install system packages: %w", err)
	}

	return scrubAptState(ws.RootFS)
}

// scrubAptState removes package index and download caches before the stage
// snapshot, keeping the committed layer deterministic across index updates.
func scrubAptState(rootfs string) error {
	for _, rel := range []string{
		filepath.Join("var", "cache", "apt"),
		filepath.Join("var", "lib", "apt", "lists"),
	} {
		if err := os.RemoveAll(filepath.Join(rootfs, rel)); err != nil {
			return fmt.Errorf("scrub apt state %s: %w", rel, err)
		}
	}
	return nil
}
