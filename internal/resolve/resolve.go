// Package resolve implements the second build stage: installing the
// application dependencies named by the manifest into the rootfs.
package resolve

import (
	"context"
	"fmt"
	"os"

	"kiln/internal/build"
	"kiln/internal/logging"
	"kiln/internal/manifest"
	"kiln/internal/services"
)

// Stage installs manifest entries with pip targeting the build rootfs.
type Stage struct{}

// New returns the dependency resolver stage.
func New() *Stage { return &Stage{} }

// Name implements build.Stage.
func (s *Stage) Name() string { return "resolve" }

// CacheKey chains the parent key with the manifest's exact bytes. Any edit to
// the manifest, even whitespace, produces a new key; source edits elsewhere in
// the context leave it untouched.
func (s *Stage) CacheKey(ws *build.Workspace, parent string) (string, error) {
	data, err := os.ReadFile(ws.Recipe.ManifestPath())
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, s.Name(), "read manifest",
			ws.Recipe.ManifestPath(), err)
	}
	return build.HashInputs(parent, "resolve", string(data)), nil
}

// Execute validates the manifest and installs its entries into the rootfs with
// the package tool's download cache disabled, so no cache state can reach the
// committed layer.
func (s *Stage) Execute(ctx context.Context, ws *build.Workspace) error {
	m, err := manifest.Load(ws.Recipe.ManifestPath())
	if err != nil {
		return err
	}
	if len(m.Entries) == 0 {
		ws.Logger.Info("manifest lists no dependencies")
		return nil
	}

	ws.Logger.Info("installing dependencies",
		logging.Int("count", len(m.Entries)),
		logging.String("manifest", m.Path))

	args := []string{
		"install",
		"--no-cache-dir",
		"--root", ws.RootFS,
		"-r", m.Path,
	}
	if err := ws.Runner.Run(ctx, ws.Config.PipBinary(), args, nil); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}
	return nil
}
