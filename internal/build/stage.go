package build

import (
	"context"
	"log/slog"

	"kiln/internal/config"
	"kiln/internal/recipe"
)

// Workspace is the mutable state a stage operates on during one build.
type Workspace struct {
	// RootFS is the composed filesystem view: base layers plus every prior
	// stage's delta, extracted in order.
	RootFS string
	Recipe *recipe.Recipe
	Config *config.Config
	Runner CommandRunner
	Logger *slog.Logger
}

// Stage is one step of the build pipeline.
type Stage interface {
	// Name identifies the stage in logs, progress output, and layer metadata.
	Name() string
	// CacheKey derives the stage's cache key from its inputs chained with the
	// parent key. Two builds with equal keys are guaranteed equal layer
	// content, so the committed layer may be reused.
	CacheKey(ws *Workspace, parent string) (string, error)
	// Execute mutates the workspace rootfs. The pipeline snapshots the rootfs
	// around this call to derive the stage's layer delta.
	Execute(ctx context.Context, ws *Workspace) error
}
