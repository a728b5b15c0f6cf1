// Package builder wires the build stages into a ready-to-run pipeline for the
// CLI and the daemon workflow.
package builder

import (
	"context"
	"log/slog"
	"time"

	"kiln/internal/assemble"
	"kiln/internal/build"
	"kiln/internal/config"
	"kiln/internal/finalize"
	"kiln/internal/image"
	"kiln/internal/logging"
	"kiln/internal/provision"
	"kiln/internal/recipe"
	"kiln/internal/resolve"
)

// Outcome is the result of a full build including finalization.
type Outcome struct {
	finalize.Sealed
	Stages   []build.StageResult
	Duration time.Duration
}

// Builder runs complete builds from a recipe path or parsed recipe.
type Builder struct {
	cfg    *config.Config
	store  *image.Store
	runner build.CommandRunner
	logger *slog.Logger
}

// New constructs a builder. A nil runner selects the production os/exec
// runner.
func New(cfg *config.Config, store *image.Store, runner build.CommandRunner, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		store:  store,
		runner: runner,
		logger: logging.NewComponentLogger(logger, "builder"),
	}
}

// Build loads and validates the recipe at path, then builds it.
func (b *Builder) Build(ctx context.Context, recipePath string, opts build.Options) (*Outcome, error) {
	r, err := recipe.Load(recipePath)
	if err != nil {
		return nil, err
	}
	return b.BuildRecipe(ctx, r, opts)
}

// BuildRecipe runs provision, resolve, and assemble in order and seals the
// resulting image under the recipe's reference.
func (b *Builder) BuildRecipe(ctx context.Context, r *recipe.Recipe, opts build.Options) (*Outcome, error) {
	start := time.Now()

	b.logger.Info("build started",
		logging.String(logging.FieldImageRef, r.Ref.String()),
		logging.String("recipe", r.Path()))

	stages := []build.Stage{provision.New(), resolve.New(), assemble.New()}
	pipeline := build.NewPipeline(b.cfg, b.store, stages, b.runner, b.logger)

	result, err := pipeline.Build(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	sealed, err := finalize.Seal(b.store, r, result, b.logger)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Sealed:   sealed,
		Stages:   result.Stages,
		Duration: time.Since(start),
	}
	b.logger.Info("build completed",
		logging.String(logging.FieldImageRef, sealed.Ref.String()),
		logging.String("manifest_digest", sealed.ManifestDigest.String()),
		logging.Duration("duration", outcome.Duration))
	return outcome, nil
}
