package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"kiln/internal/config"
	"kiln/internal/image"
	"kiln/internal/logging"
	"kiln/internal/recipe"
)

// ProgressFunc receives stage lifecycle updates during a build.
type ProgressFunc func(stage, message string, percent float64)

// Options controls a single pipeline run.
type Options struct {
	NoCache  bool
	Progress ProgressFunc
}

// StageResult records the outcome of one executed (or replayed) stage.
type StageResult struct {
	Name   string
	Layer  image.Layer
	Cached bool
}

// Result is the output of a successful pipeline run, ready for finalization.
type Result struct {
	BaseDigest digest.Digest
	Layers     []image.Layer
	Stages     []StageResult
}

// Pipeline executes build stages strictly in order against a composed rootfs.
type Pipeline struct {
	cfg    *config.Config
	store  *image.Store
	stages []Stage
	runner CommandRunner
	cache  *Cache
	logger *slog.Logger
}

// NewPipeline assembles a pipeline over the given ordered stages.
func NewPipeline(cfg *config.Config, store *image.Store, stages []Stage, runner CommandRunner, logger *slog.Logger) *Pipeline {
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		stages: stages,
		runner: runner,
		cache:  NewCache(store),
		logger: logging.NewComponentLogger(logger, "build"),
	}
}

// Build runs every stage for the recipe and returns the complete layer chain:
// the base image's layers followed by one layer per stage. Any stage failure
// aborts the run with zero new layers committed for that stage.
func (p *Pipeline) Build(ctx context.Context, r *recipe.Recipe, opts Options) (*Result, error) {
	progress := opts.Progress
	if progress == nil {
		progress = func(string, string, float64) {}
	}

	baseManifest, baseDigest, err := p.store.ResolveManifest(r.BaseRef)
	if err != nil {
		return nil, fmt.Errorf("resolve base image %s (import it with `kiln image import`): %w", r.BaseRef, err)
	}

	wsDir := filepath.Join(p.cfg.StagingDir(), "build-"+uuid.NewString())
	rootfs := filepath.Join(wsDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return nil, fmt.Errorf("create build workspace: %w", err)
	}
	defer os.RemoveAll(wsDir)

	if err := p.store.MaterializeRootFS(baseManifest, rootfs); err != nil {
		return nil, fmt.Errorf("materialize base rootfs: %w", err)
	}

	ws := &Workspace{
		RootFS: rootfs,
		Recipe: r,
		Config: p.cfg,
		Runner: p.runner,
		Logger: p.logger,
	}

	result := &Result{
		BaseDigest: baseDigest,
		Layers:     append([]image.Layer{}, baseManifest.Layers...),
	}
	parentKey := "base:" + baseDigest.String()
	cacheEnabled := p.cfg.Build.CacheEnabled && !opts.NoCache

	for _, stage := range p.stages {
		stageCtx := logging.WithStage(ctx, stage.Name())
		stageLogger := logging.WithContext(stageCtx, p.logger)
		cancel := context.CancelFunc(func() {})
		if timeout := p.cfg.Build.StageTimeout; timeout > 0 {
			stageCtx, cancel = context.WithTimeout(stageCtx, time.Duration(timeout)*time.Second)
		}

		layer, key, cached, err := p.runStage(stageCtx, stageLogger, stage, ws, wsDir, parentKey, cacheEnabled, progress)
		cancel()
		if err != nil {
			return nil, err
		}

		parentKey = key
		result.Layers = append(result.Layers, layer)
		result.Stages = append(result.Stages, StageResult{Name: stage.Name(), Layer: layer, Cached: cached})
	}

	return result, nil
}

func (p *Pipeline) runStage(
	ctx context.Context,
	logger *slog.Logger,
	stage Stage,
	ws *Workspace,
	wsDir string,
	parentKey string,
	cacheEnabled bool,
	progress ProgressFunc,
) (image.Layer, string, bool, error) {
	name := stage.Name()
	progress(name, name+" started", 0)

	key, err := stage.CacheKey(ws, parentKey)
	if err != nil {
		return image.Layer{}, "", false, fmt.Errorf("%s cache key: %w", name, err)
	}

	if cacheEnabled {
		if layer, ok := p.cache.Lookup(key); ok {
			if err := p.store.ApplyLayer(layer, ws.RootFS); err != nil {
				return image.Layer{}, "", false, err
			}
			logger.Info("stage layer reused from cache",
				logging.String(logging.FieldEventType, "stage_cached"),
				logging.String(logging.FieldLayerDigest, layer.Digest.String()))
			progress(name, name+" reused cached layer", 100)
			return layer, key, true, nil
		}
	}

	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))

	before, err := snapshotTree(ws.RootFS)
	if err != nil {
		return image.Layer{}, "", false, err
	}

	prevLogger := ws.Logger
	ws.Logger = logger
	err = stage.Execute(ctx, ws)
	ws.Logger = prevLogger
	if err != nil {
		logger.Error("stage failed",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.Error(err))
		return image.Layer{}, "", false, err
	}

	after, err := snapshotTree(ws.RootFS)
	if err != nil {
		return image.Layer{}, "", false, err
	}
	changed := diffTrees(before, after)

	deltaDir := filepath.Join(wsDir, "delta-"+name)
	if err := os.MkdirAll(deltaDir, 0o755); err != nil {
		return image.Layer{}, "", false, err
	}
	defer os.RemoveAll(deltaDir)
	if err := copyDelta(ws.RootFS, deltaDir, changed); err != nil {
		return image.Layer{}, "", false, fmt.Errorf("%s layer delta: %w", name, err)
	}

	layer, err := p.store.WriteLayerFromDir(deltaDir, "kiln "+name)
	if err != nil {
		return image.Layer{}, "", false, err
	}
	if err := p.cache.Record(key, layer); err != nil {
		logging.WarnWithContext(logger, "stage cache record failed", "stage_cache_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "subsequent builds will re-execute this stage"))
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String(logging.FieldLayerDigest, layer.Digest.String()),
		logging.Int("changed_paths", len(changed)))
	progress(name, name+" completed", 100)
	return layer, key, false, nil
}
