// Package finalize seals a completed build: it writes the image config and
// manifest records and atomically points the recipe's reference at them.
package finalize

import (
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"kiln/internal/build"
	"kiln/internal/image"
	"kiln/internal/logging"
	"kiln/internal/recipe"
)

// Sealed reports the records committed for a finished image.
type Sealed struct {
	Ref            image.Ref
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
}

// Seal commits the config and manifest for a pipeline result and tags the
// image. The reference flips to the new manifest in one step, so readers see
// either the previous image or the complete new one.
func Seal(store *image.Store, r *recipe.Recipe, result *build.Result, logger *slog.Logger) (Sealed, error) {
	now := time.Now().UTC()

	configDigest, err := store.PutConfig(image.Config{
		Entrypoint: r.Entry.Command,
		WorkingDir: r.Source.WorkDir,
		Env:        r.Entry.Env,
		CreatedAt:  now,
	})
	if err != nil {
		return Sealed{}, err
	}

	manifestDigest, err := store.PutManifest(image.Manifest{
		Config:    configDigest,
		Layers:    result.Layers,
		CreatedAt: now,
	})
	if err != nil {
		return Sealed{}, err
	}

	if err := store.Tag(r.Ref, manifestDigest); err != nil {
		return Sealed{}, err
	}

	logger.Info("image sealed",
		logging.String(logging.FieldImageRef, r.Ref.String()),
		logging.String("manifest_digest", manifestDigest.String()),
		logging.Int("layers", len(result.Layers)))

	return Sealed{
		Ref:            r.Ref,
		ManifestDigest: manifestDigest,
		ConfigDigest:   configDigest,
	}, nil
}
