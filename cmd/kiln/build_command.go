package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/build"
	"kiln/internal/builder"
	"kiln/internal/config"
	"kiln/internal/ipc"
	"kiln/internal/logging"
	"kiln/internal/services"
)

func newBuildCommand(ctx *commandContext) *cobra.Command {
	var noCache bool
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "build <recipe.toml>",
		Short: "Build an image from a recipe",
		Long: `Build runs the staged pipeline for a recipe: provision system packages,
resolve python dependencies, assemble the source tree, and seal the image
under the recipe's reference. Stages whose inputs are unchanged replay
cached layers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipePath, err := config.ExpandPath(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			if enqueue {
				return ctx.withClient(func(client *ipc.Client) error {
					resp, err := client.Build(recipePath, noCache)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Queued build %d for %s\n", resp.Item.ID, resp.Item.ImageRef)
					return nil
				})
			}

			return runLocalBuild(ctx, cmd, recipePath, noCache)
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Rebuild every stage, ignoring cached layers")
	cmd.Flags().BoolVar(&enqueue, "queue", false, "Enqueue the build on the daemon instead of building locally")
	return cmd
}

func runLocalBuild(ctx *commandContext, cmd *cobra.Command, recipePath string, noCache bool) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := ctx.openImageStore()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	b := builder.New(cfg, store, nil, logging.NewNop())
	opts := build.Options{
		NoCache: noCache,
		Progress: func(stage, message string, percent float64) {
			fmt.Fprintf(out, "[%s] %s\n", stage, message)
		},
	}

	outcome, err := b.Build(cmd.Context(), recipePath, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if details := services.Details(err); details.Message != "" {
			return fmt.Errorf("build failed: %s", details.Message)
		}
		return err
	}

	rows := make([][]string, 0, len(outcome.Stages))
	for _, stage := range outcome.Stages {
		source := "built"
		if stage.Cached {
			source = "cached"
		}
		layer := "(empty)"
		size := "-"
		if stage.Layer.Digest != "" {
			layer = shortDigest(stage.Layer.Digest.String())
			size = humanize.Bytes(uint64(stage.Layer.Size))
		}
		rows = append(rows, []string{stage.Name, source, layer, size})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Source", "Layer", "Size"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))
	fmt.Fprintf(out, "Sealed %s (%s) in %s\n",
		outcome.Ref.String(),
		shortDigest(outcome.ManifestDigest.String()),
		outcome.Duration.Round(10*time.Millisecond))
	return nil
}

func shortDigest(value string) string {
	if idx := strings.IndexByte(value, ':'); idx >= 0 && len(value) > idx+13 {
		return value[:idx+13]
	}
	return value
}
