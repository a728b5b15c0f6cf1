package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/image"
)

func newImageCommand(ctx *commandContext) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect and manage the local image store",
	}

	imageCmd.AddCommand(newImageListCommand(ctx))
	imageCmd.AddCommand(newImageShowCommand(ctx))
	imageCmd.AddCommand(newImageImportCommand(ctx))
	imageCmd.AddCommand(newImageRemoveCommand(ctx))
	imageCmd.AddCommand(newImageGCCommand(ctx))

	return imageCmd
}

func newImageListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tagged images",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openImageStore()
			if err != nil {
				return err
			}
			images, err := store.List()
			if err != nil {
				return err
			}
			if len(images) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No images in store")
				return nil
			}

			rows := make([][]string, 0, len(images))
			for _, desc := range images {
				rows = append(rows, []string{
					desc.Ref.String(),
					shortDigest(desc.Digest.String()),
					strconv.Itoa(desc.Layers),
					humanize.Bytes(uint64(desc.Size)),
					humanize.Time(desc.CreatedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Reference", "Digest", "Layers", "Size", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newImageShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <image-ref>",
		Short: "Show manifest and config details for an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := image.ParseRef(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			store, err := ctx.openImageStore()
			if err != nil {
				return err
			}
			manifest, manifestDigest, err := store.ResolveManifest(ref)
			if err != nil {
				return err
			}
			imgCfg, err := store.GetConfig(manifest.Config)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderKeyValues([][2]string{
				{"Reference", ref.String()},
				{"Manifest", manifestDigest.String()},
				{"Config", manifest.Config.String()},
				{"Created", manifest.CreatedAt.Format("2006-01-02 15:04:05 MST")},
				{"Total size", humanize.Bytes(uint64(manifest.TotalSize()))},
				{"Entrypoint", strings.Join(imgCfg.Entrypoint, " ")},
				{"Working dir", imgCfg.WorkingDir},
				{"Env", strings.Join(imgCfg.Env, " ")},
			}))
			fmt.Fprintln(out)

			rows := make([][]string, 0, len(manifest.Layers))
			for i, layer := range manifest.Layers {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					shortDigest(layer.Digest.String()),
					humanize.Bytes(uint64(layer.Size)),
					layer.CreatedBy,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Layer", "Size", "Created By"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newImageImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <image-ref> <rootfs.tar.gz>",
		Short: "Import a base image rootfs tarball into the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := image.ParseRef(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			tarball, err := config.ExpandPath(strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}
			store, err := ctx.openImageStore()
			if err != nil {
				return err
			}
			manifestDigest, err := store.ImportBase(ref, tarball)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%s)\n", ref.String(), shortDigest(manifestDigest.String()))
			return nil
		},
	}
}

func newImageRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <image-ref>",
		Short: "Remove an image reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := image.ParseRef(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			store, err := ctx.openImageStore()
			if err != nil {
				return err
			}
			removed, err := store.RemoveRef(ref)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "No such reference: %s\n", ref.String())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (run `kiln image gc` to reclaim space)\n", ref.String())
			return nil
		},
	}
}

func newImageGCCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs unreachable from any tagged reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openImageStore()
			if err != nil {
				return err
			}
			result, err := store.GC()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d blobs, reclaimed %s\n",
				result.RemovedBlobs, humanize.Bytes(uint64(result.ReclaimedBytes)))
			return nil
		},
	}
}
