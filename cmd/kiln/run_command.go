package main

import (
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/image"
	"kiln/internal/launch"
	"kiln/internal/logging"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var envFlags []string
	var keepRootFS bool

	cmd := &cobra.Command{
		Use:   "run <image-ref> [-- command args...]",
		Short: "Run a built image's entry command",
		Long: `Run materializes the image into a fresh instance root and executes its
entry command as a directly supervised child. Stdio is passed through,
signals are forwarded to the child's process group, and the child's exit
code becomes kiln's exit code (128+n for signal deaths).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ref, err := image.ParseRef(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			store, err := ctx.openImageStore()
			if err != nil {
				return err
			}

			opts := launch.Options{
				Command:    args[1:],
				Env:        envFlags,
				KeepRootFS: keepRootFS,
			}

			launcher := launch.New(cfg, store, logging.NewNop())
			code, err := launcher.Run(cmd.Context(), ref, opts)
			if err != nil {
				return exitCodeError{code: code, message: err.Error()}
			}
			if code != 0 {
				return exitCodeError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&envFlags, "env", "e", nil, "Extra KEY=VALUE environment entries (repeatable)")
	cmd.Flags().BoolVar(&keepRootFS, "keep-rootfs", false, "Leave the instance root filesystem in place after exit")
	return cmd
}
