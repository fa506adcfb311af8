package cli

import (
	"github.com/spf13/cobra"
)

// BatchOptions holds flags for the batch command.
type BatchOptions struct {
	*RootOptions
	PipelineFlags
}

// NewBatchCommand creates the batch command.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batch <path>...",
		Short: "Compress local image files and publish them",
		Long: `Compress local files and publish each one. Directories are searched
recursively for images.

Example:
  image-splitter batch ./photos --mode aggressive
  image-splitter batch a.png b.jpg --local-dir ./compressed`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, args, cmd)
		},
	}

	opts.PipelineFlags.register(cmd)

	return cmd
}

func runBatch(opts *BatchOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Local files carry no storage hints.
	p, err := openPipeline(cmd.Context(), opts.RootOptions, &opts.PipelineFlags, cmd, "")
	if err != nil {
		return formatter.Fail(ErrCodeConfig, err)
	}

	run, err := p.CompressFiles(cmd.Context(), args)
	if err != nil {
		return formatter.Fail(ErrCodeInput, WrapExitError(ExitCommandError, "batch failed", err))
	}
	return formatter.Result(run)
}
