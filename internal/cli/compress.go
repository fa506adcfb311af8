package cli

import (
	"github.com/spf13/cobra"

	"github.com/menta2k/image-splitter/pkg/pipeline"
)

// CompressOptions holds flags for the compress command.
type CompressOptions struct {
	*RootOptions
	PipelineFlags
	OutputName string
}

// NewCompressCommand creates the compress command.
func NewCompressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompressOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compress <image-url> [second-image-url]",
		Short: "Compress one image, or merge two vertically, and publish it",
		Long: `Download one image and publish a compressed copy. With two URLs the images
are stacked top to bottom on a white canvas first; the narrower one is scaled
to the wider one's width.

Example:
  image-splitter compress http://127.0.0.1:9000/upload/photo.jpg --quality 70
  image-splitter compress http://host/a.jpg http://host/b.jpg --output combined.jpg`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompress(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.OutputName, "output", "", "output object name (its extension picks the format)")
	opts.PipelineFlags.register(cmd)

	return cmd
}

func runCompress(opts *CompressOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	p, err := openPipeline(cmd.Context(), opts.RootOptions, &opts.PipelineFlags, cmd, args[0])
	if err != nil {
		return formatter.Fail(ErrCodeConfig, err)
	}

	formatter.VerboseLog("compressing %v", args)
	run, err := p.Compress(cmd.Context(), pipeline.CompressRequest{
		URLs:       args,
		OutputName: opts.OutputName,
	})
	if err != nil {
		return formatter.Fail(ErrCodeInput, WrapExitError(ExitCommandError, "compress failed", err))
	}
	return formatter.Result(run)
}
