package cli

import (
	"github.com/spf13/cobra"

	"github.com/menta2k/image-splitter/pkg/pipeline"
)

// SplitOptions holds flags for the split command.
type SplitOptions struct {
	*RootOptions
	PipelineFlags
	Prefix string
}

// NewSplitCommand creates the split command.
func NewSplitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SplitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "split <image-url> <coordinates>",
		Short: "Cut regions out of an image and publish each one",
		Long: `Download an image once, crop every requested region, compress each crop
and publish it to object storage.

Coordinates may be a single box or a list of boxes, written as JSON arrays,
JSON objects with x1/y1/x2/y2 keys, or plain comma separated numbers.

Example:
  image-splitter split http://127.0.0.1:9000/upload/photo.jpg '[[0,0,100,100],[100,0,200,100]]'
  image-splitter split https://cdn.example.com/a.png '{"x1":10,"y1":10,"x2":90,"y2":90}' --local-dir ./out`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSplit(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Prefix, "prefix", "p", "", "object name prefix (defaults to the configured prefix)")
	opts.PipelineFlags.register(cmd)

	return cmd
}

func runSplit(opts *SplitOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	imageURL, coordinates := args[0], args[1]
	p, err := openPipeline(cmd.Context(), opts.RootOptions, &opts.PipelineFlags, cmd, imageURL)
	if err != nil {
		return formatter.Fail(ErrCodeConfig, err)
	}

	formatter.VerboseLog("splitting %s", imageURL)
	run, err := p.Split(cmd.Context(), pipeline.SplitRequest{
		URL:         imageURL,
		Coordinates: coordinates,
		Prefix:      opts.Prefix,
	})
	if err != nil {
		return formatter.Fail(ErrCodeInput, WrapExitError(ExitCommandError, "split failed", err))
	}
	return formatter.Result(run)
}
