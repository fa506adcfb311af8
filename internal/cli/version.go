package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	imagesplitter "github.com/menta2k/image-splitter"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print the version",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]string{
					"version": imagesplitter.Version,
					"go":      runtime.Version(),
				})
			}
			return formatter.Success("image-splitter " + imagesplitter.Version)
		},
	}
}
