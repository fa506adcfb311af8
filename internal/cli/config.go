package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-splitter/internal/config"
	"github.com/menta2k/image-splitter/internal/utils"
)

// ConfigOptions holds flags for the config subcommands.
type ConfigOptions struct {
	*RootOptions
	Force bool
}

// NewConfigCommand creates the config command and its init and show
// subcommands.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Long: `Write the default configuration. Without a path the file goes to
` + "`~/.config/image-splitter/config.yaml`" + `; a .json path writes JSON.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(opts, args, cmd)
		},
	}
	initCmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(opts, cmd)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func runConfigInit(opts *ConfigOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	path := config.GetConfigPath()
	if len(args) == 1 {
		path = args[0]
	}
	if utils.FileExists(path) && !opts.Force {
		msg := fmt.Sprintf("%s already exists (use --force to overwrite)", path)
		return formatter.Fail(ErrCodeConfig, NewExitError(ExitCommandError, msg))
	}
	if err := config.Default().SaveToFile(path); err != nil {
		return formatter.Fail(ErrCodeConfig, WrapExitError(ExitCommandError, "failed to write configuration", err))
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]string{"path": path})
	}
	return formatter.Success("wrote " + path)
}

func runConfigShow(opts *ConfigOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ErrCodeConfig, err)
	}
	if cfg.Storage.SecretKey != "" {
		cfg.Storage.SecretKey = "********"
	}

	if opts.Format == "json" {
		return formatter.Success(cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render configuration", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
