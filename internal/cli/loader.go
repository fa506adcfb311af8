package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/menta2k/image-splitter/internal/config"
	"github.com/menta2k/image-splitter/internal/utils"
	"github.com/menta2k/image-splitter/pkg/pipeline"
)

// PipelineFlags are the per-run overrides shared by the processing commands.
// Only flags the user set are applied over the loaded configuration.
type PipelineFlags struct {
	Quality     int
	Mode        string
	ImageFormat string
	MaxWidth    int
	MaxHeight   int
	NoCompress  bool
	LocalDir    string
	Endpoint    string
	Bucket      string
	Secure      bool
	NoInfer     bool
	NoPreflight bool
	Workers     int
}

func (f *PipelineFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVarP(&f.Quality, "quality", "q", 0, "compression quality (1-100)")
	fs.StringVar(&f.Mode, "mode", "", "compression mode (normal|aggressive|ultra)")
	fs.StringVar(&f.ImageFormat, "image-format", "", "output image format (jpeg|png|webp|auto); empty keeps the name's extension")
	fs.IntVar(&f.MaxWidth, "max-width", 0, "largest output width in pixels")
	fs.IntVar(&f.MaxHeight, "max-height", 0, "largest output height in pixels")
	fs.BoolVar(&f.NoCompress, "no-compress", false, "encode without quality reduction or resizing")
	fs.StringVarP(&f.LocalDir, "local-dir", "o", "", "write artifacts to this directory instead of uploading")
	fs.StringVar(&f.Endpoint, "endpoint", "", "object store endpoint (host:port)")
	fs.StringVar(&f.Bucket, "bucket", "", "object store bucket")
	fs.BoolVar(&f.Secure, "secure", false, "use https for the object store")
	fs.BoolVar(&f.NoInfer, "no-infer", false, "do not take storage settings from the source URL")
	fs.BoolVar(&f.NoPreflight, "no-preflight", false, "skip the endpoint protocol probe")
	fs.IntVarP(&f.Workers, "workers", "w", 0, "parallel units of work")
}

func (f *PipelineFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("quality") {
		cfg.Compression.Quality = f.Quality
	}
	if changed("mode") {
		cfg.Compression.Mode = f.Mode
	}
	if changed("image-format") {
		cfg.Compression.Format = f.ImageFormat
	}
	if changed("max-width") {
		cfg.Compression.MaxWidth = f.MaxWidth
	}
	if changed("max-height") {
		cfg.Compression.MaxHeight = f.MaxHeight
	}
	if f.NoCompress {
		cfg.Compression.Enabled = false
	}
	if changed("local-dir") {
		cfg.Output.Upload = false
		cfg.Output.LocalDir = f.LocalDir
	}
	if changed("endpoint") {
		cfg.Storage.Endpoint = f.Endpoint
	}
	if changed("bucket") {
		cfg.Storage.Bucket = f.Bucket
	}
	if changed("secure") {
		cfg.Storage.Secure = f.Secure
	}
	if f.NoInfer {
		cfg.Storage.AutoInferFromURL = false
	}
	if f.NoPreflight {
		cfg.Storage.Preflight = false
	}
	if changed("workers") {
		cfg.Workers = f.Workers
	}
}

// loadConfig reads the file named by --config, or the per-user config file
// when it exists, or the defaults. Environment credentials win over the file.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		if def := config.GetConfigPath(); utils.FileExists(def) {
			path = def
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// openPipeline builds the pipeline for one command invocation. sourceURL is
// the first input and may be used to infer the storage target.
func openPipeline(ctx context.Context, opts *RootOptions, flags *PipelineFlags, cmd *cobra.Command, sourceURL string) (*pipeline.Pipeline, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	flags.apply(cmd, cfg)

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	p, err := pipeline.Open(ctx, cfg, sourceURL, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up pipeline", err)
	}
	return p, nil
}
