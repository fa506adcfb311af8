package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/menta2k/image-splitter/internal/config"
	"github.com/menta2k/image-splitter/pkg/compress"
	"github.com/menta2k/image-splitter/pkg/negotiate"
	"github.com/menta2k/image-splitter/pkg/publisher"
	"github.com/menta2k/image-splitter/pkg/retriever"
	"github.com/menta2k/image-splitter/pkg/types"
)

// StorageTarget is where artifacts of a run are written.
type StorageTarget struct {
	Endpoint string
	Bucket   string
	Secure   bool
	// Inferred is set when the values came from the source URL.
	Inferred bool
}

// InferStorage returns the configured storage target, replaced by the
// endpoint, bucket and scheme of sourceURL when auto inference is enabled and
// the URL looks like a path-style object URL.
func InferStorage(cfg config.StorageConfig, sourceURL string, logger *slog.Logger) StorageTarget {
	target := StorageTarget{Endpoint: cfg.Endpoint, Bucket: cfg.Bucket, Secure: cfg.Secure}
	if !cfg.AutoInferFromURL || strings.TrimSpace(sourceURL) == "" {
		return target
	}

	obj, err := publisher.ParseObjectURL(sourceURL)
	if err != nil {
		logger.Info("storage settings not inferred from URL, using configuration", "url", sourceURL, "reason", err)
		return target
	}
	logger.Info("storage settings inferred from URL",
		"endpoint", obj.Endpoint, "bucket", obj.Bucket, "secure", obj.Secure)
	return StorageTarget{Endpoint: obj.Endpoint, Bucket: obj.Bucket, Secure: obj.Secure, Inferred: true}
}

// Open wires a Pipeline from configuration. sourceURL, when given, is the
// first input of the run and is used to infer storage settings. The storage
// endpoint's protocol is confirmed once here and shared by every unit.
func Open(ctx context.Context, cfg *config.Config, sourceURL string, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	fetchOpts := cfg.FetchOptions()
	fetchOpts.Logger = logger
	opts := Options{
		Fetcher:    retriever.New(fetchOpts),
		Compressor: compress.New(logger),
		Logger:     logger,
		Policy:     cfg.Policy(),
		Workers:    cfg.Workers,
		Prefix:     cfg.Output.Prefix,
		Upload:     cfg.Output.Upload,
		LocalDir:   cfg.Output.LocalDir,
		SpoolDir:   cfg.Output.SpoolDir,
	}
	if !cfg.Output.Upload {
		return New(opts)
	}

	target := InferStorage(cfg.Storage, sourceURL, logger)
	if target.Endpoint == "" || target.Bucket == "" {
		return nil, errors.New("storage endpoint and bucket are required")
	}

	negOpts := []negotiate.Option{negotiate.WithLogger(logger)}
	if !cfg.Storage.Preflight {
		negOpts = append(negOpts, negotiate.Disabled())
	}
	logger.Debug("stage", "to", StageNegotiating, "endpoint", target.Endpoint)
	sec := negotiate.New(negOpts...).Resolve(ctx, target.Endpoint, target.Secure)

	store, err := publisher.NewMinioStore(publisher.MinioOptions{
		Endpoint:  target.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		Secure:    sec.Secure,
	})
	if err != nil {
		return nil, types.NewError(types.KindUpload, "connect", target.Endpoint, err)
	}
	pub, err := publisher.New(store, publisher.Config{
		Endpoint: target.Endpoint,
		Bucket:   target.Bucket,
		Secure:   sec.Secure,
		Timeout:  cfg.Storage.Timeout.Budget(),
	}, logger)
	if err != nil {
		return nil, err
	}

	opts.Publisher = pub
	opts.Security = sec
	opts.Bucket = target.Bucket
	return New(opts)
}
