// Package imagesplitter fetches images over HTTP, cuts regions out of them or
// merges two of them, compresses the result and publishes it to MinIO or any
// S3-compatible store.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		imagesplitter "github.com/menta2k/image-splitter"
//	)
//
//	func main() {
//		cfg := imagesplitter.DefaultConfig()
//		cfg.Storage.Endpoint = "127.0.0.1:9000"
//		cfg.Storage.Bucket = "upload"
//
//		client, err := imagesplitter.New(cfg, nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		// Two regions of the same image; each is published separately
//		run, err := client.Split(context.Background(),
//			"http://127.0.0.1:9000/upload/photo.jpg",
//			"[[0,0,400,300],[400,0,800,300]]")
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, url := range run.URLs() {
//			fmt.Println(url)
//		}
//	}
//
// The package is a thin layer over its components:
//
// 1. Retriever (pkg/retriever): HTTP download with redirect policy and decoding
// 2. Coords (pkg/coords): coordinate parsing from JSON, text and Go values
// 3. Transform (pkg/transform): cropping and vertical merging
// 4. Compress (pkg/compress): quality policy, resizing and format selection
// 5. Negotiate (pkg/negotiate): http or https probe for the storage endpoint
// 6. Publisher (pkg/publisher): object naming, bucket setup and upload
// 7. Pipeline (pkg/pipeline): the per-unit state machine and worker pool
//
// Every call opens a fresh pipeline, so storage settings can be inferred from
// the URL of each request when Storage.AutoInferFromURL is set.
package imagesplitter

import (
	"context"
	"io"
	"log/slog"

	"github.com/menta2k/image-splitter/internal/config"
	"github.com/menta2k/image-splitter/pkg/pipeline"
	"github.com/menta2k/image-splitter/pkg/types"
)

// Version of the image splitter library
const Version = "1.0.0"

// Config is the complete configuration of a client.
type Config = config.Config

// Result is the outcome of one call, with one entry per unit of work.
type Result = types.PipelineResult

// DefaultConfig returns the default configuration with credentials and
// endpoint taken from the environment when set.
func DefaultConfig() *Config {
	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg
}

// LoadConfig reads a YAML or JSON configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Client runs split and compress requests.
type Client struct {
	cfg    *Config
	logger *slog.Logger
}

// New creates a Client. A nil cfg means DefaultConfig and a nil logger
// discards log output.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Split downloads imageURL and publishes every region in coordinates.
// coordinates may be a JSON or comma separated string, a map with x1/y1/x2/y2
// keys, a slice of four numbers, or a list of any of those.
func (c *Client) Split(ctx context.Context, imageURL string, coordinates any) (*Result, error) {
	p, err := pipeline.Open(ctx, c.cfg, imageURL, c.logger)
	if err != nil {
		return nil, err
	}
	return p.Split(ctx, pipeline.SplitRequest{URL: imageURL, Coordinates: coordinates})
}

// Compress publishes a compressed copy of one image, or of two images merged
// top to bottom.
func (c *Client) Compress(ctx context.Context, imageURLs ...string) (*Result, error) {
	return c.CompressAs(ctx, "", imageURLs...)
}

// CompressAs is Compress with an explicit output name. The name's extension
// selects the output format unless the configuration fixes one.
func (c *Client) CompressAs(ctx context.Context, outputName string, imageURLs ...string) (*Result, error) {
	first := ""
	if len(imageURLs) > 0 {
		first = imageURLs[0]
	}
	p, err := pipeline.Open(ctx, c.cfg, first, c.logger)
	if err != nil {
		return nil, err
	}
	return p.Compress(ctx, pipeline.CompressRequest{URLs: imageURLs, OutputName: outputName})
}

// CompressFiles compresses and publishes local image files. Directories are
// searched recursively.
func (c *Client) CompressFiles(ctx context.Context, paths ...string) (*Result, error) {
	p, err := pipeline.Open(ctx, c.cfg, "", c.logger)
	if err != nil {
		return nil, err
	}
	return p.CompressFiles(ctx, paths)
}
