// Package pipeline runs units of work through fetch, transform, compress and
// publish.
//
// A split run downloads one image and cuts any number of regions out of it; a
// compress run downloads one image, or two that are merged vertically; a file
// run compresses local images. Independent units run on a bounded worker pool
// and a failing unit never stops its siblings. Results are reported in input
// order.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/menta2k/image-splitter/internal/utils"
	"github.com/menta2k/image-splitter/pkg/compress"
	"github.com/menta2k/image-splitter/pkg/coords"
	"github.com/menta2k/image-splitter/pkg/retriever"
	"github.com/menta2k/image-splitter/pkg/transform"
	"github.com/menta2k/image-splitter/pkg/types"
)

// ErrNoInput is returned for requests that carry nothing to process.
var ErrNoInput = errors.New("no input")

// Fetcher downloads and decodes images.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*retriever.Fetched, error)
}

// Publisher stores artifacts and returns where they live.
type Publisher interface {
	Publish(ctx context.Context, data []byte, contentType, nameHint string) (*types.PublishResult, error)
	PublishFile(ctx context.Context, path, contentType, nameHint string) (*types.PublishResult, error)
}

// Options configures a Pipeline.
type Options struct {
	Fetcher    Fetcher
	Compressor *compress.Compressor
	// Publisher is required when Upload is set.
	Publisher Publisher
	Logger    *slog.Logger
	Policy    types.CompressionPolicy
	Workers   int
	Prefix    string
	Upload    bool
	// LocalDir receives artifacts when Upload is off.
	LocalDir string
	// SpoolDir, when set, stages each artifact as a file before upload.
	SpoolDir string
	// Security and Bucket are reported on results.
	Security types.EndpointSecurity
	Bucket   string
}

// Pipeline processes split, compress and file requests. It is safe for
// concurrent use.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
	// clock keeps local artifact names distinct across units.
	clock utils.NameClock
}

// SplitRequest cuts regions out of one image.
type SplitRequest struct {
	URL string
	// Coordinates accepts any shape coords.Normalize understands.
	Coordinates any
	// Prefix overrides the configured object name prefix.
	Prefix string
}

// CompressRequest compresses one image, or merges two vertically first.
type CompressRequest struct {
	URLs []string
	// OutputName is the name hint for the artifact; its extension selects
	// the format when the policy auto-detects it.
	OutputName string
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("pipeline: fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compressor == nil {
		opts.Compressor = compress.New(opts.Logger)
	}
	if opts.Upload && opts.Publisher == nil {
		return nil, errors.New("pipeline: publisher is required when uploading")
	}
	if !opts.Upload && opts.LocalDir == "" {
		return nil, errors.New("pipeline: local directory is required when not uploading")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Policy.Quality == 0 {
		opts.Policy = types.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "pipeline: invalid compression policy")
	}
	return &Pipeline{opts: opts, logger: opts.Logger}, nil
}

// Split downloads req.URL once and publishes every requested region. Missing
// URL or coordinates is an error; everything else is reported on the result.
func (p *Pipeline) Split(ctx context.Context, req SplitRequest) (*types.PipelineResult, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.Wrap(ErrNoInput, "split: image URL is required")
	}
	if req.Coordinates == nil {
		return nil, errors.Wrap(ErrNoInput, "split: crop coordinates are required")
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = p.opts.Prefix
	}

	run := p.newRun(req.URL)
	logger := p.logger.With("run", run.RunID)

	rects, err := coords.Normalize(req.Coordinates)
	if err != nil {
		return p.finish(logger, run, err), nil
	}
	logger.Info("split started", "url", req.URL, "regions", len(rects))

	run.Results = make([]types.RegionResult, len(rects))
	for i := range rects {
		rect := rects[i]
		run.Results[i] = types.RegionResult{Index: i + 1, Source: req.URL, Rect: &rect}
	}

	src, err := p.opts.Fetcher.Fetch(ctx, req.URL)
	if err != nil {
		for i := range run.Results {
			newTracker(&run.Results[i], StageFetching, logger).fail(err)
		}
		return p.finish(logger, run, err), nil
	}

	stem := sourceStem(req.URL)
	p.forEach(len(rects), func(i int) {
		res := &run.Results[i]
		t := newTracker(res, StageFetching, logger.With("region", res.Index))
		if err := t.to(StageCropping); err != nil {
			t.fail(err)
			return
		}
		img, err := transform.Crop(src.Image, rects[i])
		if err != nil {
			t.fail(err)
			return
		}
		hint := fmt.Sprintf("%s_%s_%d%s", prefix, stem, res.Index, utils.DefaultExt)
		p.emit(ctx, t, img, int64(len(src.Data)), hint)
	})

	return p.finish(logger, run, nil), nil
}

// Compress publishes one image, or the vertical merge of two.
func (p *Pipeline) Compress(ctx context.Context, req CompressRequest) (*types.PipelineResult, error) {
	switch len(req.URLs) {
	case 0:
		return nil, errors.Wrap(ErrNoInput, "compress: at least one image URL is required")
	case 1, 2:
	default:
		return nil, errors.Errorf("compress: at most two images can be merged, got %d", len(req.URLs))
	}
	for _, u := range req.URLs {
		if strings.TrimSpace(u) == "" {
			return nil, errors.Wrap(ErrNoInput, "compress: empty image URL")
		}
	}

	run := p.newRun(req.URLs...)
	logger := p.logger.With("run", run.RunID)
	run.Results = []types.RegionResult{{Index: 1, Source: strings.Join(req.URLs, " + ")}}
	t := newTracker(&run.Results[0], StageIdle, logger)

	if err := t.to(StageFetching); err != nil {
		t.fail(err)
		return p.finish(logger, run, nil), nil
	}
	var sourceSize int64
	sources := make([]*retriever.Fetched, len(req.URLs))
	for i, u := range req.URLs {
		f, err := p.opts.Fetcher.Fetch(ctx, u)
		if err != nil {
			t.fail(err)
			return p.finish(logger, run, nil), nil
		}
		sources[i] = f
		sourceSize += int64(len(f.Data))
	}

	img := sources[0].Image
	hint := req.OutputName
	if len(sources) == 2 {
		if err := t.to(StageMerging); err != nil {
			t.fail(err)
			return p.finish(logger, run, nil), nil
		}
		img = transform.MergeVertical(sources[0].Image, sources[1].Image)
		if hint == "" {
			hint = "merged_" + sourceStem(req.URLs[0]) + utils.DefaultExt
		}
	} else if hint == "" {
		hint = sourceName(req.URLs[0])
	}

	p.emit(ctx, t, img, sourceSize, hint)
	return p.finish(logger, run, nil), nil
}

// CompressFiles compresses and publishes local files. Directories are
// expanded to the image files they contain.
func (p *Pipeline) CompressFiles(ctx context.Context, paths []string) (*types.PipelineResult, error) {
	if len(paths) == 0 {
		return nil, errors.Wrap(ErrNoInput, "compress: no files given")
	}
	files, err := utils.ExpandImagePaths(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Wrap(ErrNoInput, "compress: no image files found")
	}

	run := p.newRun(files...)
	logger := p.logger.With("run", run.RunID)
	logger.Info("file batch started", "files", len(files))

	run.Results = make([]types.RegionResult, len(files))
	for i, f := range files {
		run.Results[i] = types.RegionResult{Index: i + 1, Source: f}
	}

	p.forEach(len(files), func(i int) {
		res := &run.Results[i]
		t := newTracker(res, StageIdle, logger.With("file", res.Source))
		if err := t.to(StageFetching); err != nil {
			t.fail(err)
			return
		}
		data, err := os.ReadFile(res.Source)
		if err != nil {
			t.fail(types.NewError(types.KindTransport, "read", res.Source, err))
			return
		}
		img, _, err := retriever.Decode(data)
		if err != nil {
			t.fail(types.NewError(types.KindDecode, "decode", res.Source, err))
			return
		}
		p.emit(ctx, t, img, int64(len(data)), filepath.Base(res.Source))
	})

	return p.finish(logger, run, nil), nil
}

// emit compresses img and stores the artifact. The tracker must be at a
// stage that may move on to Compressing.
func (p *Pipeline) emit(ctx context.Context, t *tracker, img image.Image, sourceSize int64, hint string) {
	b := img.Bounds()
	t.res.Width, t.res.Height = b.Dx(), b.Dy()

	if err := t.to(StageCompressing); err != nil {
		t.fail(err)
		return
	}
	policy := p.opts.Policy
	policy.ExtHint = filepath.Ext(hint)
	out, err := p.opts.Compressor.Compress(img, policy)
	if err != nil {
		t.fail(err)
		return
	}
	stats := out.Stats(sourceSize)
	t.res.Stats = &stats
	t.logger.Debug("compressed", "format", out.Format, "bytes", len(out.Data), "ratio", stats.Ratio)

	if err := t.to(StagePublishing); err != nil {
		t.fail(err)
		return
	}
	hint = strings.TrimSuffix(hint, filepath.Ext(hint)) + out.Format.Ext()
	if err := p.store(ctx, t.res, out, hint); err != nil {
		t.fail(err)
		return
	}
	t.done()
}

func (p *Pipeline) store(ctx context.Context, res *types.RegionResult, out *compress.Result, hint string) error {
	contentType := out.Format.ContentType()

	if !p.opts.Upload {
		if err := utils.EnsureDir(p.opts.LocalDir); err != nil {
			return types.NewError(types.KindUpload, "write", p.opts.LocalDir, err)
		}
		dst, err := p.writeLocal(hint, out.Data)
		if err != nil {
			return types.NewError(types.KindUpload, "write", dst, err)
		}
		res.LocalPath = dst
		return nil
	}

	if p.opts.SpoolDir == "" {
		pub, err := p.opts.Publisher.Publish(ctx, out.Data, contentType, hint)
		if err != nil {
			return err
		}
		res.Publish = pub
		return nil
	}

	if err := utils.EnsureDir(p.opts.SpoolDir); err != nil {
		return types.NewError(types.KindUpload, "spool", p.opts.SpoolDir, err)
	}
	spool := filepath.Join(p.opts.SpoolDir, uuid.NewString()+out.Format.Ext())
	defer p.remove(spool)
	if err := os.WriteFile(spool, out.Data, 0600); err != nil {
		return types.NewError(types.KindUpload, "spool", spool, err)
	}
	pub, err := p.opts.Publisher.PublishFile(ctx, spool, contentType, hint)
	if err != nil {
		return err
	}
	res.Publish = pub
	return nil
}

// writeLocal writes data under a fresh timestamped name in LocalDir. Files
// that already exist, for example from another process, are never replaced.
func (p *Pipeline) writeLocal(hint string, data []byte) (string, error) {
	const attempts = 5
	var dst string
	for i := 0; i < attempts; i++ {
		dst = filepath.Join(p.opts.LocalDir, utils.ObjectName(hint, p.clock.Next(time.Now())))
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return dst, err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return dst, err
		}
		return dst, f.Close()
	}
	return dst, errors.Errorf("no free file name after %d attempts", attempts)
}

func (p *Pipeline) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove temporary file", "path", path, "error", err)
		return
	}
	p.logger.Debug("removed temporary file", "path", path)
}

// forEach runs fn for 0..n-1 on at most Workers goroutines and waits for all
// of them.
func (p *Pipeline) forEach(n int, fn func(i int)) {
	sem := make(chan struct{}, p.opts.Workers)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) newRun(inputs ...string) *types.PipelineResult {
	return &types.PipelineResult{
		RunID:    uuid.NewString(),
		Inputs:   inputs,
		Endpoint: p.opts.Security.Endpoint(),
		Bucket:   p.opts.Bucket,
		Secure:   p.opts.Security.Secure,
	}
}

// finish settles the run's overall status. A run succeeds only when every
// unit did.
func (p *Pipeline) finish(logger *slog.Logger, run *types.PipelineResult, err error) *types.PipelineResult {
	if err != nil {
		run.Success = false
		run.Error = err.Error()
		logger.Error("run failed", "error", err)
		return run
	}

	ok := run.Succeeded()
	failed := len(run.Results) - ok
	run.Success = len(run.Results) > 0 && failed == 0
	switch {
	case len(run.Results) == 0:
		run.Error = "nothing was processed"
	case failed == 1 && len(run.Results) == 1:
		run.Error = run.Results[0].Error
	case failed > 0:
		run.Error = fmt.Sprintf("%d of %d units failed", failed, len(run.Results))
	}
	logger.Info("run finished", "succeeded", ok, "failed", failed)
	return run
}

// sourceName returns the last path element of rawURL.
func sourceName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "image"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "image"
	}
	return name
}

// sourceStem returns the file name of rawURL without its extension.
func sourceStem(rawURL string) string {
	name := sourceName(rawURL)
	stem := strings.TrimSuffix(name, path.Ext(name))
	if stem == "" {
		return "image"
	}
	return stem
}
