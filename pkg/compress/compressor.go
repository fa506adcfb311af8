// Package compress encodes images under a CompressionPolicy.
//
// The policy's quality is adjusted once for the compression mode, the image
// is scaled down to the configured maximum size, and it is then encoded either
// in an explicit format, in the format implied by the output file extension,
// or, in auto mode, as both JPEG and PNG with the smaller output kept.
package compress

import (
	"bytes"
	stderrors "errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/menta2k/image-splitter/pkg/types"
)

type encodeFunc func(w io.Writer, img image.Image, quality int, optimize bool) error

// Compressor encodes images. It holds no per-call state and is safe for
// concurrent use.
type Compressor struct {
	logger   *slog.Logger
	encoders map[types.Format]encodeFunc
}

// Result is one encoded artifact.
type Result struct {
	Data    []byte
	Format  types.Format
	Quality int
	Width   int
	Height  int
}

// Stats reports the encoded size relative to sourceSize.
func (r *Result) Stats(sourceSize int64) types.CompressionStats {
	size := int64(len(r.Data))
	var ratio float64
	if sourceSize > 0 {
		ratio = 1 - float64(size)/float64(sourceSize)
	}
	return types.CompressionStats{
		SourceSize:     sourceSize,
		CompressedSize: size,
		Ratio:          ratio,
		Format:         string(r.Format),
		Quality:        r.Quality,
	}
}

// New creates a Compressor. A nil logger discards output.
func New(logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compressor{
		logger: logger,
		encoders: map[types.Format]encodeFunc{
			types.FormatJPEG: encodeJPEG,
			types.FormatPNG:  encodePNG,
			types.FormatWebP: encodeWebP,
		},
	}
}

// Compress encodes img according to policy.
func (c *Compressor) Compress(img image.Image, policy types.CompressionPolicy) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, types.NewError(types.KindCompression, "compress", "policy", err)
	}

	// the alpha-first ordering of auto mode looks at the source, not the
	// resampled copy
	mode := types.ColorModeOf(img)
	quality := types.EffectiveQuality(policy.Quality, policy.Mode)
	if quality != policy.Quality {
		c.logger.Debug("quality adjusted for mode", "mode", policy.Mode, "from", policy.Quality, "to", quality)
	}

	img = Fit(img, policy.MaxWidth, policy.MaxHeight)

	format := policy.Format
	switch format {
	case types.FormatAutoBest:
		return c.smallest(img, mode, quality, policy.Optimize)
	case types.FormatAutoDetect:
		format = FormatForExt(policy.ExtHint)
	}

	res, err := c.encode(img, format, quality, policy.Optimize)
	if err != nil {
		return nil, types.NewError(types.KindCompression, "encode", string(format), err)
	}
	return res, nil
}

// smallest trials JPEG and PNG and keeps the strictly smaller output. A
// candidate that fails to encode is skipped; when both fail, both errors are
// reported.
func (c *Compressor) smallest(img image.Image, mode types.ColorMode, quality int, optimize bool) (*Result, error) {
	order := []types.Format{types.FormatJPEG, types.FormatPNG}
	if mode.HasAlpha() {
		order = []types.Format{types.FormatPNG, types.FormatJPEG}
	}

	var best *Result
	var errs error
	for _, format := range order {
		res, err := c.encode(img, format, quality, optimize)
		if err != nil {
			c.logger.Warn("candidate encoding failed", "format", format, "error", err)
			errs = stderrors.Join(errs, errors.Wrapf(err, "%s", format))
			continue
		}
		c.logger.Debug("candidate encoded", "format", format, "bytes", len(res.Data))
		if best == nil || len(res.Data) < len(best.Data) {
			best = res
		}
	}
	if best == nil {
		return nil, types.NewError(types.KindCompression, "encode", string(types.FormatAutoBest), errs)
	}
	c.logger.Debug("auto format selected", "format", best.Format, "bytes", len(best.Data))
	return best, nil
}

func (c *Compressor) encode(img image.Image, format types.Format, quality int, optimize bool) (*Result, error) {
	enc, ok := c.encoders[format]
	if !ok {
		return nil, errors.Errorf("no encoder for format %q", format)
	}
	if format == types.FormatJPEG {
		img = Flatten(img)
	}

	var buf bytes.Buffer
	if err := enc(&buf, img, quality, optimize); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Result{
		Data:    buf.Bytes(),
		Format:  format,
		Quality: quality,
		Width:   b.Dx(),
		Height:  b.Dy(),
	}, nil
}

// FormatForExt maps an output file extension (or a file name) to an
// encoding. Unknown or missing extensions encode as JPEG.
func FormatForExt(ext string) types.Format {
	if e := filepath.Ext(ext); e != "" {
		ext = e
	}
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "png":
		return types.FormatPNG
	case "webp":
		return types.FormatWebP
	}
	return types.FormatJPEG
}

// Fit scales img down, keeping its aspect ratio, so that it is at most
// maxWidth by maxHeight. A zero bound leaves that axis unbounded. Images are
// never scaled up.
func Fit(img image.Image, maxWidth, maxHeight int) image.Image {
	if maxWidth <= 0 && maxHeight <= 0 {
		return img
	}
	b := img.Bounds()
	if maxWidth <= 0 {
		maxWidth = b.Dx()
	}
	if maxHeight <= 0 {
		maxHeight = b.Dy()
	}
	return resize.Thumbnail(uint(maxWidth), uint(maxHeight), img, resize.Lanczos3)
}

var white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Flatten converts img to opaque truecolor for codecs without alpha support.
// Transparent and palette images are composited over white; grayscale is
// expanded to truecolor. Opaque truecolor images are returned unchanged.
func Flatten(img image.Image) image.Image {
	switch types.ColorModeOf(img) {
	case types.ColorTruecolor:
		return img
	case types.ColorGrayscale:
		return imaging.Clone(img)
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), white)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func encodeJPEG(w io.Writer, img image.Image, quality int, _ bool) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

func encodePNG(w io.Writer, img image.Image, _ int, optimize bool) error {
	level := png.DefaultCompression
	if optimize {
		level = png.BestCompression
	}
	return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(level))
}

func encodeWebP(w io.Writer, img image.Image, quality int, _ bool) error {
	return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
}
