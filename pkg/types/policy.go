package types

import (
	"fmt"
	"image"
	"strings"
)

// Mode selects how aggressively quality is lowered before encoding.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeAggressive Mode = "aggressive"
	ModeUltra      Mode = "ultra"
)

// ParseMode parses a compression mode name. An empty string means normal.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeAggressive:
		return ModeAggressive, nil
	case ModeUltra:
		return ModeUltra, nil
	}
	return "", fmt.Errorf("unknown compression mode %q (use normal, aggressive or ultra)", s)
}

// Format is an output encoding, or a rule for choosing one.
type Format string

const (
	// FormatAutoDetect picks the encoding from the output extension hint.
	FormatAutoDetect Format = ""
	FormatJPEG       Format = "jpeg"
	FormatPNG        Format = "png"
	FormatWebP       Format = "webp"
	// FormatAutoBest encodes as JPEG and PNG and keeps the smaller output.
	FormatAutoBest Format = "auto"
)

// ParseFormat parses an output format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detect", "none":
		return FormatAutoDetect, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "auto", "best":
		return FormatAutoBest, nil
	}
	return "", fmt.Errorf("unknown output format %q (use jpeg, png, webp or auto)", s)
}

// Ext returns the file extension (with dot) for a concrete format.
func (f Format) Ext() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatWebP:
		return ".webp"
	default:
		return ".jpg"
	}
}

// ContentType returns the MIME type for a concrete format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// CompressionPolicy controls a single compression pass.
type CompressionPolicy struct {
	Quality  int
	Optimize bool
	// MaxWidth and MaxHeight bound the output size; zero means unbounded on
	// that axis.
	MaxWidth  int
	MaxHeight int
	Mode      Mode
	Format    Format
	// ExtHint is the output file extension used by FormatAutoDetect.
	ExtHint string
}

// DefaultPolicy matches the defaults of the command line tool.
func DefaultPolicy() CompressionPolicy {
	return CompressionPolicy{
		Quality:  85,
		Optimize: true,
		Mode:     ModeNormal,
		Format:   FormatAutoDetect,
	}
}

// PassthroughPolicy is used when compression is disabled: high quality JPEG
// without resizing.
func PassthroughPolicy() CompressionPolicy {
	return CompressionPolicy{
		Quality: 95,
		Mode:    ModeNormal,
		Format:  FormatJPEG,
	}
}

// Validate checks the policy ranges.
func (p CompressionPolicy) Validate() error {
	if p.Quality < 1 || p.Quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100, got %d", p.Quality)
	}
	if p.MaxWidth < 0 || p.MaxHeight < 0 {
		return fmt.Errorf("max size must not be negative, got %dx%d", p.MaxWidth, p.MaxHeight)
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if _, err := ParseFormat(string(p.Format)); err != nil {
		return err
	}
	return nil
}

// EffectiveQuality applies the mode adjustment. The result never exceeds
// quality and never drops below the mode's floor unless quality already is.
func EffectiveQuality(quality int, mode Mode) int {
	switch mode {
	case ModeAggressive:
		return clampQuality(quality, 10, 60)
	case ModeUltra:
		return clampQuality(quality, 20, 50)
	}
	return quality
}

func clampQuality(quality, drop, floor int) int {
	q := quality - drop
	if q < floor {
		q = floor
	}
	if q > quality {
		q = quality
	}
	return q
}

// ColorMode is the pixel layout of a decoded image.
type ColorMode string

const (
	ColorTruecolor      ColorMode = "truecolor"
	ColorTruecolorAlpha ColorMode = "truecolor+alpha"
	ColorGrayscale      ColorMode = "grayscale"
	ColorGrayscaleAlpha ColorMode = "grayscale+alpha"
	ColorPalette        ColorMode = "palette"
)

// HasAlpha reports whether the mode carries transparency.
func (m ColorMode) HasAlpha() bool {
	return m == ColorTruecolorAlpha || m == ColorGrayscaleAlpha || m == ColorPalette
}

type opaquer interface {
	Opaque() bool
}

// ColorModeOf classifies an image. RGBA-family images only count as having
// alpha when at least one pixel is not fully opaque.
func ColorModeOf(img image.Image) ColorMode {
	switch v := img.(type) {
	case *image.Paletted:
		return ColorPalette
	case *image.Gray, *image.Gray16:
		return ColorGrayscale
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64, *image.NYCbCrA, *image.Alpha, *image.Alpha16:
		if o, ok := v.(opaquer); ok && o.Opaque() {
			return ColorTruecolor
		}
		return ColorTruecolorAlpha
	}
	return ColorTruecolor
}
