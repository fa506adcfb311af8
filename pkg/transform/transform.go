// Package transform crops regions out of decoded images and stacks two images
// vertically.
package transform

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-splitter/pkg/types"
)

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Clamp restricts rect to the image bounds. Coordinates are relative to the
// image origin.
func Clamp(rect types.Rectangle, bounds image.Rectangle) types.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	return types.Rectangle{
		X1: clamp(rect.X1, 0, w),
		Y1: clamp(rect.Y1, 0, h),
		X2: clamp(rect.X2, 0, w),
		Y2: clamp(rect.Y2, 0, h),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Crop cuts rect out of img. Coordinates beyond the image are clamped to its
// edges; a rectangle that is empty after clamping fails with INVALID_RECTANGLE.
// The result keeps the source color model when the image supports SubImage.
func Crop(img image.Image, rect types.Rectangle) (image.Image, error) {
	bounds := img.Bounds()
	clamped := Clamp(rect, bounds)
	if !clamped.Valid() {
		return nil, types.Errorf(types.KindInvalidRectangle, "crop", rect.String(),
			"empty region after clamping to %dx%d image: %s", bounds.Dx(), bounds.Dy(), clamped)
	}

	r := clamped.Image().Add(bounds.Min)
	if si, ok := img.(subImager); ok {
		return si.SubImage(r), nil
	}
	return imaging.Crop(img, r), nil
}

// White is the merge canvas background.
var White = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// MergeVertical stacks top above bottom. The narrower image is resized with a
// Lanczos filter to the wider width, keeping its aspect ratio. The result is
// drawn on an opaque white canvas, so it never carries transparency.
func MergeVertical(top, bottom image.Image) image.Image {
	tw, bw := top.Bounds().Dx(), bottom.Bounds().Dx()
	width := tw
	if bw > width {
		width = bw
	}
	if tw < width {
		top = imaging.Resize(top, width, 0, imaging.Lanczos)
	}
	if bw < width {
		bottom = imaging.Resize(bottom, width, 0, imaging.Lanczos)
	}

	th := top.Bounds().Dy()
	height := th + bottom.Bounds().Dy()

	canvas := imaging.New(width, height, White)
	canvas = imaging.Overlay(canvas, top, image.Pt(0, 0), 1.0)
	return imaging.Overlay(canvas, bottom, image.Pt(0, th), 1.0)
}
