package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 70

// DefaultWidth is the target frame width in pixels.
const DefaultWidth = 640

// ClampQuality limits q to the JPEG quality range 1–100.
func ClampQuality(q int) int {
	return clampInt(q, 1, 100)
}

// EncodeJPEG encodes img as JPEG at quality q (clamped to 1–100).
func EncodeJPEG(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: ClampQuality(q)}); err != nil {
		return nil, fmt.Errorf("video: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ScaleToWidth resizes img to width pixels wide, preserving the aspect ratio,
// using nearest-neighbour sampling. Images that are already at most width
// pixels wide, and non-positive widths, return img unchanged: frames are never
// upscaled.
func ScaleToWidth(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		return img
	}

	height := int(int64(b.Dy()) * int64(width) / int64(b.Dx()))
	if height < 1 {
		height = 1
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xRatio := float64(b.Dx()) / float64(width)
	yRatio := float64(b.Dy()) / float64(height)

	for y := range height {
		srcY := b.Min.Y + int(float64(y)*yRatio)
		for x := range width {
			srcX := b.Min.X + int(float64(x)*xRatio)
			scaled.Set(x, y, img.At(srcX, srcY))
		}
	}
	return scaled
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
