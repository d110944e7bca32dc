// Package screen turns raw driver screenshots into the image the decision
// service expects.
package screen

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // MJPEG-backed sessions may hand back JPEG frames
	"image/png"

	"golang.org/x/image/draw"
)

// DefaultMaxSide is the longer-side length screenshots are scaled to.
const DefaultMaxSide = 960

// Prepare decodes a base64 screenshot, resizes it so its longer side is
// maxSide pixels (aspect ratio preserved), and returns it as base64 PNG.
//
// Expectations:
//   - A 1080x2400 portrait shot becomes 432x960
//   - A 2400x1080 landscape shot becomes 960x432
//   - Smaller images are scaled up to maxSide
//   - maxSide <= 0 falls back to DefaultMaxSide
//   - Invalid base64 or image data returns an error
func Prepare(b64 string, maxSide int) (string, error) {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("screen: decode base64: %w", err)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("screen: decode image: %w", err)
	}

	w, h := Scaled(src.Bounds().Dx(), src.Bounds().Dy(), maxSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("screen: encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Scaled returns the dimensions of a w x h image whose longer side is maxSide.
// The shorter side is truncated and never drops below one pixel.
func Scaled(w, h, maxSide int) (int, int) {
	if w <= 0 || h <= 0 {
		return maxSide, maxSide
	}
	if w >= h {
		return maxSide, max(1, maxSide*h/w)
	}
	return max(1, maxSide*w/h), maxSide
}
