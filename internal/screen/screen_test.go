package screen

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{G: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodedSize(t *testing.T, b64 string) (int, int) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "png", format)
	return cfg.Width, cfg.Height
}

func TestScaled(t *testing.T) {
	cases := []struct {
		name       string
		w, h, side int
		wantW      int
		wantH      int
	}{
		{"portrait", 1080, 2400, 960, 432, 960},
		{"landscape", 2400, 1080, 960, 960, 432},
		{"square", 500, 500, 960, 960, 960},
		{"sliver", 10000, 1, 960, 960, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := Scaled(tc.w, tc.h, tc.side)
			assert.Equal(t, tc.wantW, w)
			assert.Equal(t, tc.wantH, h)
		})
	}
}

func TestPrepare_DownscalesPortrait(t *testing.T) {
	out, err := Prepare(encodePNG(t, 540, 1200), 960)
	require.NoError(t, err)
	w, h := decodedSize(t, out)
	assert.Equal(t, 432, w)
	assert.Equal(t, 960, h)
}

func TestPrepare_UpscalesSmallImage(t *testing.T) {
	out, err := Prepare(encodePNG(t, 200, 100), 0)
	require.NoError(t, err)
	w, h := decodedSize(t, out)
	assert.Equal(t, DefaultMaxSide, w)
	assert.Equal(t, DefaultMaxSide/2, h)
}

func TestPrepare_InvalidInput(t *testing.T) {
	_, err := Prepare("not base64!", 960)
	assert.ErrorContains(t, err, "decode base64")

	_, err = Prepare(base64.StdEncoding.EncodeToString([]byte("not an image")), 960)
	assert.ErrorContains(t, err, "decode image")
}
