package render

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/palm-detector/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whiteImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func TestAnnotateDrawsOutline(t *testing.T) {
	src := whiteImage(100, 100)
	det := models.Detection{ClassID: 1, Confidence: 0.9, Box: models.BBox{XCenter: 0.5, YCenter: 0.5, Width: 0.4, Height: 0.4}}

	out := Annotate(src, []models.Detection{det})

	assert.Equal(t, ClassColor(1), out.RGBAAt(30, 30))
	assert.Equal(t, ClassColor(1), out.RGBAAt(69, 50))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(50, 50))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(5, 5))

	// source untouched
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, src.RGBAAt(30, 30))
}

func TestAnnotateIsDeterministic(t *testing.T) {
	src := whiteImage(64, 48)
	dets := []models.Detection{
		{ClassID: 0, Box: models.BBox{XCenter: 0.3, YCenter: 0.3, Width: 0.2, Height: 0.2}},
		{ClassID: 12, Box: models.BBox{XCenter: 0.9, YCenter: 0.9, Width: 0.5, Height: 0.5}},
	}

	assert.Equal(t, Annotate(src, dets).Pix, Annotate(src, dets).Pix)
}

func TestAnnotateNoDetectionsCopiesImage(t *testing.T) {
	src := whiteImage(10, 10)
	out := Annotate(src, nil)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestAnnotateFileKeepsFormat(t *testing.T) {
	dir := t.TempDir()

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, whiteImage(32, 32), nil))
	jpgPath := filepath.Join(dir, "cat.jpg")
	require.NoError(t, os.WriteFile(jpgPath, jpg.Bytes(), 0o644))

	data, err := AnnotateFile(jpgPath, nil)
	require.NoError(t, err)
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, whiteImage(32, 32)))
	data, err = AnnotateReader(&pngBuf, []models.Detection{{Box: models.BBox{XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1}}})
	require.NoError(t, err)
	_, format, err = image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestAnnotateReaderRejectsGarbage(t *testing.T) {
	_, err := AnnotateReader(bytes.NewReader([]byte("not an image")), nil)
	assert.Error(t, err)
}

func TestClassColorWraps(t *testing.T) {
	assert.Equal(t, ClassColor(0), ClassColor(len(palette)))
}

func TestAnnotateReaderKeepsExtraFormats(t *testing.T) {
	for _, format := range []string{"bmp", "tiff"} {
		t.Run(format, func(t *testing.T) {
			var src bytes.Buffer
			require.NoError(t, Encode(&src, whiteImage(20, 10), format))

			out, err := AnnotateReader(&src, nil)
			require.NoError(t, err)

			_, got, err := image.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, format, got)
		})
	}
}

func TestAnnotateReaderWritesWebPAsPNG(t *testing.T) {
	webp, err := base64.StdEncoding.DecodeString("UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA==")
	require.NoError(t, err)

	out, err := AnnotateReader(bytes.NewReader(webp), nil)
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 1, cfg.Width)
}
