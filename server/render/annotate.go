package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/san-kum/palm-detector/server/models"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
}

func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Annotate draws one rectangle outline per detection on a copy of src.
func Annotate(src image.Image, detections []models.Detection) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	stroke := strokeWidth(bounds)
	for _, d := range detections {
		drawBox(dst, pixelRect(bounds, d.Box), stroke, ClassColor(d.ClassID))
	}
	return dst
}

// AnnotateFile decodes the image at path, draws detections and encodes the
// result in the source format.
func AnnotateFile(path string, detections []models.Detection) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return AnnotateReader(f, detections)
}

func AnnotateReader(r io.Reader, detections []models.Detection) ([]byte, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, Annotate(src, detections), format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes img using the named format. Formats without an encoder,
// WebP among them, are written as PNG.
func Encode(w io.Writer, img image.Image, format string) error {
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case "gif":
		err = gif.Encode(w, img, nil)
	case "bmp":
		err = bmp.Encode(w, img)
	case "tiff":
		err = tiff.Encode(w, img, nil)
	default:
		err = png.Encode(w, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s image: %w", format, err)
	}
	return nil
}

func strokeWidth(bounds image.Rectangle) int {
	short := bounds.Dx()
	if bounds.Dy() < short {
		short = bounds.Dy()
	}
	w := short / 200
	if w < 2 {
		w = 2
	}
	return w
}

func pixelRect(bounds image.Rectangle, box models.BBox) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	x0 := int((box.XCenter - box.Width/2) * w)
	y0 := int((box.YCenter - box.Height/2) * h)
	x1 := int((box.XCenter + box.Width/2) * w)
	y1 := int((box.YCenter + box.Height/2) * h)

	return image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
}

func drawBox(dst draw.Image, r image.Rectangle, stroke int, c color.Color) {
	if r.Empty() {
		return
	}
	fill := image.NewUniform(c)

	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+stroke),
		image.Rect(r.Min.X, r.Max.Y-stroke, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+stroke, r.Max.Y),
		image.Rect(r.Max.X-stroke, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}
