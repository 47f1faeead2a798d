package labels

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/san-kum/palm-detector/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDetections() []models.Detection {
	return []models.Detection{
		{ClassID: 0, Confidence: 0.91234, Box: models.BBox{XCenter: 0.5, YCenter: 0.25, Width: 0.1234567, Height: 0.2}},
		{ClassID: 3, Confidence: 0.5, Box: models.BBox{XCenter: 0.000001, YCenter: 1, Width: 0.333333333, Height: 0.75}},
		{ClassID: 0, Confidence: 0.12, Box: models.BBox{XCenter: 0.9, YCenter: 0.1, Width: 0.05, Height: 0.05}},
	}
}

func TestFormatLine(t *testing.T) {
	d := models.Detection{
		ClassID:    2,
		Confidence: 0.876543,
		Box:        models.BBox{XCenter: 0.5, YCenter: 0.4, Width: 0.1234567, Height: 0.3},
	}

	assert.Equal(t, "2 0.500000 0.400000 0.123457 0.300000 0.8765\n", FormatLine(d))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "abc_cat.txt", FileName("abc_cat.jpg"))
	assert.Equal(t, "abc_archive.tar.txt", FileName("abc_archive.tar.gz"))
	assert.Equal(t, "abc_noext.txt", FileName("abc_noext"))
}

func TestRoundTripPreservesOrderAndPrecision(t *testing.T) {
	in := sampleDetections()

	out, err := Decode(strings.NewReader(string(Marshal(in))))
	require.NoError(t, err)
	require.Len(t, out, len(in))

	for i := range in {
		assert.Equal(t, in[i].ClassID, out[i].ClassID)
		assert.InDelta(t, in[i].Box.XCenter, out[i].Box.XCenter, 5e-7)
		assert.InDelta(t, in[i].Box.YCenter, out[i].Box.YCenter, 5e-7)
		assert.InDelta(t, in[i].Box.Width, out[i].Box.Width, 5e-7)
		assert.InDelta(t, in[i].Box.Height, out[i].Box.Height, 5e-7)
		assert.InDelta(t, in[i].Confidence, out[i].Confidence, 5e-5)
	}
}

func TestWriteFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_cat.txt")

	require.NoError(t, WriteFile(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)

	detections, err := ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestWriteFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_cat.txt")

	require.NoError(t, WriteFile(path, sampleDetections()))
	assert.Error(t, WriteFile(path, nil))
}

func TestWriteFileLinesAreNewlineTerminated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, WriteFile(path, sampleDetections()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Len(t, strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"), 3)
}

func TestParseLineErrors(t *testing.T) {
	bad := []string{
		"0 0.1 0.2 0.3 0.4",
		"x 0.1 0.2 0.3 0.4 0.5",
		"-1 0.1 0.2 0.3 0.4 0.5",
		"0 0.1 abc 0.3 0.4 0.5",
	}
	for _, line := range bad {
		_, err := ParseLine(line)
		assert.Error(t, err, line)
	}
}

func TestDecodeReportsLineNumber(t *testing.T) {
	_, err := Decode(strings.NewReader("0 0.1 0.1 0.1 0.1 0.5\n\nbroken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestFormatRounding(t *testing.T) {
	d := models.Detection{Confidence: 0.99995, Box: models.BBox{XCenter: math.Nextafter(0.5, 1)}}
	line := FormatLine(d)
	assert.True(t, strings.HasPrefix(line, "0 0.500000 "))
}
