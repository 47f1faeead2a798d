// Package labels reads and writes detection label files.
//
// Each line holds one detection as six space separated fields:
//
//	class_id x_center y_center width height confidence
//
// Box fields carry 6 decimal digits and confidence carries 4.
package labels

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/san-kum/palm-detector/server/models"
)

const Ext = ".txt"

// FileName returns the label file name for an uploaded file stored as
// storedName (the unique id already prefixed).
func FileName(storedName string) string {
	return strings.TrimSuffix(storedName, filepath.Ext(storedName)) + Ext
}

func FormatLine(d models.Detection) string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f %.4f\n",
		d.ClassID, d.Box.XCenter, d.Box.YCenter, d.Box.Width, d.Box.Height, d.Confidence)
}

// Encode writes detections in emission order.
func Encode(w io.Writer, detections []models.Detection) error {
	bw := bufio.NewWriter(w)
	for _, d := range detections {
		if _, err := bw.WriteString(FormatLine(d)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func Marshal(detections []models.Detection) []byte {
	var buf bytes.Buffer
	_ = Encode(&buf, detections)
	return buf.Bytes()
}

// WriteFile creates path exclusively and writes the label lines to it. An
// empty detection list yields an empty file.
func WriteFile(path string, detections []models.Detection) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if err := Encode(f, detections); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func Decode(r io.Reader) ([]models.Detection, error) {
	var detections []models.Detection

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		d, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		detections = append(detections, d)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return detections, nil
}

func ParseLine(line string) (models.Detection, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return models.Detection{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}

	classID, err := strconv.Atoi(fields[0])
	if err != nil || classID < 0 {
		return models.Detection{}, fmt.Errorf("invalid class id %q", fields[0])
	}

	var values [5]float64
	for i := range values {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return models.Detection{}, fmt.Errorf("invalid number %q: %w", fields[i+1], err)
		}
		values[i] = v
	}

	return models.Detection{
		ClassID:    classID,
		Confidence: values[4],
		Box: models.BBox{
			XCenter: values[0],
			YCenter: values[1],
			Width:   values[2],
			Height:  values[3],
		},
	}, nil
}

func ReadFile(path string) ([]models.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}
