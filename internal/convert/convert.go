// Package convert normalizes a fetched resource into a canonical UTF-8
// CSV with a header row and LF line endings. Supported shapes: CSV (with
// input encoding detection), GeoJSON, zipped shapefile, and xlsx.
// Geometry is flattened to a WKT column.
package convert

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Format identifies the detected input shape.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatGeoJSON   Format = "geojson"
	FormatXLSX      Format = "xlsx"
	FormatShapefile Format = "shapefile"
)

var (
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
	xlsxMarker = []byte("[Content_Types].xml")
)

// Sniff detects the input format from leading bytes. Anything not
// recognized is treated as CSV, which is the dominant submission shape.
func Sniff(body []byte) Format {
	if bytes.HasPrefix(body, zipMagic) {
		// Both xlsx and zipped shapefiles arrive as ZIP containers.
		if bytes.Contains(body[:min(len(body), 4096)], xlsxMarker) {
			return FormatXLSX
		}
		return FormatShapefile
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n\xef\xbb\xbf")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var doc struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(trimmed, &doc) == nil && doc.Type == "FeatureCollection" {
			return FormatGeoJSON
		}
	}
	return FormatCSV
}

// File converts the resource at inputPath into a canonical CSV written to
// outputPath. It returns the detected format.
func File(inputPath, outputPath string) (Format, error) {
	body, err := os.ReadFile(inputPath)
	if err != nil {
		return "", eris.Wrapf(err, "convert: read %s", inputPath)
	}

	format := Sniff(body)
	log := zap.L().With(
		zap.String("component", "convert"),
		zap.String("input", inputPath),
		zap.String("format", string(format)),
	)

	switch format {
	case FormatGeoJSON:
		err = convertGeoJSON(body, outputPath)
	case FormatXLSX:
		err = convertXLSX(body, outputPath)
	case FormatShapefile:
		err = convertShapefile(body, outputPath)
	default:
		err = convertCSV(body, outputPath)
	}
	if err != nil {
		return format, err
	}
	log.Debug("converted")
	return format, nil
}
