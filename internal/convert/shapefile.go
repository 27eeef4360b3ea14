package convert

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"go.uber.org/zap"
)

// convertShapefile extracts a zipped shapefile and flattens it to CSV:
// attribute fields as columns, geometry rendered as WKT.
func convertShapefile(body []byte, outputPath string) error {
	tmpDir, err := os.MkdirTemp("", "shp-*")
	if err != nil {
		return eris.Wrap(err, "convert: create temp dir")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	if err := extractZIP(body, tmpDir); err != nil {
		return err
	}

	shpPath, err := findFileByExt(tmpDir, ".shp")
	if err != nil {
		return err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return eris.Wrapf(err, "convert: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	header := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		header = append(header, strings.TrimRight(f.String(), "\x00"))
	}
	header = append(header, "geometry")
	records := [][]string{header}

	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		row := make([]string, 0, len(header))
		for i := range fields {
			val := strings.TrimRight(reader.Attribute(i), "\x00")
			row = append(row, strings.TrimSpace(val))
		}

		geometry, err := shapeToWKT(shape)
		if err != nil {
			skipped++
			continue
		}
		row = append(row, geometry)
		records = append(records, row)
	}

	if skipped > 0 {
		zap.L().Debug("convert: skipped shapefile records", zap.Int("skipped", skipped))
	}

	return writeCSV(outputPath, records)
}

// shapeToWKT converts a go-shp geometry to WKT. Unsupported or nil
// shapes render as an empty string.
func shapeToWKT(shape shp.Shape) (string, error) {
	if shape == nil {
		return "", nil
	}

	var g geom.T

	switch s := shape.(type) {
	case *shp.Point:
		g = geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PolyLine:
		g = polyLineToMultiLineString(s)
	case *shp.Polygon:
		g = polygonToMultiPolygon(s)
	default:
		return "", nil
	}

	if g == nil {
		return "", nil
	}

	out, err := wkt.Marshal(g)
	if err != nil {
		return "", eris.Wrap(err, "convert: encode wkt")
	}
	return out, nil
}

// polyLineToMultiLineString converts a shapefile PolyLine part list.
func polyLineToMultiLineString(pl *shp.PolyLine) geom.T {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil
	}

	mls := geom.NewMultiLineString(geom.XY)
	for i := int32(0); i < pl.NumParts; i++ {
		start, end := partRange(i, pl.NumParts, pl.Parts, len(pl.Points))
		ls := geom.NewLineStringFlat(geom.XY, flatPoints(pl.Points[start:end]))
		if err := mls.Push(ls); err != nil {
			continue
		}
	}

	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// polygonToMultiPolygon converts a shapefile Polygon part list.
func polygonToMultiPolygon(p *shp.Polygon) geom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for i := int32(0); i < p.NumParts; i++ {
		start, end := partRange(i, p.NumParts, p.Parts, len(p.Points))
		ring := geom.NewLinearRingFlat(geom.XY, flatPoints(p.Points[start:end]))
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			continue
		}
		if err := mp.Push(poly); err != nil {
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

func partRange(i, numParts int32, parts []int32, numPoints int) (int32, int32) {
	start := parts[i]
	if i+1 < numParts {
		return start, parts[i+1]
	}
	return start, int32(numPoints)
}

func flatPoints(points []shp.Point) []float64 {
	flat := make([]float64, 0, len(points)*2)
	for _, pt := range points {
		flat = append(flat, pt.X, pt.Y)
	}
	return flat
}

// extractZIP writes each archive entry into destDir, flattening paths.
func extractZIP(body []byte, destDir string) error {
	r, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return eris.Wrap(err, "convert: open zip")
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name)
		destPath := filepath.Join(destDir, name)

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "convert: open zip entry %s", f.Name)
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "convert: create %s", destPath)
		}

		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "convert: extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}

	return nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "convert: read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("convert: no %s file found in %s", ext, dir)
}
