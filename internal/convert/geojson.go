package convert

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// convertGeoJSON flattens a FeatureCollection to CSV: one row per
// feature, properties as columns, geometry rendered as WKT.
func convertGeoJSON(body []byte, outputPath string) error {
	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(body); err != nil {
		return eris.Wrap(err, "convert: parse geojson")
	}

	// Collect the union of property names for a stable header.
	propSet := map[string]bool{}
	for _, feat := range fc.Features {
		for name := range feat.Properties {
			propSet[name] = true
		}
	}
	props := make([]string, 0, len(propSet))
	for name := range propSet {
		props = append(props, name)
	}
	sort.Strings(props)

	header := append(append([]string{}, props...), "geometry")
	records := [][]string{header}

	for _, feat := range fc.Features {
		row := make([]string, 0, len(header))
		for _, name := range props {
			row = append(row, stringify(feat.Properties[name]))
		}

		geometry := ""
		if feat.Geometry != nil {
			w, err := wkt.Marshal(feat.Geometry)
			if err != nil {
				return eris.Wrap(err, "convert: encode wkt")
			}
			geometry = w
		}
		row = append(row, geometry)
		records = append(records, row)
	}

	return writeCSV(outputPath, records)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}
