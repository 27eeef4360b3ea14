package pipeline

import (
	"context"
	"encoding/csv"
	"os"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// TransformInput is the contract for one transform invocation over a
// converted resource.
type TransformInput struct {
	ConvertedPath  string
	OutputPath     string
	Dataset        string
	Organisation   string
	Resource       string
	Columns        []ColumnRule
	Replacements   map[string]string
	MandatoryField []string
	DisableLookups bool
}

// TransformOutput carries the canonical facts plus the issues found
// while producing them. The transformed CSV has been written to
// OutputPath by the time Transform returns.
type TransformOutput struct {
	Facts  []model.TransformedFact
	Issues []model.IssueLogRow
}

// Transformer turns converted rows into canonical facts.
type Transformer interface {
	Transform(ctx context.Context, in TransformInput) (*TransformOutput, error)
}

// CSVTransformer is the default Transformer. It resolves each source
// column through the collection's column rules, emits one fact per
// mapped non-empty cell and flags missing mandatory values and
// unparseable geometry.
type CSVTransformer struct{}

func (CSVTransformer) Transform(ctx context.Context, in TransformInput) (*TransformOutput, error) {
	header, rows, err := ReadRows(in.ConvertedPath)
	if err != nil {
		return nil, err
	}

	fieldFor := make(map[string]string, len(in.Columns))
	for _, r := range in.Columns {
		fieldFor[r.Column] = r.Field
	}
	// A column named exactly like a field maps to itself. Transform
	// rules rename the resolved field as a final step.
	resolve := func(column string) string {
		norm := normalizeColumn(column)
		field := norm
		if f, ok := fieldFor[norm]; ok {
			field = f
		}
		if repl, ok := in.Replacements[field]; ok {
			field = repl
		}
		return field
	}

	out := &TransformOutput{}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "pipeline: transform cancelled")
		}
		entry := i + 1

		seen := make(map[string]bool, len(header))
		for _, column := range header {
			field := resolve(column)
			value := strings.TrimSpace(row[column])
			if value == "" {
				continue
			}
			seen[field] = true
			out.Facts = append(out.Facts, model.TransformedFact{
				EntryNumber: entry,
				Field:       field,
				Value:       value,
			})
			if isGeometryField(field) {
				if _, err := wkt.Unmarshal(value); err != nil {
					out.Issues = append(out.Issues, model.IssueLogRow{
						LineNumber:  entry + 1,
						EntryNumber: entry,
						Field:       field,
						IssueType:   "invalid geometry",
						Value:       value,
					})
				}
			}
		}

		for _, field := range in.MandatoryField {
			if !seen[field] {
				out.Issues = append(out.Issues, model.IssueLogRow{
					LineNumber:  entry + 1,
					EntryNumber: entry,
					Field:       field,
					IssueType:   "missing value",
				})
			}
		}
	}

	if err := writeFacts(in.OutputPath, out.Facts); err != nil {
		return nil, err
	}
	return out, nil
}

func isGeometryField(field string) bool {
	return field == "geometry" || field == "point"
}

func writeFacts(path string, facts []model.TransformedFact) error {
	body, err := csvutil.Marshal(facts)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal facts")
	}
	if len(facts) == 0 {
		body = []byte("entry-number,field,value\n")
	}
	return storage.WriteAtomic(path, body)
}

// ReadRows parses a converted CSV into its header and one map per row.
// Short rows are padded with empty strings.
func ReadRows(path string) ([]string, []map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "pipeline: open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			} else {
				row[name] = ""
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
