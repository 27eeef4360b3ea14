package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/digital-land/async-request-backend/internal/storage"
)

// ColumnRule maps one source column to a canonical field for a dataset.
type ColumnRule struct {
	Dataset string `csv:"dataset"`
	Column  string `csv:"column"`
	Field   string `csv:"field"`
}

// DatasetField is one row of the specification's dataset-field.csv,
// enumerating the fields a dataset accepts.
type DatasetField struct {
	Dataset string `csv:"dataset"`
	Field   string `csv:"field"`
}

// ReadColumns parses a column.csv. Only rules for the given dataset are
// returned; a rule with an empty dataset applies to all.
func ReadColumns(path, dataset string) ([]ColumnRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var all []ColumnRule
	if err := csvutil.Unmarshal(data, &all); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}

	var rules []ColumnRule
	for _, r := range all {
		if r.Dataset == "" || r.Dataset == dataset {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// TransformRule renames one canonical field to another for a dataset,
// from the staged transform.csv.
type TransformRule struct {
	Dataset          string `csv:"dataset"`
	Field            string `csv:"field"`
	ReplacementField string `csv:"replacement-field"`
}

// ReadTransforms parses a transform.csv into a field replacement map.
// Only rules for the given dataset apply; a rule with an empty dataset
// applies to all. Rules with an empty replacement are ignored.
func ReadTransforms(path, dataset string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var all []TransformRule
	if err := csvutil.Unmarshal(data, &all); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}

	replacements := make(map[string]string)
	for _, r := range all {
		if r.Dataset != "" && r.Dataset != dataset {
			continue
		}
		if r.ReplacementField == "" {
			continue
		}
		replacements[r.Field] = r.ReplacementField
	}
	return replacements, nil
}

// datasetFields loads the accepted field set for a dataset from the
// specification directory.
func datasetFields(specificationDir, dataset string) (map[string]bool, error) {
	path := filepath.Join(specificationDir, "dataset-field.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}

	var rows []DatasetField
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}

	fields := make(map[string]bool)
	for _, r := range rows {
		if r.Dataset == dataset {
			fields[r.Field] = true
		}
	}
	return fields, nil
}

// AugmentColumns appends the caller-supplied column mapping to the staged
// column.csv. Mappings whose target field the dataset does not define are
// skipped and returned, sorted, for the error summary.
func AugmentColumns(columnsPath, specificationDir, dataset string, mapping map[string]string) (notMapped []string, err error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	fields, err := datasetFields(specificationDir, dataset)
	if err != nil {
		return nil, err
	}

	var added []ColumnRule
	for column, field := range mapping {
		if !fields[field] {
			notMapped = append(notMapped, column)
			continue
		}
		added = append(added, ColumnRule{Dataset: dataset, Column: normalizeColumn(column), Field: field})
	}
	sort.Strings(notMapped)
	if len(added) == 0 {
		return notMapped, nil
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Column < added[j].Column })

	existing, err := os.ReadFile(columnsPath)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", columnsPath)
	}

	body, err := csvutil.Marshal(added)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal column rules")
	}
	// Strip the header; the staged file already carries one.
	if i := strings.IndexByte(string(body), '\n'); i >= 0 {
		body = body[i+1:]
	}

	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		existing = append(existing, '\n')
	}
	if err := storage.WriteAtomic(columnsPath, append(existing, body...)); err != nil {
		return nil, err
	}
	return notMapped, nil
}

// normalizeColumn canonicalizes a source column name the way rule
// matching expects: lower case, surrounding space trimmed, separators
// collapsed to single hyphens.
func normalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '.':
			return '-'
		}
		return r
	}, name)
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	return strings.Trim(name, "-")
}
