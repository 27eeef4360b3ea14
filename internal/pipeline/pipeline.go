// Package pipeline executes the per-request processing phases over a
// fetched resource: convert to canonical CSV, stage collection config,
// augment column mappings, resolve entities, transform, annotate issue
// severity and materialize the side logs. Phases run in strict order;
// the transform phase tolerates failure and leaves partial outputs for
// downstream consumers, while entity range exhaustion fails the run.
package pipeline

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/convert"
	"github.com/digital-land/async-request-backend/internal/fetch"
	"github.com/digital-land/async-request-backend/internal/lookup"
	"github.com/digital-land/async-request-backend/internal/model"
)

// Output is everything one pipeline run produces, in memory. The CSV
// artefacts have been written to their configured directories by the
// time Run returns.
type Output struct {
	Resource         string
	ConvertedHeader  []string
	ConvertedRows    []map[string]string
	Facts            []model.TransformedFact
	Issues           []model.IssueLogRow
	ColumnFieldLog   []model.ColumnFieldEntry
	NotMappedColumns []string
	NewEntities      []model.LookupEntry
	ExistingEntities []model.LookupEntry
	LookupPath       string
}

// Runner chains the pipeline phases for one request at a time.
type Runner struct {
	dirs        config.DirsConfig
	configs     *ConfigFetcher
	transformer Transformer
	specs       map[string]lookup.DatasetSpec
	log         *zap.Logger
}

// NewRunner builds a Runner with the default CSV transformer.
func NewRunner(dirs config.DirsConfig, configs *ConfigFetcher, specs map[string]lookup.DatasetSpec) *Runner {
	return &Runner{
		dirs:        dirs,
		configs:     configs,
		transformer: CSVTransformer{},
		specs:       specs,
		log:         zap.L().With(zap.String("component", "pipeline")),
	}
}

// WithTransformer swaps the transform implementation.
func (r *Runner) WithTransformer(t Transformer) *Runner {
	r.transformer = t
	return r
}

// Run executes the phases over a fetched resource.
func (r *Runner) Run(ctx context.Context, req *model.Request, fetched *fetch.Result) (*Output, error) {
	dataset := req.Params.Dataset()
	collection := req.Params.Collection()
	p := NewPaths(r.dirs, collection, dataset, req.ID)
	log := r.log.With(zap.String("request_id", req.ID), zap.String("dataset", dataset))

	out := &Output{Resource: fetched.Resource, LookupPath: p.Lookup()}

	// Convert to canonical CSV.
	convertedPath := p.Converted(fetched.Resource)
	format, err := convert.File(fetched.Path, convertedPath)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: convert resource %s", fetched.Resource)
	}
	log.Info("converted resource", zap.String("format", string(format)))

	// Stage collection config.
	if err := r.configs.FetchAll(ctx, p, collection); err != nil {
		return nil, err
	}

	// Augment column mappings.
	columnsPath := filepath.Join(p.PipelineDir(), "column.csv")
	out.NotMappedColumns, err = AugmentColumns(columnsPath, p.SpecificationDir(), dataset, requestColumnMapping(req))
	if err != nil {
		return nil, err
	}
	rules, err := ReadColumns(columnsPath, dataset)
	if err != nil {
		return nil, err
	}

	out.ConvertedHeader, out.ConvertedRows, err = ReadRows(convertedPath)
	if err != nil {
		return nil, err
	}

	mandatory, err := mandatoryFields(p.SpecificationDir(), dataset)
	if err != nil {
		log.Warn("mandatory field spec unavailable", zap.Error(err))
	}

	replacements, err := ReadTransforms(filepath.Join(p.PipelineDir(), "transform.csv"), dataset)
	if err != nil {
		log.Warn("transform rules unavailable", zap.Error(err))
	}

	// Resolve entities.
	if err := r.assignEntries(ctx, out, p, rules, dataset, requestOrganisation(req), log); err != nil {
		return nil, err
	}

	// Transform.
	tOut, err := r.transformer.Transform(ctx, TransformInput{
		ConvertedPath:  convertedPath,
		OutputPath:     p.Transformed(fetched.Resource),
		Dataset:        dataset,
		Organisation:   requestOrganisation(req),
		Resource:       fetched.Resource,
		Columns:        rules,
		Replacements:   replacements,
		MandatoryField: mandatory,
	})
	if err != nil {
		log.Error("transform failed, continuing with partial outputs", zap.Error(err))
		tOut = &TransformOutput{}
	}
	out.Facts = tOut.Facts
	out.Issues = AnnotateSeverity(tOut.Issues, p.SpecificationDir())

	// Materialize logs.
	out.ColumnFieldLog = r.columnFieldLog(out.ConvertedHeader, rules, mandatory, dataset)
	if err := writeIssueLog(p.Issue(fetched.Resource), out.Issues); err != nil {
		return nil, err
	}
	if err := writeColumnFieldLog(p.ColumnField(fetched.Resource), out.ColumnFieldLog); err != nil {
		return nil, err
	}
	entityCount := len(out.NewEntities) + len(out.ExistingEntities)
	if err := writeDatasetResourceLog(p.DatasetResource(fetched.Resource), dataset, fetched.Resource, len(out.ConvertedRows), entityCount); err != nil {
		return nil, err
	}

	return out, nil
}

// assignEntries detects unidentified (prefix, organisation, reference)
// triples in the converted rows and resolves them through the lookup
// engine. Range exhaustion is fatal and fails the request; any other
// assignment failure is logged and swallowed so a lookup problem never
// blocks the transform.
func (r *Runner) assignEntries(ctx context.Context, out *Output, p Paths, rules []ColumnRule, dataset, organisation string, log *zap.Logger) error {
	spec, ok := r.specs[dataset]
	if !ok {
		log.Warn("dataset missing from specification, skipping entity assignment")
		return nil
	}

	refs := resourceReferences(out.ConvertedHeader, out.ConvertedRows, rules)
	if len(refs) == 0 {
		return nil
	}

	unknowns := make([]model.LookupEntry, 0, len(refs))
	for _, ref := range refs {
		unknowns = append(unknowns, model.LookupEntry{
			Prefix:       spec.Prefix,
			Resource:     out.Resource,
			Organisation: organisation,
			Reference:    ref,
		})
	}

	newEntries, existing := lookup.CheckExisting(unknowns, p.Lookup())
	out.ExistingEntities = existing

	assigned, err := lookup.Assign(ctx, newEntries, p.LookupDir(), spec)
	if err != nil {
		if eris.Is(err, lookup.ErrRangeExhausted) {
			log.Error("entity range exhausted", zap.String("dataset", dataset))
			return eris.Wrapf(err, "pipeline: assign entities for %s", dataset)
		}
		log.Error("entity assignment failed, continuing", zap.Error(err))
		out.NewEntities = newEntries
		return nil
	}
	out.NewEntities = assigned
	return nil
}

// resourceReferences returns the distinct reference values in the
// converted rows, in first-seen order. The reference column is whichever
// source column the rules resolve to the reference field.
func resourceReferences(header []string, rows []map[string]string, rules []ColumnRule) []string {
	fieldFor := make(map[string]string, len(rules))
	for _, r := range rules {
		fieldFor[r.Column] = r.Field
	}

	refColumn := ""
	for _, column := range header {
		norm := normalizeColumn(column)
		field := norm
		if f, ok := fieldFor[norm]; ok {
			field = f
		}
		if field == "reference" {
			refColumn = column
			break
		}
	}
	if refColumn == "" {
		return nil
	}

	seen := make(map[string]bool)
	var refs []string
	for _, row := range rows {
		ref := row[refColumn]
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

// columnFieldLog records how each source column resolved, then appends
// required fields the source never supplied with missing=true.
func (r *Runner) columnFieldLog(header []string, rules []ColumnRule, mandatory []string, dataset string) []model.ColumnFieldEntry {
	fieldFor := make(map[string]string, len(rules))
	for _, rule := range rules {
		fieldFor[rule.Column] = rule.Field
	}

	present := make(map[string]bool, len(header))
	entries := make([]model.ColumnFieldEntry, 0, len(header))
	for _, column := range header {
		norm := normalizeColumn(column)
		field := norm
		if f, ok := fieldFor[norm]; ok {
			field = f
		}
		present[field] = true
		entries = append(entries, model.ColumnFieldEntry{Dataset: dataset, Column: column, Field: field})
	}

	for _, field := range mandatory {
		if !present[field] {
			entries = append(entries, model.ColumnFieldEntry{Dataset: dataset, Field: field, Missing: true})
		}
	}
	return entries
}

// requestOrganisation extracts the submitting organisation when the
// params carry one.
func requestOrganisation(req *model.Request) string {
	switch p := req.Params.(type) {
	case *model.CheckURLParams:
		return p.Organisation
	case *model.AddDataParams:
		return p.Organisation
	}
	return ""
}

// requestColumnMapping extracts the caller-supplied column mapping when
// the params carry one.
func requestColumnMapping(req *model.Request) map[string]string {
	switch p := req.Params.(type) {
	case *model.CheckURLParams:
		return p.ColumnMapping
	case *model.AddDataParams:
		return p.ColumnMapping
	}
	return nil
}
