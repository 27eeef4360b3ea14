package pipeline

import (
	"path/filepath"

	"github.com/digital-land/async-request-backend/internal/config"
)

// Paths computes the on-disk layout for one request. All artefacts are
// rooted at the configured directories and keyed by dataset, request id
// and resource hash.
type Paths struct {
	dirs       config.DirsConfig
	Collection string
	Dataset    string
	RequestID  string
}

// NewPaths builds the layout helper for a request.
func NewPaths(dirs config.DirsConfig, collection, dataset, requestID string) Paths {
	return Paths{dirs: dirs, Collection: collection, Dataset: dataset, RequestID: requestID}
}

// PipelineDir holds the per-request copies of the collection config
// files (column.csv, transform.csv, endpoint.csv, source.csv).
func (p Paths) PipelineDir() string {
	return filepath.Join(p.dirs.Pipeline, p.Dataset, p.RequestID)
}

// Converted names the canonical CSV produced by the convert phase.
func (p Paths) Converted(resource string) string {
	return filepath.Join(p.dirs.Converted, p.RequestID, resource+".csv")
}

// Issue names the issue log for a resource.
func (p Paths) Issue(resource string) string {
	return filepath.Join(p.dirs.Issue, p.Dataset, p.RequestID, resource+".csv")
}

// ColumnField names the column-field log for a resource.
func (p Paths) ColumnField(resource string) string {
	return filepath.Join(p.dirs.ColumnField, p.Dataset, p.RequestID, resource+".csv")
}

// Transformed names the transformed facts file for a resource.
func (p Paths) Transformed(resource string) string {
	return filepath.Join(p.dirs.Transformed, p.Dataset, p.RequestID, resource+".csv")
}

// DatasetResource names the dataset-resource log for a resource.
func (p Paths) DatasetResource(resource string) string {
	return filepath.Join(p.dirs.DatasetResource, p.Dataset, p.RequestID, resource+".csv")
}

// LookupDir holds the collection's lookup table. The directory is shared
// by every request for the collection so that entity allocations survive
// across requests and the file lock serializes concurrent workers.
func (p Paths) LookupDir() string {
	return filepath.Join(p.dirs.Pipeline, p.Collection)
}

// Lookup names the shared collection lookup table.
func (p Paths) Lookup() string {
	return filepath.Join(p.LookupDir(), "lookup.csv")
}

// OrganisationCache names the shared organisation.csv cache.
func (p Paths) OrganisationCache() string {
	return filepath.Join(p.dirs.Cache, "organisation.csv")
}

// SpecificationDir holds dataset.csv, dataset-field.csv, issue-type.csv
// and mandatory_fields.yaml.
func (p Paths) SpecificationDir() string {
	return p.dirs.Specification
}
