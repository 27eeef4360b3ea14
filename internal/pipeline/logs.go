package pipeline

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// DatasetResourceRow summarises one processed resource for the
// dataset-resource log.
type DatasetResourceRow struct {
	Dataset     string `csv:"dataset"`
	Resource    string `csv:"resource"`
	EntryCount  int    `csv:"entry-count"`
	EntityCount int    `csv:"entity-count"`
	StartDate   string `csv:"start-date"`
}

// mandatoryFields reads the per-dataset required fields from
// mandatory_fields.yaml. The file maps dataset name to a field list; an
// absent file or dataset yields no requirements.
func mandatoryFields(specificationDir, dataset string) ([]string, error) {
	path := filepath.Join(specificationDir, "mandatory_fields.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}

	byDataset := map[string][]string{}
	if err := yaml.Unmarshal(data, &byDataset); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}
	return byDataset[dataset], nil
}

// writeIssueLog materializes the annotated issue log.
func writeIssueLog(path string, issues []model.IssueLogRow) error {
	body, err := csvutil.Marshal(issues)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal issues")
	}
	if len(issues) == 0 {
		body = []byte("line-number,entry-number,field,issue-type,value,severity,description,responsibility\n")
	}
	return writeLog(path, body)
}

// writeColumnFieldLog materializes the column-field log.
func writeColumnFieldLog(path string, entries []model.ColumnFieldEntry) error {
	body, err := csvutil.Marshal(entries)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal column-field log")
	}
	if len(entries) == 0 {
		body = []byte("dataset,column,field,missing\n")
	}
	return writeLog(path, body)
}

// writeDatasetResourceLog materializes the per-resource summary row.
func writeDatasetResourceLog(path, dataset, resource string, entryCount, entityCount int) error {
	body, err := csvutil.Marshal([]DatasetResourceRow{{
		Dataset:     dataset,
		Resource:    resource,
		EntryCount:  entryCount,
		EntityCount: entityCount,
		StartDate:   time.Now().Format("2006-01-02"),
	}})
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal dataset-resource log")
	}
	return writeLog(path, body)
}

func writeLog(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create dir for %s", path)
	}
	return storage.WriteAtomic(path, body)
}
