package pipeline

import (
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/model"
)

// IssueType is one row of the specification's issue-type.csv.
type IssueType struct {
	IssueType      string `csv:"issue-type"`
	Severity       string `csv:"severity"`
	Description    string `csv:"description"`
	Responsibility string `csv:"responsibility"`
}

// loadIssueTypes indexes issue-type.csv by issue type.
func loadIssueTypes(specificationDir string) (map[string]IssueType, error) {
	path := filepath.Join(specificationDir, "issue-type.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read %s", path)
	}

	var rows []IssueType
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse %s", path)
	}

	byType := make(map[string]IssueType, len(rows))
	for _, r := range rows {
		byType[r.IssueType] = r
	}
	return byType, nil
}

// AnnotateSeverity joins the issue log against issue-type.csv, filling
// severity, description and responsibility in place. Issues of a type
// the specification does not know keep their blanks.
func AnnotateSeverity(issues []model.IssueLogRow, specificationDir string) []model.IssueLogRow {
	byType, err := loadIssueTypes(specificationDir)
	if err != nil {
		zap.L().Warn("pipeline: issue-type.csv unavailable, severity left blank", zap.Error(err))
		return issues
	}

	for i := range issues {
		it, ok := byType[issues[i].IssueType]
		if !ok {
			continue
		}
		issues[i].Severity = it.Severity
		issues[i].Description = it.Description
		issues[i].Responsibility = it.Responsibility
	}
	return issues
}
