package workflow

import (
	"fmt"
	"time"

	"github.com/digital-land/async-request-backend/internal/fetch"
	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/pipeline"
)

// composeData builds the response data envelope from a pipeline run,
// following the persistence algorithm: resource references come from the
// converted rows, falling back to transformed facts; the existing-entity
// breakdown is the subset of known entities whose reference the resource
// mentions; the new-entity breakdown is deliberately left empty pending
// an agreed source of truth for "new".
func composeData(out *pipeline.Output, validation *model.EndpointURLValidation, columnMapping map[string]string) *model.ResponseData {
	refs := resourceRefs(out)

	existingByRef := make(map[string]model.LookupEntry, len(out.ExistingEntities))
	for _, e := range out.ExistingEntities {
		existingByRef[e.Reference] = e
	}

	var existingBreakdown []model.EntityBreakdownRow
	existing := make([]model.EntityBreakdownRow, 0, len(out.ExistingEntities))
	for _, ref := range refs {
		if e, ok := existingByRef[ref]; ok {
			existingBreakdown = append(existingBreakdown, model.EntityBreakdownRow{
				Reference:    e.Reference,
				Entity:       e.Entity,
				Organisation: e.Organisation,
			})
		}
	}
	for _, e := range out.ExistingEntities {
		existing = append(existing, model.EntityBreakdownRow{
			Reference:    e.Reference,
			Entity:       e.Entity,
			Organisation: e.Organisation,
		})
	}

	errorSummary := make([]string, 0, len(out.NotMappedColumns))
	for _, column := range out.NotMappedColumns {
		errorSummary = append(errorSummary, fmt.Sprintf("The column %q could not be mapped to a field of this dataset", column))
	}

	return &model.ResponseData{
		ColumnFieldLog: out.ColumnFieldLog,
		ErrorSummary:   errorSummary,
		NewEntities:    out.NewEntities,
		NewEntityCount: len(out.NewEntities),
		EntitySummary: model.EntitySummary{
			ExistingInResource:      len(existingBreakdown),
			NewInResource:           len(out.NewEntities),
			ExistingEntityBreakdown: existingBreakdown,
			NewEntityBreakdown:      []model.EntityBreakdownRow{},
		},
		ExistingEntities:      existing,
		EndpointURLValidation: validation,
		ColumnMapping:         columnMapping,
	}
}

// resourceRefs lists the distinct references seen in the resource, in
// first-seen order.
func resourceRefs(out *pipeline.Output) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}

	refColumn := ""
	for _, column := range out.ConvertedHeader {
		for _, e := range out.ColumnFieldLog {
			if e.Column == column && e.Field == "reference" {
				refColumn = column
			}
		}
	}
	if refColumn != "" {
		for _, row := range out.ConvertedRows {
			add(row[refColumn])
		}
		return refs
	}

	for _, fact := range out.Facts {
		if fact.Field == "reference" {
			add(fact.Value)
		}
	}
	return refs
}

// composeDetails builds one detail per converted row, attaching the
// row's issues and facts by entry number.
func composeDetails(out *pipeline.Output, data *model.ResponseData) []model.ResponseDetail {
	issuesByEntry := make(map[int][]model.IssueLogRow)
	for _, issue := range out.Issues {
		issuesByEntry[issue.EntryNumber] = append(issuesByEntry[issue.EntryNumber], issue)
	}
	factsByEntry := make(map[int][]model.TransformedFact)
	for _, fact := range out.Facts {
		factsByEntry[fact.EntryNumber] = append(factsByEntry[fact.EntryNumber], fact)
	}

	newByRef := make(map[string]int64, len(data.EntitySummary.NewEntityBreakdown))
	for _, row := range data.EntitySummary.NewEntityBreakdown {
		newByRef[row.Reference] = row.Entity
	}

	details := make([]model.ResponseDetail, 0, len(out.ConvertedRows))
	for i, row := range out.ConvertedRows {
		entry := i + 1
		isNew := false
		for _, fact := range factsByEntry[entry] {
			if fact.Field == "reference" {
				if _, ok := newByRef[fact.Value]; ok {
					isNew = true
				}
			}
		}
		details = append(details, model.ResponseDetail{
			EntryNumber:    entry,
			ConvertedRow:   row,
			TransformedRow: factsByEntry[entry],
			IssueLogs:      issuesByEntry[entry],
			IsNewEntity:    isNew,
		})
	}
	return details
}

// errorEnvelope normalizes a failure into the persisted error record.
// Fetch user errors keep their classification and detail; anything else
// is a system error.
func errorEnvelope(req *model.Request, err error) *model.ErrorEnvelope {
	env := &model.ErrorEnvelope{
		ErrType: model.ErrTypeSystem,
		ErrMsg:  err.Error(),
		ErrTime: time.Now().Format(time.RFC3339),
		Plugin:  string(req.FetchPlugin()),
	}
	if params := urlParams(req); params != nil {
		env.EndpointURL = params.URL
	}

	if ue, ok := fetch.AsUserError(err); ok {
		env.ErrType = model.ErrTypeUser
		env.ErrMsg = ue.Msg
		env.ErrMsgDetail = ue.Detail
		env.FetchStatus = ue.Status
		env.ExceptionType = ue.ExceptionType
		env.ContentType = ue.ContentType
		env.ErrCode = fmt.Sprintf("%d", ue.Status)
	}
	return env
}
