package workflow

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digital-land/async-request-backend/internal/fetch"
	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/pipeline"
)

func sampleOutput() *pipeline.Output {
	return &pipeline.Output{
		Resource:        "abc123",
		ConvertedHeader: []string{"reference", "name"},
		ConvertedRows: []map[string]string{
			{"reference": "T1", "name": "Oak"},
			{"reference": "T2", "name": "Ash"},
			{"reference": "T3", "name": "Elm"},
		},
		Facts: []model.TransformedFact{
			{EntryNumber: 1, Field: "reference", Value: "T1"},
			{EntryNumber: 1, Field: "name", Value: "Oak"},
			{EntryNumber: 2, Field: "reference", Value: "T2"},
			{EntryNumber: 2, Field: "name", Value: "Ash"},
			{EntryNumber: 3, Field: "reference", Value: "T3"},
			{EntryNumber: 3, Field: "name", Value: "Elm"},
		},
		Issues: []model.IssueLogRow{
			{LineNumber: 3, EntryNumber: 2, Field: "name", IssueType: "missing value"},
		},
		ColumnFieldLog: []model.ColumnFieldEntry{
			{Dataset: "tree", Column: "reference", Field: "reference"},
			{Dataset: "tree", Column: "name", Field: "name"},
		},
		NewEntities: []model.LookupEntry{
			{Prefix: "tree", Organisation: "local-authority:ABC", Reference: "T3", Entity: 102},
		},
		ExistingEntities: []model.LookupEntry{
			{Prefix: "tree", Organisation: "local-authority:ABC", Reference: "T1", Entity: 100},
			{Prefix: "tree", Organisation: "local-authority:ABC", Reference: "T2", Entity: 101},
			{Prefix: "tree", Organisation: "local-authority:XYZ", Reference: "T9", Entity: 150},
		},
	}
}

func TestComposeData_PartitionsEntities(t *testing.T) {
	out := sampleOutput()
	data := composeData(out, nil, nil)

	// Only references the resource mentions make the breakdown; T9 does not.
	require.Len(t, data.EntitySummary.ExistingEntityBreakdown, 2)
	assert.Equal(t, "T1", data.EntitySummary.ExistingEntityBreakdown[0].Reference)
	assert.Equal(t, "T2", data.EntitySummary.ExistingEntityBreakdown[1].Reference)
	assert.Equal(t, 2, data.EntitySummary.ExistingInResource)
	assert.Equal(t, 1, data.EntitySummary.NewInResource)
	assert.Empty(t, data.EntitySummary.NewEntityBreakdown)
	assert.NotNil(t, data.EntitySummary.NewEntityBreakdown)

	// The full known-entity list still carries all three.
	assert.Len(t, data.ExistingEntities, 3)
	assert.Equal(t, 1, data.NewEntityCount)
	require.Len(t, data.NewEntities, 1)
	assert.Equal(t, "T3", data.NewEntities[0].Reference)
}

func TestComposeData_ErrorSummaryPerUnmappedColumn(t *testing.T) {
	out := sampleOutput()
	out.NotMappedColumns = []string{"Colour", "Height"}

	data := composeData(out, nil, map[string]string{"Colour": "colour"})
	require.Len(t, data.ErrorSummary, 2)
	assert.Equal(t, `The column "Colour" could not be mapped to a field of this dataset`, data.ErrorSummary[0])
	assert.Equal(t, map[string]string{"Colour": "colour"}, data.ColumnMapping)
}

func TestComposeData_FactsFallbackWhenNoReferenceColumn(t *testing.T) {
	out := sampleOutput()
	// No column resolves to "reference", so refs come from the facts.
	out.ColumnFieldLog = []model.ColumnFieldEntry{{Dataset: "tree", Column: "name", Field: "name"}}

	data := composeData(out, nil, nil)
	assert.Equal(t, 2, data.EntitySummary.ExistingInResource)
}

func TestComposeData_CarriesValidation(t *testing.T) {
	v := &model.EndpointURLValidation{URL: "https://example.com", NewEndpointEntry: true}
	data := composeData(sampleOutput(), v, nil)
	assert.Same(t, v, data.EndpointURLValidation)
}

func TestComposeDetails_OnePerConvertedRow(t *testing.T) {
	out := sampleOutput()
	data := composeData(out, nil, nil)
	details := composeDetails(out, data)

	require.Len(t, details, 3)
	for i, d := range details {
		assert.Equal(t, i+1, d.EntryNumber)
		assert.Len(t, d.TransformedRow, 2)
	}
	assert.Empty(t, details[0].IssueLogs)
	require.Len(t, details[1].IssueLogs, 1)
	assert.Equal(t, "missing value", details[1].IssueLogs[0].IssueType)

	// The new-entity breakdown is empty, so nothing is flagged new.
	for _, d := range details {
		assert.False(t, d.IsNewEntity)
	}
}

func TestErrorEnvelope_SystemDefault(t *testing.T) {
	req := urlRequest("https://example.com/trees.csv")
	env := errorEnvelope(req, eris.New("disk full"))

	assert.Equal(t, model.ErrTypeSystem, env.ErrType)
	assert.Equal(t, "disk full", env.ErrMsg)
	assert.Equal(t, "https://example.com/trees.csv", env.EndpointURL)
	assert.NotEmpty(t, env.ErrTime)
}

func TestErrorEnvelope_FetchUserError(t *testing.T) {
	req := urlRequest("https://example.com/trees.csv")
	ue := &fetch.UserError{
		Msg:           "endpoint returned 403",
		Detail:        "Forbidden",
		Status:        403,
		ExceptionType: "HTTPError",
		ContentType:   "text/html",
	}
	env := errorEnvelope(req, eris.Wrap(ue, "fetch: get url"))

	assert.Equal(t, model.ErrTypeUser, env.ErrType)
	assert.Equal(t, "endpoint returned 403", env.ErrMsg)
	assert.Equal(t, "Forbidden", env.ErrMsgDetail)
	assert.Equal(t, 403, env.FetchStatus)
	assert.Equal(t, "403", env.ErrCode)
	assert.Equal(t, "HTTPError", env.ExceptionType)
	assert.Equal(t, "text/html", env.ContentType)
}
