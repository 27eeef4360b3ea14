package model

import "time"

// ErrTypeUser and ErrTypeSystem classify user-visible failures.
const (
	ErrTypeUser   = "User Error"
	ErrTypeSystem = "System Error"
)

// ErrorEnvelope is the normalized error record persisted as
// response.error for failed requests.
type ErrorEnvelope struct {
	ErrCode       string `json:"errCode"`
	ErrType       string `json:"errType"`
	ErrMsg        string `json:"errMsg"`
	ErrTime       string `json:"errTime"`
	EndpointURL   string `json:"endpointUrl,omitempty"`
	EntryDate     string `json:"entryDate,omitempty"`
	FetchStatus   int    `json:"fetchStatus,omitempty"`
	ExceptionType string `json:"exceptionType,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	Plugin        string `json:"plugin,omitempty"`
	ErrMsgDetail  string `json:"errMsgDetail,omitempty"`
}

// ColumnFieldEntry records the outcome of mapping one source column to a
// canonical field. Missing marks a required field absent from the source.
type ColumnFieldEntry struct {
	Dataset string `json:"dataset" csv:"dataset"`
	Column  string `json:"column" csv:"column"`
	Field   string `json:"field" csv:"field"`
	Missing bool   `json:"missing,omitempty" csv:"missing"`
}

// IssueLogRow is one structured per-row validation finding.
type IssueLogRow struct {
	LineNumber     int    `json:"line-number" csv:"line-number"`
	EntryNumber    int    `json:"entry-number" csv:"entry-number"`
	Field          string `json:"field" csv:"field"`
	IssueType      string `json:"issue-type" csv:"issue-type"`
	Value          string `json:"value" csv:"value"`
	Severity       string `json:"severity,omitempty" csv:"severity"`
	Description    string `json:"description,omitempty" csv:"description"`
	Responsibility string `json:"responsibility,omitempty" csv:"responsibility"`
}

// TransformedFact is one canonical (entry-number, field, value) triple
// emitted by the transform phase.
type TransformedFact struct {
	EntryNumber int    `json:"entry-number" csv:"entry-number"`
	Field       string `json:"field" csv:"field"`
	Value       string `json:"value" csv:"value"`
}

// LookupEntry is one persisted (prefix, organisation, reference) ->
// entity mapping. Resource is the content hash where the reference was
// first seen.
type LookupEntry struct {
	Prefix       string `json:"prefix" csv:"prefix"`
	Resource     string `json:"resource" csv:"resource"`
	Organisation string `json:"organisation" csv:"organisation"`
	Reference    string `json:"reference" csv:"reference"`
	Entity       int64  `json:"entity" csv:"entity"`
}

// Key returns the uniqueness key for the lookup table.
func (e LookupEntry) Key() string {
	return e.Prefix + "|" + e.Organisation + "|" + e.Reference
}

// EntityBreakdownRow summarises one entity matched against a resource.
type EntityBreakdownRow struct {
	Reference    string `json:"reference"`
	Entity       int64  `json:"entity"`
	Organisation string `json:"organisation,omitempty"`
}

// EntitySummary partitions the references seen in a resource.
type EntitySummary struct {
	ExistingInResource      int                  `json:"existing_in_resource"`
	NewInResource           int                  `json:"new_in_resource"`
	ExistingEntityBreakdown []EntityBreakdownRow `json:"existing_entity_breakdown"`
	NewEntityBreakdown      []EntityBreakdownRow `json:"new_entity_breakdown"`
}

// EndpointURLValidation reports the endpoint registry outcome for URL
// submissions.
type EndpointURLValidation struct {
	URL                string `json:"url"`
	FoundInEndpointCSV bool   `json:"found_in_endpoint_csv"`
	EntryDate          string `json:"entry_date,omitempty"`
	NewEndpointEntry   bool   `json:"new_endpoint_entry,omitempty"`
	NewSourceEntry     bool   `json:"new_source_entry,omitempty"`
}

// ResponseData is the successful result envelope.
type ResponseData struct {
	ColumnFieldLog        []ColumnFieldEntry     `json:"column_field_log"`
	ErrorSummary          []string               `json:"error_summary"`
	NewEntities           []LookupEntry          `json:"new_entities"`
	NewEntityCount        int                    `json:"new_entity_count"`
	EntitySummary         EntitySummary          `json:"entity_summary"`
	ExistingEntities      []EntityBreakdownRow   `json:"existing_entities"`
	EndpointURLValidation *EndpointURLValidation `json:"endpoint_url_validation,omitempty"`
	ColumnMapping         map[string]string      `json:"column_mapping,omitempty"`
}

// Response is the single result row for a request: data XOR error.
type Response struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	Data      *ResponseData  `json:"data,omitempty"`
	Error     *ErrorEnvelope `json:"error,omitempty"`
	Plugin    string         `json:"plugin,omitempty"`
}

// ResponseDetail is one per-input-row record attached to a response.
type ResponseDetail struct {
	EntryNumber    int               `json:"entry_number"`
	ConvertedRow   map[string]string `json:"converted_row"`
	TransformedRow []TransformedFact `json:"transformed_row"`
	IssueLogs      []IssueLogRow     `json:"issue_logs"`
	IsNewEntity    bool              `json:"is_new_entity"`
}

// NewErrorEnvelope builds a minimal normalized error record.
func NewErrorEnvelope(errType, code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		ErrCode: code,
		ErrType: errType,
		ErrMsg:  msg,
		ErrTime: time.Now().Format(time.RFC3339),
	}
}
