package workflow

import (
	"os"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// EndpointRow is one row of a collection's endpoint.csv. Endpoint is the
// sha256 of the URL, which makes registration idempotent per URL.
type EndpointRow struct {
	Endpoint    string `csv:"endpoint"`
	EndpointURL string `csv:"endpoint-url"`
	Parameters  string `csv:"parameters"`
	Plugin      string `csv:"plugin"`
	EntryDate   string `csv:"entry-date"`
	StartDate   string `csv:"start-date"`
	EndDate     string `csv:"end-date"`
}

// SourceRow is one row of a collection's source.csv. Source is the md5
// of collection|organisation|endpoint.
type SourceRow struct {
	Source           string `csv:"source"`
	Attribution      string `csv:"attribution"`
	Collection       string `csv:"collection"`
	DocumentationURL string `csv:"documentation-url"`
	Endpoint         string `csv:"endpoint"`
	Licence          string `csv:"licence"`
	Organisation     string `csv:"organisation"`
	Pipeline         string `csv:"pipeline"`
	EntryDate        string `csv:"entry-date"`
	StartDate        string `csv:"start-date"`
	EndDate          string `csv:"end-date"`
}

// EndpointKey derives the deterministic endpoint key for a URL.
func EndpointKey(url string) string {
	return storage.Sha256Hex([]byte(url))
}

// SourceKey derives the deterministic source key.
func SourceKey(collection, organisation, endpoint string) string {
	return storage.Md5Hex(collection + "|" + organisation + "|" + endpoint)
}

// registerEndpoint checks the staged endpoint.csv for the URL and appends
// endpoint and source rows when absent. Read failures are treated as
// "not present" so registration still proceeds.
func registerEndpoint(endpointPath, sourcePath string, req *model.Request) *model.EndpointURLValidation {
	params := urlParams(req)
	if params == nil || params.URL == "" {
		return nil
	}

	validation := &model.EndpointURLValidation{URL: params.URL}
	key := EndpointKey(params.URL)

	rows, err := readEndpoints(endpointPath)
	if err != nil {
		zap.L().Warn("workflow: endpoint.csv unreadable, treating URL as unregistered",
			zap.String("path", endpointPath),
			zap.Error(err),
		)
	}
	for _, row := range rows {
		if row.Endpoint == key || strings.EqualFold(row.EndpointURL, params.URL) {
			validation.FoundInEndpointCSV = true
			validation.EntryDate = row.EntryDate
			return validation
		}
	}

	now := time.Now()
	entryDate := now.Format(time.RFC3339)
	startDate := params.StartDate
	if startDate == "" {
		startDate = now.Format("2006-01-02")
	}

	if err := appendRow(endpointPath, EndpointRow{
		Endpoint:    key,
		EndpointURL: params.URL,
		Plugin:      string(params.Plugin),
		EntryDate:   entryDate,
		StartDate:   startDate,
	}); err != nil {
		zap.L().Error("workflow: append endpoint row", zap.Error(err))
		return validation
	}
	validation.NewEndpointEntry = true

	if err := appendRow(sourcePath, SourceRow{
		Source:           SourceKey(params.CollectionName, params.Organisation, key),
		Collection:       params.CollectionName,
		DocumentationURL: params.DocumentationURL,
		Endpoint:         key,
		Licence:          params.Licence,
		Organisation:     params.Organisation,
		Pipeline:         params.DatasetName,
		EntryDate:        entryDate,
		StartDate:        startDate,
	}); err != nil {
		zap.L().Error("workflow: append source row", zap.Error(err))
		return validation
	}
	validation.NewSourceEntry = true

	return validation
}

func readEndpoints(path string) ([]EndpointRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: read %s", path)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var rows []EndpointRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrapf(err, "workflow: parse %s", path)
	}
	return rows, nil
}

// appendRow marshals one row and appends it to a staged CSV, writing a
// header only when the file is empty or absent.
func appendRow[T any](path string, row T) error {
	body, err := csvutil.Marshal([]T{row})
	if err != nil {
		return eris.Wrap(err, "workflow: marshal row")
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "workflow: read %s", path)
	}
	if len(existing) > 0 {
		// Drop the generated header, keep the file's.
		if i := strings.IndexByte(string(body), '\n'); i >= 0 {
			body = body[i+1:]
		}
		if existing[len(existing)-1] != '\n' {
			existing = append(existing, '\n')
		}
	}
	return storage.WriteAtomic(path, append(existing, body...))
}

// urlParams returns the URL-bearing params for check_url and add_data
// submissions, nil otherwise.
func urlParams(req *model.Request) *model.CheckURLParams {
	switch p := req.Params.(type) {
	case *model.CheckURLParams:
		return p
	case *model.AddDataParams:
		return &p.CheckURLParams
	}
	return nil
}
