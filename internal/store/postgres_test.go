package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func mockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func fileParams() *model.CheckFileParams {
	return &model.CheckFileParams{
		CollectionName:   "tree-preservation-order",
		DatasetName:      "tree",
		UploadedFilename: "uploads/trees.csv",
	}
}

func TestPostgresCreateRequest(t *testing.T) {
	st, mock := mockStore(t)
	req := &model.Request{ID: "req-1", Type: model.RequestTypeCheckFile, Params: fileParams()}
	paramsJSON, err := json.Marshal(req.Params)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO request").
		WithArgs("req-1", "check_file", "NEW", pgxmock.AnyArg(), pgxmock.AnyArg(), (*string)(nil), paramsJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.CreateRequest(context.Background(), req))
	assert.Equal(t, model.RequestStatusNew, req.Status)
	assert.False(t, req.Created.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRequest(t *testing.T) {
	st, mock := mockStore(t)
	paramsJSON, err := json.Marshal(fileParams())
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, type, status, created, modified, plugin, params FROM request").
		WithArgs("req-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "type", "status", "created", "modified", "plugin", "params"}).
			AddRow("req-1", model.RequestTypeCheckFile, model.RequestStatusProcessing, now, now, (*string)(nil), paramsJSON))

	req, err := st.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, model.RequestStatusProcessing, req.Status)
	params, ok := req.Params.(*model.CheckFileParams)
	require.True(t, ok)
	assert.Equal(t, "tree", params.DatasetName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRequest_NotFound(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery("SELECT id, type, status, created, modified, plugin, params FROM request").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	req, err := st.GetRequest(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, req)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRequestStatus(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectExec("UPDATE request SET status").
		WithArgs("COMPLETE", pgxmock.AnyArg(), "req-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.UpdateRequestStatus(context.Background(), "req-1", model.RequestStatusComplete))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRequestStatus_Missing(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectExec("UPDATE request SET status").
		WithArgs("FAILED", pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateRequestStatus(context.Background(), "ghost", model.RequestStatusFailed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "request not found")
}

func TestPostgresResponseExists(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("req-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := st.ResponseExists(context.Background(), "req-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPostgresCreateResponse(t *testing.T) {
	st, mock := mockStore(t)
	resp := &model.Response{
		RequestID: "req-1",
		Data:      &model.ResponseData{NewEntityCount: 2},
		Plugin:    "arcgis",
	}
	dataJSON, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	plugin := "arcgis"

	mock.ExpectQuery("INSERT INTO response").
		WithArgs("req-1", dataJSON, []byte(nil), &plugin).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := st.CreateResponse(context.Background(), resp)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), resp.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateResponseDetails(t *testing.T) {
	st, mock := mockStore(t)
	details := []model.ResponseDetail{
		{EntryNumber: 1, ConvertedRow: map[string]string{"reference": "T1"}},
		{EntryNumber: 2, ConvertedRow: map[string]string{"reference": "T2"}},
	}

	mock.ExpectCopyFrom(pgx.Identifier{"response_details"}, []string{"response_id", "detail"}).
		WillReturnResult(2)

	require.NoError(t, st.CreateResponseDetails(context.Background(), 7, details))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateResponseDetails_EmptyNoOp(t *testing.T) {
	st, mock := mockStore(t)
	require.NoError(t, st.CreateResponseDetails(context.Background(), 7, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetResponse(t *testing.T) {
	st, mock := mockStore(t)
	errJSON, err := json.Marshal(&model.ErrorEnvelope{ErrType: model.ErrTypeUser, ErrCode: "404"})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, request_id, data, error, plugin FROM response").
		WithArgs("req-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "request_id", "data", "error", "plugin"}).
			AddRow(int64(7), "req-1", []byte(nil), errJSON, (*string)(nil)))

	resp, err := st.GetResponse(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Data)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "404", resp.Error.ErrCode)
}

func TestPostgresGetResponse_NotFound(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery("SELECT id, request_id, data, error, plugin FROM response").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	resp, err := st.GetResponse(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestPostgresCountResponseDetails(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	count, err := st.CountResponseDetails(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
