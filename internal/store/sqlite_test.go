package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digital-land/async-request-backend/internal/model"
)

func sqliteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "requests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLiteRequestLifecycle(t *testing.T) {
	st := sqliteStore(t)
	ctx := context.Background()

	req := &model.Request{
		ID:   "req-1",
		Type: model.RequestTypeCheckURL,
		Params: &model.CheckURLParams{
			CollectionName: "tree-preservation-order",
			DatasetName:    "tree",
			URL:            "https://example.com/trees.csv",
			Plugin:         model.PluginArcGIS,
		},
		Plugin: model.PluginArcGIS,
	}
	require.NoError(t, st.CreateRequest(ctx, req))
	assert.Equal(t, model.RequestStatusNew, req.Status)

	got, err := st.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RequestStatusNew, got.Status)
	assert.Equal(t, model.PluginArcGIS, got.Plugin)
	params, ok := got.Params.(*model.CheckURLParams)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/trees.csv", params.URL)

	require.NoError(t, st.UpdateRequestStatus(ctx, "req-1", model.RequestStatusProcessing))
	got, err = st.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusProcessing, got.Status)
}

func TestSQLiteGetRequest_NotFound(t *testing.T) {
	st := sqliteStore(t)
	got, err := st.GetRequest(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteUpdateRequestStatus_Missing(t *testing.T) {
	st := sqliteStore(t)
	err := st.UpdateRequestStatus(context.Background(), "ghost", model.RequestStatusFailed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "request not found")
}

func TestSQLiteResponseRoundTrip(t *testing.T) {
	st := sqliteStore(t)
	ctx := context.Background()

	req := &model.Request{
		ID:     "req-2",
		Type:   model.RequestTypeCheckFile,
		Params: &model.CheckFileParams{CollectionName: "c", DatasetName: "tree", UploadedFilename: "u.csv"},
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	exists, err := st.ResponseExists(ctx, "req-2")
	require.NoError(t, err)
	assert.False(t, exists)

	resp := &model.Response{
		RequestID: "req-2",
		Data: &model.ResponseData{
			NewEntityCount: 1,
			NewEntities: []model.LookupEntry{
				{Prefix: "tree", Reference: "T1", Entity: 100},
			},
		},
	}
	id, err := st.CreateResponse(ctx, resp)
	require.NoError(t, err)
	assert.Positive(t, id)

	exists, err = st.ResponseExists(ctx, "req-2")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := st.GetResponse(ctx, "req-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Data)
	assert.Nil(t, got.Error)
	assert.Equal(t, 1, got.Data.NewEntityCount)
	require.Len(t, got.Data.NewEntities, 1)
	assert.Equal(t, int64(100), got.Data.NewEntities[0].Entity)
}

func TestSQLiteResponseError(t *testing.T) {
	st := sqliteStore(t)
	ctx := context.Background()

	req := &model.Request{
		ID:     "req-3",
		Type:   model.RequestTypeCheckFile,
		Params: &model.CheckFileParams{CollectionName: "c", DatasetName: "tree", UploadedFilename: "u.csv"},
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	_, err := st.CreateResponse(ctx, &model.Response{
		RequestID: "req-3",
		Error:     model.NewErrorEnvelope(model.ErrTypeUser, "404", "uploaded file not found"),
	})
	require.NoError(t, err)

	got, err := st.GetResponse(ctx, "req-3")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Nil(t, got.Data)
	assert.Equal(t, model.ErrTypeUser, got.Error.ErrType)
	assert.Equal(t, "404", got.Error.ErrCode)
}

func TestSQLiteDuplicateResponseRejected(t *testing.T) {
	st := sqliteStore(t)
	ctx := context.Background()

	req := &model.Request{
		ID:     "req-4",
		Type:   model.RequestTypeCheckFile,
		Params: &model.CheckFileParams{CollectionName: "c", DatasetName: "tree", UploadedFilename: "u.csv"},
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	_, err := st.CreateResponse(ctx, &model.Response{RequestID: "req-4"})
	require.NoError(t, err)
	_, err = st.CreateResponse(ctx, &model.Response{RequestID: "req-4"})
	assert.Error(t, err)
}

func TestSQLiteResponseDetails(t *testing.T) {
	st := sqliteStore(t)
	ctx := context.Background()

	req := &model.Request{
		ID:     "req-5",
		Type:   model.RequestTypeCheckFile,
		Params: &model.CheckFileParams{CollectionName: "c", DatasetName: "tree", UploadedFilename: "u.csv"},
	}
	require.NoError(t, st.CreateRequest(ctx, req))
	id, err := st.CreateResponse(ctx, &model.Response{RequestID: "req-5"})
	require.NoError(t, err)

	details := []model.ResponseDetail{
		{EntryNumber: 1, ConvertedRow: map[string]string{"reference": "T1"}},
		{EntryNumber: 2, ConvertedRow: map[string]string{"reference": "T2"}},
		{EntryNumber: 3, ConvertedRow: map[string]string{"reference": "T3"}},
	}
	require.NoError(t, st.CreateResponseDetails(ctx, id, details))

	count, err := st.CountResponseDetails(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = st.CountResponseDetails(ctx, id+1)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLitePing(t *testing.T) {
	st := sqliteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
