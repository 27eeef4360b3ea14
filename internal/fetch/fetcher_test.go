package fetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// fakeObjectStore serves objects from a map and records requested keys.
type fakeObjectStore struct {
	objects map[string][]byte
	keys    []string
}

func (f *fakeObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.keys = append(f.keys, key)
	body, ok := f.objects[key]
	if !ok {
		return nil, eris.Wrapf(storage.ErrObjectNotFound, "fake: %s/%s", bucket, key)
	}
	return body, nil
}

func (f *fakeObjectStore) DownloadToFile(ctx context.Context, bucket, key, dest string) error {
	body, err := f.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	return storage.WriteAtomic(dest, body)
}

func checkFileRequest(key string) *model.Request {
	return &model.Request{
		ID:   "req-upload",
		Type: model.RequestTypeCheckFile,
		Params: &model.CheckFileParams{
			CollectionName:   "article-4-direction",
			DatasetName:      "article-4-direction-area",
			OriginalFilename: "areas.csv",
			UploadedFilename: key,
		},
	}
}

func TestFetch_Upload(t *testing.T) {
	body := []byte("reference,name\nA4D1,First\n")
	objects := &fakeObjectStore{objects: map[string][]byte{"OBJ1": body}}
	f := New(config.FetchConfig{}, objects, "uploads", t.TempDir())

	res, err := f.Fetch(context.Background(), checkFileRequest("OBJ1"))
	require.NoError(t, err)

	assert.Equal(t, storage.Sha256Hex(body), res.Resource)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

// unreadableObjectStore reports a successful download but leaves dest
// as a directory, so the follow-up read fails.
type unreadableObjectStore struct{}

func (unreadableObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return nil, eris.New("not implemented")
}

func (unreadableObjectStore) DownloadToFile(ctx context.Context, bucket, key, dest string) error {
	return os.MkdirAll(dest, 0o755)
}

func TestFetch_UploadReadFailureLeavesNoScratchFile(t *testing.T) {
	root := t.TempDir()
	f := New(config.FetchConfig{}, unreadableObjectStore{}, "uploads", root)

	_, err := f.Fetch(context.Background(), checkFileRequest("OBJ1"))
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "resource", "req-upload"))
	require.NoError(t, err)
	assert.Empty(t, entries, "the .upload scratch file is removed on failure")
}

func TestFetch_UploadMissing(t *testing.T) {
	objects := &fakeObjectStore{objects: map[string][]byte{}}
	f := New(config.FetchConfig{}, objects, "uploads", t.TempDir())

	_, err := f.Fetch(context.Background(), checkFileRequest("MISSING"))
	require.Error(t, err)

	ue, ok := AsUserError(err)
	require.True(t, ok)
	assert.Contains(t, ue.Msg, "not found")
	assert.Equal(t, 404, ue.Status)
	assert.Equal(t, "ObjectNotFound", ue.ExceptionType)
}

func TestFetch_InlineContent(t *testing.T) {
	f := New(config.FetchConfig{}, nil, "uploads", t.TempDir())

	content := "reference,name\nR1,Oak\n"
	res, err := f.Fetch(context.Background(), &model.Request{
		ID:   "req-inline",
		Type: model.RequestTypeAddData,
		Params: &model.AddDataParams{
			CheckURLParams: model.CheckURLParams{CollectionName: "c", DatasetName: "d"},
			Content:        content,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Sha256Hex([]byte(content)), res.Resource)
	assert.FileExists(t, res.Path)
}

func TestFetch_PreviewHasNoSource(t *testing.T) {
	f := New(config.FetchConfig{}, nil, "uploads", t.TempDir())

	_, err := f.Fetch(context.Background(), &model.Request{
		ID:   "req-preview",
		Type: model.RequestTypeAddData,
		Params: &model.AddDataParams{
			CheckURLParams:  model.CheckURLParams{CollectionName: "c", DatasetName: "d"},
			SourceRequestID: "req-prior",
		},
	})
	assert.Error(t, err, "preview requests never reach the fetcher")
}
