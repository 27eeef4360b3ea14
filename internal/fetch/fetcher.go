// Package fetch materializes exactly one resource file per request under
// the collection directory, or signals a user-visible fetch error.
package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// UserError is a fetch failure attributable to the submission itself:
// unreachable URL, non-200 status, HTML response, missing upload. It is
// surfaced in the response error envelope rather than retried.
type UserError struct {
	Msg           string
	Detail        string
	Status        int
	ExceptionType string
	ContentType   string
}

func (e *UserError) Error() string { return e.Msg }

// AsUserError unwraps a UserError from an error chain.
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// Result describes the materialized resource file.
type Result struct {
	// Resource is the sha256 content hash, which is also the filename.
	Resource string
	// Path is the absolute location of the fetched bytes.
	Path string
}

// Fetcher acquires resource bytes from an uploaded-file handle or a URL.
type Fetcher struct {
	cfg           config.FetchConfig
	objects       storage.ObjectStore
	uploadsBucket string
	collectionDir string
	client        httpDoer
}

// New builds a Fetcher rooted at collectionDir.
func New(cfg config.FetchConfig, objects storage.ObjectStore, uploadsBucket, collectionDir string) *Fetcher {
	return &Fetcher{
		cfg:           cfg,
		objects:       objects,
		uploadsBucket: uploadsBucket,
		collectionDir: collectionDir,
		client:        newHTTPClient(cfg),
	}
}

// Fetch materializes the resource for req under
// <collection_dir>/resource/<request_id>/<sha256>.
func (f *Fetcher) Fetch(ctx context.Context, req *model.Request) (*Result, error) {
	destDir := filepath.Join(f.collectionDir, "resource", req.ID)

	switch params := req.Params.(type) {
	case *model.CheckFileParams:
		return f.fetchUpload(ctx, params, destDir)
	case *model.CheckURLParams:
		return f.fetchURL(ctx, params.URL, req.FetchPlugin(), destDir)
	case *model.AddDataParams:
		switch {
		case params.URL != "":
			return f.fetchURL(ctx, params.URL, req.FetchPlugin(), destDir)
		case params.Content != "":
			return f.saveInline(params.Content, destDir)
		default:
			// Preview mode: the workflow reuses the prior response and
			// no fetch occurs.
			return nil, eris.Errorf("fetch: request %s has no fetchable source", req.ID)
		}
	default:
		return nil, eris.Errorf("fetch: unsupported params type for request %s", req.ID)
	}
}

// fetchUpload downloads the uploaded object to the scratch directory and
// renames it to its content hash.
func (f *Fetcher) fetchUpload(ctx context.Context, params *model.CheckFileParams, destDir string) (*Result, error) {
	log := zap.L().With(
		zap.String("component", "fetch"),
		zap.String("key", params.UploadedFilename),
	)

	tmpPath := filepath.Join(destDir, ".upload")
	err := f.objects.DownloadToFile(ctx, f.uploadsBucket, params.UploadedFilename, tmpPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, &UserError{
				Msg:           "uploaded file not found: " + params.UploadedFilename,
				Status:        404,
				ExceptionType: "ObjectNotFound",
			}
		}
		return nil, &UserError{
			Msg:           "failed to download uploaded file",
			Detail:        err.Error(),
			ExceptionType: "TransportError",
		}
	}
	defer os.Remove(tmpPath) //nolint:errcheck

	body, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: read %s", tmpPath)
	}

	hash, err := storage.SaveContentAddressed(destDir, body)
	if err != nil {
		return nil, err
	}
	log.Info("upload materialized", zap.String("resource", hash), zap.Int("bytes", len(body)))
	return &Result{Resource: hash, Path: filepath.Join(destDir, hash)}, nil
}

// saveInline persists inline add_data content directly.
func (f *Fetcher) saveInline(content string, destDir string) (*Result, error) {
	hash, err := storage.SaveContentAddressed(destDir, []byte(content))
	if err != nil {
		return nil, err
	}
	return &Result{Resource: hash, Path: filepath.Join(destDir, hash)}, nil
}
