package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// multiLayerMsg is the user-visible rejection for multi-layer endpoints.
const multiLayerMsg = "Endpoint URL includes multiple dataset layers. Endpoint URL must include a single dataset layer only."

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(cfg config.FetchConfig) *http.Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// fetchURL performs the GET (raw or via plugin strategy), validates the
// response, and writes the body under its content hash.
func (f *Fetcher) fetchURL(ctx context.Context, url string, plugin model.Plugin, destDir string) (*Result, error) {
	log := zap.L().With(
		zap.String("component", "fetch"),
		zap.String("url", url),
		zap.String("plugin", string(plugin)),
	)

	strategy, err := strategyFor(plugin)
	if err != nil {
		return nil, err
	}

	body, contentType, err := strategy.Fetch(ctx, f, url)
	if err != nil {
		return nil, err
	}

	if err := validateContent(body, contentType); err != nil {
		return nil, err
	}

	hash, err := storage.SaveContentAddressed(destDir, body)
	if err != nil {
		return nil, err
	}
	log.Info("url materialized", zap.String("resource", hash), zap.Int("bytes", len(body)))
	return &Result{Resource: hash, Path: filepath.Join(destDir, hash)}, nil
}

// get performs a plain GET with the fixed User-Agent and returns the body
// and content type. Non-200 statuses and HTML responses are user errors.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &UserError{
			Msg:           "invalid URL: " + url,
			Detail:        err.Error(),
			ExceptionType: "InvalidURL",
		}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &UserError{
			Msg:           "failed to retrieve URL",
			Detail:        err.Error(),
			ExceptionType: "ConnectionError",
		}
	}
	defer resp.Body.Close() //nolint:errcheck

	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode != http.StatusOK {
		return nil, contentType, &UserError{
			Msg:           "URL returned status " + resp.Status,
			Status:        resp.StatusCode,
			ExceptionType: "HTTPStatus",
			ContentType:   contentType,
		}
	}
	if strings.HasPrefix(contentType, "text/html") {
		return nil, contentType, &UserError{
			Msg:           "URL returned an HTML page, not a dataset",
			Status:        resp.StatusCode,
			ExceptionType: "HTMLResponse",
			ContentType:   contentType,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contentType, eris.Wrapf(err, "fetch: read body of %s", url)
	}
	return body, contentType, nil
}

// validateContent applies the content-shape check: a JSON object whose
// "layers" array has more than one element is rejected. Non-JSON bodies
// are accepted unconditionally at this stage.
func validateContent(body []byte, contentType string) error {
	var doc struct {
		Layers []json.RawMessage `json:"layers"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	if len(doc.Layers) > 1 {
		return &UserError{
			Msg:           multiLayerMsg,
			ExceptionType: "MultipleLayers",
			ContentType:   contentType,
		}
	}
	return nil
}
