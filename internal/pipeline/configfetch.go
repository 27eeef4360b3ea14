package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/resilience"
	"github.com/digital-land/async-request-backend/internal/storage"
)

// columnHeader and sourceHeader seed locally created config files when a
// collection has no published copy yet.
const (
	columnHeader    = "dataset,column,field\n"
	transformHeader = "dataset,field,replacement-field\n"
	endpointHeader  = "endpoint,endpoint-url,parameters,plugin,entry-date,start-date,end-date\n"
	sourceHeader    = "source,attribution,collection,documentation-url,endpoint,licence,organisation,pipeline,entry-date,start-date,end-date\n"
	lookupHeader    = "prefix,resource,organisation,reference,entity\n"
)

var errConfigNotFound = eris.New("pipeline: config object not found")

// ConfigFetcher pulls per-collection pipeline config into the request's
// pipeline directory. The bucket is the primary source; the public CDN
// is the fallback when the bucket misses or is unreachable.
type ConfigFetcher struct {
	objects storage.ObjectStore
	buckets config.BucketsConfig
	cdnBase string
	client  *http.Client
	retry   resilience.RetryConfig
}

// NewConfigFetcher builds a fetcher over the configured buckets and CDN.
func NewConfigFetcher(objects storage.ObjectStore, buckets config.BucketsConfig, cdn config.CDNConfig) *ConfigFetcher {
	return &ConfigFetcher{
		objects: objects,
		buckets: buckets,
		cdnBase: cdn.BaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
	}
}

// configFile describes one file to stage into the pipeline directory.
type configFile struct {
	name   string
	bucket string
	key    string
	// header seeds a local file when the object exists nowhere. Empty
	// means absence is fatal only if required is set.
	header   string
	required bool
}

// FetchAll stages column.csv, transform.csv, endpoint.csv and source.csv
// for the request, seeds the collection's shared lookup.csv and refreshes
// the shared organisation.csv cache. Fetches run concurrently. A
// transport failure, after retries and the CDN fallback, is fatal for
// column.csv and lookup.csv and logged for the rest.
func (c *ConfigFetcher) FetchAll(ctx context.Context, p Paths, collection string) error {
	dir := p.PipelineDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create dir %s", dir)
	}

	files := []configFile{
		{name: "column.csv", bucket: c.buckets.Pipeline, key: collection + "/column.csv", header: columnHeader, required: true},
		{name: "transform.csv", bucket: c.buckets.Pipeline, key: collection + "/transform.csv", header: transformHeader},
		{name: "endpoint.csv", bucket: c.buckets.Pipeline, key: collection + "/endpoint.csv", header: endpointHeader},
		{name: "source.csv", bucket: c.buckets.Pipeline, key: collection + "/source.csv", header: sourceHeader},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		g.Go(func() error {
			return c.stage(gctx, f, filepath.Join(dir, f.name))
		})
	}
	g.Go(func() error {
		return c.stageLookup(gctx, collection, p.Lookup())
	})
	g.Go(func() error {
		return c.stageOrganisation(gctx, p.OrganisationCache())
	})
	return g.Wait()
}

// stageLookup seeds the shared collection lookup table. Unlike the
// per-request files it is written at most once: local entity allocations
// append to this file, so a later download must never replace it. The
// existence check runs under the same lock the allocator takes.
func (c *ConfigFetcher) stageLookup(ctx context.Context, collection, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create dir %s", filepath.Dir(dest))
	}

	lock := flock.New(dest + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return eris.Wrapf(err, "pipeline: acquire lock for %s", dest)
	}
	if !locked {
		return eris.Errorf("pipeline: could not lock %s", dest)
	}
	defer lock.Unlock() //nolint:errcheck

	if storage.Exists(dest) {
		return nil
	}

	body, err := c.download(ctx, c.buckets.Lookup, collection+"/lookup.csv")
	if err != nil {
		if eris.Is(err, errConfigNotFound) {
			zap.L().Info("pipeline: lookup.csv absent, seeding empty file",
				zap.String("collection", collection),
			)
			return storage.WriteAtomic(dest, []byte(lookupHeader))
		}
		return eris.Wrap(err, "pipeline: stage lookup.csv")
	}
	return storage.WriteAtomic(dest, body)
}

// stage writes one config file, trying bucket then CDN, seeding the
// header when the object exists in neither place.
func (c *ConfigFetcher) stage(ctx context.Context, f configFile, dest string) error {
	body, err := c.download(ctx, f.bucket, f.key)
	if err == nil {
		return storage.WriteAtomic(dest, body)
	}
	if eris.Is(err, errConfigNotFound) {
		zap.L().Info("pipeline: config absent, seeding empty file",
			zap.String("file", f.name),
			zap.String("key", f.key),
		)
		return storage.WriteAtomic(dest, []byte(f.header))
	}
	if !f.required {
		zap.L().Warn("pipeline: optional config unavailable, seeding empty file",
			zap.String("file", f.name),
			zap.Error(err),
		)
		return storage.WriteAtomic(dest, []byte(f.header))
	}
	return eris.Wrapf(err, "pipeline: stage %s", f.name)
}

// stageOrganisation refreshes the shared organisation cache. The cache is
// best-effort: a stale copy is preferred to a failed request.
func (c *ConfigFetcher) stageOrganisation(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create cache dir")
	}
	body, err := c.download(ctx, c.buckets.Organisation, "organisation.csv")
	if err != nil {
		if storage.Exists(dest) {
			zap.L().Warn("pipeline: organisation refresh failed, using cached copy", zap.Error(err))
			return nil
		}
		if eris.Is(err, errConfigNotFound) {
			return storage.WriteAtomic(dest, []byte("organisation,name,dataset,entity\n"))
		}
		return eris.Wrap(err, "pipeline: stage organisation.csv")
	}
	return storage.WriteAtomic(dest, body)
}

// download tries the bucket first, then the CDN. Both attempts retry on
// transient failures.
func (c *ConfigFetcher) download(ctx context.Context, bucket, key string) ([]byte, error) {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.objects.Get(ctx, bucket, key)
	})
	if err == nil {
		return body, nil
	}
	if !eris.Is(err, storage.ErrObjectNotFound) {
		zap.L().Warn("pipeline: bucket fetch failed, falling back to CDN",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err),
		)
	}

	body, cdnErr := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.fetchCDN(ctx, key)
	})
	if cdnErr == nil {
		return body, nil
	}
	if eris.Is(cdnErr, errConfigNotFound) {
		// The CDN 404 only proves absence when the bucket also said so;
		// otherwise the bucket's transport failure is the real story.
		if eris.Is(err, storage.ErrObjectNotFound) {
			return nil, errConfigNotFound
		}
		return nil, eris.Wrapf(err, "pipeline: fetch %s", key)
	}
	return nil, eris.Wrapf(cdnErr, "pipeline: fetch %s", key)
}

func (c *ConfigFetcher) fetchCDN(ctx context.Context, key string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s", c.cdnBase, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: build request %s", url)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: read %s", url)
		}
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errConfigNotFound
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("pipeline: cdn status %d for %s", resp.StatusCode, url), resp.StatusCode)
	default:
		return nil, eris.Errorf("pipeline: cdn status %d for %s", resp.StatusCode, url)
	}
}
