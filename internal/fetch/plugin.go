package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/digital-land/async-request-backend/internal/model"
)

// Strategy adapts the raw GET for protocol-specific endpoints. Selection
// is by the request's plugin tag; there is no dynamic dispatch beyond
// this enum.
type Strategy interface {
	Fetch(ctx context.Context, f *Fetcher, rawURL string) ([]byte, string, error)
}

func strategyFor(plugin model.Plugin) (Strategy, error) {
	switch plugin {
	case model.PluginNone:
		return rawStrategy{}, nil
	case model.PluginArcGIS:
		return arcgisStrategy{}, nil
	case model.PluginWFS:
		return wfsStrategy{}, nil
	default:
		return nil, eris.Errorf("fetch: unknown plugin %q", plugin)
	}
}

type rawStrategy struct{}

func (rawStrategy) Fetch(ctx context.Context, f *Fetcher, rawURL string) ([]byte, string, error) {
	return f.get(ctx, rawURL)
}

// arcgisStrategy queries an ArcGIS REST layer for all features as GeoJSON.
type arcgisStrategy struct{}

func (arcgisStrategy) Fetch(ctx context.Context, f *Fetcher, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &UserError{Msg: "invalid URL: " + rawURL, Detail: err.Error(), ExceptionType: "InvalidURL"}
	}

	if !strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "/query") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/query"
	}
	q := u.Query()
	if q.Get("where") == "" {
		q.Set("where", "1=1")
	}
	q.Set("outFields", "*")
	q.Set("f", "geojson")
	u.RawQuery = q.Encode()

	return f.get(ctx, u.String())
}

// wfsStrategy issues a WFS GetFeature request with JSON output.
type wfsStrategy struct{}

func (wfsStrategy) Fetch(ctx context.Context, f *Fetcher, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &UserError{Msg: "invalid URL: " + rawURL, Detail: err.Error(), ExceptionType: "InvalidURL"}
	}

	q := u.Query()
	if q.Get("service") == "" {
		q.Set("service", "WFS")
	}
	if q.Get("request") == "" {
		q.Set("request", "GetFeature")
	}
	if q.Get("outputFormat") == "" {
		q.Set("outputFormat", "application/json")
	}
	u.RawQuery = q.Encode()

	return f.get(ctx, u.String())
}
