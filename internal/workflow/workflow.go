// Package workflow orchestrates one request end to end: fetch the
// resource, run the pipeline, register the endpoint, compose the
// response and persist it exactly once.
package workflow

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/fetch"
	"github.com/digital-land/async-request-backend/internal/lookup"
	"github.com/digital-land/async-request-backend/internal/model"
	"github.com/digital-land/async-request-backend/internal/pipeline"
	"github.com/digital-land/async-request-backend/internal/store"
)

// Result pairs the composed response with its per-row details.
type Result struct {
	Response *model.Response
	Details  []model.ResponseDetail
}

// Workflow runs submissions. It is safe for use by one worker at a time;
// cross-process coordination happens in the lookup engine and the store.
type Workflow struct {
	store   store.Store
	fetcher *fetch.Fetcher
	runner  *pipeline.Runner
	configs *pipeline.ConfigFetcher
	dirs    config.DirsConfig
	log     *zap.Logger
}

// New assembles a workflow over its collaborators.
func New(st store.Store, fetcher *fetch.Fetcher, runner *pipeline.Runner, configs *pipeline.ConfigFetcher, dirs config.DirsConfig) *Workflow {
	return &Workflow{
		store:   st,
		fetcher: fetcher,
		runner:  runner,
		configs: configs,
		dirs:    dirs,
		log:     zap.L().With(zap.String("component", "workflow")),
	}
}

// Execute runs the request and composes its response. Failures the user
// caused, including every fetch failure, come back inside the response's
// error envelope with a nil error; a non-nil error means the system
// failed and the caller owns the minimal error record.
func (w *Workflow) Execute(ctx context.Context, req *model.Request) (*Result, error) {
	if p, ok := req.Params.(*model.AddDataParams); ok && p.SourceRequestID != "" {
		return w.preview(ctx, req, p)
	}

	fetched, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if _, ok := fetch.AsUserError(err); ok {
			w.log.Info("fetch rejected", zap.String("request_id", req.ID), zap.Error(err))
		} else {
			w.log.Error("fetch failed", zap.String("request_id", req.ID), zap.Error(err))
		}
		return &Result{Response: &model.Response{
			RequestID: req.ID,
			Error:     errorEnvelope(req, err),
			Plugin:    string(req.FetchPlugin()),
		}}, nil
	}

	out, err := w.runner.Run(ctx, req, fetched)
	if err != nil {
		return nil, err
	}

	var validation *model.EndpointURLValidation
	if params := urlParams(req); params != nil && params.URL != "" {
		p := pipeline.NewPaths(w.dirs, req.Params.Collection(), req.Params.Dataset(), req.ID)
		validation = registerEndpoint(
			filepath.Join(p.PipelineDir(), "endpoint.csv"),
			filepath.Join(p.PipelineDir(), "source.csv"),
			req,
		)
	}

	data := composeData(out, validation, requestColumnMapping(req))
	return &Result{
		Response: &model.Response{
			RequestID: req.ID,
			Data:      data,
			Plugin:    string(req.FetchPlugin()),
		},
		Details: composeDetails(out, data),
	}, nil
}

// preview serves add_data submissions that reference a prior check
// request. The prior data envelope is reused wholesale; only the
// existing-entity view is recomputed from the freshest lookup, so the
// counts may shrink if references were retired since the check ran.
func (w *Workflow) preview(ctx context.Context, req *model.Request, params *model.AddDataParams) (*Result, error) {
	prior, err := w.store.GetResponse(ctx, params.SourceRequestID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load source response %s", params.SourceRequestID)
	}
	if prior == nil || prior.Data == nil {
		return &Result{Response: &model.Response{
			RequestID: req.ID,
			Error: model.NewErrorEnvelope(model.ErrTypeUser, "404",
				"source request not found: "+params.SourceRequestID),
			Plugin: string(req.FetchPlugin()),
		}}, nil
	}

	dataset := req.Params.Dataset()
	p := pipeline.NewPaths(w.dirs, req.Params.Collection(), dataset, req.ID)
	if err := w.configs.FetchAll(ctx, p, req.Params.Collection()); err != nil {
		return nil, err
	}
	entries, err := lookup.Read(p.Lookup())
	if err != nil {
		return nil, err
	}

	refs := make(map[string]bool)
	for _, e := range prior.Data.ExistingEntities {
		refs[e.Reference] = true
	}
	for _, e := range prior.Data.NewEntities {
		refs[e.Reference] = true
	}

	data := *prior.Data
	data.ExistingEntities = nil
	for _, e := range entries {
		if refs[e.Reference] {
			data.ExistingEntities = append(data.ExistingEntities, model.EntityBreakdownRow{
				Reference:    e.Reference,
				Entity:       e.Entity,
				Organisation: e.Organisation,
			})
		}
	}
	data.EntitySummary.ExistingEntityBreakdown = data.ExistingEntities
	data.EntitySummary.ExistingInResource = len(data.ExistingEntities)

	return &Result{Response: &model.Response{
		RequestID: req.ID,
		Data:      &data,
		Plugin:    string(req.FetchPlugin()),
	}}, nil
}

// Persist stores the response and its details exactly once. A response
// already present for the request means a re-delivered message; the
// write is skipped and no error is returned.
func (w *Workflow) Persist(ctx context.Context, res *Result) error {
	exists, err := w.store.ResponseExists(ctx, res.Response.RequestID)
	if err != nil {
		return err
	}
	if exists {
		w.log.Info("response already persisted, skipping",
			zap.String("request_id", res.Response.RequestID))
		return nil
	}

	id, err := w.store.CreateResponse(ctx, res.Response)
	if err != nil {
		return err
	}
	if len(res.Details) == 0 {
		return nil
	}
	return w.store.CreateResponseDetails(ctx, id, res.Details)
}

// requestColumnMapping extracts the caller-supplied column mapping for
// URL-bearing submissions.
func requestColumnMapping(req *model.Request) map[string]string {
	if p := urlParams(req); p != nil {
		return p.ColumnMapping
	}
	return nil
}
