package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/coordinator"
	"github.com/digital-land/async-request-backend/internal/fetch"
	"github.com/digital-land/async-request-backend/internal/lookup"
	"github.com/digital-land/async-request-backend/internal/pipeline"
	"github.com/digital-land/async-request-backend/internal/store"
	"github.com/digital-land/async-request-backend/internal/storage"
	"github.com/digital-land/async-request-backend/internal/workflow"
)

// env wires the process-wide collaborators. Built once per command.
type env struct {
	store store.Store
	coord *coordinator.Coordinator
	wf    *workflow.Workflow
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects, err := storage.NewS3(storage.S3Options{
		Region:             cfg.Broker.Region,
		MultipartThreshold: cfg.Fetch.MultipartThreshold,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	specs, err := lookup.LoadSpecs(cfg.Dirs.Specification)
	if err != nil {
		zap.L().Warn("dataset specification unavailable, entity assignment disabled", zap.Error(err))
		specs = map[string]lookup.DatasetSpec{}
	}

	fetcher := fetch.New(cfg.Fetch, objects, cfg.Buckets.RequestFiles, cfg.Dirs.Collection)
	configs := pipeline.NewConfigFetcher(objects, cfg.Buckets, cfg.CDN)
	runner := pipeline.NewRunner(cfg.Dirs, configs, specs)
	wf := workflow.New(st, fetcher, runner, configs, cfg.Dirs)

	return &env{
		store: st,
		coord: coordinator.New(st, wf),
		wf:    wf,
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
