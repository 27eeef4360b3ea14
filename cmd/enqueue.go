package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/broker"
	"github.com/digital-land/async-request-backend/internal/model"
)

var (
	enqueueType       string
	enqueueCollection string
	enqueueDataset    string
	enqueueURL        string
	enqueueUpload     string
	enqueueOrg        string
	enqueuePlugin     string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create a request and publish it to the queue",
	Long:  "Builds a submission from flags, persists it in state NEW and publishes the message for a worker to pick up. Intended for local runs and smoke tests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest()
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.store.CreateRequest(cmd.Context(), req); err != nil {
			return err
		}

		b, err := broker.NewSQS(cmd.Context(), cfg.Broker)
		if err != nil {
			return err
		}
		body, err := json.Marshal(req)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		if err := b.Publish(cmd.Context(), body); err != nil {
			return err
		}

		zap.L().Info("request enqueued",
			zap.String("request_id", req.ID),
			zap.String("type", string(req.Type)),
		)
		cmd.Println(req.ID)
		return nil
	},
}

func buildRequest() (*model.Request, error) {
	var params model.RequestParams
	switch model.RequestType(enqueueType) {
	case model.RequestTypeCheckFile:
		params = &model.CheckFileParams{
			CollectionName:   enqueueCollection,
			DatasetName:      enqueueDataset,
			UploadedFilename: enqueueUpload,
			OriginalFilename: enqueueUpload,
		}
	case model.RequestTypeCheckURL:
		params = &model.CheckURLParams{
			CollectionName: enqueueCollection,
			DatasetName:    enqueueDataset,
			URL:            enqueueURL,
			Organisation:   enqueueOrg,
			Plugin:         model.Plugin(enqueuePlugin),
		}
	case model.RequestTypeAddData:
		params = &model.AddDataParams{CheckURLParams: model.CheckURLParams{
			CollectionName: enqueueCollection,
			DatasetName:    enqueueDataset,
			URL:            enqueueURL,
			Organisation:   enqueueOrg,
			Plugin:         model.Plugin(enqueuePlugin),
		}}
	default:
		return nil, eris.Errorf("unknown request type %q", enqueueType)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "marshal params")
	}

	now := time.Now()
	return &model.Request{
		ID:        uuid.NewString(),
		Type:      model.RequestType(enqueueType),
		Status:    model.RequestStatusNew,
		Created:   now,
		Modified:  now,
		Params:    params,
		RawParams: raw,
	}, nil
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "check_url", "request type: check_file, check_url or add_data")
	enqueueCmd.Flags().StringVar(&enqueueCollection, "collection", "", "collection name")
	enqueueCmd.Flags().StringVar(&enqueueDataset, "dataset", "", "dataset name")
	enqueueCmd.Flags().StringVar(&enqueueURL, "url", "", "resource URL for check_url and add_data")
	enqueueCmd.Flags().StringVar(&enqueueUpload, "uploaded-filename", "", "object key for check_file")
	enqueueCmd.Flags().StringVar(&enqueueOrg, "organisation", "", "submitting organisation")
	enqueueCmd.Flags().StringVar(&enqueuePlugin, "plugin", "", "fetch plugin: arcgis or wfs")
	rootCmd.AddCommand(enqueueCmd)
}
