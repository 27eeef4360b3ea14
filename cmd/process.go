package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rotisserie/eris"
)

var processCmd = &cobra.Command{
	Use:   "process <request-id>",
	Short: "Run one stored request inline, without the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := env.store.GetRequest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if req == nil {
			return eris.Errorf("request %s not found", args[0])
		}

		body, err := json.Marshal(req)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		if err := env.coord.Handle(cmd.Context(), body); err != nil {
			return err
		}

		final, err := env.store.GetRequest(cmd.Context(), req.ID)
		if err != nil {
			return err
		}
		zap.L().Info("request processed",
			zap.String("request_id", req.ID),
			zap.String("status", string(final.Status)),
		)
		cmd.Println(string(final.Status))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
