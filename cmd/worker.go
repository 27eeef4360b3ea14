package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/broker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume and process requests from the queue",
	Long:  "Long-polls the request queue one message at a time. Each message runs to a terminal status before it is acknowledged; SIGINT or SIGTERM stops polling after the in-flight message completes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := broker.NewSQS(ctx, cfg.Broker)
		if err != nil {
			return err
		}

		zap.L().Info("worker started",
			zap.String("queue", cfg.Broker.QueueName),
			zap.Int("visibility_timeout", cfg.Broker.VisibilityTimeout),
		)
		return b.Consume(ctx, env.coord.Handle)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
