package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "async-request-backend",
	Short: "Asynchronous dataset validation and ingestion worker",
	Long:  "Consumes dataset submission requests from a queue, fetches and validates the resources through the pipeline, and persists structured responses.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
