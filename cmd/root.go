package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pvctl",
	Short: "Provider validation job orchestration",
	Long:  "Runs healthcare provider validation jobs: dispatches providers to the validation agent, aggregates results, and maintains adaptive trust scores per data source.",
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
