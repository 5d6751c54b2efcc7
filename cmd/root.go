package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "metagame-cli",
	Short: "Tournament metagame ingestion and analysis",
	Long:  "Pulls tournament results from configured sources into a sealed cache, classifies decklists into archetypes and reports metagame share and matchup winrates.",
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
