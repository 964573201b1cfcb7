package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsefeed/grouper/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "grouper",
	Short: "Incremental story grouping for news articles",
	Long:  "Drains a queue of extracted article signatures and places each article into an existing story group, seeds a new group, or escalates the ambiguous ones to a Claude adjudicator.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return cfg.Validate(cmd.Name())
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
