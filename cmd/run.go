package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsefeed/grouper/internal/monitoring"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the pending signature queue",
	Long:  "Runs one grouping pass over the pending queue, or keeps running on the configured interval with --once unset.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, adj := newEngine(st)
		if err := adj.Warm(ctx); err != nil {
			zap.L().Warn("run: cache warm failed", zap.Error(err))
		}

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		if _, err := engine.Run(ctx); err != nil {
			return err
		}
		if runOnce {
			return nil
		}

		interval := time.Duration(cfg.Run.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		zap.L().Info("run: entering interval loop", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				zap.L().Info("run: shutting down")
				return nil
			case <-ticker.C:
				if _, err := engine.Run(ctx); err != nil {
					zap.L().Error("run: pass failed", zap.Error(err))
				}
			}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single pass and exit")
	rootCmd.AddCommand(runCmd)
}
