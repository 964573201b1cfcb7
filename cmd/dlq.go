package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsefeed/grouper/internal/resilience"
)

var (
	dlqCategory  string
	dlqStage     string
	dlqErrorType string
	dlqLimit     int
	dlqExhausted bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(cmd.Context(), resilience.DLQFilter{
			Category:    dlqCategory,
			FailedStage: dlqStage,
			ErrorType:   dlqErrorType,
			Limit:       dlqLimit,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Dead letter queue is empty.")
			return nil
		}

		now := time.Now().UTC()
		for _, e := range entries {
			state := "waiting"
			switch {
			case e.Exhausted():
				state = "exhausted"
			case e.Due(now):
				state = "due"
			}
			fmt.Printf("%s  %-10s  %-9s  retries %d/%d  %s\n",
				e.ID, e.FailedStage, state, e.RetryCount, e.MaxRetries, e.ArticleID)
			fmt.Printf("    %s\n", e.Error)
		}
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay every due entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eng, _ := newEngine(st)
		retried, cleared, err := eng.RetryDLQ(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Retried %d entries, cleared %d.\n", retried, cleared)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete entries, exhausted ones by default",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(cmd.Context(), resilience.DLQFilter{
			Category:    dlqCategory,
			FailedStage: dlqStage,
			ErrorType:   dlqErrorType,
		})
		if err != nil {
			return err
		}

		purged := 0
		for _, e := range entries {
			if dlqExhausted && !e.Exhausted() {
				continue
			}
			if err := st.DeleteDLQ(cmd.Context(), e.ID); err != nil {
				zap.L().Warn("purge failed", zap.String("id", e.ID), zap.Error(err))
				continue
			}
			purged++
		}
		fmt.Printf("Purged %d of %d entries.\n", purged, len(entries))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqCategory, "category", "", "filter by category")
	dlqListCmd.Flags().StringVar(&dlqStage, "stage", "", "filter by failed stage")
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "max entries to list")

	dlqPurgeCmd.Flags().StringVar(&dlqCategory, "category", "", "filter by category")
	dlqPurgeCmd.Flags().StringVar(&dlqStage, "stage", "", "filter by failed stage")
	dlqPurgeCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient, permanent)")
	dlqPurgeCmd.Flags().BoolVar(&dlqExhausted, "exhausted-only", true, "purge only entries out of retries")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
