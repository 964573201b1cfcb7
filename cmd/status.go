package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/monitoring"
)

var statusLookback int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and recent run metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(cmd.Context(), statusLookback)
		if err != nil {
			return err
		}

		fmt.Printf("Last %dh: %d runs (%d complete, %d failed, %d running)\n",
			snap.LookbackHours, snap.RunsTotal, snap.RunsComplete, snap.RunsFailed, snap.RunsRunning)
		fmt.Printf("  Processed:  %d\n", snap.Processed)
		fmt.Printf("  Assigned:   %d\n", snap.Assigned)
		fmt.Printf("  Created:    %d\n", snap.Created)
		fmt.Printf("  Escalated:  %d\n", snap.Escalated)
		fmt.Printf("  Fallbacks:  %d (rate %.1f%%)\n", snap.Fallbacks, snap.FallbackRate*100)
		fmt.Printf("  Rejected:   %d\n", snap.Rejected)
		fmt.Printf("  Unplaced:   %d\n", snap.Unplaced)
		fmt.Printf("  Relabeled:  %d\n", snap.Relabeled)
		fmt.Println()
		fmt.Printf("Pending signatures: %d\n", snap.PendingDepth)
		fmt.Printf("Dead letter queue:  %d\n", snap.DLQDepth)

		if len(snap.GroupsByCategory) > 0 {
			fmt.Println("\nGroups by category:")
			cats := make([]string, 0, len(snap.GroupsByCategory))
			for c := range snap.GroupsByCategory {
				cats = append(cats, string(c))
			}
			sort.Strings(cats)
			total := 0
			for _, c := range cats {
				n := snap.GroupsByCategory[model.Category(c)]
				fmt.Printf("  %-44s %6d\n", c, n)
				total += n
			}
			fmt.Printf("  %-44s %6d\n", "Total", total)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback-hours", 24, "metrics window in hours")
	rootCmd.AddCommand(statusCmd)
}
