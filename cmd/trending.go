package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/trending"
)

var (
	trendingCategory string
	trendingWindow   int
	trendingLimit    int
)

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Rank the most active stories",
	RunE: func(cmd *cobra.Command, args []string) error {
		var category model.Category
		if trendingCategory != "" {
			category = model.Category(trendingCategory)
			if !category.Valid() {
				return eris.Errorf("unknown category %q", trendingCategory)
			}
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		window := time.Duration(trendingWindow) * time.Hour
		entries, err := trending.NewRanker(st).Rank(cmd.Context(), category, window, trendingLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No groups updated in the last %dh.\n", trendingWindow)
			return nil
		}

		for i, e := range entries {
			fmt.Printf("%2d. %-42s  %3d articles  score %.2f  [%s]\n",
				i+1, truncateLabel(e.Group.Label, 42), e.Articles, e.Score, e.Group.Category)
		}
		return nil
	},
}

func init() {
	trendingCmd.Flags().StringVar(&trendingCategory, "category", "", "restrict to one category")
	trendingCmd.Flags().IntVar(&trendingWindow, "window-hours", 24, "activity window in hours")
	trendingCmd.Flags().IntVar(&trendingLimit, "limit", 10, "number of stories to show")
	rootCmd.AddCommand(trendingCmd)
}
