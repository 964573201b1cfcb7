package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/store"
)

var (
	groupsCategory string
	groupsLimit    int
	groupsCSV      string
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Inspect story groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups, newest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.GroupFilter{Limit: groupsLimit}
		if groupsCategory != "" {
			c := model.Category(groupsCategory)
			if !c.Valid() {
				return eris.Errorf("unknown category %q", groupsCategory)
			}
			filter.Category = c
		}

		groups, err := st.ListGroups(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups found.")
			return nil
		}

		if groupsCSV != "" {
			return exportCSV(groupsCSV, groups)
		}

		for _, g := range groups {
			fmt.Printf("%6d  %-42s  %3d articles  %s\n",
				g.ID, truncateLabel(g.Label, 42), g.ArticleCount(), g.Category)
		}
		return nil
	},
}

var groupsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one group with its members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.New("group id must be an integer")
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		g, err := st.GetGroup(cmd.Context(), id)
		if err != nil {
			return err
		}

		fmt.Printf("Group %d  [%s]\n", g.ID, g.Category)
		fmt.Printf("Label:       %s\n", g.Label)
		if g.Description != "" {
			fmt.Printf("Description: %s\n", g.Description)
		}
		fmt.Printf("Created:     %s\n", g.CreatedAt.Format("2006-01-02 15:04"))
		fmt.Printf("Updated:     %s\n", g.UpdatedAt.Format("2006-01-02 15:04"))
		if top := g.Representative.TopEntity(); top != nil {
			fmt.Printf("Top entity:  %s (%.2f)\n", top.Name, top.Relevance)
		}
		if len(g.Representative.CVEs) > 0 {
			fmt.Printf("CVEs:        %s\n", strings.Join(g.Representative.CVEs, ", "))
		}
		fmt.Printf("Members (%d):\n", g.ArticleCount())
		for i, articleID := range g.Members {
			fmt.Printf("  %3d. %s\n", i+1, articleID)
		}
		return nil
	},
}

func exportCSV(path string, groups []model.Group) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "category", "label", "articles", "created_at", "updated_at", "members"}); err != nil {
		return eris.Wrap(err, "write csv header")
	}
	for _, g := range groups {
		row := []string{
			strconv.FormatInt(g.ID, 10),
			string(g.Category),
			g.Label,
			strconv.Itoa(g.ArticleCount()),
			g.CreatedAt.Format("2006-01-02T15:04:05Z"),
			g.UpdatedAt.Format("2006-01-02T15:04:05Z"),
			strings.Join(g.Members, ";"),
		}
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "flush csv")
	}
	fmt.Printf("Exported %d groups to %s.\n", len(groups), path)
	return nil
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	groupsListCmd.Flags().StringVar(&groupsCategory, "category", "", "filter by category")
	groupsListCmd.Flags().IntVar(&groupsLimit, "limit", 50, "max groups to list")
	groupsListCmd.Flags().StringVar(&groupsCSV, "csv", "", "export to CSV file instead of printing")
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsShowCmd)
	rootCmd.AddCommand(groupsCmd)
}
