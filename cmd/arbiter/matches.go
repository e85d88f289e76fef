package main

import (
	"fmt"

	"github.com/okarsono/arbiter/internal/store"

	"github.com/spf13/cobra"
)

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "List matches from the registry",
	Long:  `Prints recent matches from the registry the daemon writes to, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		limit, _ := cmd.Flags().GetInt("limit")

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open match registry: %w", err)
		}
		defer st.Close()

		matches, err := st.ListMatches(limit)
		if err != nil {
			return err
		}

		fmt.Println(newFormatter().FormatMatches(matches))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(matchesCmd)
	matchesCmd.Flags().Int("limit", 20, "maximum number of matches to list")
}
