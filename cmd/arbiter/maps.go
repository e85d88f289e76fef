package main

import (
	"fmt"

	"github.com/okarsono/arbiter/internal/maps"

	"github.com/spf13/cobra"
)

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "List playable maps",
	Long:  `Prints the built-in map plus every valid map spec found in the configured maps directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		catalog, err := maps.Catalog(cfg.Match.MapsDir)
		if err != nil {
			return err
		}

		// The built-in default shadows a catalog entry with the same name,
		// matching how map resolution treats it.
		all := []maps.Map{maps.Default()}
		for _, m := range catalog {
			if m.Name != all[0].Name {
				all = append(all, m)
			}
		}
		fmt.Println(newFormatter().FormatMaps(all))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mapsCmd)
}
