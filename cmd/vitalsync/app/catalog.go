package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/config"
)

func newCatalogCmd(cfg *config.Config) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the monitored metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids := cfg.Catalog.Metrics
			if all {
				ids = nil
				for _, k := range catalog.AllKinds() {
					ids = append(ids, k.ID())
				}
			}
			cat, err := catalog.New(ids)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tAGGREGATION\tUNIT\tDISPLAY")
			for _, d := range cat.Descriptors() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Title, d.Aggregation, d.Unit, d.DisplayUnit)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List every known metric, not only the configured ones")
	return cmd
}
