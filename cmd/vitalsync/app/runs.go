package app

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/vitalsync/internal/config"
	"github.com/livinlefevreloca/vitalsync/internal/db"
)

type runOutput struct {
	RunID      string         `json:"run_id"`
	State      string         `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Results    []resultOutput `json:"results"`
}

func newRunsCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Print archived sync runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := db.OpenWithConfig(cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close()

			runs, err := database.ListSyncRuns(limit)
			if err != nil {
				return err
			}

			out := make([]runOutput, 0, len(runs))
			for _, r := range runs {
				ro := runOutput{
					RunID:      r.RunID,
					State:      r.State,
					CreatedAt:  r.CreatedAt,
					StartedAt:  r.StartedAt,
					FinishedAt: r.FinishedAt,
					Results:    make([]resultOutput, 0, len(r.Results)),
				}
				for _, res := range r.Results {
					ro.Results = append(ro.Results, resultOutput{MetricID: res.MetricID, Status: res.Status, Reason: res.Reason})
				}
				out = append(out, ro)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to print")
	return cmd
}
