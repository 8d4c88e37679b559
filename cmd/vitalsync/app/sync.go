package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/vitalsync/internal/config"
	"github.com/livinlefevreloca/vitalsync/internal/engine"
	"github.com/livinlefevreloca/vitalsync/internal/run"
)

type resultOutput struct {
	MetricID string `json:"metric_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type syncOutput struct {
	RunID      string         `json:"run_id"`
	State      string         `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []resultOutput `json:"results"`
	Drained    bool           `json:"drained"`
}

func newSyncOnceCmd(cfg *config.Config) *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync and wait for its uploads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := runSyncOnce(cmd.Context(), cfg, drainTimeout)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if out.State != run.StateCompleted.String() {
				return fmt.Errorf("sync run %s finished %s", out.RunID, out.State)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", time.Minute, "How long to wait for pending uploads after the run")
	return cmd
}

func runSyncOnce(ctx context.Context, cfg *config.Config, drainTimeout time.Duration) (*syncOutput, error) {
	logger := slog.Default()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Error("engine stop failed", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return nil, err
	}

	snap, err := eng.SyncOnce(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync run: %w", err)
	}

	out := &syncOutput{
		RunID:      snap.ID.String(),
		State:      snap.State.String(),
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	for _, id := range snap.MetricIDs {
		res, ok := snap.Results[id]
		if !ok {
			out.Results = append(out.Results, resultOutput{MetricID: id, Status: "pending"})
			continue
		}
		out.Results = append(out.Results, resultOutput{MetricID: id, Status: res.Status.String(), Reason: res.Reason})
	}

	if snap.State == run.StateCompleted {
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		err := eng.DrainOutbox(drainCtx)
		switch {
		case err == nil:
			out.Drained = true
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("uploads still pending, they resume on the next start", "error", err)
		default:
			return nil, err
		}
	}
	return out, nil
}
