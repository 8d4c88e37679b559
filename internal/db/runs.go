package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateSyncRun archives a run and its per-metric results in one transaction
func (db *DB) CreateSyncRun(run *SyncRun) error {
	return db.WithTransaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sync_runs (run_id, state, created_at, started_at, finished_at, deadline)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			run.RunID,
			run.State,
			run.CreatedAt,
			run.StartedAt,
			run.FinishedAt,
			run.Deadline,
		)
		if err != nil {
			if IsDuplicate(err) {
				return fmt.Errorf("sync run %s: %w", run.RunID, ErrDuplicate)
			}
			return err
		}

		for _, res := range run.Results {
			_, err := tx.Exec(`
				INSERT INTO sync_run_results (run_id, metric_id, status, reason)
				VALUES (?, ?, ?, ?)
			`, run.RunID, res.MetricID, res.Status, res.Reason)
			if err != nil {
				if IsForeignKey(err) {
					return fmt.Errorf("result for %s: %w", res.MetricID, ErrForeignKey)
				}
				return fmt.Errorf("insert result for %s: %w", res.MetricID, err)
			}
		}
		return nil
	})
}

// GetSyncRun retrieves an archived run with its results
func (db *DB) GetSyncRun(runID string) (*SyncRun, error) {
	run := &SyncRun{}

	err := db.QueryRow(`
		SELECT run_id, state, created_at, started_at, finished_at, deadline
		FROM sync_runs
		WHERE run_id = ?
	`, runID).Scan(
		&run.RunID,
		&run.State,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Deadline,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Results, err = db.runResults(runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListSyncRuns returns the most recent runs, newest first
func (db *DB) ListSyncRuns(limit int) ([]SyncRun, error) {
	rows, err := db.Query(`
		SELECT run_id, state, created_at, started_at, finished_at, deadline
		FROM sync_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	runs := []SyncRun{}
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(
			&run.RunID,
			&run.State,
			&run.CreatedAt,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Deadline,
		); err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the connection before loading results
	rows.Close()

	for i := range runs {
		runs[i].Results, err = db.runResults(runs[i].RunID)
		if err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (db *DB) runResults(runID string) ([]RunResult, error) {
	rows, err := db.Query(`
		SELECT metric_id, status, reason
		FROM sync_run_results
		WHERE run_id = ?
		ORDER BY metric_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []RunResult{}
	for rows.Next() {
		var res RunResult
		if err := rows.Scan(&res.MetricID, &res.Status, &res.Reason); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
