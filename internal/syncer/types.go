package syncer

import (
	"sort"
	"time"

	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/run"
)

// RunRecord is the archived form of a terminal sync run
type RunRecord struct {
	RunID      string
	State      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Deadline   time.Time
	Results    []ResultRecord
}

// ResultRecord is one metric's outcome in a RunRecord
type ResultRecord struct {
	MetricID string
	Status   string
	Reason   string
}

// RecordFromSnapshot converts a run snapshot into an archive record
func RecordFromSnapshot(snap run.Snapshot) RunRecord {
	rec := RunRecord{
		RunID:      snap.ID.String(),
		State:      snap.State.String(),
		CreatedAt:  snap.CreatedAt,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Deadline:   snap.Deadline,
		Results:    make([]ResultRecord, 0, len(snap.Results)),
	}
	for id, res := range snap.Results {
		rec.Results = append(rec.Results, ResultRecord{
			MetricID: id,
			Status:   res.Status.String(),
			Reason:   res.Reason,
		})
	}
	sort.Slice(rec.Results, func(i, j int) bool {
		return rec.Results[i].MetricID < rec.Results[j].MetricID
	})
	return rec
}

// RunWriter persists archived runs
type RunWriter interface {
	WriteRunRecord(rec RunRecord) error
}

// DBWriter writes run records to the sync_runs tables
type DBWriter struct {
	db *db.DB
}

func NewDBWriter(database *db.DB) *DBWriter {
	return &DBWriter{db: database}
}

func (w *DBWriter) WriteRunRecord(rec RunRecord) error {
	row := &db.SyncRun{
		RunID:      rec.RunID,
		State:      rec.State,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  optionalTime(rec.StartedAt),
		FinishedAt: optionalTime(rec.FinishedAt),
		Deadline:   optionalTime(rec.Deadline),
	}
	for _, res := range rec.Results {
		row.Results = append(row.Results, db.RunResult{
			MetricID: res.MetricID,
			Status:   res.Status,
			Reason:   res.Reason,
		})
	}

	err := w.db.CreateSyncRun(row)
	if db.IsDuplicate(err) {
		// already archived by an earlier flush
		return nil
	}
	return err
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Stats provides current syncer statistics
type Stats struct {
	BufferedRecords int
	Written         int64
	WriteErrors     int64
}
